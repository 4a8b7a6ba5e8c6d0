// Package config loads and validates the service configuration from a
// TOML file. String values may reference environment variables as ${VAR};
// inside a camera section the reserved ${camera_id} expands to the camera
// identifier.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/warpcomdev/kvsinfer/internal/infer/decode"
	"github.com/warpcomdev/kvsinfer/internal/infer/detector"
	"github.com/warpcomdev/kvsinfer/internal/infer/filter"
	"github.com/warpcomdev/kvsinfer/internal/infer/framesource"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
	"github.com/warpcomdev/kvsinfer/internal/infer/publish"
	"github.com/warpcomdev/kvsinfer/internal/infer/worker"
)

// Config is the root of the configuration file.
type Config struct {
	Upstream   Upstream                `toml:"upstream"`
	Publishers Publishers              `toml:"publishers"`
	Cameras    map[string]CameraConfig `toml:"cameras"`
}

// Upstream groups the external services every camera shares.
type Upstream struct {
	PlaybackEndpoint string        `toml:"playback_endpoint"`
	ModelEndpoint    string        `toml:"model_endpoint"`
	OCREndpoint      string        `toml:"ocr_endpoint"`
	TimeoutSeconds   int           `toml:"timeout_seconds"`
	Decoder          decode.Config `toml:"decoder"`
}

// Check fills defaults and validates the upstream endpoints.
func (u *Upstream) Check() error {
	if u.PlaybackEndpoint == "" {
		return errors.New("upstream.playback_endpoint is required")
	}
	if u.ModelEndpoint == "" {
		return errors.New("upstream.model_endpoint is required")
	}
	if u.TimeoutSeconds < 1 {
		u.TimeoutSeconds = 30
	}
	return u.Decoder.Check()
}

// Timeout returns the shared HTTP client timeout.
func (u Upstream) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Publishers configures the three sinks.
type Publishers struct {
	Stream   StreamSink   `toml:"stream"`
	Snapshot SnapshotSink `toml:"snapshot"`
	Record   RecordSink   `toml:"record"`
}

// StreamSink configures the bus publisher.
type StreamSink struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	publish.StreamConfig
}

// SnapshotSink configures the object-store publisher.
type SnapshotSink struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
	Bucket   string `toml:"bucket"`
	Secret   string `toml:"secret"`
	publish.SnapshotConfig
}

// RecordSink configures the key-value publisher.
type RecordSink struct {
	Enabled bool `toml:"enabled"`
	publish.RecordConfig
}

// CameraConfig is one camera section.
type CameraConfig struct {
	Enabled    bool              `toml:"enabled"`
	StreamName string            `toml:"stream_name"`
	FPSTarget  float64           `toml:"fps_target"`
	MinBoxArea float64           `toml:"min_box_area"`
	Playback   Playback          `toml:"playback"`
	ROI        ROI               `toml:"roi"`
	Detectors  []detector.Config `toml:"detectors"`
}

// Playback tunes the camera's frame source.
type Playback struct {
	SessionSeconds          int `toml:"session_seconds"`
	URLRefreshMarginSeconds int `toml:"url_refresh_margin_seconds"`
	BackoffBaseMs           int `toml:"backoff_base_ms"`
	MaxReconnectDelayMs     int `toml:"max_reconnect_delay_ms"`
	MaxConsecutiveErrors    int `toml:"max_consecutive_errors"`
}

// ROI is the camera's region-of-interest section. Each polygon is a list
// of [x, y] pairs.
type ROI struct {
	Enabled    bool           `toml:"enabled"`
	Polygons   [][][2]float64 `toml:"polygons"`
	FilterMode string         `toml:"filter_mode"`
	MinOverlap float64        `toml:"min_overlap"`
}

// Load reads, expands and validates the configuration file.
func Load(path string) (*Config, error) {
	var config Config
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := config.Check(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return &config, nil
}

// Check expands placeholders, fills defaults and validates every section.
func (config *Config) Check() error {
	config.expand()
	if err := config.Upstream.Check(); err != nil {
		return err
	}
	if config.Publishers.Stream.Enabled {
		if config.Publishers.Stream.URL == "" {
			return errors.New("publishers.stream.url is required when enabled")
		}
		if err := config.Publishers.Stream.StreamConfig.Check(); err != nil {
			return err
		}
	}
	if config.Publishers.Snapshot.Enabled {
		if config.Publishers.Snapshot.Endpoint == "" || config.Publishers.Snapshot.Bucket == "" {
			return errors.New("publishers.snapshot needs endpoint and bucket when enabled")
		}
		if err := config.Publishers.Snapshot.SnapshotConfig.Check(); err != nil {
			return err
		}
	}
	if config.Publishers.Record.Enabled {
		if err := config.Publishers.Record.RecordConfig.Check(); err != nil {
			return err
		}
	}
	enabled := 0
	for id, camera := range config.Cameras {
		if !camera.Enabled {
			continue
		}
		enabled++
		if err := camera.check(id); err != nil {
			return err
		}
		config.Cameras[id] = camera
	}
	if enabled == 0 {
		return errors.New("no camera is enabled")
	}
	return nil
}

func (camera *CameraConfig) check(id string) error {
	if camera.StreamName == "" {
		return fmt.Errorf("camera %s: stream_name is required", id)
	}
	if camera.FPSTarget < 0 {
		return fmt.Errorf("camera %s: fps_target must not be negative", id)
	}
	if len(camera.Detectors) == 0 {
		return fmt.Errorf("camera %s: at least one detector is required", id)
	}
	for i := range camera.Detectors {
		if err := camera.Detectors[i].Check(); err != nil {
			return fmt.Errorf("camera %s: %w", id, err)
		}
	}
	if camera.ROI.Enabled {
		if len(camera.ROI.Polygons) == 0 {
			return fmt.Errorf("camera %s: roi enabled without polygons", id)
		}
		for i, poly := range camera.ROI.Polygons {
			if len(poly) < 3 {
				return fmt.Errorf("camera %s: roi polygon %d has %d points, need at least 3", id, i, len(poly))
			}
			for _, p := range poly {
				if p[0] < 0 || p[1] < 0 {
					return fmt.Errorf("camera %s: roi polygon %d has negative coordinate (%v, %v)", id, i, p[0], p[1])
				}
			}
		}
		mode := filter.Mode(camera.ROI.FilterMode)
		if camera.ROI.FilterMode == "" {
			camera.ROI.FilterMode = string(filter.ModeCenter)
		} else if !filter.ValidMode(mode) {
			return fmt.Errorf("camera %s: unknown roi filter_mode %q", id, camera.ROI.FilterMode)
		}
		if mode == filter.ModeOverlap && (camera.ROI.MinOverlap <= 0 || camera.ROI.MinOverlap > 1) {
			return fmt.Errorf("camera %s: roi min_overlap %v outside (0, 1]", id, camera.ROI.MinOverlap)
		}
	}
	fs := camera.FrameSource()
	if err := fs.Check(); err != nil {
		return fmt.Errorf("camera %s: %w", id, err)
	}
	camera.Playback.SessionSeconds = fs.SessionSeconds
	camera.Playback.URLRefreshMarginSeconds = fs.URLRefreshMarginSeconds
	camera.Playback.MaxConsecutiveErrors = fs.MaxConsecutiveErrors
	return nil
}

// FrameSource builds the frame-source settings for this camera.
func (camera CameraConfig) FrameSource() framesource.Config {
	return framesource.Config{
		StreamName:              camera.StreamName,
		SessionSeconds:          camera.Playback.SessionSeconds,
		URLRefreshMarginSeconds: camera.Playback.URLRefreshMarginSeconds,
		BackoffBase:             time.Duration(camera.Playback.BackoffBaseMs) * time.Millisecond,
		MaxReconnectDelay:       time.Duration(camera.Playback.MaxReconnectDelayMs) * time.Millisecond,
		MaxConsecutiveErrors:    camera.Playback.MaxConsecutiveErrors,
	}
}

// FilterROI builds the runtime ROI for this camera.
func (camera CameraConfig) FilterROI() filter.ROI {
	if !camera.ROI.Enabled {
		return filter.ROI{}
	}
	polygons := make([]geom.Polygon, 0, len(camera.ROI.Polygons))
	for _, points := range camera.ROI.Polygons {
		poly := make(geom.Polygon, 0, len(points))
		for _, p := range points {
			poly = append(poly, geom.Point{X: p[0], Y: p[1]})
		}
		polygons = append(polygons, poly)
	}
	return filter.ROI{
		Polygons:   polygons,
		Mode:       filter.Mode(camera.ROI.FilterMode),
		MinOverlap: camera.ROI.MinOverlap,
	}
}

// Worker builds the worker settings for this camera.
func (camera CameraConfig) Worker() worker.Config {
	return worker.Config{
		FPSTarget:  camera.FPSTarget,
		MinBoxArea: camera.MinBoxArea,
	}
}

// expand resolves ${VAR} and ${camera_id} placeholders on the string
// fields that accept them.
func (config *Config) expand() {
	expand := func(s string) string { return expandWith(s, "") }
	config.Upstream.PlaybackEndpoint = expand(config.Upstream.PlaybackEndpoint)
	config.Upstream.ModelEndpoint = expand(config.Upstream.ModelEndpoint)
	config.Upstream.OCREndpoint = expand(config.Upstream.OCREndpoint)
	config.Publishers.Stream.URL = expand(config.Publishers.Stream.URL)
	config.Publishers.Stream.SubjectPrefix = expand(config.Publishers.Stream.SubjectPrefix)
	config.Publishers.Snapshot.Endpoint = expand(config.Publishers.Snapshot.Endpoint)
	config.Publishers.Snapshot.Bucket = expand(config.Publishers.Snapshot.Bucket)
	config.Publishers.Snapshot.Secret = expand(config.Publishers.Snapshot.Secret)
	config.Publishers.Snapshot.Prefix = expand(config.Publishers.Snapshot.Prefix)
	config.Publishers.Record.Path = expand(config.Publishers.Record.Path)
	for id, camera := range config.Cameras {
		camera.StreamName = expandWith(camera.StreamName, id)
		for i := range camera.Detectors {
			camera.Detectors[i].Model = expandWith(camera.Detectors[i].Model, id)
		}
		config.Cameras[id] = camera
	}
}

func expandWith(s, cameraID string) string {
	return os.Expand(s, func(name string) string {
		if name == "camera_id" {
			return cameraID
		}
		return os.Getenv(name)
	})
}
