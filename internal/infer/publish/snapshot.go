package publish

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

const snapshotSink = "snapshot"

// SnapshotConfig tunes the snapshot publisher.
type SnapshotConfig struct {
	Prefix         string `toml:"prefix"`
	JPEGQuality    int    `toml:"jpeg_quality"`
	Annotate       bool   `toml:"annotate"`
	QueueSize      int    `toml:"queue_size"`
	UploadTimeoutS int    `toml:"upload_timeout_seconds"`
}

// Check fills defaults and validates the quality range.
func (c *SnapshotConfig) Check() error {
	if c.Prefix == "" {
		c.Prefix = "snapshots"
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality %d outside [1, 100]", c.JPEGQuality)
	}
	if c.QueueSize == 0 {
		c.QueueSize = 64
	}
	if c.UploadTimeoutS == 0 {
		c.UploadTimeoutS = 10
	}
	return nil
}

type snapshotJob struct {
	key  string
	data []byte
	meta map[string]string
}

// Snapshot encodes annotated frames as JPEG and uploads them to the
// object store from a single background uploader. Save never blocks on
// the store; a full queue drops the snapshot and counts it.
type Snapshot struct {
	config SnapshotConfig
	store  ObjectStore
	logger *zap.Logger

	jobs     chan snapshotJob
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	metrics Metrics
}

// NewSnapshot builds the snapshot publisher and starts its uploader.
func NewSnapshot(config SnapshotConfig, store ObjectStore, logger *zap.Logger) *Snapshot {
	s := &Snapshot{
		config: config,
		store:  store,
		logger: logger.With(zap.String("sink", snapshotSink)),
		jobs:   make(chan snapshotJob, config.QueueSize),
		done:   make(chan struct{}),
	}
	go s.uploadLoop()
	return s
}

// Save encodes the frame, with annotations when configured, and queues the
// upload. Errors never propagate to the worker.
func (s *Snapshot) Save(frame image.Image, cameraID string, tsMs int64, events []event.Event) {
	var img image.Image = frame
	if s.config.Annotate && len(events) > 0 {
		img = annotate(frame, events)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.config.JPEGQuality}); err != nil {
		s.mu.Lock()
		s.metrics.Failed++
		s.mu.Unlock()
		publisherFailures.WithLabelValues(snapshotSink).Inc()
		s.logger.Error("encoding snapshot", zap.String("camera_id", cameraID), zap.Error(err))
		return
	}
	bounds := frame.Bounds()
	job := snapshotJob{
		key:  fmt.Sprintf("%s/%s/%d.jpg", s.config.Prefix, cameraID, tsMs),
		data: buf.Bytes(),
		meta: map[string]string{
			"camera-id": cameraID,
			"ts-ms":     strconv.FormatInt(tsMs, 10),
			"quality":   strconv.Itoa(s.config.JPEGQuality),
			"width":     strconv.Itoa(bounds.Dx()),
			"height":    strconv.Itoa(bounds.Dy()),
		},
	}
	// The mutex covers both the closed flag and the send, so a late Save
	// racing Flush drops the snapshot instead of hitting a closed channel.
	s.mu.Lock()
	if s.closed {
		s.metrics.Dropped++
		s.mu.Unlock()
		publisherDropped.WithLabelValues(snapshotSink).Inc()
		s.logger.Warn("snapshot publisher closed, dropping", zap.String("key", job.key))
		return
	}
	select {
	case s.jobs <- job:
		s.mu.Unlock()
	default:
		s.metrics.Dropped++
		s.mu.Unlock()
		publisherDropped.WithLabelValues(snapshotSink).Inc()
		s.logger.Warn("snapshot queue full, dropping", zap.String("key", job.key))
	}
}

func (s *Snapshot) uploadLoop() {
	defer close(s.done)
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(s.config.UploadTimeoutS)*time.Second)
		err := s.store.Put(ctx, job.key, "image/jpeg", job.data, job.meta)
		cancel()
		s.mu.Lock()
		if err != nil {
			s.metrics.Failed++
		} else {
			s.metrics.Published++
		}
		s.mu.Unlock()
		if err != nil {
			publisherFailures.WithLabelValues(snapshotSink).Inc()
			s.logger.Error("uploading snapshot", zap.String("key", job.key), zap.Error(err))
			continue
		}
		bytesUploaded.WithLabelValues(snapshotSink).Add(float64(len(job.data)))
	}
}

// Flush closes the queue and waits for the uploader to drain it. Saves
// arriving afterwards are dropped and counted.
func (s *Snapshot) Flush(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.jobs)
		s.mu.Unlock()
	})
	select {
	case <-ctx.Done():
		return ErrFlushDeadline
	case <-s.done:
		return nil
	}
}

// Metrics returns a copy of the counters.
func (s *Snapshot) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// URL mints a time-limited access link for a stored snapshot.
func (s *Snapshot) URL(cameraID string, tsMs int64, expiry time.Duration) (string, error) {
	key := fmt.Sprintf("%s/%s/%d.jpg", s.config.Prefix, cameraID, tsMs)
	return s.store.PresignURL(key, expiry)
}
