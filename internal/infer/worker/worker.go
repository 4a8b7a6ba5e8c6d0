// Package worker runs the per-camera processing loop: throttle, read one
// frame, run the detector chain through its filters, fan events out to the
// publishers, and keep the per-camera metrics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warpcomdev/kvsinfer/internal/infer/decode"
	"github.com/warpcomdev/kvsinfer/internal/infer/detector"
	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/filter"
	"github.com/warpcomdev/kvsinfer/internal/infer/framesource"
	"github.com/warpcomdev/kvsinfer/internal/infer/publish"
)

// Source is the frame feed a worker consumes. The worker is its single
// caller: Open before the loop, NextFrame inside it, Close on the way out.
type Source interface {
	Open(ctx context.Context) error
	NextFrame(ctx context.Context) (decode.Frame, error)
	Close() error
	Metrics() framesource.Snapshot
	IsHealthy() bool
}

// SnapshotSink stores annotated frames for emitted events.
type SnapshotSink interface {
	Save(frame image.Image, cameraID string, tsMs int64, events []event.Event)
}

// Pair binds one detector to its private filter state.
type Pair struct {
	Detector detector.Detector
	Filter   *filter.Filter
}

// Sinks groups the shared publishers. Every sink is optional and
// skipped when nil.
type Sinks struct {
	Stream   publish.Publisher
	Snapshot SnapshotSink
	Record   publish.Publisher
}

// Config is the per-camera worker configuration.
type Config struct {
	FPSTarget  float64 `toml:"fps_target"`
	MinBoxArea float64 `toml:"min_box_area"`
}

// Health is the worker state served by the health endpoint.
type Health struct {
	CameraID    string               `json:"camera_id"`
	Alive       bool                 `json:"alive"`
	Frames      int64                `json:"frames"`
	Events      map[string]int64     `json:"events"`
	LastFrameMs int64                `json:"last_frame_ts_ms"`
	Source      framesource.Snapshot `json:"source"`
}

// Worker owns one camera end to end.
type Worker struct {
	cameraID string
	config   Config
	source   Source
	pairs    []Pair
	sinks    Sinks
	roi      filter.ROI
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	alive      bool
	frames     int64
	eventCount map[string]int64
	lastFrame  int64
	frameIndex int64
}

// New builds a worker. The ROI is shared by every detector on the camera.
func New(cameraID string, config Config, source Source, pairs []Pair, roi filter.ROI, sinks Sinks, logger *zap.Logger) *Worker {
	var limiter *rate.Limiter
	if config.FPSTarget > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.FPSTarget), 1)
	}
	return &Worker{
		cameraID:   cameraID,
		config:     config,
		source:     source,
		pairs:      pairs,
		sinks:      sinks,
		roi:        roi,
		limiter:    limiter,
		logger:     logger.With(zap.String("camera_id", cameraID)),
		now:        time.Now,
		eventCount: make(map[string]int64),
	}
}

// Run processes frames until cancellation or a terminal source failure.
// Cancellation returns nil; a terminal failure returns the source error
// after marking the worker not alive.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.source.Open(ctx); err != nil {
		w.logger.Error("frame source open failed", zap.Error(err))
		return fmt.Errorf("camera %s: %w", w.cameraID, err)
	}
	w.setAlive(true)
	defer w.setAlive(false)
	defer w.source.Close()
	w.logger.Info("worker started",
		zap.Float64("fps_target", w.config.FPSTarget),
		zap.Int("detectors", len(w.pairs)))

	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		frame, err := w.source.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("frame source failed", zap.Error(err))
			return fmt.Errorf("camera %s: %w", w.cameraID, err)
		}
		w.processFrame(ctx, frame)
		if ctx.Err() != nil {
			w.logger.Info("worker stopping")
			return nil
		}
	}
}

func (w *Worker) processFrame(ctx context.Context, frame decode.Frame) {
	start := w.now()
	w.mu.Lock()
	w.frameIndex++
	frameIndex := w.frameIndex
	w.mu.Unlock()

	dctx := &detector.Context{
		CameraID:   w.cameraID,
		Width:      frame.Width(),
		Height:     frame.Height(),
		ROI:        w.roi,
		MinBoxArea: w.config.MinBoxArea,
	}

	var emitted []event.Event
	for _, pair := range w.pairs {
		raw, err := pair.Detector.Process(ctx, frame.Image, frame.TsMs, dctx)
		if err != nil {
			detectorFailures.WithLabelValues(w.cameraID, pair.Detector.Name()).Inc()
			w.logger.Warn("detector failed",
				zap.String("detector", pair.Detector.Name()), zap.Error(err))
			continue
		}
		events := pair.Filter.Apply(w.cameraID, frameIndex, frame.TsMs, raw)
		for _, ev := range events {
			env := event.Wrap(ev)
			if w.sinks.Stream != nil {
				w.sinks.Stream.Publish(env)
			}
			if w.sinks.Record != nil {
				w.sinks.Record.Publish(env)
			}
			inferEvents.WithLabelValues(w.cameraID, ev.Type).Inc()
		}
		emitted = append(emitted, events...)
	}
	if len(emitted) > 0 && w.sinks.Snapshot != nil {
		w.sinks.Snapshot.Save(frame.Image, w.cameraID, frame.TsMs, emitted)
	}

	inferFrames.WithLabelValues(w.cameraID).Inc()
	inferLatency.WithLabelValues(w.cameraID).Observe(float64(w.now().Sub(start).Milliseconds()))
	w.mu.Lock()
	w.frames++
	w.lastFrame = frame.TsMs
	for _, ev := range emitted {
		w.eventCount[ev.Type]++
	}
	w.mu.Unlock()
}

func (w *Worker) setAlive(alive bool) {
	w.mu.Lock()
	w.alive = alive
	w.mu.Unlock()
	v := 0.0
	if alive {
		v = 1.0
	}
	workerAlive.WithLabelValues(w.cameraID).Set(v)
}

// CameraID returns the camera this worker owns.
func (w *Worker) CameraID() string { return w.cameraID }

// Health returns a copy of the worker state.
func (w *Worker) Health() Health {
	w.mu.Lock()
	defer w.mu.Unlock()
	events := make(map[string]int64, len(w.eventCount))
	for k, v := range w.eventCount {
		events[k] = v
	}
	return Health{
		CameraID:    w.cameraID,
		Alive:       w.alive,
		Frames:      w.frames,
		Events:      events,
		LastFrameMs: w.lastFrame,
		Source:      w.source.Metrics(),
	}
}
