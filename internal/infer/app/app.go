// Package app assembles the configured cameras, detectors and publishers
// into a running service with an HTTP surface for health and metrics.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/warpcomdev/kvsinfer/internal/infer/config"
	"github.com/warpcomdev/kvsinfer/internal/infer/decode"
	"github.com/warpcomdev/kvsinfer/internal/infer/detector"
	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/filter"
	"github.com/warpcomdev/kvsinfer/internal/infer/framesource"
	"github.com/warpcomdev/kvsinfer/internal/infer/publish"
	"github.com/warpcomdev/kvsinfer/internal/infer/worker"
)

const (
	serviceName       = "kvs-infer"
	flushTimeout      = 5 * time.Second
	workerStopTimeout = 5 * time.Second
	httpStopTimeout   = 2 * time.Second
)

// App owns every long-lived component of the service.
type App struct {
	config   *config.Config
	logger   *zap.Logger
	httpAddr string

	bus      *nats.Conn
	db       *sql.DB
	stream   *publish.Stream
	snapshot *publish.Snapshot
	record   *publish.Recorder
	workers  []*worker.Worker
}

// New connects the publishers and builds one worker per enabled camera.
// The config must already be validated by config.Load.
func New(cfg *config.Config, httpAddr string, logger *zap.Logger) (*App, error) {
	a := &App{config: cfg, logger: logger, httpAddr: httpAddr}
	client := &http.Client{Timeout: cfg.Upstream.Timeout()}
	if err := a.buildPublishers(client); err != nil {
		a.closeConnections()
		return nil, err
	}
	if err := a.buildWorkers(client); err != nil {
		a.closeConnections()
		return nil, err
	}
	return a, nil
}

func (a *App) buildPublishers(client *http.Client) error {
	publishers := a.config.Publishers
	if publishers.Stream.Enabled {
		conn, err := nats.Connect(publishers.Stream.URL,
			nats.Name(serviceName),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return fmt.Errorf("connecting to %s: %w", publishers.Stream.URL, err)
		}
		a.bus = conn
		a.stream = publish.NewStream(publishers.Stream.StreamConfig, conn, a.logger)
	}
	if publishers.Snapshot.Enabled {
		store := publish.NewHTTPObjectStore(client,
			publishers.Snapshot.Endpoint,
			publishers.Snapshot.Bucket,
			publishers.Snapshot.Secret,
		)
		a.snapshot = publish.NewSnapshot(publishers.Snapshot.SnapshotConfig, store, a.logger)
	}
	if publishers.Record.Enabled {
		db, err := sql.Open("sqlite", publishers.Record.Path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", publishers.Record.Path, err)
		}
		a.db = db
		recorder, err := publish.NewRecorder(publishers.Record.RecordConfig, db, a.logger)
		if err != nil {
			return err
		}
		a.record = recorder
	}
	return nil
}

func (a *App) buildWorkers(client *http.Client) error {
	upstream := a.config.Upstream
	playback := framesource.NewHTTPPlayback(client, upstream.PlaybackEndpoint)
	decoder := decode.New(upstream.Decoder, a.logger)
	for id, camera := range a.config.Cameras {
		if !camera.Enabled {
			continue
		}
		logger := a.logger.With(zap.String("camera_id", id))
		roi := camera.FilterROI()
		pairs := make([]worker.Pair, 0, len(camera.Detectors))
		for _, dcfg := range camera.Detectors {
			model := detector.NewHTTPModel(client, upstream.ModelEndpoint, dcfg.Model)
			var ocr detector.OCR
			if dcfg.Type == detector.TypeALPR {
				if upstream.OCREndpoint == "" {
					return fmt.Errorf("camera %s: detector %q needs upstream.ocr_endpoint", id, dcfg.Type)
				}
				ocr = detector.NewHTTPOCR(client, upstream.OCREndpoint, dcfg.OCRLang)
			}
			det, err := detector.New(dcfg, model, ocr)
			if err != nil {
				return fmt.Errorf("camera %s: %w", id, err)
			}
			pairs = append(pairs, worker.Pair{
				Detector: det,
				Filter:   filter.New(dcfg.FilterConfig(roi, camera.MinBoxArea)),
			})
		}
		source := framesource.New(id, camera.FrameSource(), playback, decoder, logger)
		a.workers = append(a.workers, worker.New(id, camera.Worker(), source, pairs, roi, a.sinks(), logger))
	}
	return nil
}

// sinks wraps the enabled publishers so disabled ones stay nil interfaces.
func (a *App) sinks() worker.Sinks {
	var sinks worker.Sinks
	if a.stream != nil {
		sinks.Stream = a.stream
	}
	if a.snapshot != nil {
		sinks.Snapshot = a.snapshot
	}
	if a.record != nil {
		sinks.Record = a.record
	}
	return sinks
}

// Run serves HTTP and drives every worker until ctx is cancelled. A
// terminal failure on one camera is logged and does not stop the rest.
// On return the publishers have been flushed and the connections closed.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	srv := &http.Server{Addr: a.httpAddr, Handler: a.Handler()}

	serveErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), httpStopTimeout)
		defer cancel()
		_ = srv.Shutdown(stopCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var workers sync.WaitGroup
	for _, w := range a.workers {
		w := w
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := w.Run(ctx); err != nil {
				a.logger.Error("camera worker stopped",
					zap.String("camera_id", w.CameraID()), zap.Error(err))
			}
		}()
	}
	a.logger.Info("service started",
		zap.String("addr", a.httpAddr),
		zap.Int("cameras", len(a.workers)),
	)

	workersDone := make(chan struct{})
	go func() {
		workers.Wait()
		close(workersDone)
	}()

	// Keep serving health and metrics until cancelled, even if every
	// camera has failed terminally. Losing the observability endpoint
	// itself is unrecoverable and fails the process.
	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
		a.logger.Error("http server failed", zap.Error(err))
		cancel()
	}
	select {
	case <-workersDone:
	case <-time.After(workerStopTimeout):
		a.logger.Warn("timed out waiting for camera workers to stop")
	}
	wg.Wait()
	if err := a.shutdown(); err != nil {
		return err
	}
	return runErr
}

// Handler returns the HTTP surface: GET /healthz and GET /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.handleHealthz)
	return mux
}

type healthResponse struct {
	Service  string                   `json:"service"`
	Producer string                   `json:"producer"`
	Healthy  bool                     `json:"healthy"`
	Cameras  map[string]worker.Health `json:"cameras"`
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Service:  serviceName,
		Producer: event.Producer,
		Healthy:  true,
		Cameras:  make(map[string]worker.Health, len(a.workers)),
	}
	for _, wk := range a.workers {
		health := wk.Health()
		resp.Cameras[wk.CameraID()] = health
		if !health.Alive {
			resp.Healthy = false
		}
	}
	// Liveness: dead cameras are reported in the body but never take
	// down the endpoint, so the remaining cameras keep running.
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		a.logger.Warn("writing health response", zap.Error(err))
	}
}

// shutdown drains every publisher within flushTimeout and logs the
// final counters so a clean exit leaves an auditable trail.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if a.stream != nil {
		if err := a.stream.Flush(ctx); err != nil {
			a.logger.Warn("stream flush incomplete", zap.Error(err))
		}
		a.logger.Info("stream publisher drained", zap.Any("metrics", a.stream.Metrics()))
	}
	if a.snapshot != nil {
		if err := a.snapshot.Flush(ctx); err != nil {
			a.logger.Warn("snapshot flush incomplete", zap.Error(err))
		}
		a.logger.Info("snapshot publisher drained", zap.Any("metrics", a.snapshot.Metrics()))
	}
	if a.record != nil {
		if err := a.record.Flush(ctx); err != nil {
			a.logger.Warn("record flush incomplete", zap.Error(err))
		}
		a.logger.Info("record publisher drained", zap.Any("metrics", a.record.Metrics()))
	}
	for _, w := range a.workers {
		a.logger.Info("camera stopped",
			zap.String("camera_id", w.CameraID()),
			zap.Any("source", w.Health().Source),
		)
	}
	a.closeConnections()
	return nil
}

func (a *App) closeConnections() {
	if a.bus != nil {
		a.bus.Close()
		a.bus = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("closing event database", zap.Error(err))
		}
		a.db = nil
	}
}
