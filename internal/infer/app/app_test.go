package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/config"
	"github.com/warpcomdev/kvsinfer/internal/infer/decode"
	"github.com/warpcomdev/kvsinfer/internal/infer/detector"
	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/filter"
	"github.com/warpcomdev/kvsinfer/internal/infer/framesource"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
	"github.com/warpcomdev/kvsinfer/internal/infer/publish"
	"github.com/warpcomdev/kvsinfer/internal/infer/worker"
)

type idleSource struct{}

func (idleSource) Open(ctx context.Context) error { return nil }

func (idleSource) NextFrame(ctx context.Context) (decode.Frame, error) {
	<-ctx.Done()
	return decode.Frame{}, ctx.Err()
}

func (idleSource) Close() error { return nil }

func (idleSource) Metrics() framesource.Snapshot {
	return framesource.Snapshot{State: framesource.StateStreaming}
}

func (idleSource) IsHealthy() bool { return true }

type fakeBus struct {
	mu       sync.Mutex
	messages [][]byte
}

func (b *fakeBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, data)
	return nil
}

func (b *fakeBus) Flush() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.Upstream{
			PlaybackEndpoint: "https://video.example",
			ModelEndpoint:    "https://models.example",
			OCREndpoint:      "https://ocr.example",
		},
		Cameras: map[string]config.CameraConfig{
			"lobby": {
				Enabled:    true,
				StreamName: "lobby",
				Detectors: []detector.Config{
					{Type: detector.TypeWeapon, Model: "weapons-v2"},
					{Type: detector.TypeALPR, Model: "plates-v1"},
				},
			},
		},
	}
}

func TestNewBuildsWorkers(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Check())

	a, err := New(cfg, "127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	require.Len(t, a.workers, 1)
	assert.Equal(t, "lobby", a.workers[0].CameraID())
	assert.Nil(t, a.stream)
	assert.Nil(t, a.record)
}

func TestNewRejectsALPRWithoutOCR(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.OCREndpoint = ""
	require.NoError(t, cfg.Check())

	_, err := New(cfg, "127.0.0.1:0", zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ocr_endpoint")
}

func TestHealthzReportsWorkers(t *testing.T) {
	a := &App{logger: zap.NewNop()}
	a.workers = append(a.workers,
		worker.New("lobby", worker.Config{}, idleSource{}, nil, filter.ROI{}, worker.Sinks{}, zap.NewNop()))

	// Not running yet: still 200 (liveness), but the camera reports dead.
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var early healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &early))
	assert.False(t, early.Healthy)
	assert.False(t, early.Cameras["lobby"].Alive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.workers[0].Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return a.workers[0].Health().Alive
	}, time.Second, time.Millisecond)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, serviceName, resp.Service)
	assert.Equal(t, event.Producer, resp.Producer)
	assert.True(t, resp.Healthy)
	require.Contains(t, resp.Cameras, "lobby")
	assert.True(t, resp.Cameras["lobby"].Alive)
	assert.Equal(t, framesource.StateStreaming, resp.Cameras["lobby"].Source.State)

	cancel()
	<-done
}

func TestRunFailsWhenBindFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a := &App{logger: zap.NewNop(), httpAddr: ln.Addr().String()}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http server failed")
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the bind failure")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := &App{logger: zap.NewNop()}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdownFlushesStream(t *testing.T) {
	bus := &fakeBus{}
	streamConfig := publish.StreamConfig{FlushIntervalMs: 60000}
	require.NoError(t, streamConfig.Check())

	a := &App{logger: zap.NewNop()}
	a.stream = publish.NewStream(streamConfig, bus, zap.NewNop())
	for i := 0; i < 3; i++ {
		a.stream.Publish(event.Wrap(event.Event{
			CameraID: "lobby",
			Type:     "weapon",
			Label:    "knife",
			Conf:     0.9,
			BBox:     geom.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10},
			TsMs:     int64(1000 * (i + 1)),
		}))
	}
	require.NoError(t, a.shutdown())

	bus.mu.Lock()
	defer bus.mu.Unlock()
	assert.Len(t, bus.messages, 3)
	assert.Equal(t, int64(3), a.stream.Metrics().Published)
}
