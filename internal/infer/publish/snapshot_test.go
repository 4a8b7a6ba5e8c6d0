package publish

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
	"github.com/warpcomdev/kvsinfer/internal/infer/geom"
)

type storedObject struct {
	key         string
	contentType string
	data        []byte
	meta        map[string]string
}

type fakeStore struct {
	mu      sync.Mutex
	objects []storedObject
	err     error
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeStore) Put(ctx context.Context, key, contentType string, data []byte, meta map[string]string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.objects = append(f.objects, storedObject{key: key, contentType: contentType, data: data, meta: meta})
	return nil
}

func (f *fakeStore) PresignURL(key string, expiry time.Duration) (string, error) {
	return "https://store.example/" + key + "?signed", nil
}

func (f *fakeStore) stored() []storedObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storedObject{}, f.objects...)
}

func grayFrame(w, h int) image.Image {
	return image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
}

func testSnapshotConfig() SnapshotConfig {
	cfg := SnapshotConfig{Prefix: "snapshots", JPEGQuality: 80, Annotate: true}
	if err := cfg.Check(); err != nil {
		panic(err)
	}
	return cfg
}

func flushCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSnapshotSaveAndUpload(t *testing.T) {
	store := &fakeStore{}
	s := NewSnapshot(testSnapshotConfig(), store, zap.NewNop())

	events := []event.Event{{
		CameraID: "cam-1", Type: "weapon", Label: "knife", Conf: 0.8,
		BBox: geom.BBox{X1: 10, Y1: 10, X2: 40, Y2: 40}, TsMs: 1700000000123,
	}}
	s.Save(grayFrame(64, 48), "cam-1", 1700000000123, events)
	require.NoError(t, s.Flush(flushCtx(t)))

	objects := store.stored()
	require.Len(t, objects, 1)
	obj := objects[0]
	assert.Equal(t, "snapshots/cam-1/1700000000123.jpg", obj.key)
	assert.Equal(t, "image/jpeg", obj.contentType)
	assert.Equal(t, "cam-1", obj.meta["camera-id"])
	assert.Equal(t, "1700000000123", obj.meta["ts-ms"])
	assert.Equal(t, "80", obj.meta["quality"])
	assert.Equal(t, "64", obj.meta["width"])
	assert.Equal(t, "48", obj.meta["height"])

	img, err := jpeg.Decode(bytes.NewReader(obj.data))
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Published)
}

func TestSnapshotAnnotationChangesImage(t *testing.T) {
	plain := &fakeStore{}
	cfg := testSnapshotConfig()
	cfg.Annotate = false
	s1 := NewSnapshot(cfg, plain, zap.NewNop())

	annotated := &fakeStore{}
	cfg2 := testSnapshotConfig()
	s2 := NewSnapshot(cfg2, annotated, zap.NewNop())

	events := []event.Event{{
		Label: "knife", Conf: 0.8,
		BBox: geom.BBox{X1: 10, Y1: 10, X2: 40, Y2: 40},
	}}
	frame := grayFrame(64, 48)
	s1.Save(frame, "c", 1000, events)
	s2.Save(frame, "c", 1000, events)
	require.NoError(t, s1.Flush(flushCtx(t)))
	require.NoError(t, s2.Flush(flushCtx(t)))

	assert.NotEqual(t, plain.stored()[0].data, annotated.stored()[0].data)
}

func TestSnapshotQueueFullDrops(t *testing.T) {
	store := &fakeStore{entered: make(chan struct{}, 8), block: make(chan struct{})}
	cfg := testSnapshotConfig()
	cfg.QueueSize = 1
	s := NewSnapshot(cfg, store, zap.NewNop())

	// First job occupies the uploader, second fills the queue, third drops.
	s.Save(grayFrame(8, 8), "c", 0, nil)
	<-store.entered
	s.Save(grayFrame(8, 8), "c", 1, nil)
	s.Save(grayFrame(8, 8), "c", 2, nil)
	// Unblock uploads, allowing the queued jobs through.
	close(store.block)
	require.NoError(t, s.Flush(flushCtx(t)))

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Dropped)
	assert.Equal(t, int64(2), m.Published)
}

func TestSnapshotSaveAfterFlushDrops(t *testing.T) {
	store := &fakeStore{}
	s := NewSnapshot(testSnapshotConfig(), store, zap.NewNop())
	s.Save(grayFrame(8, 8), "cam-A", 1000, nil)
	require.NoError(t, s.Flush(flushCtx(t)))

	// A worker outliving the stop timeout may still emit; the sink must
	// shed the snapshot, not panic.
	assert.NotPanics(t, func() {
		s.Save(grayFrame(8, 8), "cam-A", 2000, nil)
	})

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Published)
	assert.Equal(t, int64(1), m.Dropped)
	assert.Len(t, store.stored(), 1)
}

func TestSnapshotUploadFailureCounted(t *testing.T) {
	store := &fakeStore{err: publishError("store down")}
	s := NewSnapshot(testSnapshotConfig(), store, zap.NewNop())
	s.Save(grayFrame(8, 8), "c", 1000, nil)
	require.NoError(t, s.Flush(flushCtx(t)))

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Published)
}

func TestSnapshotURL(t *testing.T) {
	s := NewSnapshot(testSnapshotConfig(), &fakeStore{}, zap.NewNop())
	defer s.Flush(flushCtx(t))
	url, err := s.URL("cam-1", 1000, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "https://store.example/snapshots/cam-1/1000.jpg?signed", url)
}

func TestSnapshotConfigCheck(t *testing.T) {
	var c SnapshotConfig
	require.NoError(t, c.Check())
	assert.Equal(t, "snapshots", c.Prefix)
	assert.Equal(t, 85, c.JPEGQuality)
	assert.Error(t, (&SnapshotConfig{JPEGQuality: 150}).Check())
}

func TestHTTPObjectStorePut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/media/snapshots/cam-1/1000.jpg", r.URL.Path)
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "cam-1", r.Header.Get("X-Meta-Camera-Id"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	store := NewHTTPObjectStore(server.Client(), server.URL, "media", "")
	err := store.Put(context.Background(), "snapshots/cam-1/1000.jpg", "image/jpeg",
		[]byte("jpeg"), map[string]string{"camera-id": "cam-1"})
	require.NoError(t, err)
}

func TestHTTPObjectStorePutError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "denied", http.StatusForbidden)
	}))
	defer server.Close()

	store := NewHTTPObjectStore(server.Client(), server.URL, "media", "")
	err := store.Put(context.Background(), "k", "image/jpeg", nil, nil)
	assert.ErrorIs(t, err, ErrStoreStatus)
}

func TestHTTPObjectStorePresign(t *testing.T) {
	store := NewHTTPObjectStore(nil, "https://store.example", "media", "secret")
	store.now = func() time.Time { return time.Unix(1700000000, 0) }

	url, err := store.PresignURL("snapshots/cam-1/1000.jpg", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "https://store.example/media/snapshots/cam-1/1000.jpg?expires=1700003600&signature=")

	again, err := store.PresignURL("snapshots/cam-1/1000.jpg", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, url, again, "same key and expiry sign identically")

	other, err := store.PresignURL("snapshots/cam-2/1000.jpg", time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, url, other)

	unsigned := NewHTTPObjectStore(nil, "https://store.example", "media", "")
	_, err = unsigned.PresignURL("k", time.Hour)
	assert.Error(t, err)
}
