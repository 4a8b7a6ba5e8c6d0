package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

const recordSink = "record"

// recordBatchLimit is the per-call write limit of the store.
const recordBatchLimit = 25

// RecordConfig tunes the record publisher.
type RecordConfig struct {
	Path            string `toml:"path"`
	TTLDays         int    `toml:"ttl_days"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
}

// Check fills defaults.
func (c *RecordConfig) Check() error {
	if c.Path == "" {
		return publishError("record sink requires a database path")
	}
	if c.TTLDays < 0 {
		return fmt.Errorf("ttl_days must not be negative, got %d", c.TTLDays)
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 1000
	}
	return nil
}

const recordSchema = `
CREATE TABLE IF NOT EXISTS events (
	event_id   TEXT    NOT NULL,
	ts_ms      INTEGER NOT NULL,
	camera_id  TEXT    NOT NULL,
	type       TEXT    NOT NULL,
	label      TEXT    NOT NULL,
	conf       TEXT    NOT NULL,
	bbox       TEXT    NOT NULL,
	extras     TEXT    NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (event_id, ts_ms)
);
CREATE INDEX IF NOT EXISTS idx_events_camera_ts ON events (camera_id, ts_ms);
`

// Record is one stored event row.
type Record struct {
	EventID   string
	TsMs      int64
	CameraID  string
	Type      string
	Label     string
	Conf      string
	BBox      string
	Extras    string
	ExpiresAt int64
}

// Recorder writes events to the key-value store in batches of up to 25
// rows per transaction. Writes are idempotent on (event_id, ts_ms), so
// at-least-once delivery collapses to one row.
type Recorder struct {
	config RecordConfig
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	buffer  []event.Envelope
	metrics Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewRecorder initialises the schema and starts the interval flusher.
func NewRecorder(config RecordConfig, db *sql.DB, logger *zap.Logger) (*Recorder, error) {
	if _, err := db.Exec(recordSchema); err != nil {
		return nil, fmt.Errorf("initialising record schema: %w", err)
	}
	r := &Recorder{
		config: config,
		db:     db,
		logger: logger.With(zap.String("sink", recordSink)),
		now:    time.Now,
		buffer: make([]event.Envelope, 0, recordBatchLimit),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.flushLoop()
	return r, nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(time.Duration(r.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
		}
	}
}

// Publish implements Publisher.
func (r *Recorder) Publish(env event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, env)
	if len(r.buffer) >= recordBatchLimit {
		r.flushLocked()
	}
}

// Flush implements Publisher.
func (r *Recorder) Flush(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	flushed := make(chan struct{})
	go func() {
		r.mu.Lock()
		r.flushLocked()
		r.mu.Unlock()
		close(flushed)
	}()
	select {
	case <-ctx.Done():
		return ErrFlushDeadline
	case <-flushed:
		return nil
	}
}

// Metrics implements Publisher.
func (r *Recorder) Metrics() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

func (r *Recorder) flushLocked() {
	for len(r.buffer) > 0 {
		n := len(r.buffer)
		if n > recordBatchLimit {
			n = recordBatchLimit
		}
		batch := r.buffer[:n]
		r.buffer = r.buffer[n:]
		if err := r.writeBatch(batch); err != nil {
			r.metrics.Failed += int64(len(batch))
			publisherFailures.WithLabelValues(recordSink).Add(float64(len(batch)))
			r.logger.Error("writing record batch", zap.Int("count", len(batch)), zap.Error(err))
			continue
		}
		r.metrics.Published += int64(len(batch))
		r.metrics.BatchesSent++
	}
}

func (r *Recorder) writeBatch(batch []event.Envelope) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO events
		(event_id, ts_ms, camera_id, type, label, conf, bbox, extras, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	var expiresAt int64
	if r.config.TTLDays > 0 {
		expiresAt = r.now().Add(time.Duration(r.config.TTLDays) * 24 * time.Hour).Unix()
	}
	for _, env := range batch {
		e := env.Payload
		bbox, err := json.Marshal(e.BBox.Slice())
		if err != nil {
			tx.Rollback()
			return err
		}
		extras := "{}"
		if len(e.Extras) > 0 {
			raw, err := json.Marshal(e.Extras)
			if err != nil {
				tx.Rollback()
				return err
			}
			extras = string(raw)
		}
		if _, err := stmt.Exec(
			env.EventID, e.TsMs, e.CameraID, e.Type, e.Label,
			formatDecimal(e.Conf), string(bbox), extras, expiresAt,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// formatDecimal renders a confidence as the shortest exact decimal string
// that round-trips, avoiding float artifacts in the store.
func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// QueryByCamera returns the stored events of one camera inside a time
// range, ordered by timestamp.
func (r *Recorder) QueryByCamera(ctx context.Context, cameraID string, fromMs, toMs int64) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT event_id, ts_ms, camera_id, type, label, conf, bbox, extras, expires_at
		FROM events WHERE camera_id = ? AND ts_ms >= ? AND ts_ms <= ? ORDER BY ts_ms`,
		cameraID, fromMs, toMs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.EventID, &rec.TsMs, &rec.CameraID, &rec.Type, &rec.Label,
			&rec.Conf, &rec.BBox, &rec.Extras, &rec.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
