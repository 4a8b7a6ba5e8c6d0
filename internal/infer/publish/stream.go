package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

const streamSink = "stream"

// BusConn is the part of nats.Conn the stream publisher uses.
type BusConn interface {
	Publish(subject string, data []byte) error
	Flush() error
}

// StreamConfig tunes the stream publisher.
type StreamConfig struct {
	SubjectPrefix   string `toml:"subject_prefix"`
	BatchSize       int    `toml:"batch_size"`
	FlushIntervalMs int    `toml:"flush_interval_ms"`
	MaxRetries      int    `toml:"max_retries"`
	RetryBaseMs     int    `toml:"retry_base_ms"`
}

// Check fills defaults and validates the batch size limit.
func (c *StreamConfig) Check() error {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "infer.events"
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.BatchSize < 1 || c.BatchSize > 500 {
		return fmt.Errorf("stream batch_size %d outside [1, 500]", c.BatchSize)
	}
	if c.FlushIntervalMs == 0 {
		c.FlushIntervalMs = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseMs == 0 {
		c.RetryBaseMs = 100
	}
	return nil
}

// Stream batches envelopes and publishes them to the bus with the camera
// id in the subject, so each camera's events keep their order.
type Stream struct {
	config StreamConfig
	conn   BusConn
	logger *zap.Logger

	mu      sync.Mutex
	buffer  []event.Envelope
	metrics Metrics

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewStream builds the stream publisher and starts its interval flusher.
func NewStream(config StreamConfig, conn BusConn, logger *zap.Logger) *Stream {
	s := &Stream{
		config: config,
		conn:   conn,
		logger: logger.With(zap.String("sink", streamSink)),
		buffer: make([]event.Envelope, 0, config.BatchSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

func (s *Stream) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.config.FlushIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.flushLocked()
			s.mu.Unlock()
		}
	}
}

// Publish implements Publisher. A full buffer flushes inline.
func (s *Stream) Publish(env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(s.buffer, env)
	if len(s.buffer) >= s.config.BatchSize {
		s.flushLocked()
	}
}

// Flush implements Publisher. It drains the buffer and stops the interval
// flusher if the deadline allows; a second Flush is a no-op.
func (s *Stream) Flush(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	flushed := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.flushLocked()
		s.mu.Unlock()
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
func (s *Stream) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// flushLocked sends the buffered envelopes as one batch. Failed records
// are retried as a subset with exponential backoff; whatever still fails
// after max_retries is counted and dropped.
func (s *Stream) flushLocked() {
	if len(s.buffer) == 0 {
		return
	}
	pending := s.buffer
	s.buffer = make([]event.Envelope, 0, s.config.BatchSize)
	s.metrics.BatchesSent++

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Duration(s.config.RetryBaseMs) * time.Millisecond
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 0; ; attempt++ {
		pending = s.sendOnce(pending)
		if len(pending) == 0 {
			return
		}
		if attempt >= s.config.MaxRetries {
			s.metrics.Failed += int64(len(pending))
			publisherFailures.WithLabelValues(streamSink).Add(float64(len(pending)))
			s.logger.Error("dropping records after retries",
				zap.Int("count", len(pending)),
				zap.Int("attempts", attempt+1))
			return
		}
		s.metrics.Retried += int64(len(pending))
		publisherRetries.WithLabelValues(streamSink).Add(float64(len(pending)))
		time.Sleep(policy.NextBackOff())
	}
}

// sendOnce attempts every pending envelope once and returns the subset
// that failed, preserving order.
func (s *Stream) sendOnce(pending []event.Envelope) []event.Envelope {
	var failed []event.Envelope
	for _, env := range pending {
		data, err := env.Encode()
		if err != nil {
			// Encoding cannot succeed on retry.
			s.metrics.Failed++
			publisherFailures.WithLabelValues(streamSink).Inc()
			s.logger.Error("encoding envelope", zap.String("event_id", env.EventID), zap.Error(err))
			continue
		}
		subject := s.config.SubjectPrefix + "." + env.CameraID
		if err := s.conn.Publish(subject, data); err != nil {
			failed = append(failed, env)
			continue
		}
		s.metrics.Published++
		bytesUploaded.WithLabelValues(streamSink).Add(float64(len(data)))
	}
	if err := s.conn.Flush(); err != nil {
		s.logger.Warn("bus flush", zap.Error(err))
	}
	return failed
}
