// Package framesource maintains a resilient decoded-frame feed for one
// camera: it fetches playback URLs from the video service, opens decoding
// sessions, refreshes the URL before it expires, and reconnects with
// exponential backoff when the stream drops.
package framesource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/warpcomdev/kvsinfer/internal/infer/decode"
)

// State is the connection phase of a frame source.
type State int

// Connection states, exported in the connection_state gauge.
const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalJSON encodes the state by name so the health endpoint stays
// readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for candidate := StateDisconnected; candidate <= StateFailed; candidate++ {
		if candidate.String() == name {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

type sourceError string

func (e sourceError) Error() string {
	return string(e)
}

const (
	// ErrFailed is the terminal error surfaced once the reconnect budget
	// is exhausted. The worker treats it as non-recoverable.
	ErrFailed = sourceError("frame source failed permanently")
	// ErrClosed is returned after Close.
	ErrClosed = sourceError("frame source closed")
)

// Config tunes the URL lifecycle and the reconnect policy.
type Config struct {
	StreamName              string        `toml:"stream_name"`
	SessionSeconds          int           `toml:"session_seconds"`
	URLRefreshMarginSeconds int           `toml:"url_refresh_margin_seconds"`
	BackoffBase             time.Duration `toml:"backoff_base"`
	MaxReconnectDelay       time.Duration `toml:"max_reconnect_delay"`
	MaxConsecutiveErrors    int           `toml:"max_consecutive_errors"`
}

// Check fills defaults and validates the session and margin ranges.
func (c *Config) Check() error {
	if c.StreamName == "" {
		return sourceError("stream_name is required")
	}
	if c.SessionSeconds == 0 {
		c.SessionSeconds = 300
	}
	if c.SessionSeconds < 60 || c.SessionSeconds > 43200 {
		return fmt.Errorf("session_seconds %d outside [60, 43200]", c.SessionSeconds)
	}
	if c.URLRefreshMarginSeconds == 0 {
		c.URLRefreshMarginSeconds = 30
	}
	if c.URLRefreshMarginSeconds >= c.SessionSeconds {
		return fmt.Errorf("url_refresh_margin_seconds %d must be below session_seconds %d",
			c.URLRefreshMarginSeconds, c.SessionSeconds)
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 10
	}
	return nil
}

// Source is the frame source for one camera. NextFrame is single-consumer;
// State, Metrics and IsHealthy may be called concurrently by observers.
type Source struct {
	cameraID string
	config   Config
	api      PlaybackAPI
	decoder  decode.Decoder
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	state     State
	session   decode.Session
	fetchedAt time.Time
	snapshot  Snapshot
	errors    int
	closed    bool
}

// New builds a Source. The config must already be checked.
func New(cameraID string, config Config, api PlaybackAPI, decoder decode.Decoder, logger *zap.Logger) *Source {
	s := &Source{
		cameraID: cameraID,
		config:   config,
		api:      api,
		decoder:  decoder,
		logger:   logger.With(zap.String("camera_id", cameraID), zap.String("stream", config.StreamName)),
		now:      time.Now,
	}
	s.setState(StateDisconnected)
	return s
}

func (s *Source) setState(next State) {
	s.mu.Lock()
	s.state = next
	s.snapshot.State = next
	s.mu.Unlock()
	connectionState.WithLabelValues(s.cameraID).Set(float64(next))
}

// State returns the current connection phase.
func (s *Source) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Metrics returns a copy of the source counters.
func (s *Source) Metrics() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// IsHealthy reports whether the source is delivering or actively trying.
func (s *Source) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateFailed && !s.closed
}

// Open prepares the source. The first connection is established lazily by
// NextFrame so that a slow upstream does not stall startup.
func (s *Source) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// NextFrame returns one decoded frame. Transient failures reconnect
// internally; only terminal failures and context cancellation surface.
func (s *Source) NextFrame(ctx context.Context) (decode.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return decode.Frame{}, err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return decode.Frame{}, ErrClosed
		}
		state := s.state
		session := s.session
		s.mu.Unlock()

		switch {
		case state == StateFailed:
			return decode.Frame{}, ErrFailed
		case session == nil:
			if err := s.reconnect(ctx); err != nil {
				return decode.Frame{}, err
			}
			continue
		case s.refreshDue():
			s.refresh(ctx)
			continue
		}

		frame, err := session.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return decode.Frame{}, ctx.Err()
			}
			readErrorsTotal.WithLabelValues(s.cameraID).Inc()
			s.mu.Lock()
			s.snapshot.ReadErrors++
			s.mu.Unlock()
			s.logger.Warn("frame read failed", zap.Error(err))
			s.dropSession()
			s.setState(StateReconnecting)
			continue
		}

		framesTotal.WithLabelValues(s.cameraID).Inc()
		lastFrameTimestamp.WithLabelValues(s.cameraID).Set(float64(frame.TsMs))
		s.mu.Lock()
		s.snapshot.Frames++
		s.snapshot.LastFrameTimestamp = frame.TsMs
		s.mu.Unlock()
		return frame, nil
	}
}

// refreshDue reports whether the playback URL is within the refresh margin
// of its nominal lifetime.
func (s *Source) refreshDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return false
	}
	margin := time.Duration(s.config.URLRefreshMarginSeconds) * time.Second
	lifetime := time.Duration(s.config.SessionSeconds) * time.Second
	return !s.now().Add(margin).Before(s.fetchedAt.Add(lifetime))
}

// refresh proactively replaces the session before the URL expires. A
// failed refresh falls back to the reconnect path on the next iteration.
func (s *Source) refresh(ctx context.Context) {
	urlRefreshesTotal.WithLabelValues(s.cameraID).Inc()
	s.mu.Lock()
	s.snapshot.URLRefreshes++
	s.mu.Unlock()
	s.logger.Info("refreshing playback url before expiry")
	s.dropSession()
	if err := s.connect(ctx); err != nil {
		s.logger.Warn("url refresh failed, entering reconnect", zap.Error(err))
		s.setState(StateReconnecting)
	}
}

// connect performs one fetch-and-open cycle.
func (s *Source) connect(ctx context.Context) error {
	s.setState(StateConnecting)
	url, err := s.api.PlaybackURL(ctx, s.config.StreamName, s.config.SessionSeconds)
	if err != nil {
		return fmt.Errorf("fetching playback url: %w", err)
	}
	fetchedAt := s.now()
	session, err := s.decoder.Open(ctx, url)
	if err != nil {
		return fmt.Errorf("opening decoder: %w", err)
	}
	s.mu.Lock()
	s.session = session
	s.fetchedAt = fetchedAt
	s.errors = 0
	s.mu.Unlock()
	s.setState(StateStreaming)
	return nil
}

// reconnect runs connect cycles under exponential backoff until one
// succeeds or the consecutive-error budget is exhausted.
func (s *Source) reconnect(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.config.BackoffBase
	policy.Multiplier = 2
	policy.RandomizationFactor = 0.2
	policy.MaxInterval = s.config.MaxReconnectDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		err := s.connect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reconnectsTotal.WithLabelValues(s.cameraID).Inc()
		s.mu.Lock()
		s.snapshot.Reconnects++
		s.errors++
		errors := s.errors
		s.mu.Unlock()
		if errors >= s.config.MaxConsecutiveErrors {
			s.setState(StateFailed)
			s.logger.Error("reconnect budget exhausted",
				zap.Int("consecutive_errors", errors), zap.Error(err))
			return fmt.Errorf("%w: %v", ErrFailed, err)
		}
		delay := policy.NextBackOff()
		s.logger.Warn("connect failed, backing off",
			zap.Int("consecutive_errors", errors),
			zap.Duration("delay", delay),
			zap.Error(err))
		s.setState(StateReconnecting)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Source) dropSession() {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()
	if session != nil {
		if err := session.Close(); err != nil {
			s.logger.Warn("closing session", zap.Error(err))
		}
	}
}

// Close releases the current session. The source cannot be reused.
func (s *Source) Close() error {
	s.dropSession()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.setState(StateDisconnected)
	return nil
}
