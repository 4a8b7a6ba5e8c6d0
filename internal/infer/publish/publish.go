// Package publish implements the three event sinks: the stream bus, the
// snapshot object store and the record key-value store. All publishers are
// concurrency-safe, never propagate sink errors to callers, and expose
// counter snapshots for the health endpoint.
package publish

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warpcomdev/kvsinfer/internal/infer/event"
)

// Metrics is a point-in-time copy of one publisher's counters. After a
// Flush, Published plus Failed equals the number of accepted envelopes.
type Metrics struct {
	Published   int64 `json:"published"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
	BatchesSent int64 `json:"batches_sent"`
	Dropped     int64 `json:"dropped"`
}

// Publisher is the contract shared by the stream and record sinks.
// Publish never returns an error; sink failures are counted and logged.
type Publisher interface {
	Publish(env event.Envelope)
	Flush(ctx context.Context) error
	Metrics() Metrics
}

type publishError string

func (e publishError) Error() string {
	return string(e)
}

// ErrFlushDeadline is returned by Flush when the deadline expired with
// envelopes still pending.
const ErrFlushDeadline = publishError("flush deadline expired with pending records")

var (
	publisherFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_failures_total",
			Help: "Records that could not be delivered to a sink",
		},
		[]string{"sink"},
	)

	publisherDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_dropped_total",
			Help: "Records dropped before delivery because a buffer was full",
		},
		[]string{"sink"},
	)

	publisherRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publisher_retries_total",
			Help: "Per-record delivery retries",
		},
		[]string{"sink"},
	)

	bytesUploaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bytes_uploaded_total",
			Help: "Payload bytes delivered to a sink",
		},
		[]string{"sink"},
	)
)
