package framesource

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frames_total",
			Help: "Frames read from the playback stream",
		},
		[]string{"camera_id"},
	)

	reconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconnects_total",
			Help: "Reconnect cycles triggered by read or connect failures",
		},
		[]string{"camera_id"},
	)

	urlRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "url_refreshes_total",
			Help: "Proactive playback URL refreshes before expiry",
		},
		[]string{"camera_id"},
	)

	readErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "read_errors_total",
			Help: "Frame read errors, including end of stream",
		},
		[]string{"camera_id"},
	)

	connectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connection_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 streaming, 3 reconnecting, 4 failed",
		},
		[]string{"camera_id"},
	)

	lastFrameTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "last_frame_timestamp",
			Help: "Timestamp of the last frame read, milliseconds since epoch",
		},
		[]string{"camera_id"},
	)
)

// Snapshot is a point-in-time copy of the source counters, served by the
// health endpoint.
type Snapshot struct {
	State              State `json:"state"`
	Frames             int64 `json:"frames"`
	Reconnects         int64 `json:"reconnects"`
	URLRefreshes       int64 `json:"url_refreshes"`
	ReadErrors         int64 `json:"read_errors"`
	LastFrameTimestamp int64 `json:"last_frame_ts_ms"`
}
