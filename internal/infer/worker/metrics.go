package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inferFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_frames_total",
			Help: "Frames processed through the detector chain",
		},
		[]string{"camera_id"},
	)

	inferEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "infer_events_total",
			Help: "Confirmed events emitted, by type",
		},
		[]string{"camera_id", "type"},
	)

	inferLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "infer_latency_ms",
			Help:    "End-to-end per-frame processing latency in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000},
		},
		[]string{"camera_id"},
	)

	workerAlive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_alive",
			Help: "Whether the camera worker loop is running",
		},
		[]string{"camera_id"},
	)

	detectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detector_failures_total",
			Help: "Detector inference failures, treated as empty frames",
		},
		[]string{"camera_id", "detector"},
	)
)
