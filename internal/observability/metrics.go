package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groovelink",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total client requests by method, class, and outcome.",
		},
		[]string{"method", "class", "status"},
	)
	rpcDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "groovelink",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Client request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "class", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groovelink",
			Subsystem: "wire",
			Name:      "frames_total",
			Help:      "Frames moved per leg and direction.",
		},
		[]string{"leg", "direction"},
	)
	controlConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groovelink",
			Subsystem: "control",
			Name:      "connected",
			Help:      "1 while the control peer session is established.",
		},
	)
	stepwiseSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groovelink",
			Subsystem: "stepwise",
			Name:      "steps_total",
			Help:      "Stepwise sub-operations by outcome.",
		},
		[]string{"outcome"},
	)
	deferredQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groovelink",
			Subsystem: "stepwise",
			Name:      "queue_depth",
			Help:      "Deferred requests waiting for the single-flight slot.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			rpcRequests,
			rpcDuration,
			framesTotal,
			controlConnected,
			stepwiseSteps,
			deferredQueueDepth,
		)
	})
}

func RecordRequest(method, class, status string, duration time.Duration) {
	RegisterMetrics()
	rpcRequests.WithLabelValues(method, class, status).Inc()
	rpcDuration.WithLabelValues(method, class, status).Observe(duration.Seconds())
}

func RecordFrame(leg, direction string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(leg, direction).Inc()
}

func SetControlConnected(connected bool) {
	RegisterMetrics()
	if connected {
		controlConnected.Set(1)
		return
	}
	controlConnected.Set(0)
}

func RecordStepwiseStep(outcome string) {
	RegisterMetrics()
	stepwiseSteps.WithLabelValues(outcome).Inc()
}

func SetDeferredQueueDepth(depth int) {
	RegisterMetrics()
	deferredQueueDepth.Set(float64(depth))
}
