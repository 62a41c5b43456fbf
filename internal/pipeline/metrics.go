package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	Runs          *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	InFlight      prometheus.Gauge
	Rejected      prometheus.Counter
	EventsDropped prometheus.Counter
}

// NewMetrics registers the collectors with reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mixsignal_pipeline_runs_total",
			Help: "Pipeline runs by terminal status.",
		}, []string{"status"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mixsignal_pipeline_stage_duration_seconds",
			Help:    "Wall time per pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.005, 3, 10),
		}, []string{"stage", "outcome"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "mixsignal_pipeline_runs_in_flight",
			Help: "Runs currently in the running state.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "mixsignal_pipeline_triggers_rejected_total",
			Help: "Triggers rejected because the snapshot already had a run in flight.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "mixsignal_pipeline_events_dropped_total",
			Help: "Run events dropped because a subscriber buffer was full.",
		}),
	}
}
