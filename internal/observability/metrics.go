// Package observability provides metrics and tracing helpers for the
// run orchestration engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting engine metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Run outcomes by terminal or suspended status
//   - Event bus publish volume and gateway dedupe suppressions
//   - Credential resolution failures by app
//   - Queue depth and job wait time
//   - Store operation latency
type Metrics struct {
	// RunsProcessed counts processing passes by outcome.
	// Labels: outcome (done|failed|awaiting_approval|awaiting_input|pending_apps_install)
	RunsProcessed *prometheus.CounterVec

	// RunDuration measures one processing pass in seconds.
	// Labels: outcome
	RunDuration *prometheus.HistogramVec

	// EventsPublished counts bus publishes by channel and event type.
	EventsPublished *prometheus.CounterVec

	// FramesDeduped counts gateway frames suppressed by the dedupe window.
	FramesDeduped prometheus.Counter

	// CredentialErrors counts resolution failures.
	// Labels: code (credential_missing|credential_invalid), app_id
	CredentialErrors *prometheus.CounterVec

	// QueueDepth is the number of jobs waiting for a worker slot.
	QueueDepth prometheus.Gauge

	// JobWait measures how long a job waited before a worker picked it up.
	JobWait prometheus.Histogram

	// StepsByStatus counts step transitions.
	// Labels: status (started|succeeded|failed)
	StepsByStatus *prometheus.CounterVec

	// ActiveConnections tracks live gateway connections.
	// Labels: stream (run|aggregate)
	ActiveConnections *prometheus.GaugeVec

	// StoreQueryDuration measures store call latency in seconds.
	// Labels: operation, entity (run|step|effect)
	StoreQueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers metrics with the given registerer.
// Pass prometheus.DefaultRegisterer in production; tests should use a
// fresh registry so parallel tests do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_runs_processed_total",
			Help: "Processing passes by outcome.",
		}, []string{"outcome"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_run_duration_seconds",
			Help:    "Duration of one processing pass.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"outcome"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_published_total",
			Help: "Events published on the bus.",
		}, []string{"channel", "type"}),

		FramesDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_gateway_frames_deduped_total",
			Help: "Frames suppressed by the 500ms dedupe window.",
		}),

		CredentialErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_credential_errors_total",
			Help: "Credential resolution failures.",
		}, []string{"code", "app_id"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Jobs waiting for a worker slot.",
		}),

		JobWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_job_wait_seconds",
			Help:    "Time a job waited before pickup.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),

		StepsByStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_steps_total",
			Help: "Step log transitions.",
		}, []string{"status"}),

		ActiveConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "relay_gateway_connections",
			Help: "Live streaming connections.",
		}, []string{"stream"}),

		StoreQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_store_query_duration_seconds",
			Help:    "Store call latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation", "entity"}),
	}
}

// Nop returns metrics backed by a private registry, for callers that
// do not need collection (mostly tests).
func Nop() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
