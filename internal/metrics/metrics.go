// Package metrics defines the Prometheus collectors for the dialogue engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	SessionsStarted    prometheus.Counter
	SessionsAbandoned  prometheus.Counter
	InsightsGenerated  prometheus.Counter
	TurnsTotal         *prometheus.CounterVec
	GenerationFailures *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
}

// New registers the engine collectors with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "dialogos_sessions_started_total",
			Help: "Dialogue sessions created.",
		}),
		SessionsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "dialogos_sessions_abandoned_total",
			Help: "Dialogue sessions abandoned, explicitly or by the idle sweeper.",
		}),
		InsightsGenerated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dialogos_insights_generated_total",
			Help: "Insights successfully synthesized and persisted.",
		}),
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogos_turns_total",
			Help: "Turns appended to dialogue ledgers.",
		}, []string{"role"}),
		GenerationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogos_generation_failures_total",
			Help: "External generation calls that failed.",
		}, []string{"kind"}),
		GenerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dialogos_generation_duration_seconds",
			Help:    "Latency of external generation calls.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9),
		}, []string{"kind"}),
	}
}
