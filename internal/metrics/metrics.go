// Package metrics holds the Prometheus instrument set shared by the
// pipeline and the reputation subsystem.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics registers every instrument on a private registry so tests can
// run multiple instances without collisions.
type Metrics struct {
	registry *prometheus.Registry

	Requests           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ContributorFails   *prometheus.CounterVec
	EarlyExits         prometheus.Counter
	ListFetches        *prometheus.CounterVec
	ReputationStates   *prometheus.CounterVec
	ReputationEvicted  *prometheus.CounterVec
	ReputationPatterns prometheus.Gauge
	LearningEvents     *prometheus.CounterVec
	LearningDropped    prometheus.Counter
}

// New creates and registers the instrument set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_requests_total",
			Help: "Requests classified, by mode, verdict, and action.",
		}, []string{"mode", "verdict", "action"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "threatvane_request_duration_seconds",
			Help:    "Classification latency by mode.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"mode"}),
		ContributorFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_contributor_failures_total",
			Help: "Contributor timeouts and errors by contributor name.",
		}, []string{"contributor"}),
		EarlyExits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatvane_early_exits_total",
			Help: "Pipeline runs halted by an early-exit contribution.",
		}),
		ListFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_list_fetches_total",
			Help: "Bot list update outcomes.",
		}, []string{"result"}),
		ReputationStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_reputation_state_changes_total",
			Help: "Reputation state transitions by target state.",
		}, []string{"to"}),
		ReputationEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_reputation_evictions_total",
			Help: "Reputation cache evictions by cause.",
		}, []string{"cause"}),
		ReputationPatterns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "threatvane_reputation_patterns",
			Help: "Patterns currently cached.",
		}),
		LearningEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threatvane_learning_events_total",
			Help: "Learning bus events published by type.",
		}, []string{"type"}),
		LearningDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threatvane_learning_events_dropped_total",
			Help: "Learning bus events dropped on a full buffer.",
		}),
	}
	reg.MustRegister(
		m.Requests, m.RequestDuration, m.ContributorFails, m.EarlyExits,
		m.ListFetches, m.ReputationStates, m.ReputationEvicted,
		m.ReputationPatterns, m.LearningEvents, m.LearningDropped,
	)
	return m
}

// Registry exposes the private registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
