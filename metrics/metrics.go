package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the billing engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle
	TransitionsTotal *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec

	// Sweep
	SweepRunsTotal     *prometheus.CounterVec
	SweepFailuresTotal prometheus.Counter
	SweepDuration      prometheus.Histogram

	// Usage
	UsageDenialsTotal   *prometheus.CounterVec
	UsageUnderflowTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolplan_subscription_transitions_total",
				Help: "Total number of subscription status changes",
			},
			[]string{"from", "to", "trigger"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolplan_billing_events_total",
				Help: "Total number of billing events handled",
			},
			[]string{"type", "result"},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolplan_sweep_runs_total",
				Help: "Total number of lifecycle sweeps",
			},
			[]string{"status"},
		),
		SweepFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "schoolplan_sweep_tenant_failures_total",
				Help: "Total number of tenants that failed to sweep",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "schoolplan_sweep_duration_seconds",
				Help:    "Lifecycle sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		UsageDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolplan_usage_denials_total",
				Help: "Total number of reservations denied by a plan limit",
			},
			[]string{"metric"},
		),
		UsageUnderflowTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "schoolplan_usage_underflow_total",
				Help: "Total number of releases clamped at zero",
			},
			[]string{"metric"},
		),
	}

	registry.MustRegister(
		m.TransitionsTotal,
		m.EventsTotal,
		m.SweepRunsTotal,
		m.SweepFailuresTotal,
		m.SweepDuration,
		m.UsageDenialsTotal,
		m.UsageUnderflowTotal,
	)

	return m
}

// Handler returns the scrape endpoint for the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordTransition(from, to, trigger string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, trigger).Inc()
}

func (m *Metrics) RecordEvent(eventType, result string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordSweep(status string, seconds float64, failures int) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(status).Inc()
	m.SweepDuration.Observe(seconds)
	m.SweepFailuresTotal.Add(float64(failures))
}

func (m *Metrics) RecordDenial(metric string) {
	if m == nil {
		return
	}
	m.UsageDenialsTotal.WithLabelValues(metric).Inc()
}

func (m *Metrics) RecordUnderflow(metric string) {
	if m == nil {
		return
	}
	m.UsageUnderflowTotal.WithLabelValues(metric).Inc()
}
