// Package metrics exposes phasegate's Prometheus metrics. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the transition engine
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	decisionsTotal   *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	repromptsTotal   prometheus.Counter
	agentLatency     *prometheus.HistogramVec
	agentErrors      *prometheus.CounterVec
	configReloads    *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_transitions_total",
				Help: "Total number of transitions determined by policy and type",
			},
			[]string{"policy", "type"},
		),

		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_decisions_total",
				Help: "Total number of resolved dynamic decisions by action kind and confidence bucket",
			},
			[]string{"action", "bucket"},
		),

		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_escalations_total",
				Help: "Total number of decisions escalated to a human by reason",
			},
			[]string{"reason"},
		),

		repromptsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "phasegate_decision_reprompts_total",
				Help: "Total number of decision prompts re-sent after an invalid reply",
			},
		),

		agentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "phasegate_agent_request_duration_seconds",
				Help:    "Decision agent request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"agent"},
		),

		agentErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_agent_errors_total",
				Help: "Total number of failed decision agent requests",
			},
			[]string{"agent"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phasegate_config_reloads_total",
				Help: "Total number of configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.transitionsTotal,
		m.decisionsTotal,
		m.escalationsTotal,
		m.repromptsTotal,
		m.agentLatency,
		m.agentErrors,
		m.configReloads,
	)

	return m
}

// RecordTransition counts one determined transition
func (m *Metrics) RecordTransition(policy, typ string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(policy, typ).Inc()
}

// RecordDecision counts one resolved decision
func (m *Metrics) RecordDecision(action, bucket string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(action, bucket).Inc()
}

// RecordEscalation counts one decision handed to a human
func (m *Metrics) RecordEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReprompt() {
	if m == nil {
		return
	}
	m.repromptsTotal.Inc()
}

// RecordAgentCall records the latency of one agent call and counts failures
func (m *Metrics) RecordAgentCall(agent string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.agentLatency.WithLabelValues(agent).Observe(duration.Seconds())
	if err != nil {
		m.agentErrors.WithLabelValues(agent).Inc()
	}
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RegisterGaugeFunc exposes a value sampled at scrape time, such as the
// event bus drop count.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
