// Package metrics provides Prometheus metrics for the intake service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	TurnsTotal            *prometheus.CounterVec
	StageTransitionsTotal *prometheus.CounterVec
	ModelRequestsTotal    *prometheus.CounterVec
	ModelRequestDuration  *prometheus.HistogramVec
	StreamsActive         prometheus.Gauge
	SanitizerFallbacks    prometheus.Counter
	ClassifierVerdicts    *prometheus.CounterVec
	SessionsCreatedTotal  prometheus.Counter
	RateLimitRetriesTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. Passing nil uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zclinic_turns_total",
				Help: "Submitted turns by outcome",
			},
			[]string{"outcome"},
		),
		StageTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zclinic_stage_transitions_total",
				Help: "Conversation stage transitions",
			},
			[]string{"from", "to"},
		),
		ModelRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zclinic_model_requests_total",
				Help: "Remote model requests by kind and status",
			},
			[]string{"kind", "status"},
		),
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zclinic_model_request_duration_seconds",
				Help:    "Duration of remote model requests in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40},
			},
			[]string{"kind"},
		),
		StreamsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "zclinic_streams_active",
				Help: "Responses currently streaming",
			},
		),
		SanitizerFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zclinic_sanitizer_fallbacks_total",
				Help: "Sanitizer failures answered with escaped text",
			},
		),
		ClassifierVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zclinic_classifier_verdicts_total",
				Help: "Topic classifier verdicts by source",
			},
			[]string{"source", "verdict"},
		),
		SessionsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zclinic_sessions_created_total",
				Help: "Sessions opened",
			},
		),
		RateLimitRetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "zclinic_rate_limit_retries_total",
				Help: "Upstream requests retried after HTTP 429",
			},
		),
		gatherer: reg,
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordTurn counts one submission outcome.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a stage change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.StageTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordModelRequest records one remote request.
func (m *Metrics) RecordModelRequest(kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ModelRequestsTotal.WithLabelValues(kind, status).Inc()
	m.ModelRequestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// StreamStarted increments the active stream gauge and returns its release.
func (m *Metrics) StreamStarted() func() {
	if m == nil {
		return func() {}
	}
	m.StreamsActive.Inc()
	return m.StreamsActive.Dec
}

// RecordSanitizerFallback counts an escaped fallback.
func (m *Metrics) RecordSanitizerFallback() {
	if m == nil {
		return
	}
	m.SanitizerFallbacks.Inc()
}

// RecordVerdict counts a classifier verdict.
func (m *Metrics) RecordVerdict(source, verdict string) {
	if m == nil {
		return
	}
	m.ClassifierVerdicts.WithLabelValues(source, verdict).Inc()
}

// RecordSession counts a new session.
func (m *Metrics) RecordSession() {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.Inc()
}

// RecordRateLimitRetry counts a 429 retry.
func (m *Metrics) RecordRateLimitRetry() {
	if m == nil {
		return
	}
	m.RateLimitRetriesTotal.Inc()
}
