package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors exported by the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	requestErrors    *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	escalations      *prometheus.CounterVec
	sweepErrors      prometheus.Counter
	outboxEvents     *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewMetrics registers collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"path", "method", "status"}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "http_errors_total",
			Help:      "HTTP errors by route, method and error code.",
		}, []string{"path", "method", "code"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "ticket_transitions_total",
			Help:      "Status transitions by target status and outcome.",
		}, []string{"status", "outcome"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "ticket_escalations_total",
			Help:      "Escalations by reason.",
		}, []string{"reason"}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "escalation_sweep_errors_total",
			Help:      "Per-ticket errors collected by escalation sweeps.",
		}),
		outboxEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "outbox_events_total",
			Help:      "Dispatched outbox events by type and outcome.",
		}, []string{"event_type", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "helpdesk",
			Name:      "outbox_dispatch_seconds",
			Help:      "Handler latency per outbox event type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.requestErrors,
		m.transitions,
		m.escalations,
		m.sweepErrors,
		m.outboxEvents,
		m.dispatchDuration,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRequest increments counters for requests.
func (m *Metrics) RecordRequest(path, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(path, method, strconv.Itoa(status)).Inc()
}

// RecordError increments error counters.
func (m *Metrics) RecordError(path, method, code string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(path, method, code).Inc()
}

// RecordTransition counts a transition attempt.
func (m *Metrics) RecordTransition(status, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, outcome).Inc()
}

// RecordEscalation counts an applied escalation.
func (m *Metrics) RecordEscalation(reason string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(reason).Inc()
}

// RecordSweepErrors adds per-ticket sweep failures.
func (m *Metrics) RecordSweepErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepErrors.Add(float64(n))
}

// RecordDispatch counts a handled outbox event and its latency.
func (m *Metrics) RecordDispatch(eventType, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxEvents.WithLabelValues(eventType, outcome).Inc()
	m.dispatchDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}
