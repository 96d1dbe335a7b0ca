// Package metrics defines the Prometheus instruments exported on
// /metrics: dispatcher throughput, pipeline outcomes, rule engine
// activity, and fan-out drops.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the server registers. Constructed
// once in main and threaded through like any other dependency; a nil
// *Metrics is safe to call into (tests).
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	HandlerSuccess    *prometheus.CounterVec
	HandlerFailure    *prometheus.CounterVec
	ReadingsPersisted prometheus.Counter
	RuleExecutions    *prometheus.CounterVec
	WSClients         prometheus.Gauge
	WSDropped         prometheus.Counter
	BufferDepth       prometheus.Gauge
}

// New creates and registers the instrument set on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "mqtt",
			Name: "messages_received_total",
			Help: "Inbound MQTT messages by handler.",
		}, []string{"handler"}),
		HandlerSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "mqtt",
			Name: "handler_success_total",
			Help: "Handler invocations that completed without error.",
		}, []string{"handler"}),
		HandlerFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "mqtt",
			Name: "handler_failure_total",
			Help: "Handler invocations that reported an error.",
		}, []string{"handler"}),
		ReadingsPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "pipeline",
			Name: "readings_persisted_total",
			Help: "Sensor readings written to the time series.",
		}),
		RuleExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "logic",
			Name: "rule_executions_total",
			Help: "Rule executions by result.",
		}, []string{"result"}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaiser", Subsystem: "ws",
			Name: "clients",
			Help: "Connected WebSocket clients.",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kaiser", Subsystem: "ws",
			Name: "messages_dropped_total",
			Help: "WebSocket messages dropped by per-client rate limiting.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kaiser", Subsystem: "mqtt",
			Name: "offline_buffer_depth",
			Help: "Publishes waiting in the offline buffer.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived, m.HandlerSuccess, m.HandlerFailure,
		m.ReadingsPersisted, m.RuleExecutions,
		m.WSClients, m.WSDropped, m.BufferDepth,
	)
	return m
}

// Received records an inbound message routed to a handler.
func (m *Metrics) Received(handler string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(handler).Inc()
}

// HandlerDone records a handler outcome.
func (m *Metrics) HandlerDone(handler string, ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.HandlerSuccess.WithLabelValues(handler).Inc()
	} else {
		m.HandlerFailure.WithLabelValues(handler).Inc()
	}
}

// ReadingPersisted records one stored reading.
func (m *Metrics) ReadingPersisted() {
	if m == nil {
		return
	}
	m.ReadingsPersisted.Inc()
}

// RuleExecuted records a rule execution result label
// (success, failure, preempted).
func (m *Metrics) RuleExecuted(result string) {
	if m == nil {
		return
	}
	m.RuleExecutions.WithLabelValues(result).Inc()
}

// SetWSClients updates the connected-client gauge.
func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}

// WSDrop records one rate-limited WebSocket message.
func (m *Metrics) WSDrop() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}

// SetBufferDepth updates the offline buffer gauge.
func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.BufferDepth.Set(float64(n))
}
