// Package metrics holds the Prometheus collectors shared by the session and
// the collector binary. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "factoryplus"

type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	MessageErrors    *prometheus.CounterVec
	SequenceGaps     prometheus.Counter
	EventsDropped    prometheus.Counter
	Reconnects       *prometheus.CounterVec
	SessionState     prometheus.Gauge
	Forwarded        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg when reg is not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Sparkplug messages received, by message type",
		}, []string{"type"}),
		MessageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "message_errors_total",
			Help:      "Messages that could not be delivered, by reason",
		}, []string{"reason"}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sequence_gaps_total",
			Help:      "Sequence number discontinuities observed",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_dropped_total",
			Help:      "Events discarded by the delivery overflow policy",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Reconnect outcomes (attempt, success, gave_up)",
		}, []string{"outcome"}),
		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Session state (0=disconnected, 1=connecting, 2=connected, 3=subscribing, 4=active, 5=closed)",
		}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "forwarded_total",
			Help:      "Events handed to downstream sinks, by sink and status",
		}, []string{"sink", "status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.MessageErrors,
			m.SequenceGaps,
			m.EventsDropped,
			m.Reconnects,
			m.SessionState,
			m.Forwarded,
		)
	}
	return m
}

func (m *Metrics) Received(messageType string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) MessageError(reason string) {
	if m != nil {
		m.MessageErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Gap() {
	if m != nil {
		m.SequenceGaps.Inc()
	}
}

func (m *Metrics) Dropped() {
	if m != nil {
		m.EventsDropped.Inc()
	}
}

func (m *Metrics) Reconnect(outcome string) {
	if m != nil {
		m.Reconnects.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) State(v int) {
	if m != nil {
		m.SessionState.Set(float64(v))
	}
}

func (m *Metrics) Forward(sink string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Forwarded.WithLabelValues(sink, status).Inc()
}
