package rsmq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Sent          *prometheus.CounterVec
	Received      *prometheus.CounterVec
	Popped        *prometheus.CounterVec
	Deleted       *prometheus.CounterVec
	EmptyReceives *prometheus.CounterVec
	DegradedReads *prometheus.CounterVec
	Reconnects    prometheus.Counter
	TxConflicts   prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_messages_sent_total",
			Help: "Total number of messages sent",
		}, []string{"queue"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_messages_received_total",
			Help: "Total number of messages claimed by receive",
		}, []string{"queue"}),
		Popped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_messages_popped_total",
			Help: "Total number of messages claimed and deleted by pop",
		}, []string{"queue"}),
		Deleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_messages_deleted_total",
			Help: "Total number of messages deleted",
		}, []string{"queue"}),
		EmptyReceives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_empty_receives_total",
			Help: "Total number of receive or pop calls that found no visible message",
		}, []string{"queue"}),
		DegradedReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rsmq_degraded_reads_total",
			Help: "Total number of read operations answered empty because the store was unreachable",
		}, []string{"op"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "rsmq_reconnects_total",
			Help: "Total number of store reconnects",
		}),
		TxConflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "rsmq_tx_conflicts_total",
			Help: "Total number of optimistic transactions aborted by a concurrent write",
		}),
	}
}

func (m *Metrics) sent(queue string) {
	if m != nil {
		m.Sent.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) claimed(queue string, msg *Message, pop bool) {
	if m == nil {
		return
	}
	switch {
	case msg == nil:
		m.EmptyReceives.WithLabelValues(queue).Inc()
	case pop:
		m.Popped.WithLabelValues(queue).Inc()
	default:
		m.Received.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) deleted(queue string) {
	if m != nil {
		m.Deleted.WithLabelValues(queue).Inc()
	}
}

func (m *Metrics) degraded(op string) {
	if m != nil {
		m.DegradedReads.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) txConflict() {
	if m != nil {
		m.TxConflicts.Inc()
	}
}
