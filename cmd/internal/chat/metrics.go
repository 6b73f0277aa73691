package chat

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instruments.
// All methods are nil-safe so the hot path never branches on wiring.
type Metrics struct {
	ConnectionsActive  prometheus.Gauge
	TopicSubscriptions prometheus.Gauge
	MessagesPersisted  *prometheus.CounterVec
	FanoutDelivered    prometheus.Counter
	FanoutDropped      prometheus.Counter
	ReadReceipts       prometheus.Counter
	OpsRejected        *prometheus.CounterVec
}

// NewMetrics constructs and registers the gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Live websocket connections.",
		}),
		TopicSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "topic_subscriptions",
			Help:      "Current (session, topic) subscription pairs.",
		}),
		MessagesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "messages_persisted_total",
			Help:      "Messages accepted and persisted, by kind.",
		}, []string{"kind"}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "fanout_delivered_total",
			Help:      "Envelopes enqueued to subscriber sessions.",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "fanout_dropped_total",
			Help:      "Envelopes dropped due to backpressure or shutdown.",
		}),
		ReadReceipts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "read_receipts_total",
			Help:      "Read receipts recorded (first reads only).",
		}),
		OpsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "teamtalk",
			Subsystem: "gateway",
			Name:      "ops_rejected_total",
			Help:      "Client operations rejected, by wire error code.",
		}, []string{"code"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.TopicSubscriptions,
			m.MessagesPersisted,
			m.FanoutDelivered,
			m.FanoutDropped,
			m.ReadReceipts,
			m.OpsRejected,
		)
	}
	return m
}

func (m *Metrics) connectionOpened() {
	if m != nil {
		m.ConnectionsActive.Inc()
	}
}

func (m *Metrics) connectionClosed() {
	if m != nil {
		m.ConnectionsActive.Dec()
	}
}

func (m *Metrics) subscriptionInc() {
	if m != nil {
		m.TopicSubscriptions.Inc()
	}
}

func (m *Metrics) subscriptionDec() {
	if m != nil {
		m.TopicSubscriptions.Dec()
	}
}

func (m *Metrics) messagePersisted(kind string) {
	if m != nil {
		m.MessagesPersisted.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) fanoutDelivered() {
	if m != nil {
		m.FanoutDelivered.Inc()
	}
}

func (m *Metrics) fanoutDropped() {
	if m != nil {
		m.FanoutDropped.Inc()
	}
}

func (m *Metrics) readReceipt() {
	if m != nil {
		m.ReadReceipts.Inc()
	}
}

func (m *Metrics) opRejected(code string) {
	if m != nil {
		m.OpsRejected.WithLabelValues(code).Inc()
	}
}
