package mqtt311

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exports broker metrics through a prometheus
// registerer.
type PrometheusMetrics struct {
	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	packetsReceived     *prometheus.CounterVec
	packetsSent         *prometheus.CounterVec
	messagesPublished   *prometheus.CounterVec
	messagesDelivered   *prometheus.CounterVec
	messagesDropped     *prometheus.CounterVec
	retainedMessages    prometheus.Gauge
	activeSubscriptions prometheus.Gauge
}

// NewPrometheusMetrics creates and registers the broker metric set.
// Pass prometheus.DefaultRegisterer to use the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_connections_opened_total",
			Help: "Total number of accepted client connections.",
		}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_connections_closed_total",
			Help: "Total number of closed client connections.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_connections_rejected_total",
			Help: "Total number of rejected connections by CONNACK return code.",
		}, []string{"code"}),
		packetsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_packets_received_total",
			Help: "Total number of received control packets by type.",
		}, []string{"type"}),
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_packets_sent_total",
			Help: "Total number of sent control packets by type.",
		}, []string{"type"}),
		messagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_published_total",
			Help: "Total number of accepted application messages by QoS.",
		}, []string{"qos"}),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_delivered_total",
			Help: "Total number of delivered message copies by QoS.",
		}, []string{"qos"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_messages_dropped_total",
			Help: "Total number of dropped deliveries by reason.",
		}, []string{"reason"}),
		retainedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_retained_messages",
			Help: "Current number of retained messages.",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_active_subscriptions",
			Help: "Current number of subscriptions.",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionsOpened,
		m.connectionsClosed,
		m.connectionsRejected,
		m.packetsReceived,
		m.packetsSent,
		m.messagesPublished,
		m.messagesDelivered,
		m.messagesDropped,
		m.retainedMessages,
		m.activeSubscriptions,
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *PrometheusMetrics) ConnectionOpened() {
	m.connectionsOpened.Inc()
}

func (m *PrometheusMetrics) ConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *PrometheusMetrics) ConnectionRejected(code ConnectReturnCode) {
	m.connectionsRejected.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (m *PrometheusMetrics) PacketReceived(packetType PacketType) {
	m.packetsReceived.WithLabelValues(packetType.String()).Inc()
}

func (m *PrometheusMetrics) PacketSent(packetType PacketType) {
	m.packetsSent.WithLabelValues(packetType.String()).Inc()
}

func (m *PrometheusMetrics) MessagePublished(qos byte) {
	m.messagesPublished.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

func (m *PrometheusMetrics) MessageDelivered(qos byte) {
	m.messagesDelivered.WithLabelValues(strconv.Itoa(int(qos))).Inc()
}

func (m *PrometheusMetrics) MessageDropped(reason string) {
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) RetainedMessages(count int) {
	m.retainedMessages.Set(float64(count))
}

func (m *PrometheusMetrics) ActiveSubscriptions(count int) {
	m.activeSubscriptions.Set(float64(count))
}
