// Package metrics exposes relay counters to Prometheus. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomrelay"

type Metrics struct {
	Connections      prometheus.Gauge
	QueueDepth       prometheus.Gauge
	Received         prometheus.Counter
	Delivered        prometheus.Counter
	DeliveryFailures prometheus.Counter
	Forwarded        prometheus.Counter
	Throttled        prometheus.Counter
	Rejoins          prometheus.Counter
	ProtocolErrors   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the relay collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Connections that completed the room join",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Messages drained in the last broadcaster batch",
		}),
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Chat payloads accepted from clients",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Successful per-peer sends",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed per-peer sends",
		}),
		Forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Messages published to other relay instances",
		}),
		Throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_throttled_total",
			Help:      "Chat payloads dropped by the per-connection limit",
		}),
		Rejoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejoins_total",
			Help:      "Accepted room switches",
		}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed control messages",
		}, []string{"reason"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.Connections,
		m.QueueDepth,
		m.Received,
		m.Delivered,
		m.DeliveryFailures,
		m.Forwarded,
		m.Throttled,
		m.Rejoins,
		m.ProtocolErrors,
	)
	return m
}

// Handler serves the collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) MessageReceived() {
	if m != nil {
		m.Received.Inc()
	}
}

func (m *Metrics) MessageDelivered() {
	if m != nil {
		m.Delivered.Inc()
	}
}

func (m *Metrics) DeliveryFailed() {
	if m != nil {
		m.DeliveryFailures.Inc()
	}
}

func (m *Metrics) MessageForwarded() {
	if m != nil {
		m.Forwarded.Inc()
	}
}

func (m *Metrics) MessageThrottled() {
	if m != nil {
		m.Throttled.Inc()
	}
}

func (m *Metrics) RoomSwitched() {
	if m != nil {
		m.Rejoins.Inc()
	}
}

func (m *Metrics) ProtocolError(reason string) {
	if m != nil {
		m.ProtocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}
