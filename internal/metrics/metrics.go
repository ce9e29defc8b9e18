// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "groupchat"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	connectionsActive prometheus.Gauge
	handshakes        *prometheus.CounterVec
	messages          *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	fanoutDuration    prometheus.Histogram
	alertGroups       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Chat sockets currently registered.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Chat socket handshakes by outcome.",
		}, []string{"outcome"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Accepted chat messages by kind.",
		}, []string{"kind"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Inbound frames rejected by error code.",
		}, []string{"code"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-connection fan-out attempts by result.",
		}, []string{"result"}),
		fanoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fanout_duration_seconds",
			Help:      "Time to enqueue one frame to every member connection of a group.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		alertGroups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_groups_total",
			Help:      "Per-group outcomes of internal alert broadcasts.",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.connectionsActive,
			m.handshakes,
			m.messages,
			m.rejections,
			m.deliveries,
			m.fanoutDuration,
			m.alertGroups,
		)
	}
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

// Handshake records "accepted", "unauthorized", "forbidden" or "error".
func (m *Metrics) Handshake(outcome string) {
	if m != nil {
		m.handshakes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) MessageAccepted(kind string) {
	if m != nil {
		m.messages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameRejected(code string) {
	if m != nil {
		m.rejections.WithLabelValues(code).Inc()
	}
}

// Fanout records one broadcast.
func (m *Metrics) Fanout(delivered, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("delivered").Add(float64(delivered))
	m.deliveries.WithLabelValues("failed").Add(float64(failed))
	m.fanoutDuration.Observe(took.Seconds())
}

// AlertGroup records "ok", "persist_failed", "timeout" or "error".
func (m *Metrics) AlertGroup(outcome string) {
	if m != nil {
		m.alertGroups.WithLabelValues(outcome).Inc()
	}
}
