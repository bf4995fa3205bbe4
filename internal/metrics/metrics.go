// Package metrics provides Prometheus metrics for proxyrelay.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "proxyrelay"

// Metrics holds every Prometheus metric the relay and HTTP layers drive.
// It implements relay.Metrics so internal/relay never imports this
// package directly.
type Metrics struct {
	Registry *prometheus.Registry

	connectionsTotal  *prometheus.CounterVec
	activeConnections prometheus.Gauge
	bytesTotal        *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	decisionLatency   *prometheus.HistogramVec
	controlChannelUp  prometheus.Gauge
	frameErrorsTotal  prometheus.Counter
}

// New creates a Metrics instance with its own Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted, by kind (http, connect).",
		}, []string{"kind"}),

		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of client sockets currently tracked in the connection registry.",
		}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes tunneled, by direction (to_target, to_client).",
		}, []string{"direction"}),

		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Total manager decisions received, by kind (http, connect, response) and action (accept, reject). Timed-out and disconnected reviews are not counted.",
		}, []string{"kind", "action"}),

		decisionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_seconds",
			Help:      "Time from sending a review-request to resolving its decision.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
		}, []string{"kind"}),

		controlChannelUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_channel_connected",
			Help:      "Whether a manager channel is currently connected (1) or not (0).",
		}),

		frameErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_errors_total",
			Help:      "Total malformed or unrecognized frames dropped on the manager channel.",
		}),
	}

	reg.MustRegister(
		m.connectionsTotal,
		m.activeConnections,
		m.bytesTotal,
		m.decisionsTotal,
		m.decisionLatency,
		m.controlChannelUp,
		m.frameErrorsTotal,
	)

	return m
}

// SetControlChannelConnected implements relay.Metrics.
func (m *Metrics) SetControlChannelConnected(connected bool) {
	if connected {
		m.controlChannelUp.Set(1)
	} else {
		m.controlChannelUp.Set(0)
	}
}

// ObserveDecisionLatency implements relay.Metrics.
func (m *Metrics) ObserveDecisionLatency(kind string, d time.Duration) {
	m.decisionLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// IncConnections implements relay.Metrics.
func (m *Metrics) IncConnections(kind string) {
	m.connectionsTotal.WithLabelValues(kind).Inc()
}

// IncDecision implements relay.Metrics.
func (m *Metrics) IncDecision(kind, action string) {
	m.decisionsTotal.WithLabelValues(kind, action).Inc()
}

// SetActiveConnections records the current size of the connection registry.
func (m *Metrics) SetActiveConnections(n int) {
	m.activeConnections.Set(float64(n))
}

// AddBytes records bytes moved in a tunnel direction.
func (m *Metrics) AddBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	m.bytesTotal.WithLabelValues(direction).Add(float64(n))
}

// IncFrameError records a dropped malformed or unrecognized frame.
func (m *Metrics) IncFrameError() {
	m.frameErrorsTotal.Inc()
}
