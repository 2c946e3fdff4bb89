package havenchat

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "havenchat"

// Metrics exposes connection and delivery counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reconnects   prometheus.Counter
	circuitTrips prometheus.Counter
	connected    prometheus.Gauge
	routes       *prometheus.CounterVec
	sendFailures prometheus.Counter
	duplicates   prometheus.Counter
	inbound      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts scheduled after an unintentional close.",
		}),
		circuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "circuit_trips_total",
			Help:      "Times automatic reconnection gave up.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connection_open",
			Help:      "1 while the duplex connection is open.",
		}),
		routes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "route_decisions_total",
			Help:      "Outbound actions by action and chosen path.",
		}, []string{"action", "route"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_failures_total",
			Help:      "Messages that ended in the failed state.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Inbound or fallback results dropped as duplicates.",
		}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "inbound_events_total",
			Help:      "Decoded inbound duplex frames by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.reconnects, m.circuitTrips, m.connected, m.routes,
			m.sendFailures, m.duplicates, m.inbound)
	}
	return m
}

func (m *Metrics) reconnectScheduled() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) circuitTripped() {
	if m != nil {
		m.circuitTrips.Inc()
	}
}

func (m *Metrics) setConnected(open bool) {
	if m == nil {
		return
	}
	if open {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) routed(action Action, route Route) {
	if m != nil {
		m.routes.WithLabelValues(string(action), string(route)).Inc()
	}
}

func (m *Metrics) sendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) duplicateSuppressed() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) inboundEvent(t EventType) {
	if m != nil {
		m.inbound.WithLabelValues(string(t)).Inc()
	}
}
