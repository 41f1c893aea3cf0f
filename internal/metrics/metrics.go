package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "collabroom"

// Metrics holds the collectors for the realtime layer. A nil *Metrics is
// valid and records nothing, so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	activeRooms       prometheus.Gauge
	deliveries        prometheus.Counter
	prunedConnections prometheus.Counter
	inboundEvents     *prometheus.CounterVec
	rejectedEvents    *prometheus.CounterVec
	whiteboardUpdates prometheus.Counter
	activeSessions    prometheus.Gauge
}

// New registers every collector on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections joined to a room.",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Rooms with at least one live connection.",
		}),
		deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Frames accepted by a connection's outbound queue.",
		}),
		prunedConnections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_connections_total",
			Help:      "Connections dropped after a failed send.",
		}),
		inboundEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Client events dispatched to the session coordinator.",
		}, []string{"type"}),
		rejectedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Client events rejected before dispatch.",
		}, []string{"reason"}),
		whiteboardUpdates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "whiteboard_updates_total",
			Help:      "Accepted whiteboard appends.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Collaborative sessions currently open.",
		}),
	}
}

// Handler exposes the collectors at /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionJoined() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionLeft() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.activeRooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.activeRooms.Dec()
	}
}

func (m *Metrics) Delivered(n int) {
	if m != nil && n > 0 {
		m.deliveries.Add(float64(n))
	}
}

// Pruned also drops the connection gauge, pruned connections never go through Leave.
func (m *Metrics) Pruned(n int) {
	if m != nil && n > 0 {
		m.prunedConnections.Add(float64(n))
		m.connections.Sub(float64(n))
	}
}

func (m *Metrics) InboundEvent(eventType string) {
	if m != nil {
		m.inboundEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) RejectedEvent(reason string) {
	if m != nil {
		m.rejectedEvents.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) WhiteboardUpdated() {
	if m != nil {
		m.whiteboardUpdates.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.activeSessions.Dec()
	}
}
