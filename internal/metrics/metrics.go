// Package metrics defines the Prometheus collectors of the relay.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "phcsync"

// Drop reasons used by DeliveriesDropped.
const (
	ReasonBackpressure = "backpressure"
	ReasonClosed       = "closed"
)

// RelayMetrics holds the collectors updated by the relay hub.
type RelayMetrics struct {
	ActiveConnections  prometheus.Gauge
	ActiveRooms        prometheus.Gauge
	EventsRelayed      *prometheus.CounterVec
	EventsRejected     *prometheus.CounterVec
	Deliveries         prometheus.Counter
	DeliveriesDropped  *prometheus.CounterVec
	SlowClientsEvicted prometheus.Counter
	StaleEvicted       prometheus.Counter
	QueueDepth         prometheus.Gauge
	BusPublished       prometheus.Counter
	BusPublishFailures prometheus.Counter
	BusReceived        prometheus.Counter
}

// NewRelayMetrics creates and registers the relay collectors on reg.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Number of connected relay clients.",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "active_rooms",
			Help:      "Number of rooms with at least one member.",
		}),
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_relayed_total",
			Help:      "Update events accepted for fan-out, by outbound event.",
		}, []string{"event"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "events_rejected_total",
			Help:      "Inbound events dropped before fan-out, by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Frames handed to peer send buffers.",
		}),
		DeliveriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "deliveries_dropped_total",
			Help:      "Frames that could not be handed to a peer, by reason.",
		}, []string{"reason"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "slow_clients_evicted_total",
			Help:      "Connections kicked because their send buffer was full.",
		}),
		StaleEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "stale_connections_evicted_total",
			Help:      "Connections garbage-collected after inactivity.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "command_queue_depth",
			Help:      "Current depth of the hub command queue.",
		}),
		BusPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Relay events published to peer instances.",
		}),
		BusPublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Relay events that could not be published to peer instances.",
		}),
		BusReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "received_total",
			Help:      "Relay events received from peer instances.",
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ActiveRooms,
		m.EventsRelayed,
		m.EventsRejected,
		m.Deliveries,
		m.DeliveriesDropped,
		m.SlowClientsEvicted,
		m.StaleEvicted,
		m.QueueDepth,
		m.BusPublished,
		m.BusPublishFailures,
		m.BusReceived,
	)
	return m
}
