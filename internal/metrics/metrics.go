// Package metrics provides Prometheus metrics for onionmesh nodes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "onionmesh"
)

// Metrics contains all Prometheus metrics for a node. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Peer metrics
	PeersConnected  prometheus.Gauge
	PeersKnown      prometheus.Gauge
	PeerConnections *prometheus.CounterVec
	PeerDisconnects *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Message metrics
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	MessagesDuplicate prometheus.Counter
	HandlerErrors     *prometheus.CounterVec
	QueueDepth        prometheus.Gauge

	// Circuit metrics
	CircuitsBuilt       prometheus.Counter
	CircuitsFailed      *prometheus.CounterVec
	CircuitBuildLatency prometheus.Histogram
	CircuitState        *prometheus.GaugeVec
	RelayCircuits       prometheus.Gauge
	RelayCreateLimited  prometheus.Counter
	CircuitDataBytes    *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered with the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PeersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Number of currently connected peers",
		}),
		PeersKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers in the address book",
		}),
		PeerConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_connections_total",
			Help:      "Total peer connections by transport and direction",
		}, []string{"transport", "direction"}),
		PeerDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_disconnects_total",
			Help:      "Total peer disconnections by reason",
		}, []string{"reason"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of identity handshake latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed handshakes by reason",
		}, []string{"reason"}),

		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages dispatched by type",
		}, []string{"type"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages dropped by reason",
		}, []string{"reason"}),
		MessagesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_duplicate_total",
			Help:      "Total inbound messages dropped as duplicates",
		}),
		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total handler failures by message type",
		}, []string{"type"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Number of events waiting for dispatch",
		}),

		CircuitsBuilt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_built_total",
			Help:      "Total circuits that reached the active state",
		}),
		CircuitsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuits_failed_total",
			Help:      "Total circuit builds torn down by reason",
		}, []string{"reason"}),
		CircuitBuildLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "circuit_build_latency_seconds",
			Help:      "Histogram of circuit build time in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "1 for the current state of the originated circuit",
		}, []string{"state"}),
		RelayCircuits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_circuits",
			Help:      "Number of circuits this node relays",
		}),
		RelayCreateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_create_limited_total",
			Help:      "Total CREATE requests refused by the rate limiter",
		}),
		CircuitDataBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_data_bytes_total",
			Help:      "Application bytes carried over circuits by role",
		}, []string{"role"}),
	}
}

// RecordPeerConnect records a registered peer connection.
func (m *Metrics) RecordPeerConnect(transport, direction string) {
	if m == nil {
		return
	}
	m.PeersConnected.Inc()
	m.PeerConnections.WithLabelValues(transport, direction).Inc()
}

// RecordPeerDisconnect records a peer disconnection.
func (m *Metrics) RecordPeerDisconnect(reason string) {
	if m == nil {
		return
	}
	m.PeersConnected.Dec()
	m.PeerDisconnects.WithLabelValues(reason).Inc()
}

// SetPeersKnown sets the address book size.
func (m *Metrics) SetPeersKnown(n int) {
	if m == nil {
		return
	}
	m.PeersKnown.Set(float64(n))
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a failed handshake.
func (m *Metrics) RecordHandshakeError(reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

// RecordMessageReceived records a dispatched message.
func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordMessageSent records an outgoing message.
func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordMessageDropped records a message rejected before dispatch.
func (m *Metrics) RecordMessageDropped(reason string) {
	if m == nil {
		return
	}
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordDuplicate records a message dropped by de-duplication.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.MessagesDuplicate.Inc()
}

// RecordHandlerError records a failed or panicking handler.
func (m *Metrics) RecordHandlerError(msgType string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(msgType).Inc()
}

// SetQueueDepth sets the dispatch queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// RecordCircuitBuilt records a circuit reaching the active state.
func (m *Metrics) RecordCircuitBuilt(latencySeconds float64) {
	if m == nil {
		return
	}
	m.CircuitsBuilt.Inc()
	m.CircuitBuildLatency.Observe(latencySeconds)
}

// RecordCircuitFailed records a torn-down build.
func (m *Metrics) RecordCircuitFailed(reason string) {
	if m == nil {
		return
	}
	m.CircuitsFailed.WithLabelValues(reason).Inc()
}

// SetCircuitState marks state as the current originator state.
func (m *Metrics) SetCircuitState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CircuitState.WithLabelValues(s).Set(v)
	}
}

// SetRelayCircuits sets the number of relayed circuits.
func (m *Metrics) SetRelayCircuits(n int) {
	if m == nil {
		return
	}
	m.RelayCircuits.Set(float64(n))
}

// RecordRelayCreateLimited records a rate-limited CREATE.
func (m *Metrics) RecordRelayCreateLimited() {
	if m == nil {
		return
	}
	m.RelayCreateLimited.Inc()
}

// RecordCircuitData records application bytes by role (origin, relay, exit).
func (m *Metrics) RecordCircuitData(role string, n int) {
	if m == nil {
		return
	}
	m.CircuitDataBytes.WithLabelValues(role).Add(float64(n))
}
