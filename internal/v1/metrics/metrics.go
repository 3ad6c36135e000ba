package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: syncnode
// - subsystem: websocket, room, relay, rate_limit
var (
	// ActiveWebSocketConnections tracks current open client connections,
	// counted from transport start whether or not they have authenticated.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomPlayers tracks per-room authenticated player counts.
	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of authenticated players in each room",
	}, []string{"map_id"})

	// WebsocketEvents tracks client message counts by type/outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncnode",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks dispatch latency per message type.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncnode",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RelayCircuitBreakerState mirrors gobreaker's state per relay endpoint.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	RelayCircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "relay",
		Name:      "circuit_breaker_state",
		Help:      "Current state of the relay circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"relay"})

	// RelayPublishFailures counts rejected/failed heartbeat publishes per relay.
	RelayPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncnode",
		Subsystem: "relay",
		Name:      "publish_failures_total",
		Help:      "Total heartbeat publishes rejected or failed per relay",
	}, []string{"relay"})

	// RelayConnected tracks whether each relay session is currently connected.
	RelayConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "relay",
		Name:      "connected",
		Help:      "1 if the relay session is connected, 0 otherwise",
	}, []string{"relay"})

	// RateLimitExceeded counts rejected connection attempts by reason.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncnode",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total connection attempts rejected by the rate limiter",
	}, []string{"reason"})

	// ServedMaps tracks the current number of maps this node serves.
	ServedMaps = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncnode",
		Subsystem: "room",
		Name:      "served_maps",
		Help:      "Current number of maps this node is serving",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
