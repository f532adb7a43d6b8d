package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the huddle signaling backend.
// Declared in one package to keep naming consistent across features.
//
// Naming convention: namespace_subsystem_name
// - namespace: huddle (application-level grouping)
// - subsystem: websocket, room, webrtc, sfu, store, ratelimit
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections (Gauge - current state)
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms (Gauge - current state)
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms",
	})

	// RoomParticipants tracks the number of participants in each room (GaugeVec with room_id label - current state per room)
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of participants in each room",
	}, []string{"room_id"})

	// ParticipantsReaped counts participants removed by the reaper after
	// the disconnect grace period (Counter - cumulative)
	ParticipantsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "participants_reaped_total",
		Help:      "Total participants removed after the disconnect grace period",
	})

	// RoomsReaped counts rooms deleted by the reaper or the periodic sweep (Counter - cumulative)
	RoomsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "room",
		Name:      "rooms_reaped_total",
		Help:      "Total rooms deleted after being left empty",
	})

	// WebsocketEvents tracks the total number of WebSocket events processed (CounterVec - cumulative)
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing WebSocket messages (HistogramVec - latency distribution)
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "huddle",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// SignalsRelayed tracks peer-to-peer signaling messages by outcome (CounterVec - cumulative)
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "webrtc",
		Name:      "signals_relayed_total",
		Help:      "Total WebRTC signaling messages relayed between peers",
	}, []string{"signal_type", "status"})

	// SfuRoutersActive tracks the current number of SFU routers (Gauge - one per SFU-mode room)
	SfuRoutersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "routers_active",
		Help:      "Current number of SFU routers",
	})

	// SfuTransportsActive tracks the current number of SFU transports (Gauge - current state)
	SfuTransportsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "transports_active",
		Help:      "Current number of SFU WebRTC transports",
	})

	// SfuProducersActive tracks the current number of SFU producers by kind (GaugeVec - current state)
	SfuProducersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "producers_active",
		Help:      "Current number of SFU producers",
	}, []string{"kind"})

	// SfuConsumersActive tracks the current number of SFU consumers (Gauge - current state)
	SfuConsumersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "sfu",
		Name:      "consumers_active",
		Help:      "Current number of SFU consumers",
	})

	// AuthenticationAttempts tracks socket handshake authentication outcomes (CounterVec - cumulative)
	AuthenticationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "websocket",
		Name:      "auth_attempts_total",
		Help:      "Total socket handshake authentication attempts",
	}, []string{"result"})

	// RedisOperationsTotal tracks call store operations against Redis (CounterVec - cumulative)
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "store",
		Name:      "redis_operations_total",
		Help:      "Total Redis operations issued by the call store",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks call store operation latency (HistogramVec - latency distribution)
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "huddle",
		Subsystem: "store",
		Name:      "redis_operation_seconds",
		Help:      "Time spent on Redis operations issued by the call store",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"operation"})

	// CircuitBreakerState reflects the call store breaker state: 0 closed, 1 open, 2 half-open (GaugeVec - current state)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "huddle",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open",
	}, []string{"name"})

	// CircuitBreakerFailures counts operations rejected or failed through the breaker (CounterVec - cumulative)
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Total operations that failed or were rejected by the circuit breaker",
	}, []string{"name"})

	// RateLimitRequests counts requests checked against a limiter (CounterVec - cumulative)
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "ratelimit",
		Name:      "requests_total",
		Help:      "Total requests checked against a rate limiter",
	}, []string{"limiter"})

	// RateLimitExceeded counts requests rejected by a limiter (CounterVec - cumulative)
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "huddle",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by a rate limiter",
	}, []string{"limiter"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
