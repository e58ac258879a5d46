package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the envelope gateway.
//
// Naming convention: namespace_subsystem_name
// - namespace: envgate (application-level grouping)
// - subsystem: websocket, sse, append, fanout, session (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, subscriptions, queue depth)
// - Counter: Cumulative events (appends, drops, rejections)
// - Histogram: Latency distributions (append duration)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "envgate",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveSSEStreams tracks the current number of open SSE streams
	ActiveSSEStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "envgate",
		Subsystem: "sse",
		Name:      "streams_active",
		Help:      "Current number of open SSE streams",
	})

	// ActiveSubscriptions tracks live subscriptions per conversation
	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "envgate",
		Subsystem: "fanout",
		Name:      "subscriptions_active",
		Help:      "Number of live subscriptions per conversation",
	}, []string{"conv_id"})

	// AppendsTotal counts append outcomes (accepted, duplicate, rejected by code)
	AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "append",
		Name:      "appends_total",
		Help:      "Total append attempts by outcome",
	}, []string{"outcome"})

	// AppendDuration tracks time from accept to durable write
	AppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "envgate",
		Subsystem: "append",
		Name:      "duration_seconds",
		Help:      "Time spent serializing and durably writing an envelope",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// FanoutQueueDepth samples per-subscriber delivery queue occupancy
	FanoutQueueDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "envgate",
		Subsystem: "fanout",
		Name:      "queue_depth",
		Help:      "Delivery queue occupancy observed at enqueue time",
		Buckets:   []float64{0, 1, 8, 32, 128, 256, 512, 1024},
	})

	// SlowConsumerDisconnects counts subscriptions terminated for sustained backpressure
	SlowConsumerDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "fanout",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Subscriptions terminated after sustained backpressure",
	})

	// EventsDelivered counts envelopes delivered to subscribers by transport
	EventsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "fanout",
		Name:      "events_delivered_total",
		Help:      "Envelopes delivered to subscribers",
	}, []string{"transport"})

	// ActiveSessions tracks currently valid sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "envgate",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Currently valid (unexpired, unrevoked) sessions",
	})

	// RateLimitRejections counts requests rejected by a limiter
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"limit_type"})

	// CircuitBreakerState tracks breaker state per dependency
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "envgate",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"dependency"})

	// PrunedEnvelopes counts rows removed by the retention sweeper
	PrunedEnvelopes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "store",
		Name:      "pruned_envelopes_total",
		Help:      "Envelope rows removed by retention pruning",
	})

	// WireFrames counts processed client frames by type and status
	WireFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "envgate",
		Subsystem: "websocket",
		Name:      "frames_total",
		Help:      "Client frames processed by type and status",
	}, []string{"frame_type", "status"})
)

// IncConnection increments the active connections gauge.
func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

// DecConnection decrements the active connections gauge.
func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
