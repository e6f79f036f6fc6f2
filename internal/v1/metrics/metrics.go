// Package metrics is the Metrics Sink: process-wide Prometheus collectors
// exported on /metrics.
//
// Naming convention: namespace_subsystem_name
// - namespace: signalserver (application-level grouping)
// - subsystem: ws, room, store, circuit_breaker, rate_limit (feature-level grouping)
// - name: specific metric (connections_active, messages_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, peers)
// - Counter: Cumulative events (messages dispatched, credentials issued)
// - Histogram: Latency distributions (dispatch time, store op time)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks the current number of open WebSocket sessions (Gauge - current state)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalserver",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Current number of open WebSocket connections",
	})

	// TotalConnections counts every WebSocket connection ever accepted (Counter - cumulative)
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "ws",
		Name:      "connections_total",
		Help:      "Total number of WebSocket connections accepted since startup",
	})

	// TotalMessages counts every dispatched WebSocket message, by type and outcome (CounterVec - cumulative)
	TotalMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "ws",
		Name:      "messages_total",
		Help:      "Total WebSocket messages dispatched",
	}, []string{"message_type", "status"})

	// DispatchDuration tracks how long message dispatch takes per type (HistogramVec - latency distribution)
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signalserver",
		Subsystem: "ws",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent dispatching a WebSocket message",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// RoomsActive tracks the number of live in-memory rooms (Gauge - current state)
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "signalserver",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of live rooms held in the registry",
	})

	// RoomsCreatedTotal counts rooms created since startup (Counter - cumulative)
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "room",
		Name:      "rooms_created_total",
		Help:      "Total number of rooms created since startup",
	})

	// RoomPeers tracks the number of registered peers per room (GaugeVec with room_id label - current state per room)
	RoomPeers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalserver",
		Subsystem: "room",
		Name:      "peers_count",
		Help:      "Number of peers currently registered in each room",
	}, []string{"room_id"})

	// CircuitBreakerState mirrors the gobreaker state of the store circuit
	// breaker. 0: Closed, 1: Half-Open, 2: Open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "signalserver",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the store circuit breaker (0: Closed, 1: Half-Open, 2: Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total calls rejected by the store circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded a configured rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// StoreOperationsTotal tracks the total number of persistent store operations (CounterVec)
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of persistent store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks the duration of persistent store operations (HistogramVec)
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "signalserver",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of persistent store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CredentialIssuedTotal counts credentials issued, by kind (session, worker_key, invite, otp)
	CredentialIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "credential",
		Name:      "issued_total",
		Help:      "Total number of credentials issued",
	}, []string{"kind"})

	// CredentialRejectedTotal counts credential verification failures, by kind and reason
	CredentialRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "signalserver",
		Subsystem: "credential",
		Name:      "rejected_total",
		Help:      "Total number of credential verification failures",
	}, []string{"kind", "reason"})
)

// IncConnection tracks a newly upgraded WebSocket socket. TotalConnections
// is incremented separately, at successful registration (§4.8 scopes
// total_connections to registration, not the raw upgrade).
func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
