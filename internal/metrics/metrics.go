// Package metrics declares the process's Prometheus metrics.
//
// Naming convention: namespace_subsystem_name
//   - namespace: realtime (application-level grouping)
//   - subsystem: gateway, presence, voice, bus, rate_limit, circuit_breaker
//   - name: specific metric (connections_active, events_total, ...)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "gateway",
		Name:      "sessions_active",
		Help:      "Current number of authenticated WebSocket sessions",
	})

	FrameEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "gateway",
		Name:      "frame_events_total",
		Help:      "Total client/server frames processed, by kind and status",
	}, []string{"kind", "status"})

	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "realtime",
		Subsystem: "gateway",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing an inbound client frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"kind"})

	SlowConsumerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "gateway",
		Name:      "slow_consumer_drops_total",
		Help:      "Total outbound frames dropped because a session's buffer was full",
	}, []string{"reason"})

	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "presence",
		Name:      "transitions_total",
		Help:      "Total presence status transitions, by target status",
	}, []string{"status"})

	ActiveVoiceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "rooms_active",
		Help:      "Current number of active voice rooms",
	})

	VoiceParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "participants_count",
		Help:      "Number of participants in each voice room",
	}, []string{"room_key"})

	SFURequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "sfu_requests_total",
		Help:      "Total requests made to the SFU, by operation and status",
	}, []string{"operation", "status"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "voice",
		Name:      "webhook_events_total",
		Help:      "Total SFU webhooks received, by event type and status",
	}, []string{"event", "status"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "realtime",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0: closed, 1: open, 2: half-open)",
	}, []string{"service"})

	CircuitBreakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "circuit_breaker",
		Name:      "rejections_total",
		Help:      "Total calls rejected by an open circuit breaker",
	}, []string{"service"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total requests/frames rejected for exceeding a rate limit",
	}, []string{"endpoint_class", "identifier_kind"})

	RateLimitChecked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "rate_limit",
		Name:      "checked_total",
		Help:      "Total requests/frames checked against a rate limiter",
	}, []string{"endpoint_class"})

	BusOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "realtime",
		Subsystem: "bus",
		Name:      "operations_total",
		Help:      "Total pub/sub fabric operations, by operation and status",
	}, []string{"operation", "status"})

	BusOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "realtime",
		Subsystem: "bus",
		Name:      "operation_duration_seconds",
		Help:      "Duration of pub/sub fabric operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
)

func SetBreakerState(service string, v float64) {
	CircuitBreakerState.WithLabelValues(service).Set(v)
}
