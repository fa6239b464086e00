// Package metrics registers the Prometheus metrics used by capgate.
// Metrics are registered at import time; the server entry point mounts the
// /metrics handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission and upstream metrics.
var (
	// Admissions counts gateway admission decisions labelled by outcome
	// ("admitted", "exhausted", "disabled").
	Admissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_admissions_total",
			Help: "Total admission decisions by outcome.",
		},
		[]string{"outcome"},
	)

	// UpstreamAttempts counts individual upstream calls labelled by processing
	// mode and status ("success", "error", "skipped").
	UpstreamAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_upstream_attempts_total",
			Help: "Total upstream attempts by processing mode and status.",
		},
		[]string{"mode", "status"},
	)

	// Sweeps counts finished attempt plans ("success", "failed", "incomplete").
	Sweeps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_sweeps_total",
			Help: "Total attempt plans executed by result.",
		},
		[]string{"result"},
	)

	// RequestDuration observes end-to-end classification latency in seconds.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capgate_request_duration_seconds",
			Help:    "End-to-end classification duration in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"source"},
	)

	// CacheLookups counts verdict cache lookups ("hit", "miss").
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_cache_lookups_total",
			Help: "Total verdict cache lookups by result.",
		},
		[]string{"result"},
	)

	// LedgerDegraded counts operations that fell back to fail-open because the
	// backing store was unreachable.
	LedgerDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_store_degraded_total",
			Help: "Operations served in degraded mode because the store was unreachable.",
		},
		[]string{"component"},
	)
)

// Queue and worker metrics.
var (
	// QueueDepth tracks the number of pending burst-queue entries.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capgate_queue_depth",
			Help: "Number of entries waiting in the burst queue.",
		},
	)

	// QueueEvents counts queue transitions ("enqueued", "rejected_full",
	// "requeued", "completed", "recovered").
	QueueEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_queue_events_total",
			Help: "Total burst-queue events by type.",
		},
		[]string{"event"},
	)

	// WorkerHeartbeat records the unix time of each worker's last loop
	// iteration.
	WorkerHeartbeat = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capgate_worker_heartbeat_seconds",
			Help: "Unix timestamp of the last drain-worker loop iteration.",
		},
		[]string{"worker"},
	)

	// WorkerProcessed counts entries finished by drain workers.
	WorkerProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_worker_processed_total",
			Help: "Total queue entries processed by drain workers.",
		},
		[]string{"worker", "status"},
	)
)

// Breaker and ingress metrics.
var (
	// CircuitBreakerState is 0 when closed and 1 when open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capgate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed 1=open).",
		},
	)

	// CircuitBreakerTrips counts automatic disables.
	CircuitBreakerTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capgate_circuit_breaker_trips_total",
			Help: "Total automatic feature disables after a fully failed sweep.",
		},
	)

	// RateLimitRejections counts requests rejected by the ingress limiter,
	// labelled by key_type ("ip").
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capgate_rate_limit_rejections_total",
			Help: "Total requests rejected by ingress rate limiting.",
		},
		[]string{"key_type"},
	)
)
