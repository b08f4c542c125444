package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueriesTotal tracks queries executed per store
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreams_queries_total",
			Help: "Total number of queries executed",
		},
		[]string{"store", "outcome"},
	)

	// QueryRetries tracks retry attempts per store
	QueryRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreams_query_retries_total",
			Help: "Total number of query retry attempts",
		},
		[]string{"store"},
	)

	// QueryLatency tracks query latency per store
	QueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dreams_query_latency_seconds",
			Help:    "Query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"store"},
	)

	// ErrorsTotal tracks classified errors per component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreams_errors_total",
			Help: "Total number of classified errors",
		},
		[]string{"component", "kind"},
	)

	// BreakerState tracks circuit breaker state per dependency
	// (0 = closed, 1 = half-open, 2 = open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dreams_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)

	// PoolActive tracks active connections per pool bucket
	PoolActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dreams_pool_active_connections",
			Help: "Active connections per pool bucket",
		},
		[]string{"bucket"},
	)

	// PoolIdle tracks idle connections per pool bucket
	PoolIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dreams_pool_idle_connections",
			Help: "Idle connections per pool bucket",
		},
		[]string{"bucket"},
	)

	// DLQDepth tracks pending dead letter messages
	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dreams_dlq_pending_messages",
			Help: "Number of pending dead letter messages",
		},
	)

	// RecoveryActions tracks executed recovery actions
	RecoveryActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreams_recovery_actions_total",
			Help: "Total number of recovery actions executed",
		},
		[]string{"service", "action", "outcome"},
	)

	// HealthStatus tracks per-service health
	// (0 = healthy, 1 = degraded, 2 = unhealthy, 3 = critical, 4 = unknown)
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dreams_health_status",
			Help: "Service health (0=healthy, 1=degraded, 2=unhealthy, 3=critical, 4=unknown)",
		},
		[]string{"service"},
	)

	// StageRuns tracks pipeline stage executions
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreams_stage_runs_total",
			Help: "Total number of pipeline stage runs",
		},
		[]string{"stage", "outcome"},
	)
)
