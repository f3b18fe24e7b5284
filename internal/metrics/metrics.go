package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collection Job Metrics
var (
	// CollectionJobsTotal tracks collection jobs by kind and result
	CollectionJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_jobs_total",
			Help: "Total collection jobs by kind (latest/backfill) and result (success/error/skipped)",
		},
		[]string{"kind", "result"},
	)

	// CollectionJobDuration tracks collection job duration by integration
	CollectionJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collection_job_duration_seconds",
			Help:    "Collection job duration in seconds by integration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 600},
		},
		[]string{"integration"},
	)

	// MeasurementsUpserted tracks measurements written by integration
	MeasurementsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "measurements_upserted_total",
			Help: "Total measurements upserted by integration",
		},
		[]string{"integration"},
	)

	// CollectionRetriesTotal tracks retried collection attempts by integration
	CollectionRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collection_retries_total",
			Help: "Total retried collection attempts by integration",
		},
		[]string{"integration"},
	)
)

// Provider HTTP Metrics
var (
	// ProviderRequestsTotal tracks outbound provider requests by integration and status class
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total outbound provider HTTP requests by integration and status class (2xx/4xx/5xx/error)",
		},
		[]string{"integration", "status"},
	)

	// ProviderRequestDuration tracks outbound provider request latency
	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "Outbound provider HTTP request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"integration"},
	)

	// ProviderRateLimitedTotal tracks 429 responses by integration
	ProviderRateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_rate_limited_total",
			Help: "Total rate-limited (429) provider responses by integration",
		},
		[]string{"integration"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)
)

// OAuth Metrics
var (
	// TokenRefreshesTotal tracks token refresh attempts by integration and result
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_token_refreshes_total",
			Help: "Total OAuth token refresh attempts by integration and result (success/invalid_grant/error)",
		},
		[]string{"integration", "result"},
	)

	// AuthorizationsTotal tracks completed authorization flows by integration
	AuthorizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oauth_authorizations_total",
			Help: "Total completed authorization code flows by integration and result",
		},
		[]string{"integration", "result"},
	)
)

// Spike Detection Metrics
var (
	// SpikesDetectedTotal tracks confirmed spikes by integration
	SpikesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spikes_detected_total",
			Help: "Total confirmed measurement spikes by integration",
		},
		[]string{"integration"},
	)

	// SpikeChecksTotal tracks spike detection runs by outcome
	SpikeChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spike_checks_total",
			Help: "Total spike detection runs by outcome (spike/no_spike/insufficient_data)",
		},
		[]string{"outcome"},
	)
)

// Scheduler Metrics
var (
	// SchedulerRunsTotal tracks scheduler sweeps by result
	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Total scheduler sweeps by result",
		},
		[]string{"result"},
	)

	// SchedulerQueueDepth tracks metrics pending collection in the current sweep
	SchedulerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_queue_depth",
			Help: "Metrics pending collection in the current sweep",
		},
	)

	// JobLockContentionTotal tracks per-metric lock acquisitions that lost the race
	JobLockContentionTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "job_lock_contention_total",
			Help: "Total per-metric collection lock acquisitions that found the lock held",
		},
	)

	// InactiveMetricsDetected tracks metrics flagged by the inactivity sweep
	InactiveMetricsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inactive_metrics_detected_total",
			Help: "Total metrics flagged inactive by threshold (15d/30d/90d)",
		},
		[]string{"threshold"},
	)
)

// Spreadsheet Export Metrics
var (
	// SpreadsheetExportsTotal tracks export runs by result
	SpreadsheetExportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadsheet_exports_total",
			Help: "Total spreadsheet export runs by result (success/partial/error)",
		},
		[]string{"result"},
	)

	// SpreadsheetRowsExported tracks rows appended across export runs
	SpreadsheetRowsExported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spreadsheet_rows_exported_total",
			Help: "Total measurement rows appended to spreadsheets",
		},
	)
)

// Notification Metrics
var (
	// NotificationsTotal tracks notifications sent by audience and result
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Total notifications sent by audience (user/operator) and result",
		},
		[]string{"audience", "result"},
	)
)

// Redis Lock Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// RedisConnectionErrors tracks Redis connection errors
	RedisConnectionErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "redis_connection_errors_total",
			Help: "Total Redis connection errors",
		},
	)
)

// Database Metrics
var (
	// DBQueryDuration tracks database query duration by query name
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// DBErrorsTotal tracks database errors by query name
	DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_errors_total",
			Help: "Total database errors by query",
		},
		[]string{"query"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, build_time, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "build_time", "go_version"},
	)
)

// HTTP error counts live in internal/errors; the /metrics endpoint itself is
// served by promhttp wrapped into echo.
