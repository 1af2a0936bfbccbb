package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the leaderboard service

var (
	// Cache metrics
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_cache_lookups_total",
			Help: "Leaderboard lookups by the layer that answered them",
		},
		[]string{"kind", "source"},
	)

	CacheOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_cache_operation_duration_seconds",
			Help:    "Duration of hot cache operations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	InvalidationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "leaderboard_cache_invalidated_entries_total",
			Help: "Total number of hot cache entries removed by invalidation",
		},
	)

	// Build metrics
	BuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_builds_total",
			Help: "Total number of leaderboard payload builds",
		},
		[]string{"kind", "status"},
	)

	BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_build_duration_seconds",
			Help:    "Duration of leaderboard payload builds in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	BuildRows = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leaderboard_build_rows",
			Help:    "Rows per built leaderboard",
			Buckets: []float64{0, 5, 10, 15, 20, 30, 50, 100},
		},
	)

	StaleDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_stale_detections_total",
			Help: "Stored payloads found stale, by severity",
		},
		[]string{"severity"},
	)

	// Database metrics
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"operation", "table", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_db_connections_active",
			Help: "Number of active database connections",
		},
	)

	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_db_connections_idle",
			Help: "Number of idle database connections",
		},
	)

	// Job metrics
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_jobs_total",
			Help: "Total number of scheduler jobs by outcome",
		},
		[]string{"type", "status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leaderboard_job_duration_seconds",
			Help:    "Duration of scheduler jobs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type"},
	)

	JobQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_job_queue_depth",
			Help: "Number of jobs waiting in the scheduler queue",
		},
	)

	LastSuccessfulRebuild = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_last_successful_rebuild_timestamp",
			Help: "Timestamp of the last successful season rebuild",
		},
	)

	// Error metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leaderboard_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)

	// System metrics
	SystemUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "leaderboard_system_uptime_seconds",
			Help: "System uptime in seconds",
		},
	)
)

// RecordCacheLookup records which layer answered a lookup: hot, stored, built or legacy
func RecordCacheLookup(kind, source string) {
	CacheLookupsTotal.WithLabelValues(kind, source).Inc()
}

// RecordCacheOperation records a cache operation duration
func RecordCacheOperation(operation string, duration float64) {
	CacheOperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordInvalidation records removed hot cache entries
func RecordInvalidation(removed int) {
	InvalidationsTotal.Add(float64(removed))
}

// RecordBuild records a payload build
func RecordBuild(kind, status string, rows int, duration float64) {
	BuildsTotal.WithLabelValues(kind, status).Inc()
	BuildDuration.WithLabelValues(kind).Observe(duration)
	if status == "success" {
		BuildRows.Observe(float64(rows))
	}
}

// RecordStale records a stale payload detection
func RecordStale(hard bool) {
	severity := "soft"
	if hard {
		severity = "hard"
	}
	StaleDetectionsTotal.WithLabelValues(severity).Inc()
}

// RecordDBQuery records a database query metric
func RecordDBQuery(operation, table, status string, duration float64) {
	DBQueriesTotal.WithLabelValues(operation, table, status).Inc()
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration)
}

// UpdateDBConnectionStats updates database connection pool statistics
func UpdateDBConnectionStats(active, idle int32) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}

// RecordJob records a finished scheduler job
func RecordJob(jobType, status string, duration float64) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
	JobDuration.WithLabelValues(jobType).Observe(duration)

	if jobType == "rebuild_season" && status == "success" {
		LastSuccessfulRebuild.SetToCurrentTime()
	}
}

// SetQueueDepth updates the pending job gauge
func SetQueueDepth(n int) {
	JobQueueDepth.Set(float64(n))
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
