package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmitted tracks accepted submissions per priority tier
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_jobs_submitted_total",
			Help: "Total number of jobs accepted by the scheduler",
		},
		[]string{"priority"},
	)

	// JobsFinished tracks jobs reaching a terminal state
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal state",
		},
		[]string{"state", "category"},
	)

	// JobDuration tracks execution time of jobs that started
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"state"},
	)

	// JobQueueWait tracks time spent pending before start
	JobQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_job_queue_wait_seconds",
			Help:    "Time jobs spent queued before starting",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
	)

	// JobsPending tracks the current queue depth
	JobsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_jobs_pending",
			Help: "Number of jobs waiting to run",
		},
	)

	// JobsRunning tracks jobs currently executing
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_jobs_running",
			Help: "Number of jobs currently running",
		},
	)

	// JobOutputLines tracks streamed output lines
	JobOutputLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_job_output_lines_total",
			Help: "Total number of output lines streamed by jobs",
		},
		[]string{"stream"},
	)

	// BreakerState tracks each circuit breaker (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	// BreakerTransitions tracks breaker state changes
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	// HTTPRequests tracks API requests
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPLatency tracks API request latency
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// RateLimited tracks rejected API requests
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_rate_limited_total",
			Help: "Total number of API requests rejected by the rate limiter",
		},
	)

	// DBConnectionPoolUsage tracks open connections as a share of the pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_db_connection_pool_usage_percent",
			Help: "Open database connections as a percentage of the pool size",
		},
	)

	// HistoryDropped tracks terminal jobs not persisted because the buffer was full
	HistoryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_history_dropped_total",
			Help: "Total number of finished jobs dropped before reaching the history store",
		},
	)

	// HistoryWriteErrors tracks failed history writes
	HistoryWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_history_write_errors_total",
			Help: "Total number of failed job history writes",
		},
	)
)
