package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lottery service.
type Metrics struct {
	// --- Lottery runs ---
	RunsTotal        *prometheus.CounterVec // outcome: completed|skipped|failed
	RunsSkipped      *prometheus.CounterVec // reason: empty_pool|underfilled_pool|already_full|already_processed
	RunDuration      prometheus.Histogram
	SelectedTotal    prometheus.Counter
	LostTotal        prometheus.Counter
	EligiblePoolSize prometheus.Histogram

	// --- Batch writer ---
	ChunksCommitted prometheus.Counter
	ChunksFailed    prometheus.Counter
	ChunkWriteDur   prometheus.Histogram
	PartialCommits  prometheus.Counter

	// --- Push delivery ---
	PushDelivered prometheus.Counter
	PushSkipped   prometheus.Counter // recipient has no token
	PushFailed    prometheus.Counter

	// --- Scheduler / dispatch ---
	TasksScheduled  prometheus.Counter
	TasksRedelivery prometheus.Counter
	ManualTriggers  *prometheus.CounterVec // status: ok|invalid_argument|not_found|permission_denied|internal

	// --- Cascade cleanup ---
	CleanupDeleted *prometheus.CounterVec // collection label
	CleanupErrors  *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec // route, status
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	runBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_runs_total",
			Help: "Lottery runs by outcome",
		}, []string{"outcome"}),

		RunsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_runs_skipped_total",
			Help: "Skipped runs by reason",
		}, []string{"reason"}),

		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lottery_run_duration_seconds",
			Help:    "End-to-end duration of one lottery run",
			Buckets: runBuckets,
		}),

		SelectedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_signups_selected_total",
			Help: "Signups transitioned to selected",
		}),

		LostTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_signups_lost_total",
			Help: "Signups transitioned to the loss state",
		}),

		EligiblePoolSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lottery_eligible_pool_size",
			Help:    "Eligible pool size per run",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		ChunksCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_batch_chunks_committed_total",
			Help: "Batch chunks committed",
		}),

		ChunksFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_batch_chunks_failed_total",
			Help: "Batch chunks that failed to commit",
		}),

		ChunkWriteDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lottery_batch_chunk_write_seconds",
			Help:    "Commit duration per batch chunk",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		}),

		PartialCommits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_partial_commits_total",
			Help: "Runs that failed after at least one committed chunk",
		}),

		PushDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_push_delivered_total",
			Help: "Push notifications delivered",
		}),

		PushSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_push_skipped_total",
			Help: "Push deliveries skipped (recipient has no token)",
		}),

		PushFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_push_failed_total",
			Help: "Push deliveries that failed (logged, never fatal)",
		}),

		TasksScheduled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_tasks_scheduled_total",
			Help: "Deferred run tasks scheduled",
		}),

		TasksRedelivery: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lottery_tasks_redelivered_total",
			Help: "Run tasks seen more than once (substrate redelivery)",
		}),

		ManualTriggers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_manual_triggers_total",
			Help: "Organizer-invoked lottery triggers by status",
		}, []string{"status"}),

		CleanupDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_cleanup_deleted_total",
			Help: "Documents removed by cascade cleanup",
		}, []string{"collection"}),

		CleanupErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_cleanup_errors_total",
			Help: "Cascade cleanup batch failures",
		}, []string{"collection"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lottery_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lottery_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"route"}),
	}
}
