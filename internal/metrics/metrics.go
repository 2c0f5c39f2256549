// Package metrics exposes the prometheus counters and gauges named in
// spec §4.9 (scheduler task outcomes), the commit/conflict path of
// internal/store/txn, and buffer-pool occupancy.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics.
	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_tasks_scheduled_total",
			Help: "Total number of tasks handed to the scheduler",
		},
	)

	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_tasks_started_total",
			Help: "Total number of tasks that began VM execution",
		},
	)

	TasksByOutcome = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moodb_tasks_total",
			Help: "Total number of tasks completed, by outcome",
		},
		[]string{"outcome"}, // succeeded, aborted, errored, excepted, killed
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moodb_task_duration_seconds",
			Help:    "Wall-clock time a task spent running, from first Step to terminal outcome",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksSuspended = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moodb_tasks_suspended",
			Help: "Number of tasks currently suspended awaiting resume",
		},
	)

	// Transaction/commit metrics.
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_commits_total",
			Help: "Total number of transaction commit attempts that succeeded",
		},
	)

	ConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_conflict_retries_total",
			Help: "Total number of commit attempts that lost an optimistic-concurrency race",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moodb_commit_duration_seconds",
			Help:    "Time spent inside the commit-lock critical section",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Buffer-pool metrics.
	BufferPoolPagesInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "moodb_bufferpool_pages_in_use",
			Help: "Allocated pages per size class",
		},
		[]string{"size_class"},
	)

	BufferPoolBytesReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moodb_bufferpool_bytes_reserved",
			Help: "Total bytes reserved by the mmap'd buffer pool",
		},
	)

	WALAppendsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_wal_appends_total",
			Help: "Total number of WAL records appended",
		},
	)

	// Reconciler metrics.
	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "moodb_reconciliation_cycles_total",
			Help: "Total number of vacuum/checkpoint reconciliation cycles run",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "moodb_reconciliation_duration_seconds",
			Help:    "Time spent inside one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationPagesCheckpointed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "moodb_reconciliation_pages_checkpointed",
			Help: "Number of pages written to the checkpoint directory in the last cycle",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksScheduled,
		TasksStarted,
		TasksByOutcome,
		TaskDuration,
		TasksSuspended,
		CommitsTotal,
		ConflictRetriesTotal,
		CommitDuration,
		BufferPoolPagesInUse,
		BufferPoolBytesReserved,
		WALAppendsTotal,
		ReconciliationCyclesTotal,
		ReconciliationDuration,
		ReconciliationPagesCheckpointed,
	)
}

// Handler returns the Prometheus scrape handler, wired into
// cmd/moodbctl's optional serve-metrics subcommand.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation and reports it to a histogram on Stop.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}
