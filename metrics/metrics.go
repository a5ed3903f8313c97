// Package metrics exposes the engine's package-level Prometheus
// collectors: per-component counters and histograms registered at
// import time, plus a Timer helper for measuring operation duration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CheckpointsConfirmedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keystonedb_checkpoints_confirmed_total",
		Help: "Total number of checkpoints confirmed.",
	})

	CheckpointDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keystonedb_checkpoint_duration_seconds",
		Help:    "Time from checkpoint proposal to confirmation.",
		Buckets: prometheus.DefBuckets,
	})

	RecoveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keystonedb_recovery_duration_seconds",
		Help:    "Time taken by a startup recovery pass.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	})

	RecoveryPageMapSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystonedb_recovery_page_map_size",
		Help: "Number of distinct pages reconstructed during the most recent recovery pass.",
	})

	RecoveryTransactionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystonedb_recovery_transactions_total",
		Help: "Transactions resolved during recovery, by outcome.",
	}, []string{"outcome"}) // "committed" | "uncommitted"

	CleanupQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystonedb_cleanup_queue_depth",
		Help: "Number of actions currently enqueued in the cleanup manager.",
	})

	CleanupActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keystonedb_cleanup_actions_total",
		Help: "Cleanup actions processed, by kind and outcome.",
	}, []string{"kind", "outcome"}) // outcome: "performed" | "error" | "refused"

	JournalFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keystonedb_journal_flush_duration_seconds",
		Help:    "Time taken by a journal flusher pass.",
		Buckets: prometheus.DefBuckets,
	})

	JournalFileCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystonedb_journal_file_count",
		Help: "Number of journal files currently on disk.",
	})

	JournalThrottled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystonedb_journal_throttled",
		Help: "1 if the journal is past urgent_file_count_threshold and throttling admission, else 0.",
	})

	TransactionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "keystonedb_transactions_active",
		Help: "Number of transactions currently on the active (current) list.",
	})

	TransactionsCommittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keystonedb_transactions_committed_total",
		Help: "Total number of committed transactions.",
	})

	TransactionsAbortedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keystonedb_transactions_aborted_total",
		Help: "Total number of aborted transactions.",
	})

	WriteConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keystonedb_write_write_conflicts_total",
		Help: "Total number of write-write conflicts detected at commit time.",
	})
)

func init() {
	prometheus.MustRegister(
		CheckpointsConfirmedTotal,
		CheckpointDuration,
		RecoveryDuration,
		RecoveryPageMapSize,
		RecoveryTransactionsApplied,
		CleanupQueueDepth,
		CleanupActionsTotal,
		JournalFlushDuration,
		JournalFileCount,
		JournalThrottled,
		TransactionsActive,
		TransactionsCommittedTotal,
		TransactionsAbortedTotal,
		WriteConflictsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
