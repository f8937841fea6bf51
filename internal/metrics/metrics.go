// Package metrics holds the process-wide prometheus registry for the
// processing queue, the STT providers, and the status HTTP surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scribe_engine"

// Queue counters (incremented by the processing queue).
var (
	TasksQueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_queued_total",
		Help:      "Recording tasks accepted onto the queue.",
	})

	TasksProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_processed_total",
		Help:      "Recording tasks completed successfully.",
	})

	TasksFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_failed_total",
		Help:      "Recording tasks that reached terminal failure.",
	})

	TasksDeduplicatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_deduplicated_total",
		Help:      "Submissions rejected because the recording was already live.",
	})

	TasksRetriedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_retried_total",
		Help:      "Task re-enqueues after a retryable failure.",
	})

	TasksCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_cancelled_total",
		Help:      "Tasks cancelled before or during processing.",
	})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Tasks currently waiting in the priority queue.",
	})

	BatchesCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batches_completed_total",
		Help:      "Batches whose every task reached a terminal state.",
	})
)

// Provider counters (incremented by the failover manager).
var (
	ProviderAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_attempts_total",
		Help:      "Transcription attempts per STT provider.",
	}, []string{"provider"})

	ProviderFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_failures_total",
		Help:      "Failed transcription attempts per STT provider.",
	}, []string{"provider"})

	BreakerOpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_opens_total",
		Help:      "Circuit breaker transitions into the open state.",
	}, []string{"breaker"})
)

// HTTP metrics (incremented by status-server middleware).
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

func init() {
	prometheus.MustRegister(
		TasksQueuedTotal,
		TasksProcessedTotal,
		TasksFailedTotal,
		TasksDeduplicatedTotal,
		TasksRetriedTotal,
		TasksCancelledTotal,
		QueueDepth,
		BatchesCompletedTotal,
		ProviderAttemptsTotal,
		ProviderFailuresTotal,
		BreakerOpensTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}
