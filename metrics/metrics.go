// Package metrics exposes the Prometheus instrumentation for the
// ingester and worker loops, using the standard promauto
// CounterVec/HistogramVec/GaugeVec style.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngesterMessagesTotal counts messages pulled from the bus per
	// tick, labeled by queue and outcome ("success", "failure" or
	// "persist_failure").
	IngesterMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskledger_ingester_messages_total",
			Help: "Total number of bus messages processed by the ingester, labeled by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// IngesterTickDurationSeconds tracks the wall-clock duration of a
	// single ingester tick.
	IngesterTickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskledger_ingester_tick_duration_seconds",
			Help:    "Histogram of ingester tick wall-clock duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// IngesterTickSuccessRate is the success-rate percentage of the
	// most recent tick.
	IngesterTickSuccessRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskledger_ingester_tick_success_rate",
			Help: "Success-rate percentage of the most recent ingester tick",
		},
		[]string{"queue"},
	)

	// WorkerTasksAcquiredTotal counts successful TryAcquireTask calls,
	// labeled by the status transition performed.
	WorkerTasksAcquiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskledger_worker_tasks_acquired_total",
			Help: "Total number of tasks acquired by the worker loop, labeled by transition",
		},
		[]string{"transition"},
	)

	// WorkerTaskOutcomeTotal counts outcomes of processed tasks:
	// "Succeeded", "Retrying" or "Failed".
	WorkerTaskOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskledger_worker_task_outcome_total",
			Help: "Total number of processed tasks by outcome (Succeeded, Retrying, Failed)",
		},
		[]string{"outcome"},
	)

	// WorkerTaskDurationSeconds tracks handler processing duration.
	WorkerTaskDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskledger_worker_task_duration_seconds",
			Help:    "Histogram of TaskHandler processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WorkerHeartbeatFailuresTotal counts heartbeat ticks that found a
	// version mismatch (ownership already lost to stall recovery).
	WorkerHeartbeatFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskledger_worker_heartbeat_failures_total",
			Help: "Total number of heartbeat ticks that lost ownership due to a version mismatch",
		},
	)

	// StalledTasksRecoveredTotal counts tasks the recoverer
	// successfully requeued, labeled by whether the worker recovered
	// its own stalled task or another worker's.
	StalledTasksRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskledger_stalled_tasks_recovered_total",
			Help: "Total number of stalled tasks requeued by the recoverer, labeled by ownership",
		},
		[]string{"ownership"},
	)
)
