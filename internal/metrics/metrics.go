package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CasesDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqid_cases_discovered_total",
			Help: "Total number of new case directories discovered by the scanner",
		},
	)

	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqid_tasks_completed_total",
			Help: "Total number of tasks finished, by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: success, failure
	)

	JobsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqid_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	RemoteRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqid_remote_retries_total",
			Help: "Total number of transient remote failures that were retried",
		},
	)

	BreakerRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqid_breaker_rejections_total",
			Help: "Total number of calls rejected while the circuit breaker was open",
		},
	)

	RecoveredJobsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqid_recovered_jobs_total",
			Help: "Total number of orphaned jobs handled during startup recovery",
		},
	)

	GPUsFree = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqid_gpus_free",
			Help: "Current number of unallocated GPU indices in the pool",
		},
	)

	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqid_jobs_running",
			Help: "Current number of jobs in Running status",
		},
	)

	PoolConnectionsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqid_ssh_connections_in_use",
			Help: "Current number of borrowed SSH sessions",
		},
	)

	TaskDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mqid_task_duration_seconds",
			Help:    "Task execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
		},
		[]string{"type"},
	)
)
