package workerpool

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/quire/internal/task"
)

// Metric label values for task outcomes.
const (
	outcomeSuccess   = "success"
	outcomeError     = "error"
	outcomeTimeout   = "timeout"
	outcomeCrashed   = "crashed"
	outcomeCancelled = "cancelled"
)

var (
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quire_pool_task_seconds",
			Help:    "Time a task spent on a worker, from dispatch to reply, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quire_pool_queue_wait_seconds",
			Help:    "Time a task waited in the pool queue before dispatch, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_pool_workers",
			Help: "Number of live worker units.",
		},
	)

	busyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_pool_busy_workers",
			Help: "Number of worker units currently running a task.",
		},
	)

	queuedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_pool_queued_tasks",
			Help: "Number of tasks waiting for a free worker.",
		},
	)

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_pool_tasks_total",
			Help: "Total number of tasks settled by the worker pool.",
		},
		[]string{"kind", "outcome"},
	)

	unitRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quire_pool_unit_replacements_total",
			Help: "Worker units discarded after a timeout or crash.",
		},
	)
)

func init() {
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(workersGauge)
	prometheus.MustRegister(busyGauge)
	prometheus.MustRegister(queuedGauge)
	prometheus.MustRegister(tasksTotal)
	prometheus.MustRegister(unitRestarts)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, k := range task.Kinds {
		for _, o := range []string{outcomeSuccess, outcomeError, outcomeTimeout, outcomeCrashed, outcomeCancelled} {
			tasksTotal.WithLabelValues(string(k), o)
		}
	}
}
