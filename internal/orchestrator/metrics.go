package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/quire/internal/model"
)

// Metric label values for job outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeCancelled = "cancelled"
)

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_jobs_total",
			Help: "Total number of jobs settled by this instance.",
		},
		[]string{"mode", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quire_job_duration_seconds",
			Help:    "Time from enqueue until a job settles, in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode"},
	)

	jobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quire_jobs_running",
			Help: "Number of jobs enqueued on this instance that have not settled.",
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, jobDuration, jobsRunning)

	for _, mode := range []model.Mode{model.ModeLocal, model.ModeRemote} {
		for _, status := range []string{outcomeCompleted, outcomeFailed, outcomeCancelled} {
			jobsTotal.WithLabelValues(string(mode), status)
		}
		jobDuration.WithLabelValues(string(mode))
		jobsRunning.WithLabelValues(string(mode))
	}
}
