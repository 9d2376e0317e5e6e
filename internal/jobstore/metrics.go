package jobstore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/quire/internal/replication"
)

var (
	replicationMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quire_replication_messages_total",
			Help: "Replication messages sent to or received from other instances.",
		},
		[]string{"direction", "type"},
	)

	jobsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_jobstore_jobs",
			Help: "Number of jobs in the live job table.",
		},
	)

	historyGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quire_jobstore_history_cached",
			Help: "Number of history items in the cached page.",
		},
	)
)

func init() {
	prometheus.MustRegister(replicationMessages)
	prometheus.MustRegister(jobsGauge)
	prometheus.MustRegister(historyGauge)

	for _, dir := range []string{"sent", "received"} {
		for _, t := range []replication.Type{
			replication.TypeAdd, replication.TypeUpdate,
			replication.TypeRemove, replication.TypeHistoryChanged,
		} {
			replicationMessages.WithLabelValues(dir, string(t))
		}
	}
}
