package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TaskTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abq",
		Name:      "task_transitions_total",
		Help:      "Task status transitions by target status.",
	}, []string{"status"})

	ActiveTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "abq",
		Name:      "active_tasks",
		Help:      "Number of tasks holding a live engine session.",
	})

	EngineStartFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "abq",
		Name:      "engine_start_failures_total",
		Help:      "Total number of sessions the torrent engine refused to start.",
	})

	RecoveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abq",
		Name:      "recovery_outcomes_total",
		Help:      "Startup reconciliation results by outcome.",
	}, []string{"outcome"})

	ProgressSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "abq",
		Name:      "progress_subscribers",
		Help:      "Number of open progress subscriptions.",
	})

	ArchiveUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "abq",
		Name:      "archive_uploads_total",
		Help:      "Archive uploads of completed books by result.",
	}, []string{"result"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TaskTransitionsTotal,
		ActiveTasks,
		EngineStartFailuresTotal,
		RecoveryOutcomesTotal,
		ProgressSubscribers,
		ArchiveUploadsTotal,
	)
}
