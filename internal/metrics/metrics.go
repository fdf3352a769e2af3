// Package metrics exposes Prometheus collectors for the orchestration core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strikeflow",
		Name:      "tasks_started_total",
		Help:      "Task executions started, including retries.",
	}, []string{"phase"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strikeflow",
		Name:      "tasks_completed_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"phase", "status"})

	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strikeflow",
		Name:      "tasks_running",
		Help:      "Tasks currently executing.",
	})

	AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strikeflow",
		Name:      "admission_denied_total",
		Help:      "Dispatch attempts deferred by the resource monitor.",
	})

	ThrottleEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strikeflow",
		Name:      "resource_throttle_engaged",
		Help:      "1 while the effective concurrency ceiling is reduced.",
	})

	ApprovalWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "strikeflow",
		Name:      "approval_wait_seconds",
		Help:      "Time a run spent blocked on a consent checkpoint.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	RunsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strikeflow",
		Name:      "runs_completed_total",
		Help:      "Runs that reached a terminal status.",
	}, []string{"status"})
)
