// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksIssued counts successful task issuance by task type.
	TasksIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_tasks_issued_total",
		Help: "Tasks issued by type",
	}, []string{"type"})

	// TaskConflicts counts issuance attempts rejected by the dedup key.
	TaskConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_task_conflicts_total",
		Help: "Issuance attempts rejected because an outstanding task holds the key",
	}, []string{"type"})

	// TasksConsumed counts tasks consumed by a submission.
	TasksConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_tasks_consumed_total",
		Help: "Tasks consumed by type",
	}, []string{"type"})

	// TasksReleased counts tasks that stopped being outstanding without a
	// submission.
	TasksReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_tasks_released_total",
		Help: "Tasks expired or cancelled",
	}, []string{"reason"})

	// TreeTransitions counts message tree state transitions.
	TreeTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_tree_transitions_total",
		Help: "Message tree state transitions",
	}, []string{"from", "to"})

	// ScoringFailures counts failed aggregation runs.
	ScoringFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treeforge_scoring_failures_total",
		Help: "Aggregation runs that exhausted their attempts",
	})

	// ScoreJobs counts scoring jobs by kind and lifecycle event.
	ScoreJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_score_jobs_total",
		Help: "Scoring jobs by kind and event",
	}, []string{"kind", "event"})

	// ConnectedScorers is the number of scoring workers attached over WebSocket.
	ConnectedScorers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "treeforge_connected_scorers",
		Help: "Scoring workers connected to the hub",
	})

	// DriverRuns counts background job runs by job and result.
	DriverRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "treeforge_driver_runs_total",
		Help: "Background driver runs by job and result",
	}, []string{"job", "result"})
)
