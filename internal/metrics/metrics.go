// Package metrics exposes Prometheus instrumentation for the scheduler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AssignmentsTotal counts successful task assignments.
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_assignments_total",
		Help: "Number of tasks assigned to agents.",
	})

	// FailuresTotal counts assignment failures by reason.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_failures_total",
		Help: "Number of failed assignments, labeled by failure reason.",
	}, []string{"reason"})

	// RetriesTotal counts retry-with-escalation cycles.
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_retries_total",
		Help: "Number of times a failed task was requeued for retry.",
	})

	// CompletionsTotal counts completed assignments.
	CompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_completions_total",
		Help: "Number of assignments completed successfully.",
	})

	// BacklogDepth tracks the number of tasks waiting for an agent.
	BacklogDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_backlog_depth",
		Help: "Number of tasks in the priority backlog.",
	})

	// ActiveAssignments tracks in-flight assignments across all agents.
	ActiveAssignments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatch_active_assignments",
		Help: "Number of currently active assignments.",
	})
)
