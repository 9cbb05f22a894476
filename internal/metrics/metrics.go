// Package metrics declares the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsCreated counts created workflows by type and initial outcome
	// (pending or auto_approved).
	WorkflowsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_created_total",
			Help: "Total number of workflows created",
		},
		[]string{"type", "outcome"},
	)

	WorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_transitions_total",
			Help: "Total number of workflow state transitions",
		},
		[]string{"to_status"},
	)

	ApprovalActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_approval_actions_total",
			Help: "Total number of recorded approval actions",
		},
		[]string{"action"},
	)

	// TransitionConflicts counts level transitions lost to a concurrent writer.
	TransitionConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflows_transition_conflicts_total",
			Help: "Total number of level transitions skipped because another writer moved the workflow first",
		},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_notifications_total",
			Help: "Total number of persisted workflow notifications",
		},
		[]string{"type"},
	)

	PushFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_push_failures_total",
			Help: "Total number of failed push deliveries",
		},
		[]string{"channel"},
	)

	// PushBreakerState is 0 closed, 1 open, 2 half-open.
	PushBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflows_push_breaker_state",
			Help: "Circuit breaker state of a push channel",
		},
		[]string{"channel"},
	)

	Escalations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflows_escalations_total",
			Help: "Total number of workflows escalated to the next approval tier",
		},
	)

	EscalationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "workflows_escalation_failures_total",
			Help: "Total number of workflows whose escalation failed",
		},
	)

	RuleCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflows_rule_cache_lookups_total",
			Help: "Total number of rule cache lookups by result",
		},
		[]string{"result"},
	)
)
