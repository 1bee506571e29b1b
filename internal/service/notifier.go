package service

import (
	"context"

	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// EventKind classifies a workflow notification.
type EventKind string

const (
	// EventApprovalRequested: a new workflow awaits its first tier.
	EventApprovalRequested EventKind = "approval_requested"
	// EventDecisionRecorded: an approver approved or rejected a tier.
	EventDecisionRecorded EventKind = "decision_recorded"
	// EventWorkflowCompleted: the workflow reached Approved or a terminal state.
	EventWorkflowCompleted EventKind = "workflow_completed"
	// EventTierEscalated: a stalled tier was escalated.
	EventTierEscalated EventKind = "tier_escalated"
	// EventWorkflowExpired: the expiration sweep closed the workflow.
	EventWorkflowExpired EventKind = "workflow_expired"
	// EventWorkflowCancelled: requester or elevated role cancelled the workflow.
	EventWorkflowCancelled EventKind = "workflow_cancelled"
)

// WorkflowEvent is the single tagged notification value every engine
// transition emits. One dispatcher consumes all kinds; payload carries the
// kind-specific context.
type WorkflowEvent struct {
	Kind       EventKind
	Workflow   *repository.ApprovalWorkflow
	Recipients []string
	Payload    map[string]any
}

// NotificationDispatcher delivers workflow events best-effort. Delivery
// failure must never roll back or fail the transition that triggered it, so
// Dispatch returns nothing; implementations log their own failures.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, event WorkflowEvent)
}

// NopDispatcher discards all events.
type NopDispatcher struct{}

// Dispatch implements NotificationDispatcher.
func (NopDispatcher) Dispatch(context.Context, WorkflowEvent) {}
