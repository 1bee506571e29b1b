package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// OperationExecutor performs the real side effect a workflow gates. The
// engine decides whether and when it may run, never how; executors are
// responsible for safe re-validation on a manual retry after a failure.
type OperationExecutor interface {
	// Validate checks that the operation is still executable.
	Validate(ctx context.Context, entityType, entityID string, operationData map[string]any) error
	// Execute performs the operation.
	Execute(ctx context.Context, entityType, entityID string, operationData map[string]any) error
}

// ExecutionService dispatches approved workflows to their registered
// operation executor and commits the terminal Executed state exactly once.
type ExecutionService struct {
	workflows repository.WorkflowStore
	notifier  NotificationDispatcher
	log       zerolog.Logger

	mux       sync.RWMutex
	executors map[string]OperationExecutor
}

// NewExecutionService creates a new ExecutionService with an empty registry.
func NewExecutionService(workflows repository.WorkflowStore, notifier NotificationDispatcher, log zerolog.Logger) *ExecutionService {
	if notifier == nil {
		notifier = NopDispatcher{}
	}
	return &ExecutionService{
		workflows: workflows,
		notifier:  notifier,
		log:       log,
		executors: map[string]OperationExecutor{},
	}
}

// RegisterExecutor registers the executor for an operation type, replacing
// any previous registration.
func (s *ExecutionService) RegisterExecutor(operationType string, executor OperationExecutor) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.executors[operationType] = executor
}

func (s *ExecutionService) executorFor(operationType string) (OperationExecutor, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	executor, ok := s.executors[operationType]
	return executor, ok
}

// ExecuteApprovedWorkflow validates and runs the gated operation, then
// commits Executed guarded by the version read before execution. A
// concurrent duplicate observes the changed version and fails
// CONCURRENCY_CONFLICT or INVALID_STATE, so the Executed commit happens at
// most once. On executor failure the workflow stays Approved; the engine
// never auto-retries.
func (s *ExecutionService) ExecuteApprovedWorkflow(ctx context.Context, workflowID, executorID string) (*repository.ApprovalWorkflow, error) {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.State != repository.StateApproved {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"workflow %q is %q, only approved workflows can be executed", wf.ID, wf.State)
	}

	executor, ok := s.executorFor(wf.OperationType)
	if !ok {
		return nil, errors.Newf(errors.ErrCodeUnsupportedOperation,
			"no executor registered for operation type %q", wf.OperationType)
	}

	if err := executor.Validate(ctx, wf.EntityType, wf.EntityID, wf.OperationData); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExecutorValidation, "executor validation failed")
	}
	if err := executor.Execute(ctx, wf.EntityType, wf.EntityID, wf.OperationData); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeExecutorExecution, "executor execution failed")
	}

	now := time.Now().UTC()
	preState := wf.State
	wf.State = repository.StateExecuted
	wf.ExecutedAt = &now

	entry := newAuditEntry(wf, repository.AuditExecuted, executorID, preState, wf.State, map[string]any{
		"entity_type": wf.EntityType,
		"entity_id":   wf.EntityID,
	})
	if err := s.workflows.CompareAndUpdate(ctx, wf, wf.Version, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("operation_type", wf.OperationType).
		Str("executor_id", executorID).
		Msg("Approved workflow executed")

	s.notifier.Dispatch(ctx, WorkflowEvent{
		Kind:       EventWorkflowCompleted,
		Workflow:   wf,
		Recipients: []string{wf.RequesterID},
		Payload:    map[string]any{"state": wf.State},
	})
	return wf, nil
}
