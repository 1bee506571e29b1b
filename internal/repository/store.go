package repository

import (
	"context"
	"time"
)

// WorkflowFilter narrows workflow listings. Zero fields match everything.
type WorkflowFilter struct {
	OrgID         string
	States        []WorkflowState
	OperationType string
	RequesterID   string
	ExpiresBefore *time.Time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Matches reports whether the workflow satisfies every set filter field.
func (f WorkflowFilter) Matches(w *ApprovalWorkflow) bool {
	if f.OrgID != "" && w.OrgID != f.OrgID {
		return false
	}
	if f.OperationType != "" && w.OperationType != f.OperationType {
		return false
	}
	if f.RequesterID != "" && w.RequesterID != f.RequesterID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if w.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.ExpiresBefore != nil && !w.ExpiresAt.Before(*f.ExpiresBefore) {
		return false
	}
	if f.CreatedAfter != nil && w.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !w.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

// Page bounds a listing. A zero Limit means no limit.
type Page struct {
	Limit  int
	Offset int
}

// WorkflowStore persists approval workflows. Every mutation is paired with
// the audit entry describing it and committed atomically with it; a failed
// audit write fails the mutation.
type WorkflowStore interface {
	// Create persists a new workflow at version 1 together with its audit entry.
	Create(ctx context.Context, wf *ApprovalWorkflow, entry *AuditEntry) error
	// GetByID retrieves a workflow by its primary key.
	GetByID(ctx context.Context, id string) (*ApprovalWorkflow, error)
	// List returns workflows matching the filter, newest first.
	List(ctx context.Context, filter WorkflowFilter, page Page) ([]*ApprovalWorkflow, error)
	// CompareAndUpdate persists wf only when the stored version still equals
	// expectedVersion, bumping the version by one and appending the audit
	// entry in the same commit. A stale expectedVersion yields
	// ErrCodeConcurrency; the caller must reload and retry.
	CompareAndUpdate(ctx context.Context, wf *ApprovalWorkflow, expectedVersion int64, entry *AuditEntry) error
}

// TemplateStore persists approval workflow templates.
type TemplateStore interface {
	// Get returns the template configured for an operation type within an org.
	Get(ctx context.Context, operationType, orgID string) (*ApprovalWorkflowTemplate, error)
	// Upsert creates or replaces the template for its operation type + org.
	Upsert(ctx context.Context, tpl *ApprovalWorkflowTemplate) error
	// ListByOrg returns all templates for an org ordered by operation type.
	ListByOrg(ctx context.Context, orgID string) ([]*ApprovalWorkflowTemplate, error)
}

// AuditStore reads the append-only audit log. Appends happen only through
// WorkflowStore mutations so an entry can never outlive its transition.
type AuditStore interface {
	// GetByWorkflowID returns a workflow's entries ordered oldest-first.
	GetByWorkflowID(ctx context.Context, workflowID string) ([]*AuditEntry, error)
	// ListByOrgRange returns an org's entries within [from, to) oldest-first.
	ListByOrgRange(ctx context.Context, orgID string, from, to time.Time) ([]*AuditEntry, error)
}
