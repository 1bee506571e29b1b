package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// MemoryStore is a thread-safe in-memory implementation of WorkflowStore,
// TemplateStore and AuditStore, used by tests and local runs. All methods
// work with copies to eliminate data races between goroutines, and
// CompareAndUpdate has the same CAS semantics as the Postgres store.
type MemoryStore struct {
	mux       sync.RWMutex
	workflows map[string]*ApprovalWorkflow
	templates map[string]*ApprovalWorkflowTemplate // keyed by operationType|orgID
	audit     []*AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: map[string]*ApprovalWorkflow{},
		templates: map[string]*ApprovalWorkflowTemplate{},
	}
}

var (
	_ WorkflowStore = (*MemoryStore)(nil)
	_ TemplateStore = (*MemoryStore)(nil)
	_ AuditStore    = (*MemoryStore)(nil)
)

func templateKey(operationType, orgID string) string {
	return operationType + "|" + orgID
}

// ── WorkflowStore ─────────────────────────────────────────────────────────────

// Create persists a new workflow at version 1 together with its audit entry.
func (s *MemoryStore) Create(_ context.Context, wf *ApprovalWorkflow, entry *AuditEntry) error {
	if wf == nil || wf.ID == "" {
		return errors.InvalidInput("workflow", "missing id")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.workflows[wf.ID]; ok {
		return errors.Newf(errors.ErrCodeConcurrency, "workflow %q already exists", wf.ID)
	}
	wf.Version = 1
	s.workflows[wf.ID] = wf.Clone()
	s.appendAuditLocked(entry)
	return nil
}

// GetByID retrieves a workflow by its primary key.
func (s *MemoryStore) GetByID(_ context.Context, id string) (*ApprovalWorkflow, error) {
	s.mux.RLock()
	wf, ok := s.workflows[id]
	s.mux.RUnlock()

	if !ok {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return wf.Clone(), nil
}

// List returns workflows matching the filter, newest first.
func (s *MemoryStore) List(_ context.Context, filter WorkflowFilter, page Page) ([]*ApprovalWorkflow, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*ApprovalWorkflow
	for _, wf := range s.workflows {
		if filter.Matches(wf) {
			out = append(out, wf.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if page.Offset > 0 {
		if page.Offset >= len(out) {
			return nil, nil
		}
		out = out[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(out) {
		out = out[:page.Limit]
	}
	return out, nil
}

// CompareAndUpdate persists wf if the stored version matches expectedVersion,
// bumping the version and appending the audit entry under the same lock.
func (s *MemoryStore) CompareAndUpdate(_ context.Context, wf *ApprovalWorkflow, expectedVersion int64, entry *AuditEntry) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	stored, ok := s.workflows[wf.ID]
	if !ok {
		return errors.NotFound("approval_workflow", wf.ID)
	}
	if stored.Version != expectedVersion {
		return errors.Newf(errors.ErrCodeConcurrency,
			"workflow %q version is %d, expected %d", wf.ID, stored.Version, expectedVersion)
	}

	next := wf.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = next
	wf.Version = next.Version
	wf.UpdatedAt = next.UpdatedAt
	s.appendAuditLocked(entry)
	return nil
}

// ── TemplateStore ─────────────────────────────────────────────────────────────

// Get returns the template configured for an operation type within an org.
func (s *MemoryStore) Get(_ context.Context, operationType, orgID string) (*ApprovalWorkflowTemplate, error) {
	s.mux.RLock()
	tpl, ok := s.templates[templateKey(operationType, orgID)]
	s.mux.RUnlock()

	if !ok {
		return nil, errors.NotFound("approval_workflow_template", operationType)
	}
	cp := *tpl
	return &cp, nil
}

// Upsert creates or replaces the template for its operation type + org.
func (s *MemoryStore) Upsert(_ context.Context, tpl *ApprovalWorkflowTemplate) error {
	if tpl == nil || tpl.OperationType == "" || tpl.OrgID == "" {
		return errors.InvalidInput("template", "operation type and org id are required")
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	cp := *tpl
	s.templates[templateKey(tpl.OperationType, tpl.OrgID)] = &cp
	return nil
}

// ListByOrg returns all templates for an org ordered by operation type.
func (s *MemoryStore) ListByOrg(_ context.Context, orgID string) ([]*ApprovalWorkflowTemplate, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*ApprovalWorkflowTemplate
	for _, tpl := range s.templates {
		if tpl.OrgID == orgID {
			cp := *tpl
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationType < out[j].OperationType })
	return out, nil
}

// ── AuditStore ────────────────────────────────────────────────────────────────

// GetByWorkflowID returns a workflow's entries ordered oldest-first.
func (s *MemoryStore) GetByWorkflowID(_ context.Context, workflowID string) ([]*AuditEntry, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*AuditEntry
	for _, e := range s.audit {
		if e.WorkflowID == workflowID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByOrgRange returns an org's entries within [from, to) oldest-first.
func (s *MemoryStore) ListByOrgRange(_ context.Context, orgID string, from, to time.Time) ([]*AuditEntry, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	var out []*AuditEntry
	for _, e := range s.audit {
		if e.OrgID != orgID {
			continue
		}
		if e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// appendAuditLocked records an entry; callers hold the write lock. Entries
// arrive in commit order, so the slice is already timestamp-sorted.
func (s *MemoryStore) appendAuditLocked(entry *AuditEntry) {
	if entry == nil {
		return
	}
	cp := *entry
	s.audit = append(s.audit, &cp)
}
