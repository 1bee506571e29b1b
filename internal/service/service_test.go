package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// recordingDispatcher captures dispatched events for assertions.
type recordingDispatcher struct {
	mu     sync.Mutex
	events []WorkflowEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event WorkflowEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
}

func (d *recordingDispatcher) byKind(kind EventKind) []WorkflowEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []WorkflowEvent
	for _, e := range d.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func newTestApprovalService(t *testing.T) (*ApprovalService, *repository.MemoryStore, *recordingDispatcher) {
	t.Helper()
	store := repository.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	svc := NewApprovalService(store, store, store, dispatcher, nil, zerolog.Nop())
	return svc, store, dispatcher
}

// testTemplate is a one-tier, two-of-three template for "pricing_rule.delete".
func testTemplate(orgID string) *repository.ApprovalWorkflowTemplate {
	return &repository.ApprovalWorkflowTemplate{
		OperationType: "pricing_rule.delete",
		OrgID:         orgID,
		Tiers: []repository.TemplateTier{
			{EligibleApprovers: []string{"alice", "bob", "carol"}, RequiredCount: 2},
		},
		ExpirationDuration: time.Hour,
		IsActive:           true,
	}
}

func mustUpsertTemplate(t *testing.T, svc *ApprovalService, tpl *repository.ApprovalWorkflowTemplate) {
	t.Helper()
	require.NoError(t, svc.UpsertWorkflowTemplate(context.Background(), tpl))
}

func mustCreateWorkflow(t *testing.T, svc *ApprovalService, orgID string) *repository.ApprovalWorkflow {
	t.Helper()
	wf, err := svc.CreateWorkflow(context.Background(), &CreateWorkflowRequest{
		OperationType: "pricing_rule.delete",
		EntityType:    "pricing_rule",
		EntityID:      "rule-42",
		OperationData: map[string]any{"amount": int64(125000)},
		RequesterID:   "dave",
		OrgID:         orgID,
	})
	require.NoError(t, err)
	return wf
}

// seedWorkflow persists a hand-built workflow, for tests that need states the
// public API cannot produce directly (overdue expiry, stalled tiers).
func seedWorkflow(t *testing.T, store *repository.MemoryStore, mutate func(*repository.ApprovalWorkflow)) *repository.ApprovalWorkflow {
	t.Helper()
	now := time.Now().UTC()
	wf := &repository.ApprovalWorkflow{
		ID:            uuid.NewString(),
		OperationType: "pricing_rule.delete",
		EntityType:    "pricing_rule",
		EntityID:      "rule-42",
		OrgID:         "org-1",
		RequesterID:   "dave",
		State:         repository.StatePending,
		Snapshot: repository.TemplateSnapshot{
			TemplateID: uuid.NewString(),
			Tiers: []repository.ApprovalTier{
				{Index: 0, EligibleApprovers: []string{"alice", "bob"}, RequiredCount: 2},
			},
		},
		TierEnteredAt: now,
		ExpiresAt:     now.Add(time.Hour),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if mutate != nil {
		mutate(wf)
	}
	entry := &repository.AuditEntry{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		OrgID:         wf.OrgID,
		OperationType: wf.OperationType,
		Action:        repository.AuditCreated,
		Actor:         wf.RequesterID,
		PostState:     wf.State,
		OccurredAt:    wf.CreatedAt,
	}
	require.NoError(t, store.Create(context.Background(), wf, entry))
	return wf
}
