package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

func newTestSweepService(t *testing.T) (*SweepService, *repository.MemoryStore, *recordingDispatcher) {
	t.Helper()
	store := repository.NewMemoryStore()
	dispatcher := &recordingDispatcher{}
	return NewSweepService(store, dispatcher, zerolog.Nop()), store, dispatcher
}

func TestProcessExpiredWorkflows(t *testing.T) {
	ctx := context.Background()
	svc, store, dispatcher := newTestSweepService(t)

	overdue := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	})
	fresh := seedWorkflow(t, store, nil)
	approved := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.State = repository.StateApproved
		wf.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	})

	closed, err := svc.ProcessExpiredWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	reloaded, err := store.GetByID(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StateExpired, reloaded.State)

	untouched, err := store.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatePending, untouched.State)

	// Approved workflows are never swept, even past their expiry.
	stillApproved, err := store.GetByID(ctx, approved.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StateApproved, stillApproved.State)

	require.Len(t, dispatcher.byKind(EventWorkflowExpired), 1)

	// Second run on an unchanged dataset performs zero transitions.
	closed, err = svc.ProcessExpiredWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, closed)
	assert.Len(t, dispatcher.byKind(EventWorkflowExpired), 1)
}

func TestProcessExpiredWorkflowsAutoReject(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestSweepService(t)

	wf := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.ExpiresAt = time.Now().UTC().Add(-time.Minute)
		wf.Snapshot.AutoRejectOnExpiry = true
	})

	closed, err := svc.ProcessExpiredWorkflows(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	reloaded, err := store.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StateRejected, reloaded.State)
}

// An expired workflow no longer accepts decisions.
func TestExpiredWorkflowRefusesDecisions(t *testing.T) {
	ctx := context.Background()
	sweep, store, _ := newTestSweepService(t)
	approvals := NewApprovalService(store, store, store, nil, nil, zerolog.Nop())

	wf := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	})

	_, err := sweep.ProcessExpiredWorkflows(ctx)
	require.NoError(t, err)

	reloaded, err := store.GetByID(ctx, wf.ID)
	require.NoError(t, err)

	_, err = approvals.SubmitApproval(ctx, &SubmitApprovalRequest{
		WorkflowID:      wf.ID,
		ApproverID:      "alice",
		Decision:        repository.DecisionApprove,
		ExpectedVersion: reloaded.Version,
	})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

// An escalation rule fires exactly once per tier no matter how many times the
// sweep runs.
func TestProcessEscalationsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, store, dispatcher := newTestSweepService(t)

	wf := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.TierEnteredAt = time.Now().UTC().Add(-31 * time.Minute)
		wf.Snapshot.EscalationRules = []repository.EscalationRule{
			{Tier: 0, Delay: 30 * time.Minute, EscalateTo: []string{"erin"}},
		}
	})

	for i := 0; i < 5; i++ {
		n, err := svc.ProcessEscalations(ctx)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, 1, n)
		} else {
			assert.Equal(t, 0, n)
		}
	}

	reloaded, err := store.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	tier := reloaded.CurrentTierSpec()
	require.NotNil(t, tier)
	assert.True(t, tier.Escalated)
	assert.Equal(t, []string{"alice", "bob", "erin"}, tier.EligibleApprovers)
	assert.Len(t, dispatcher.byKind(EventTierEscalated), 1)

	// The escalation target can now decide the tier.
	approvals := NewApprovalService(store, store, store, nil, nil, zerolog.Nop())
	_, err = approvals.SubmitApproval(ctx, &SubmitApprovalRequest{
		WorkflowID:      wf.ID,
		ApproverID:      "erin",
		Decision:        repository.DecisionApprove,
		ExpectedVersion: reloaded.Version,
	})
	require.NoError(t, err)
}

func TestProcessEscalationsBeforeDelay(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestSweepService(t)

	seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.TierEnteredAt = time.Now().UTC().Add(-10 * time.Minute)
		wf.Snapshot.EscalationRules = []repository.EscalationRule{
			{Tier: 0, Delay: 30 * time.Minute, EscalateTo: []string{"erin"}},
		}
	})

	n, err := svc.ProcessEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// notifyOnly rules alert without changing tier eligibility.
func TestProcessEscalationsNotifyOnly(t *testing.T) {
	ctx := context.Background()
	svc, store, dispatcher := newTestSweepService(t)

	wf := seedWorkflow(t, store, func(wf *repository.ApprovalWorkflow) {
		wf.TierEnteredAt = time.Now().UTC().Add(-time.Hour)
		wf.Snapshot.EscalationRules = []repository.EscalationRule{
			{Tier: 0, Delay: 30 * time.Minute, EscalateTo: []string{"cto"}, NotifyOnly: true},
		}
	})

	n, err := svc.ProcessEscalations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reloaded, err := store.GetByID(ctx, wf.ID)
	require.NoError(t, err)
	tier := reloaded.CurrentTierSpec()
	assert.Equal(t, []string{"alice", "bob"}, tier.EligibleApprovers)
	assert.True(t, tier.Escalated)

	events := dispatcher.byKind(EventTierEscalated)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"cto"}, events[0].Recipients)
}
