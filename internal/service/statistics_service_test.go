package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

func TestGetWorkflowStatistics(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	log := zerolog.Nop()
	approvals := NewApprovalService(store, store, store, nil, nil, log)
	executions := NewExecutionService(store, nil, log)
	executions.RegisterExecutor("pricing_rule.delete", &fakeExecutor{})
	stats := NewStatisticsService(store, log)

	oneTier := testTemplate("org-1")
	oneTier.Tiers = []repository.TemplateTier{
		{EligibleApprovers: []string{"alice"}, RequiredCount: 1},
	}
	oneTier.RejectIsTerminal = true
	mustUpsertTemplate(t, approvals, oneTier)

	capacity := testTemplate("org-1")
	capacity.OperationType = "capacity.override"
	capacity.Tiers = oneTier.Tiers
	mustUpsertTemplate(t, approvals, capacity)

	// Executed pricing workflow.
	executedWf := mustCreateWorkflow(t, approvals, "org-1")
	_, err := approvals.SubmitApproval(ctx, &SubmitApprovalRequest{
		WorkflowID: executedWf.ID, ApproverID: "alice",
		Decision: repository.DecisionApprove, ExpectedVersion: executedWf.Version,
	})
	require.NoError(t, err)
	_, err = executions.ExecuteApprovedWorkflow(ctx, executedWf.ID, "ops-1")
	require.NoError(t, err)

	// Rejected pricing workflow.
	rejectedWf := mustCreateWorkflow(t, approvals, "org-1")
	_, err = approvals.SubmitApproval(ctx, &SubmitApprovalRequest{
		WorkflowID: rejectedWf.ID, ApproverID: "alice",
		Decision: repository.DecisionReject, ExpectedVersion: rejectedWf.Version,
	})
	require.NoError(t, err)

	// Cancelled capacity workflow.
	cancelledWf, err := approvals.CreateWorkflow(ctx, &CreateWorkflowRequest{
		OperationType: "capacity.override",
		EntityType:    "facility",
		EntityID:      "fac-7",
		RequesterID:   "dave",
		OrgID:         "org-1",
	})
	require.NoError(t, err)
	_, err = approvals.CancelWorkflow(ctx, &CancelWorkflowRequest{
		WorkflowID: cancelledWf.ID, UserID: "dave", Reason: "obsolete",
	})
	require.NoError(t, err)

	// Still-open pricing workflow: counted as created, not resolved.
	mustCreateWorkflow(t, approvals, "org-1")

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)
	report, err := stats.GetWorkflowStatistics(ctx, "org-1", from, to)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Created)
	assert.Equal(t, 1, report.CountsByTerminalState[repository.StateExecuted])
	assert.Equal(t, 1, report.CountsByTerminalState[repository.StateRejected])
	assert.Equal(t, 1, report.CountsByTerminalState[repository.StateCancelled])
	assert.GreaterOrEqual(t, report.AverageTimeToTerminal, time.Duration(0))

	pricing := report.ByOperationType["pricing_rule.delete"]
	require.NotNil(t, pricing)
	assert.Equal(t, 3, pricing.Created)
	assert.Equal(t, 1, pricing.Resolved[repository.StateExecuted])
	assert.Equal(t, 1, pricing.Resolved[repository.StateRejected])

	cap := report.ByOperationType["capacity.override"]
	require.NotNil(t, cap)
	assert.Equal(t, 1, cap.Created)
	assert.Equal(t, 1, cap.Resolved[repository.StateCancelled])

	t.Run("other org is empty", func(t *testing.T) {
		report, err := stats.GetWorkflowStatistics(ctx, "org-2", from, to)
		require.NoError(t, err)
		assert.Zero(t, report.Created)
		assert.Empty(t, report.CountsByTerminalState)
	})

	t.Run("range excludes entries", func(t *testing.T) {
		report, err := stats.GetWorkflowStatistics(ctx, "org-1", from.Add(-2*time.Hour), from)
		require.NoError(t, err)
		assert.Zero(t, report.Created)
	})
}
