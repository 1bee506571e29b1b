package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// ApprovalService owns the workflow lifecycle: admission, creation, decision
// submission, cancellation and template administration. All mutations go
// through the store's version-guarded update, so concurrent writers are
// serialized without in-process locks.
type ApprovalService struct {
	workflows repository.WorkflowStore
	templates repository.TemplateStore
	audit     repository.AuditStore
	notifier  NotificationDispatcher
	admission []AdmissionPredicate
	log       zerolog.Logger
}

// NewApprovalService creates a new ApprovalService. A nil admission chain
// installs the default predicates (active template, amount band).
func NewApprovalService(
	workflows repository.WorkflowStore,
	templates repository.TemplateStore,
	audit repository.AuditStore,
	notifier NotificationDispatcher,
	admission []AdmissionPredicate,
	log zerolog.Logger,
) *ApprovalService {
	if notifier == nil {
		notifier = NopDispatcher{}
	}
	if admission == nil {
		admission = DefaultAdmissionChain()
	}
	return &ApprovalService{
		workflows: workflows,
		templates: templates,
		audit:     audit,
		notifier:  notifier,
		admission: admission,
		log:       log,
	}
}

// ── Admission ─────────────────────────────────────────────────────────────────

// AdmissionPredicate is one condition in the RequiresApproval chain. The
// operation needs approval only when every predicate agrees.
type AdmissionPredicate func(tpl *repository.ApprovalWorkflowTemplate, operationData map[string]any) bool

// DefaultAdmissionChain returns the standard predicates: the template must be
// active, and when it configures an amount band the operation amount must
// fall inside it.
func DefaultAdmissionChain() []AdmissionPredicate {
	return []AdmissionPredicate{
		func(tpl *repository.ApprovalWorkflowTemplate, _ map[string]any) bool {
			return tpl.IsActive
		},
		amountBandPredicate,
	}
}

// amountBandPredicate applies the template's optional amount thresholds to
// the operation's "amount" field (cents). Operations without an amount are
// admitted only by templates without a band.
func amountBandPredicate(tpl *repository.ApprovalWorkflowTemplate, operationData map[string]any) bool {
	if tpl.MinAmount == nil && tpl.MaxAmount == nil {
		return true
	}
	amount, ok := operationAmount(operationData)
	if !ok {
		return false
	}
	if tpl.MinAmount != nil && amount < *tpl.MinAmount {
		return false
	}
	if tpl.MaxAmount != nil && amount >= *tpl.MaxAmount {
		return false
	}
	return true
}

// operationAmount extracts a cent amount from the opaque operation data.
// JSON round-trips deliver numbers as float64.
func operationAmount(data map[string]any) (int64, bool) {
	switch v := data["amount"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// RequiresApproval reports whether the operation must be gated behind a
// workflow. Pure predicate: no side effects. Operations without a configured
// template never require approval.
func (s *ApprovalService) RequiresApproval(ctx context.Context, operationType, orgID string, operationData map[string]any) (bool, error) {
	tpl, err := s.templates.Get(ctx, operationType, orgID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, predicate := range s.admission {
		if !predicate(tpl, operationData) {
			return false, nil
		}
	}
	return true, nil
}

// ── Workflow creation ─────────────────────────────────────────────────────────

// CreateWorkflowRequest carries everything needed to open a workflow.
type CreateWorkflowRequest struct {
	OperationType string
	EntityType    string
	EntityID      string
	OperationData map[string]any
	RequesterID   string
	OrgID         string
}

// CreateWorkflow resolves the org's template, deep-copies its policy into a
// new Pending workflow at tier 0 and persists it together with the Created
// audit entry. Fails NOT_FOUND when no active template is configured.
func (s *ApprovalService) CreateWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*repository.ApprovalWorkflow, error) {
	if req.OperationType == "" {
		return nil, errors.InvalidInput("operation_type", "operation type is required")
	}
	if req.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "requester id is required")
	}

	tpl, err := s.templates.Get(ctx, req.OperationType, req.OrgID)
	if err != nil {
		return nil, err
	}
	if !tpl.IsActive {
		return nil, errors.NotFound("approval_workflow_template", req.OperationType)
	}
	if len(tpl.Tiers) == 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidInput,
			"template for %q has no tiers", req.OperationType)
	}

	now := time.Now().UTC()
	wf := &repository.ApprovalWorkflow{
		ID:            uuid.NewString(),
		OperationType: req.OperationType,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		OrgID:         req.OrgID,
		RequesterID:   req.RequesterID,
		State:         repository.StatePending,
		CurrentTier:   0,
		OperationData: req.OperationData,
		Snapshot:      tpl.Snapshot(),
		TierEnteredAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if tpl.ExpirationDuration > 0 {
		wf.ExpiresAt = now.Add(tpl.ExpirationDuration)
	}

	entry := newAuditEntry(wf, repository.AuditCreated, req.RequesterID, repository.WorkflowState(""), wf.State, map[string]any{
		"template_id": tpl.ID,
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
	})
	if err := s.workflows.Create(ctx, wf, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("operation_type", wf.OperationType).
		Str("org_id", wf.OrgID).
		Int("tiers", len(wf.Snapshot.Tiers)).
		Msg("Approval workflow created")

	s.notifier.Dispatch(ctx, WorkflowEvent{
		Kind:       EventApprovalRequested,
		Workflow:   wf,
		Recipients: wf.Snapshot.Tiers[0].EligibleApprovers,
		Payload:    map[string]any{"tier": 0},
	})
	return wf, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// SubmitApprovalRequest carries one approver decision.
type SubmitApprovalRequest struct {
	WorkflowID      string
	ApproverID      string
	Decision        repository.Decision
	Comment         *string
	ExpectedVersion int64
	IPAddress       *string
	UserAgent       *string
}

// SubmitApproval records a decision on the workflow's current tier and
// advances the state machine. The caller's last-read version must match the
// stored one; a stale version fails CONCURRENCY_CONFLICT and the caller must
// reload and retry.
func (s *ApprovalService) SubmitApproval(ctx context.Context, req *SubmitApprovalRequest) (*repository.ApprovalWorkflow, error) {
	if req.Decision != repository.DecisionApprove && req.Decision != repository.DecisionReject {
		return nil, errors.InvalidInput("decision", "must be approve or reject")
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Version != req.ExpectedVersion {
		return nil, errors.Newf(errors.ErrCodeConcurrency,
			"workflow %q version is %d, expected %d", wf.ID, wf.Version, req.ExpectedVersion)
	}
	if !wf.State.AcceptsDecisions() {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"workflow %q does not accept decisions in state %q", wf.ID, wf.State)
	}
	tier := wf.CurrentTierSpec()
	if tier == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"workflow %q has no active tier", wf.ID)
	}
	if !tier.IsEligible(req.ApproverID) {
		return nil, errors.Newf(errors.ErrCodeForbidden,
			"approver %q is not eligible for tier %d", req.ApproverID, wf.CurrentTier)
	}
	if wf.HasDecided(wf.CurrentTier, req.ApproverID) {
		return nil, errors.Newf(errors.ErrCodeDuplicateDecision,
			"approver %q already decided tier %d", req.ApproverID, wf.CurrentTier)
	}

	now := time.Now().UTC()
	step := repository.ApprovalStep{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		Tier:       wf.CurrentTier,
		ApproverID: req.ApproverID,
		Decision:   req.Decision,
		Comment:    req.Comment,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		DecidedAt:  now,
	}
	wf.Decisions = append(wf.Decisions, step)

	preState := wf.State
	action := repository.AuditApproved
	detail := map[string]any{"tier": step.Tier, "approver_id": req.ApproverID}

	switch req.Decision {
	case repository.DecisionReject:
		action = repository.AuditRejected
		if wf.Snapshot.RejectIsTerminal {
			wf.State = repository.StateRejected
		} else if wf.State == repository.StatePending {
			wf.State = repository.StateInProgress
		}
		detail["terminal"] = wf.Snapshot.RejectIsTerminal

	case repository.DecisionApprove:
		if wf.State == repository.StatePending {
			wf.State = repository.StateInProgress
		}
		if wf.ApprovalsInTier(wf.CurrentTier) >= tier.RequiredCount {
			if wf.CurrentTier == len(wf.Snapshot.Tiers)-1 {
				wf.State = repository.StateApproved
				detail["final_tier"] = true
			} else {
				wf.CurrentTier++
				wf.TierEnteredAt = now
				detail["advanced_to_tier"] = wf.CurrentTier
			}
		}
	}

	entry := newAuditEntry(wf, action, req.ApproverID, preState, wf.State, detail)
	if err := s.workflows.CompareAndUpdate(ctx, wf, req.ExpectedVersion, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("approver_id", req.ApproverID).
		Str("decision", string(req.Decision)).
		Str("state", string(wf.State)).
		Int("tier", step.Tier).
		Msg("Approval decision recorded")

	s.notifier.Dispatch(ctx, WorkflowEvent{
		Kind:       EventDecisionRecorded,
		Workflow:   wf,
		Recipients: []string{wf.RequesterID},
		Payload:    map[string]any{"decision": req.Decision, "tier": step.Tier},
	})
	if wf.State == repository.StateApproved || wf.State == repository.StateRejected {
		s.notifier.Dispatch(ctx, WorkflowEvent{
			Kind:       EventWorkflowCompleted,
			Workflow:   wf,
			Recipients: []string{wf.RequesterID},
			Payload:    map[string]any{"state": wf.State},
		})
	}
	return wf, nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelWorkflowRequest cancels an in-flight workflow. Elevated is resolved
// by the caller's authorization layer.
type CancelWorkflowRequest struct {
	WorkflowID string
	UserID     string
	Reason     string
	Elevated   bool
}

// CancelWorkflow transitions a non-terminal workflow to Cancelled. Only the
// requester or an elevated role may cancel.
func (s *ApprovalService) CancelWorkflow(ctx context.Context, req *CancelWorkflowRequest) (*repository.ApprovalWorkflow, error) {
	if req.Reason == "" {
		return nil, errors.InvalidInput("reason", "cancellation reason is required")
	}

	wf, err := s.workflows.GetByID(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if req.UserID != wf.RequesterID && !req.Elevated {
		return nil, errors.New(errors.ErrCodeForbidden,
			"only the requester or an elevated role can cancel the workflow")
	}
	if wf.State.IsTerminal() {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"workflow %q cannot be cancelled from state %q", wf.ID, wf.State)
	}

	preState := wf.State
	wf.State = repository.StateCancelled

	entry := newAuditEntry(wf, repository.AuditCancelled, req.UserID, preState, wf.State, map[string]any{
		"reason": req.Reason,
	})
	if err := s.workflows.CompareAndUpdate(ctx, wf, wf.Version, entry); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("user_id", req.UserID).
		Msg("Approval workflow cancelled")

	s.notifier.Dispatch(ctx, WorkflowEvent{
		Kind:       EventWorkflowCancelled,
		Workflow:   wf,
		Recipients: []string{wf.RequesterID},
		Payload:    map[string]any{"reason": req.Reason},
	})
	return wf, nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetWorkflow retrieves a workflow by id.
func (s *ApprovalService) GetWorkflow(ctx context.Context, id string) (*repository.ApprovalWorkflow, error) {
	return s.workflows.GetByID(ctx, id)
}

// GetWorkflows returns workflows matching the filter, newest first.
func (s *ApprovalService) GetWorkflows(ctx context.Context, filter repository.WorkflowFilter, page repository.Page) ([]*repository.ApprovalWorkflow, error) {
	return s.workflows.List(ctx, filter, page)
}

// GetPendingApprovals returns workflows currently awaiting a decision from
// the user: undecided workflows whose current tier lists the user and where
// the user has not voted yet. Eligibility lives in JSONB snapshots, so the
// narrowing happens in Go over the org's open workflows.
func (s *ApprovalService) GetPendingApprovals(ctx context.Context, userID, orgID string) ([]*repository.ApprovalWorkflow, error) {
	open, err := s.workflows.List(ctx, repository.WorkflowFilter{
		OrgID:  orgID,
		States: []repository.WorkflowState{repository.StatePending, repository.StateInProgress},
	}, repository.Page{})
	if err != nil {
		return nil, err
	}

	var out []*repository.ApprovalWorkflow
	for _, wf := range open {
		tier := wf.CurrentTierSpec()
		if tier == nil || !tier.IsEligible(userID) {
			continue
		}
		if wf.HasDecided(wf.CurrentTier, userID) {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

// GetWorkflowAuditHistory returns a workflow's audit trail oldest-first.
func (s *ApprovalService) GetWorkflowAuditHistory(ctx context.Context, workflowID string) ([]*repository.AuditEntry, error) {
	if _, err := s.workflows.GetByID(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.audit.GetByWorkflowID(ctx, workflowID)
}

// ── Template administration ───────────────────────────────────────────────────

// GetWorkflowTemplate returns the template for an operation type within an org.
func (s *ApprovalService) GetWorkflowTemplate(ctx context.Context, operationType, orgID string) (*repository.ApprovalWorkflowTemplate, error) {
	return s.templates.Get(ctx, operationType, orgID)
}

// ListWorkflowTemplates returns an org's templates ordered by operation type.
func (s *ApprovalService) ListWorkflowTemplates(ctx context.Context, orgID string) ([]*repository.ApprovalWorkflowTemplate, error) {
	return s.templates.ListByOrg(ctx, orgID)
}

// UpsertWorkflowTemplate validates and stores a template. Edits never affect
// in-flight workflows, which carry their own snapshot.
func (s *ApprovalService) UpsertWorkflowTemplate(ctx context.Context, tpl *repository.ApprovalWorkflowTemplate) error {
	if tpl.OperationType == "" || tpl.OrgID == "" {
		return errors.InvalidInput("template", "operation type and org id are required")
	}
	if len(tpl.Tiers) == 0 {
		return errors.InvalidInput("tiers", "at least one tier is required")
	}
	for i, tier := range tpl.Tiers {
		if tier.RequiredCount < 1 {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"tier %d: required count must be at least 1", i)
		}
		if tier.RequiredCount > len(tier.EligibleApprovers) {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"tier %d: required count %d exceeds %d eligible approvers",
				i, tier.RequiredCount, len(tier.EligibleApprovers))
		}
	}
	for _, rule := range tpl.EscalationRules {
		if rule.Tier < 0 || rule.Tier >= len(tpl.Tiers) {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"escalation rule references unknown tier %d", rule.Tier)
		}
	}
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	return s.templates.Upsert(ctx, tpl)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// newAuditEntry builds the single audit entry a mutation commits with.
func newAuditEntry(
	wf *repository.ApprovalWorkflow,
	action repository.AuditAction,
	actor string,
	preState, postState repository.WorkflowState,
	detail map[string]any,
) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		OrgID:         wf.OrgID,
		OperationType: wf.OperationType,
		Action:        action,
		Actor:         actor,
		PreState:      preState,
		PostState:     postState,
		Detail:        detail,
		OccurredAt:    time.Now().UTC(),
	}
}
