package repository

import "time"

// ── Workflow lifecycle ────────────────────────────────────────────────────────

// WorkflowState is one lifecycle state of an approval workflow.
type WorkflowState string

const (
	StatePending    WorkflowState = "pending"
	StateInProgress WorkflowState = "in_progress"
	StateApproved   WorkflowState = "approved"
	StateRejected   WorkflowState = "rejected"
	StateExpired    WorkflowState = "expired"
	StateCancelled  WorkflowState = "cancelled"
	StateExecuted   WorkflowState = "executed"
)

var validStates = map[WorkflowState]bool{
	StatePending:    true,
	StateInProgress: true,
	StateApproved:   true,
	StateRejected:   true,
	StateExpired:    true,
	StateCancelled:  true,
	StateExecuted:   true,
}

// terminalStates admit no further transition. Approved is not terminal: it
// accepts exactly one transition to Executed.
var terminalStates = map[WorkflowState]bool{
	StateRejected:  true,
	StateExpired:   true,
	StateCancelled: true,
	StateExecuted:  true,
}

// IsValid returns true if s is a known workflow state.
func (s WorkflowState) IsValid() bool { return validStates[s] }

// IsTerminal returns true if no further transitions are allowed from s.
func (s WorkflowState) IsTerminal() bool { return terminalStates[s] }

// AcceptsDecisions returns true while approvers may still submit decisions.
func (s WorkflowState) AcceptsDecisions() bool {
	return s == StatePending || s == StateInProgress
}

// Decision is an approver's verdict on the current tier.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ── Templates ─────────────────────────────────────────────────────────────────

// TemplateTier is one sequential approval stage in a template.
type TemplateTier struct {
	EligibleApprovers []string `json:"eligible_approvers"`
	RequiredCount     int      `json:"required_count"`
}

// EscalationRule augments a stalled tier's approver set after a delay.
// NotifyOnly rules alert without changing eligibility.
type EscalationRule struct {
	Tier       int           `json:"tier"`
	Delay      time.Duration `json:"delay"`
	EscalateTo []string      `json:"escalate_to"`
	NotifyOnly bool          `json:"notify_only"`
}

// ApprovalWorkflowTemplate is the configurable approval policy for one
// operation type within an organization. Templates are mutable; in-flight
// workflows carry their own snapshot and are unaffected by edits.
type ApprovalWorkflowTemplate struct {
	ID                 string           `json:"id"`
	OperationType      string           `json:"operation_type"`
	OrgID              string           `json:"org_id"`
	Tiers              []TemplateTier   `json:"tiers"`
	EscalationRules    []EscalationRule `json:"escalation_rules,omitempty"`
	ExpirationDuration time.Duration    `json:"expiration_duration"`
	AutoRejectOnExpiry bool             `json:"auto_reject_on_expiry"`
	RejectIsTerminal   bool             `json:"reject_is_terminal"`
	MinAmount          *int64           `json:"min_amount,omitempty"` // cents; nil = no lower bound on admission
	MaxAmount          *int64           `json:"max_amount,omitempty"` // cents; nil = no upper bound on admission
	IsActive           bool             `json:"is_active"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// Snapshot deep-copies the template's policy into a workflow-owned value so a
// later template edit cannot change the rules for approvals already underway.
func (t *ApprovalWorkflowTemplate) Snapshot() TemplateSnapshot {
	tiers := make([]ApprovalTier, len(t.Tiers))
	for i, tt := range t.Tiers {
		tiers[i] = ApprovalTier{
			Index:             i,
			EligibleApprovers: append([]string(nil), tt.EligibleApprovers...),
			RequiredCount:     tt.RequiredCount,
		}
	}
	rules := make([]EscalationRule, len(t.EscalationRules))
	for i, r := range t.EscalationRules {
		rules[i] = EscalationRule{
			Tier:       r.Tier,
			Delay:      r.Delay,
			EscalateTo: append([]string(nil), r.EscalateTo...),
			NotifyOnly: r.NotifyOnly,
		}
	}
	return TemplateSnapshot{
		TemplateID:         t.ID,
		Tiers:              tiers,
		EscalationRules:    rules,
		RejectIsTerminal:   t.RejectIsTerminal,
		AutoRejectOnExpiry: t.AutoRejectOnExpiry,
	}
}

// ── Workflow instances ────────────────────────────────────────────────────────

// ApprovalTier is one tier of a workflow's embedded policy snapshot.
// Escalated is set once by the escalation sweep so repeated sweeps are no-ops.
type ApprovalTier struct {
	Index             int        `json:"index"`
	EligibleApprovers []string   `json:"eligible_approvers"`
	RequiredCount     int        `json:"required_count"`
	Escalated         bool       `json:"escalated,omitempty"`
	EscalatedAt       *time.Time `json:"escalated_at,omitempty"`
}

// IsEligible returns true when approverID may decide this tier.
func (t *ApprovalTier) IsEligible(approverID string) bool {
	for _, id := range t.EligibleApprovers {
		if id == approverID {
			return true
		}
	}
	return false
}

// TemplateSnapshot is the workflow-owned copy of the template policy taken at
// creation time. Never a live reference to the template.
type TemplateSnapshot struct {
	TemplateID         string           `json:"template_id"`
	Tiers              []ApprovalTier   `json:"tiers"`
	EscalationRules    []EscalationRule `json:"escalation_rules,omitempty"`
	RejectIsTerminal   bool             `json:"reject_is_terminal"`
	AutoRejectOnExpiry bool             `json:"auto_reject_on_expiry"`
}

// ApprovalStep is one recorded decision. Immutable once written.
type ApprovalStep struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Tier       int       `json:"tier"`
	ApproverID string    `json:"approver_id"`
	Decision   Decision  `json:"decision"`
	Comment    *string   `json:"comment,omitempty"`
	IPAddress  *string   `json:"ip_address,omitempty"`
	UserAgent  *string   `json:"user_agent,omitempty"`
	DecidedAt  time.Time `json:"decided_at"`
}

// ApprovalWorkflow is one workflow instance gating a sensitive operation.
type ApprovalWorkflow struct {
	ID            string           `json:"id"`
	OperationType string           `json:"operation_type"`
	EntityType    string           `json:"entity_type"`
	EntityID      string           `json:"entity_id"`
	OrgID         string           `json:"org_id"`
	RequesterID   string           `json:"requester_id"`
	State         WorkflowState    `json:"state"`
	CurrentTier   int              `json:"current_tier"` // monotonic tier index
	Version       int64            `json:"version"`      // optimistic-concurrency stamp
	OperationData map[string]any   `json:"operation_data,omitempty"`
	Snapshot      TemplateSnapshot `json:"snapshot"`
	Decisions     []ApprovalStep   `json:"decisions,omitempty"` // arrival order
	TierEnteredAt time.Time        `json:"tier_entered_at"`     // when CurrentTier became current; escalation delays measure from here
	ExpiresAt     time.Time        `json:"expires_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"` // set at most once
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// CurrentTierSpec returns the snapshot tier at CurrentTier, or nil when the
// workflow has advanced past the last tier.
func (w *ApprovalWorkflow) CurrentTierSpec() *ApprovalTier {
	if w.CurrentTier < 0 || w.CurrentTier >= len(w.Snapshot.Tiers) {
		return nil
	}
	return &w.Snapshot.Tiers[w.CurrentTier]
}

// ApprovalsInTier counts distinct approvers who approved the given tier.
func (w *ApprovalWorkflow) ApprovalsInTier(tier int) int {
	seen := map[string]bool{}
	for _, d := range w.Decisions {
		if d.Tier == tier && d.Decision == DecisionApprove {
			seen[d.ApproverID] = true
		}
	}
	return len(seen)
}

// HasDecided returns true when approverID already decided within the tier.
func (w *ApprovalWorkflow) HasDecided(tier int, approverID string) bool {
	for _, d := range w.Decisions {
		if d.Tier == tier && d.ApproverID == approverID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Stores hand out copies so callers can never
// mutate stored state without going through the version-guarded update.
func (w *ApprovalWorkflow) Clone() *ApprovalWorkflow {
	cp := *w
	cp.OperationData = cloneMap(w.OperationData)
	cp.Decisions = append([]ApprovalStep(nil), w.Decisions...)
	cp.Snapshot.Tiers = make([]ApprovalTier, len(w.Snapshot.Tiers))
	for i, t := range w.Snapshot.Tiers {
		cp.Snapshot.Tiers[i] = t
		cp.Snapshot.Tiers[i].EligibleApprovers = append([]string(nil), t.EligibleApprovers...)
	}
	cp.Snapshot.EscalationRules = make([]EscalationRule, len(w.Snapshot.EscalationRules))
	for i, r := range w.Snapshot.EscalationRules {
		cp.Snapshot.EscalationRules[i] = r
		cp.Snapshot.EscalationRules[i].EscalateTo = append([]string(nil), r.EscalateTo...)
	}
	if w.ExecutedAt != nil {
		at := *w.ExecutedAt
		cp.ExecutedAt = &at
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// ── Audit log ─────────────────────────────────────────────────────────────────

// AuditAction names the transition an audit entry records.
type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditApproved  AuditAction = "approved"
	AuditRejected  AuditAction = "rejected"
	AuditCancelled AuditAction = "cancelled"
	AuditEscalated AuditAction = "escalated"
	AuditExpired   AuditAction = "expired"
	AuditExecuted  AuditAction = "executed"
)

// AuditEntry is one immutable record in the approval audit log.
type AuditEntry struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	OrgID         string         `json:"org_id"`
	OperationType string         `json:"operation_type"`
	Action        AuditAction    `json:"action"`
	Actor         string         `json:"actor"`
	PreState      WorkflowState  `json:"pre_state,omitempty"`
	PostState     WorkflowState  `json:"post_state"`
	Detail        map[string]any `json:"detail,omitempty"` // arbitrary JSON context
	OccurredAt    time.Time      `json:"occurred_at"`
}
