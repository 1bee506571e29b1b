package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// SweepService runs the two periodic, idempotent sweeps: escalation of
// stalled tiers and expiration of overdue workflows. Both mutate workflows
// through the same version-guarded path as manual decisions, so concurrent
// sweep instances are safe without coordination: the loser of a race gets a
// CONCURRENCY_CONFLICT and skips the item. Elapsed time is computed from
// stored timestamps at sweep time; a restarted scheduler loses no state.
type SweepService struct {
	workflows repository.WorkflowStore
	notifier  NotificationDispatcher
	log       zerolog.Logger
}

// NewSweepService creates a new SweepService.
func NewSweepService(workflows repository.WorkflowStore, notifier NotificationDispatcher, log zerolog.Logger) *SweepService {
	if notifier == nil {
		notifier = NopDispatcher{}
	}
	return &SweepService{workflows: workflows, notifier: notifier, log: log}
}

// ── Escalation ────────────────────────────────────────────────────────────────

// ProcessEscalations escalates every open workflow whose current tier has
// exceeded its configured delay and has not already escalated. The tier's
// Escalated marker guarantees idempotence across repeated and concurrent
// runs. Returns the number of workflows escalated; per-item failures are
// logged and skipped so one bad workflow never aborts the scan.
func (s *SweepService) ProcessEscalations(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	open, err := s.workflows.List(ctx, repository.WorkflowFilter{
		States: []repository.WorkflowState{repository.StatePending, repository.StateInProgress},
	}, repository.Page{})
	if err != nil {
		return 0, err
	}

	escalated := 0
	for _, wf := range open {
		tier := wf.CurrentTierSpec()
		if tier == nil || tier.Escalated {
			continue
		}
		rule := escalationRuleFor(wf.Snapshot.EscalationRules, wf.CurrentTier)
		if rule == nil {
			continue
		}
		if now.Sub(wf.TierEnteredAt) < rule.Delay {
			continue
		}

		if !rule.NotifyOnly {
			tier.EligibleApprovers = mergeApprovers(tier.EligibleApprovers, rule.EscalateTo)
		}
		tier.Escalated = true
		tier.EscalatedAt = &now

		entry := newAuditEntry(wf, repository.AuditEscalated, "escalation-sweep", wf.State, wf.State, map[string]any{
			"tier":        wf.CurrentTier,
			"escalate_to": rule.EscalateTo,
			"notify_only": rule.NotifyOnly,
		})
		if err := s.workflows.CompareAndUpdate(ctx, wf, wf.Version, entry); err != nil {
			if errors.HasCode(err, errors.ErrCodeConcurrency) {
				s.log.Debug().Str("workflow_id", wf.ID).Msg("escalation lost version race, skipping")
			} else {
				s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("escalation sweep: failed to update workflow")
			}
			continue
		}

		s.log.Info().
			Str("workflow_id", wf.ID).
			Int("tier", wf.CurrentTier).
			Bool("notify_only", rule.NotifyOnly).
			Msg("Stalled tier escalated")

		s.notifier.Dispatch(ctx, WorkflowEvent{
			Kind:       EventTierEscalated,
			Workflow:   wf,
			Recipients: recipientsForEscalation(tier, rule),
			Payload:    map[string]any{"tier": wf.CurrentTier, "notify_only": rule.NotifyOnly},
		})
		escalated++
	}
	return escalated, nil
}

// escalationRuleFor returns the first rule configured for the tier, or nil.
func escalationRuleFor(rules []repository.EscalationRule, tier int) *repository.EscalationRule {
	for i := range rules {
		if rules[i].Tier == tier {
			return &rules[i]
		}
	}
	return nil
}

// mergeApprovers unions extra into eligible, preserving order and dropping
// duplicates.
func mergeApprovers(eligible, extra []string) []string {
	seen := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		seen[id] = true
	}
	for _, id := range extra {
		if !seen[id] {
			eligible = append(eligible, id)
			seen[id] = true
		}
	}
	return eligible
}

func recipientsForEscalation(tier *repository.ApprovalTier, rule *repository.EscalationRule) []string {
	if rule.NotifyOnly {
		return append([]string(nil), rule.EscalateTo...)
	}
	return append([]string(nil), tier.EligibleApprovers...)
}

// ── Expiration ────────────────────────────────────────────────────────────────

// ProcessExpiredWorkflows closes every open workflow whose expiry has passed:
// Expired, or Rejected when the snapshot sets autoRejectOnExpiry. Terminal,
// Approved and Executed workflows are never touched. Running the sweep again
// on an unchanged dataset performs zero transitions. Returns the number of
// workflows closed.
func (s *SweepService) ProcessExpiredWorkflows(ctx context.Context) (int, error) {
	now := time.Now().UTC()

	due, err := s.workflows.List(ctx, repository.WorkflowFilter{
		States:        []repository.WorkflowState{repository.StatePending, repository.StateInProgress},
		ExpiresBefore: &now,
	}, repository.Page{})
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, wf := range due {
		// Zero ExpiresAt means the template set no expiration.
		if wf.ExpiresAt.IsZero() {
			continue
		}

		preState := wf.State
		wf.State = repository.StateExpired
		if wf.Snapshot.AutoRejectOnExpiry {
			wf.State = repository.StateRejected
		}

		entry := newAuditEntry(wf, repository.AuditExpired, "expiration-sweep", preState, wf.State, map[string]any{
			"expires_at":  wf.ExpiresAt,
			"auto_reject": wf.Snapshot.AutoRejectOnExpiry,
		})
		if err := s.workflows.CompareAndUpdate(ctx, wf, wf.Version, entry); err != nil {
			if errors.HasCode(err, errors.ErrCodeConcurrency) {
				s.log.Debug().Str("workflow_id", wf.ID).Msg("expiration lost version race, skipping")
			} else {
				s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("expiration sweep: failed to update workflow")
			}
			continue
		}

		s.log.Info().
			Str("workflow_id", wf.ID).
			Str("state", string(wf.State)).
			Time("expired_at", wf.ExpiresAt).
			Msg("Workflow expired")

		s.notifier.Dispatch(ctx, WorkflowEvent{
			Kind:       EventWorkflowExpired,
			Workflow:   wf,
			Recipients: []string{wf.RequesterID},
			Payload:    map[string]any{"state": wf.State},
		})
		closed++
	}
	return closed, nil
}
