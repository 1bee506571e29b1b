package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approval-engine/internal/repository"
)

// OperationTypeStats is the per-operation-type slice of a statistics report.
type OperationTypeStats struct {
	Created  int                              `json:"created"`
	Resolved map[repository.WorkflowState]int `json:"resolved"`
}

// WorkflowStatistics is a read-only aggregation over the audit log for one
// org and date range.
type WorkflowStatistics struct {
	OrgID                 string                           `json:"org_id"`
	From                  time.Time                        `json:"from"`
	To                    time.Time                        `json:"to"`
	Created               int                              `json:"created"`
	CountsByTerminalState map[repository.WorkflowState]int `json:"counts_by_terminal_state"`
	AverageTimeToTerminal time.Duration                    `json:"average_time_to_terminal"`
	ByOperationType       map[string]*OperationTypeStats   `json:"by_operation_type"`
}

// StatisticsService reports over the audit log. The audit log is its sole
// input: workflow rows are never consulted.
type StatisticsService struct {
	audit repository.AuditStore
	log   zerolog.Logger
}

// NewStatisticsService creates a new StatisticsService.
func NewStatisticsService(audit repository.AuditStore, log zerolog.Logger) *StatisticsService {
	return &StatisticsService{audit: audit, log: log}
}

// GetWorkflowStatistics folds the org's audit entries within [from, to) into
// terminal-state counts, the average time from creation to terminal state
// (over workflows whose creation and terminal entries both fall in range)
// and a per-operation-type breakdown.
func (s *StatisticsService) GetWorkflowStatistics(ctx context.Context, orgID string, from, to time.Time) (*WorkflowStatistics, error) {
	entries, err := s.audit.ListByOrgRange(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}

	stats := &WorkflowStatistics{
		OrgID:                 orgID,
		From:                  from,
		To:                    to,
		CountsByTerminalState: map[repository.WorkflowState]int{},
		ByOperationType:       map[string]*OperationTypeStats{},
	}

	createdAt := map[string]time.Time{}
	var totalToTerminal time.Duration
	var terminated int

	for _, e := range entries {
		opStats := stats.ByOperationType[e.OperationType]
		if opStats == nil {
			opStats = &OperationTypeStats{Resolved: map[repository.WorkflowState]int{}}
			stats.ByOperationType[e.OperationType] = opStats
		}

		if e.Action == repository.AuditCreated {
			stats.Created++
			opStats.Created++
			createdAt[e.WorkflowID] = e.OccurredAt
			continue
		}

		if !e.PostState.IsTerminal() {
			continue
		}
		stats.CountsByTerminalState[e.PostState]++
		opStats.Resolved[e.PostState]++
		if created, ok := createdAt[e.WorkflowID]; ok {
			totalToTerminal += e.OccurredAt.Sub(created)
			terminated++
		}
	}

	if terminated > 0 {
		stats.AverageTimeToTerminal = totalToTerminal / time.Duration(terminated)
	}

	s.log.Debug().
		Str("org_id", orgID).
		Int("entries", len(entries)).
		Int("created", stats.Created).
		Msg("workflow statistics computed")
	return stats, nil
}
