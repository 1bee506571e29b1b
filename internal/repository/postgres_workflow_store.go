package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// PostgresWorkflowStore is the Postgres implementation of WorkflowStore.
// The workflow row carries the version stamp; every update is conditional on
// it and the paired audit insert happens in the same transaction.
type PostgresWorkflowStore struct {
	db *pgxpool.Pool
}

// NewPostgresWorkflowStore creates a new PostgresWorkflowStore.
func NewPostgresWorkflowStore(db *pgxpool.Pool) *PostgresWorkflowStore {
	return &PostgresWorkflowStore{db: db}
}

var _ WorkflowStore = (*PostgresWorkflowStore)(nil)

const workflowColumns = `
	id, operation_type, entity_type, entity_id, org_id, requester_id,
	state, current_tier, version,
	operation_data, snapshot, decisions,
	tier_entered_at, expires_at, executed_at,
	created_at, updated_at
`

// Create inserts a workflow at version 1 and its Created audit entry in one
// transaction.
func (s *PostgresWorkflowStore) Create(ctx context.Context, wf *ApprovalWorkflow, entry *AuditEntry) error {
	operationData, snapshot, decisions, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}

	return s.inTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO approval_workflows
			    (id, operation_type, entity_type, entity_id, org_id, requester_id,
			     state, current_tier, version,
			     operation_data, snapshot, decisions,
			     tier_entered_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, 1,
			        $9, $10, $11,
			        $12, $13)
			RETURNING version, created_at, updated_at
		`

		err := tx.QueryRow(ctx, query,
			wf.ID,
			wf.OperationType,
			wf.EntityType,
			wf.EntityID,
			wf.OrgID,
			wf.RequesterID,
			wf.State,
			wf.CurrentTier,
			operationData,
			snapshot,
			decisions,
			wf.TierEnteredAt,
			wf.ExpiresAt,
		).Scan(&wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval workflow")
		}

		return insertAuditEntry(ctx, tx, entry)
	})
}

// GetByID retrieves a workflow by its primary key.
func (s *PostgresWorkflowStore) GetByID(ctx context.Context, id string) (*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE id = $1`

	wf, err := scanWorkflow(s.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow", id)
	}
	return wf, err
}

// List returns workflows matching the filter, newest first.
func (s *PostgresWorkflowStore) List(ctx context.Context, filter WorkflowFilter, page Page) ([]*ApprovalWorkflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows WHERE 1=1`
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.OrgID != "" {
		query += " AND org_id = " + arg(filter.OrgID)
	}
	if filter.OperationType != "" {
		query += " AND operation_type = " + arg(filter.OperationType)
	}
	if filter.RequesterID != "" {
		query += " AND requester_id = " + arg(filter.RequesterID)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		query += " AND state = ANY(" + arg(states) + ")"
	}
	if filter.ExpiresBefore != nil {
		query += " AND expires_at < " + arg(*filter.ExpiresBefore)
	}
	if filter.CreatedAfter != nil {
		query += " AND created_at >= " + arg(*filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		query += " AND created_at < " + arg(*filter.CreatedBefore)
	}

	query += " ORDER BY created_at DESC, id ASC"
	if page.Limit > 0 {
		query += " LIMIT " + arg(page.Limit)
	}
	if page.Offset > 0 {
		query += " OFFSET " + arg(page.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval workflows")
	}
	defer rows.Close()

	var out []*ApprovalWorkflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// CompareAndUpdate persists wf only when the stored version still equals
// expectedVersion, bumping the version by one and inserting the audit entry
// in the same transaction. A stale version yields ErrCodeConcurrency.
func (s *PostgresWorkflowStore) CompareAndUpdate(ctx context.Context, wf *ApprovalWorkflow, expectedVersion int64, entry *AuditEntry) error {
	operationData, snapshot, decisions, err := marshalWorkflowJSON(wf)
	if err != nil {
		return err
	}

	return s.inTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_workflows
			SET state           = $3,
			    current_tier    = $4,
			    version         = version + 1,
			    operation_data  = $5,
			    snapshot        = $6,
			    decisions       = $7,
			    tier_entered_at = $8,
			    expires_at      = $9,
			    executed_at     = $10,
			    updated_at      = NOW()
			WHERE id = $1 AND version = $2
			RETURNING version, updated_at
		`

		err := tx.QueryRow(ctx, query,
			wf.ID,
			expectedVersion,
			wf.State,
			wf.CurrentTier,
			operationData,
			snapshot,
			decisions,
			wf.TierEnteredAt,
			wf.ExpiresAt,
			wf.ExecutedAt,
		).Scan(&wf.Version, &wf.UpdatedAt)
		if err == pgx.ErrNoRows {
			return s.classifyStaleWrite(ctx, tx, wf.ID, expectedVersion)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval workflow")
		}

		return insertAuditEntry(ctx, tx, entry)
	})
}

// classifyStaleWrite distinguishes a missing row from a version conflict
// after a conditional update matched nothing.
func (s *PostgresWorkflowStore) classifyStaleWrite(ctx context.Context, tx pgx.Tx, id string, expectedVersion int64) error {
	var storedVersion int64
	err := tx.QueryRow(ctx, `SELECT version FROM approval_workflows WHERE id = $1`, id).Scan(&storedVersion)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_workflow", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read workflow version")
	}
	return errors.Newf(errors.ErrCodeConcurrency,
		"workflow %q version is %d, expected %d", id, storedVersion, expectedVersion)
}

// inTransaction runs fn within a transaction, rolling back on error.
func (s *PostgresWorkflowStore) inTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to commit transaction")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func marshalWorkflowJSON(wf *ApprovalWorkflow) (operationData, snapshot, decisions []byte, err error) {
	if operationData, err = json.Marshal(wf.OperationData); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal operation data")
	}
	if snapshot, err = json.Marshal(wf.Snapshot); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template snapshot")
	}
	if decisions, err = json.Marshal(wf.Decisions); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal decisions")
	}
	return operationData, snapshot, decisions, nil
}

type workflowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row workflowScanner) (*ApprovalWorkflow, error) {
	wf := &ApprovalWorkflow{}
	var operationData, snapshot, decisions []byte

	err := row.Scan(
		&wf.ID,
		&wf.OperationType,
		&wf.EntityType,
		&wf.EntityID,
		&wf.OrgID,
		&wf.RequesterID,
		&wf.State,
		&wf.CurrentTier,
		&wf.Version,
		&operationData,
		&snapshot,
		&decisions,
		&wf.TierEnteredAt,
		&wf.ExpiresAt,
		&wf.ExecutedAt,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if operationData != nil {
		if err := json.Unmarshal(operationData, &wf.OperationData); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal operation data")
		}
	}
	if err := json.Unmarshal(snapshot, &wf.Snapshot); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template snapshot")
	}
	if decisions != nil {
		if err := json.Unmarshal(decisions, &wf.Decisions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal decisions")
		}
	}
	return wf, nil
}
