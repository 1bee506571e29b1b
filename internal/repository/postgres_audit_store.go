package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// PostgresAuditStore reads the append-only approval audit log. Inserts happen
// inside workflow store transactions (insertAuditEntry) so an entry is always
// committed together with the transition it describes; the table carries a
// delete-prevention trigger.
type PostgresAuditStore struct {
	db *pgxpool.Pool
}

// NewPostgresAuditStore creates a new PostgresAuditStore.
func NewPostgresAuditStore(db *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

var _ AuditStore = (*PostgresAuditStore)(nil)

const auditColumns = `
	id, workflow_id, org_id, operation_type,
	action, actor, pre_state, post_state,
	detail, occurred_at
`

// insertAuditEntry appends one entry within the caller's transaction.
func insertAuditEntry(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	if entry == nil {
		return nil
	}

	var detailJSON []byte
	if entry.Detail != nil {
		var err error
		detailJSON, err = json.Marshal(entry.Detail)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit detail")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, workflow_id, org_id, operation_type,
		     action, actor, pre_state, post_state,
		     detail, occurred_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10)
	`

	_, err := tx.Exec(ctx, query,
		entry.ID,
		entry.WorkflowID,
		entry.OrgID,
		entry.OperationType,
		entry.Action,
		entry.Actor,
		entry.PreState,
		entry.PostState,
		detailJSON,
		entry.OccurredAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// GetByWorkflowID returns a workflow's entries ordered oldest-first.
func (s *PostgresAuditStore) GetByWorkflowID(ctx context.Context, workflowID string) ([]*AuditEntry, error) {
	query := `SELECT ` + auditColumns + `
		FROM approval_audit_log
		WHERE workflow_id = $1
		ORDER BY occurred_at ASC`

	rows, err := s.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ListByOrgRange returns an org's entries within [from, to) oldest-first.
func (s *PostgresAuditStore) ListByOrgRange(ctx context.Context, orgID string, from, to time.Time) ([]*AuditEntry, error) {
	query := `SELECT ` + auditColumns + `
		FROM approval_audit_log
		WHERE org_id = $1
		  AND occurred_at >= $2
		  AND occurred_at < $3
		ORDER BY occurred_at ASC`

	rows, err := s.db.Query(ctx, query, orgID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list audit entries")
	}
	defer rows.Close()

	return scanAuditRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func scanAuditRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type auditScanner interface {
	Scan(dest ...any) error
}

func scanAuditEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var detailJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.WorkflowID,
		&entry.OrgID,
		&entry.OperationType,
		&entry.Action,
		&entry.Actor,
		&entry.PreState,
		&entry.PostState,
		&detailJSON,
		&entry.OccurredAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}

	if detailJSON != nil {
		if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit detail")
		}
	}
	return entry, nil
}
