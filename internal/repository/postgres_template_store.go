package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pesio-ai/be-approval-engine/internal/errors"
)

// PostgresTemplateStore is the Postgres implementation of TemplateStore.
// Tiers and escalation rules are JSONB columns; one template row per
// (operation_type, org_id).
type PostgresTemplateStore struct {
	db *pgxpool.Pool
}

// NewPostgresTemplateStore creates a new PostgresTemplateStore.
func NewPostgresTemplateStore(db *pgxpool.Pool) *PostgresTemplateStore {
	return &PostgresTemplateStore{db: db}
}

var _ TemplateStore = (*PostgresTemplateStore)(nil)

const templateColumns = `
	id, operation_type, org_id,
	tiers, escalation_rules,
	expiration_secs, auto_reject_on_expiry, reject_is_terminal,
	min_amount, max_amount, is_active,
	created_at, updated_at
`

// Get returns the template configured for an operation type within an org.
func (s *PostgresTemplateStore) Get(ctx context.Context, operationType, orgID string) (*ApprovalWorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + `
		FROM approval_workflow_templates
		WHERE operation_type = $1 AND org_id = $2`

	tpl, err := scanTemplate(s.db.QueryRow(ctx, query, operationType, orgID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_workflow_template", operationType)
	}
	return tpl, err
}

// Upsert creates or replaces the template for its operation type + org.
func (s *PostgresTemplateStore) Upsert(ctx context.Context, tpl *ApprovalWorkflowTemplate) error {
	tiersJSON, err := json.Marshal(tpl.Tiers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal template tiers")
	}
	rulesJSON, err := json.Marshal(tpl.EscalationRules)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal escalation rules")
	}

	query := `
		INSERT INTO approval_workflow_templates
		    (id, operation_type, org_id,
		     tiers, escalation_rules,
		     expiration_secs, auto_reject_on_expiry, reject_is_terminal,
		     min_amount, max_amount, is_active)
		VALUES ($1, $2, $3,
		        $4, $5,
		        $6, $7, $8,
		        $9, $10, $11)
		ON CONFLICT (operation_type, org_id) DO UPDATE
		SET tiers                 = EXCLUDED.tiers,
		    escalation_rules      = EXCLUDED.escalation_rules,
		    expiration_secs       = EXCLUDED.expiration_secs,
		    auto_reject_on_expiry = EXCLUDED.auto_reject_on_expiry,
		    reject_is_terminal    = EXCLUDED.reject_is_terminal,
		    min_amount            = EXCLUDED.min_amount,
		    max_amount            = EXCLUDED.max_amount,
		    is_active             = EXCLUDED.is_active,
		    updated_at            = NOW()
		RETURNING id, created_at, updated_at
	`

	return s.db.QueryRow(ctx, query,
		tpl.ID,
		tpl.OperationType,
		tpl.OrgID,
		tiersJSON,
		rulesJSON,
		int64(tpl.ExpirationDuration/time.Second),
		tpl.AutoRejectOnExpiry,
		tpl.RejectIsTerminal,
		tpl.MinAmount,
		tpl.MaxAmount,
		tpl.IsActive,
	).Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
}

// ListByOrg returns all templates for an org ordered by operation type.
func (s *PostgresTemplateStore) ListByOrg(ctx context.Context, orgID string) ([]*ApprovalWorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + `
		FROM approval_workflow_templates
		WHERE org_id = $1
		ORDER BY operation_type ASC`

	rows, err := s.db.Query(ctx, query, orgID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list templates")
	}
	defer rows.Close()

	var out []*ApprovalWorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type templateScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row templateScanner) (*ApprovalWorkflowTemplate, error) {
	tpl := &ApprovalWorkflowTemplate{}
	var tiersJSON, rulesJSON []byte
	var expirationSecs int64

	err := row.Scan(
		&tpl.ID,
		&tpl.OperationType,
		&tpl.OrgID,
		&tiersJSON,
		&rulesJSON,
		&expirationSecs,
		&tpl.AutoRejectOnExpiry,
		&tpl.RejectIsTerminal,
		&tpl.MinAmount,
		&tpl.MaxAmount,
		&tpl.IsActive,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tpl.ExpirationDuration = time.Duration(expirationSecs) * time.Second
	if err := json.Unmarshal(tiersJSON, &tpl.Tiers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal template tiers")
	}
	if rulesJSON != nil {
		if err := json.Unmarshal(rulesJSON, &tpl.EscalationRules); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal escalation rules")
		}
	}
	return tpl, nil
}
