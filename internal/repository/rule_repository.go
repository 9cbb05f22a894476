package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// RuleRepository handles reads and writes of workflow_rules.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

const ruleColumns = `
	id, organization_id, type, name, conditions,
	approval_matrix, auto_approve_below, escalation_days,
	is_active, created_at, updated_at`

// GetActiveRule returns the active rule for an organization and workflow type.
func (r *RuleRepository) GetActiveRule(ctx context.Context, organizationID string, wfType WorkflowType) (*WorkflowRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM workflow_rules
		WHERE organization_id = $1
		  AND type = $2
		  AND is_active = TRUE
		LIMIT 1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, organizationID, string(wfType)))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_rule", organizationID+"/"+string(wfType))
	}
	return rule, err
}

// List returns all rules of an organization, optionally active only.
func (r *RuleRepository) List(ctx context.Context, organizationID string, activeOnly bool) ([]*WorkflowRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM workflow_rules
		WHERE organization_id = $1
	`
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY type ASC, updated_at DESC"

	rows, err := r.db.Query(ctx, query, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow rules")
	}
	defer rows.Close()

	var rules []*WorkflowRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ReplaceActive validates rule, deactivates any active rule for the same
// organization and type, and inserts rule as the new active one.
func (r *RuleRepository) ReplaceActive(ctx context.Context, rule *WorkflowRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	matrixJSON, err := json.Marshal(rule.ApprovalMatrix)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approval matrix")
	}
	var conditionsJSON []byte
	if rule.Conditions != nil {
		conditionsJSON, err = json.Marshal(rule.Conditions)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule conditions")
		}
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.IsActive = true

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE workflow_rules
			SET is_active  = FALSE,
			    updated_at = $3
			WHERE organization_id = $1
			  AND type = $2
			  AND is_active = TRUE
		`, rule.OrganizationID, string(rule.Type), now)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate previous rule")
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO workflow_rules
			    (id, organization_id, type, name, conditions,
			     approval_matrix, auto_approve_below, escalation_days,
			     is_active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        TRUE, $9, $9)
			RETURNING created_at, updated_at
		`,
			rule.ID,
			rule.OrganizationID,
			string(rule.Type),
			rule.Name,
			conditionsJSON,
			matrixJSON,
			rule.AutoApproveBelow,
			rule.EscalationDays,
			now,
		).Scan(&rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert workflow rule")
		}
		return nil
	})
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row rowScanner) (*WorkflowRule, error) {
	rule := &WorkflowRule{}
	var wfType string
	var conditionsJSON, matrixJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.OrganizationID,
		&wfType,
		&rule.Name,
		&conditionsJSON,
		&matrixJSON,
		&rule.AutoApproveBelow,
		&rule.EscalationDays,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow rule")
	}
	rule.Type = WorkflowType(wfType)

	if err := json.Unmarshal(matrixJSON, &rule.ApprovalMatrix); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approval matrix")
	}
	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule conditions")
		}
	}
	if err := rule.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "stored workflow rule is invalid")
	}
	return rule, nil
}
