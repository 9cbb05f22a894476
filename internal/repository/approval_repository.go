package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// ApprovalRepository handles reads and updates on individual approval rows.
// Row creation is handled by WorkflowRepository (transactionally with the
// workflow row or the level advance).
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `
	id, workflow_id, approver_id, level, action,
	comments, approved_at, delegated_to, delegated_at,
	created_at, updated_at`

// FindForApprover returns the approval row of approverID on a workflow. The
// lookup is keyed by (workflow, approver) only: rows assigned directly win
// over delegated ones, and the earliest level wins among those.
func (r *ApprovalRepository) FindForApprover(ctx context.Context, workflowID, approverID string) (*WorkflowApproval, error) {
	query := `SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE workflow_id = $1
		  AND (approver_id = $2 OR delegated_to = $2)
		ORDER BY (approver_id = $2) DESC, level ASC, created_at ASC
		LIMIT 1
	`

	a, err := r.scanApproval(r.db.QueryRow(ctx, query, workflowID, approverID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_approval", workflowID+"/"+approverID)
	}
	return a, err
}

// ListByLevel returns the approval rows of one level of a workflow.
func (r *ApprovalRepository) ListByLevel(ctx context.Context, workflowID string, level int) ([]*WorkflowApproval, error) {
	query := `SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE workflow_id = $1 AND level = $2
		ORDER BY created_at ASC, approver_id ASC
	`
	return r.list(ctx, query, workflowID, level)
}

// ListByWorkflow returns every approval row of a workflow ordered by level.
func (r *ApprovalRepository) ListByWorkflow(ctx context.Context, workflowID string) ([]*WorkflowApproval, error) {
	query := `SELECT ` + approvalColumns + `
		FROM workflow_approvals
		WHERE workflow_id = $1
		ORDER BY level ASC, created_at ASC, approver_id ASC
	`
	return r.list(ctx, query, workflowID)
}

// RecordAction stores an approver's decision on a row. Whether the row may
// still change is decided by the caller.
func (r *ApprovalRepository) RecordAction(ctx context.Context, id string, action ApprovalAction, comments *string, at time.Time) error {
	query := `
		UPDATE workflow_approvals
		SET action      = $2,
		    comments    = $3,
		    approved_at = $4,
		    updated_at  = $4
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, string(action), comments, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("workflow_approval", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval action")
	}
	return nil
}

// Delegate hands an open approval row to another user.
func (r *ApprovalRepository) Delegate(ctx context.Context, id, delegateTo string, at time.Time) error {
	query := `
		UPDATE workflow_approvals
		SET delegated_to = $2,
		    delegated_at = $3,
		    updated_at   = $3
		WHERE id = $1
		  AND action = ''
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, delegateTo, at).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeConflict, "approval not found or already acted on")
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delegate approval")
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *ApprovalRepository) list(ctx context.Context, query string, args ...any) ([]*WorkflowApproval, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflow approvals")
	}
	defer rows.Close()

	var out []*WorkflowApproval
	for rows.Next() {
		a, err := r.scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow approval")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *ApprovalRepository) scanApproval(row rowScanner) (*WorkflowApproval, error) {
	a := &WorkflowApproval{}
	var action string
	err := row.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.ApproverID,
		&a.Level,
		&action,
		&a.Comments,
		&a.ApprovedAt,
		&a.DelegatedTo,
		&a.DelegatedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Action = ApprovalAction(action)
	return a, nil
}
