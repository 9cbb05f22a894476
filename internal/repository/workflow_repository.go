package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// WorkflowRepository manages workflow instances. Creation and level advance
// write the workflow row and its approval rows in a single transaction.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	id, type, entity_id, entity_type, organization_id, initiator_id,
	status, current_level, max_level, required_approvals,
	data, priority, due_date, version,
	created_at, updated_at, completed_at`

// Create inserts a workflow and its initial approval rows in one transaction.
func (r *WorkflowRepository) Create(ctx context.Context, wf *Workflow, approvals []*WorkflowApproval) error {
	dataJSON, err := marshalData(wf.Data)
	if err != nil {
		return err
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflows
			    (id, type, entity_id, entity_type, organization_id, initiator_id,
			     status, current_level, max_level, required_approvals,
			     data, priority, due_date, version,
			     created_at, updated_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6,
			        $7, $8, $9, $10,
			        $11, $12, $13, $14,
			        $15, $16, $17)
		`,
			wf.ID,
			string(wf.Type),
			wf.EntityID,
			wf.EntityType,
			wf.OrganizationID,
			wf.InitiatorID,
			string(wf.Status),
			wf.CurrentLevel,
			wf.MaxLevel,
			wf.RequiredApprovals,
			dataJSON,
			wf.Priority,
			wf.DueDate,
			wf.Version,
			wf.CreatedAt,
			wf.UpdatedAt,
			wf.CompletedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow")
		}

		return insertApprovals(ctx, tx, approvals)
	})
}

// GetByID retrieves a workflow by its primary key.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE id = $1
	`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow", id)
	}
	return wf, err
}

// ListByInitiator returns the workflows a user started within an organization.
func (r *WorkflowRepository) ListByInitiator(ctx context.Context, organizationID, userID string) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE organization_id = $1
		  AND initiator_id = $2
		ORDER BY created_at DESC
	`
	return r.list(ctx, query, organizationID, userID)
}

// ListPendingForApprover returns pending workflows in which the user holds an
// open approval row, directly or by delegation.
func (r *WorkflowRepository) ListPendingForApprover(ctx context.Context, organizationID, userID string) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows w
		WHERE w.organization_id = $1
		  AND w.status = 'pending'
		  AND EXISTS (
		      SELECT 1 FROM workflow_approvals a
		      WHERE a.workflow_id = w.id
		        AND a.action = ''
		        AND (a.approver_id = $2 OR a.delegated_to = $2)
		  )
		ORDER BY w.created_at ASC
	`
	return r.list(ctx, query, organizationID, userID)
}

// ListByStatus returns every workflow in the given status, oldest first.
func (r *WorkflowRepository) ListByStatus(ctx context.Context, status WorkflowStatus) ([]*Workflow, error) {
	query := `SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, string(status))
}

// AdvanceLevel moves a workflow from fromLevel to fromLevel+1 and inserts the
// next level's approval rows. The update is conditional on the workflow still
// being open at fromLevel; when another writer got there first nothing is
// written and false is returned.
func (r *WorkflowRepository) AdvanceLevel(ctx context.Context, id string, fromLevel int, at time.Time, approvals []*WorkflowApproval) (bool, error) {
	advanced := false
	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflows
			SET current_level = current_level + 1,
			    status        = 'in_progress',
			    version       = version + 1,
			    updated_at    = $3
			WHERE id = $1
			  AND current_level = $2
			  AND current_level < max_level
			  AND status IN ('pending', 'in_progress')
		`, id, fromLevel, at)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to advance workflow level")
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		advanced = true
		return insertApprovals(ctx, tx, approvals)
	})
	if err != nil {
		return false, err
	}
	return advanced, nil
}

// Finalize moves an open workflow to a terminal status. A positive
// expectLevel additionally requires the workflow to still be at that level.
// Returns false when the workflow was no longer open (or had moved on).
func (r *WorkflowRepository) Finalize(ctx context.Context, id string, expectLevel int, status WorkflowStatus, at time.Time, completedAt *time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE workflows
		SET status       = $2,
		    completed_at = $3,
		    version      = version + 1,
		    updated_at   = $4
		WHERE id = $1
		  AND status IN ('pending', 'in_progress')
		  AND ($5 = 0 OR current_level = $5)
	`, id, string(status), completedAt, at, expectLevel)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to finalize workflow")
	}
	return tag.RowsAffected() == 1, nil
}

// ── helpers ──────────────────────────────────────────────────────────────────

func (r *WorkflowRepository) list(ctx context.Context, query string, args ...any) ([]*Workflow, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list workflows")
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan workflow")
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var wfType, status string
	var dataJSON []byte

	err := row.Scan(
		&wf.ID,
		&wfType,
		&wf.EntityID,
		&wf.EntityType,
		&wf.OrganizationID,
		&wf.InitiatorID,
		&status,
		&wf.CurrentLevel,
		&wf.MaxLevel,
		&wf.RequiredApprovals,
		&dataJSON,
		&wf.Priority,
		&wf.DueDate,
		&wf.Version,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	wf.Type = WorkflowType(wfType)
	wf.Status = WorkflowStatus(status)

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &wf.Data); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal workflow data")
		}
	}
	return wf, nil
}

func marshalData(data map[string]any) ([]byte, error) {
	if data == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal workflow data")
	}
	return b, nil
}

func insertApprovals(ctx context.Context, tx pgx.Tx, approvals []*WorkflowApproval) error {
	for _, a := range approvals {
		_, err := tx.Exec(ctx, `
			INSERT INTO workflow_approvals
			    (id, workflow_id, approver_id, level, action,
			     comments, approved_at, delegated_to, delegated_at,
			     created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11)
		`,
			a.ID,
			a.WorkflowID,
			a.ApproverID,
			a.Level,
			string(a.Action),
			a.Comments,
			a.ApprovedAt,
			a.DelegatedTo,
			a.DelegatedAt,
			a.CreatedAt,
			a.UpdatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create workflow approval")
		}
	}
	return nil
}
