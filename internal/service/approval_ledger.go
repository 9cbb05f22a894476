package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// ApprovalLedger builds, reads and updates the per-approver, per-level
// approval rows of a workflow.
type ApprovalLedger struct {
	approvals ApprovalStore
	clock     Clock
}

// NewApprovalLedger creates a new ApprovalLedger.
func NewApprovalLedger(approvals ApprovalStore, clock Clock) *ApprovalLedger {
	return &ApprovalLedger{approvals: approvals, clock: clock}
}

// OpenLevel builds one unset approval row per approver of a level. The rows
// are persisted by the WorkflowStore together with the transition that opens
// the level.
func (l *ApprovalLedger) OpenLevel(workflowID string, levelNo int, level repository.ApprovalLevel) []*repository.WorkflowApproval {
	now := l.clock.Now()
	rows := make([]*repository.WorkflowApproval, 0, len(level.Approvers))
	for _, approverID := range level.Approvers {
		rows = append(rows, &repository.WorkflowApproval{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			ApproverID: approverID,
			Level:      levelNo,
			Action:     repository.ApprovalActionUnset,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	return rows
}

// FindForApprover returns the row approverID acts on. See
// ApprovalStore.FindForApprover for the lookup order.
func (l *ApprovalLedger) FindForApprover(ctx context.Context, workflowID, approverID string) (*repository.WorkflowApproval, error) {
	row, err := l.approvals.FindForApprover(ctx, workflowID, approverID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, ErrApprovalRecordNotFound.WithMessage(
				"no approval record for %s on workflow %s", approverID, workflowID)
		}
		return nil, err
	}
	return row, nil
}

// Record stores an action on row and updates row in place.
func (l *ApprovalLedger) Record(ctx context.Context, row *repository.WorkflowApproval, action repository.ApprovalAction, comments *string) error {
	now := l.clock.Now()
	if err := l.approvals.RecordAction(ctx, row.ID, action, comments, now); err != nil {
		return err
	}
	row.Action = action
	row.Comments = comments
	row.ApprovedAt = &now
	row.UpdatedAt = now
	metrics.ApprovalActions.WithLabelValues(string(action)).Inc()
	return nil
}

// LevelComplete reports whether every row of a level is approved.
func (l *ApprovalLedger) LevelComplete(ctx context.Context, workflowID string, level int) (bool, error) {
	rows, err := l.approvals.ListByLevel(ctx, workflowID, level)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	for _, row := range rows {
		if row.Action != repository.ApprovalActionApprove {
			return false, nil
		}
	}
	return true, nil
}

// Delegate hands an open row to another user and updates row in place.
func (l *ApprovalLedger) Delegate(ctx context.Context, row *repository.WorkflowApproval, delegateTo string) error {
	now := l.clock.Now()
	if err := l.approvals.Delegate(ctx, row.ID, delegateTo, now); err != nil {
		return err
	}
	row.DelegatedTo = &delegateTo
	row.DelegatedAt = &now
	row.UpdatedAt = now
	return nil
}

// List returns every approval row of a workflow ordered by level.
func (l *ApprovalLedger) List(ctx context.Context, workflowID string) ([]*repository.WorkflowApproval, error) {
	return l.approvals.ListByWorkflow(ctx, workflowID)
}
