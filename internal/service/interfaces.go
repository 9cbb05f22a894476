package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// RuleStore returns the single active rule of an organization and type.
// Implemented by repository.RuleRepository and memory.RuleStore.
type RuleStore interface {
	GetActiveRule(ctx context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, error)
}

// RuleCache is an optional read-through cache in front of the RuleStore.
type RuleCache interface {
	Get(ctx context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, bool, error)
	Set(ctx context.Context, rule *repository.WorkflowRule) error
}

// WorkflowStore persists workflow instances. AdvanceLevel and Finalize are
// conditional: they report false, and write nothing, when the workflow is no
// longer open at the expected level.
type WorkflowStore interface {
	Create(ctx context.Context, wf *repository.Workflow, approvals []*repository.WorkflowApproval) error
	GetByID(ctx context.Context, id string) (*repository.Workflow, error)
	ListByInitiator(ctx context.Context, organizationID, userID string) ([]*repository.Workflow, error)
	ListPendingForApprover(ctx context.Context, organizationID, userID string) ([]*repository.Workflow, error)
	ListByStatus(ctx context.Context, status repository.WorkflowStatus) ([]*repository.Workflow, error)
	AdvanceLevel(ctx context.Context, id string, fromLevel int, at time.Time, approvals []*repository.WorkflowApproval) (bool, error)
	Finalize(ctx context.Context, id string, expectLevel int, status repository.WorkflowStatus, at time.Time, completedAt *time.Time) (bool, error)
}

// ApprovalStore reads and updates per-approver approval rows.
type ApprovalStore interface {
	FindForApprover(ctx context.Context, workflowID, approverID string) (*repository.WorkflowApproval, error)
	ListByLevel(ctx context.Context, workflowID string, level int) ([]*repository.WorkflowApproval, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*repository.WorkflowApproval, error)
	RecordAction(ctx context.Context, id string, action repository.ApprovalAction, comments *string, at time.Time) error
	Delegate(ctx context.Context, id, delegateTo string, at time.Time) error
}

// NotificationStore persists outbound notifications.
type NotificationStore interface {
	Create(ctx context.Context, n *repository.WorkflowNotification) error
	ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]*repository.WorkflowNotification, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
