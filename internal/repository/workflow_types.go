package repository

import (
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// WorkflowType identifies the kind of business object being approved.
type WorkflowType string

const (
	WorkflowTypePaymentApproval  WorkflowType = "payment_approval"
	WorkflowTypeVendorOnboarding WorkflowType = "vendor_onboarding"
	WorkflowTypeBudgetChange     WorkflowType = "budget_change"
	WorkflowTypeExpenseApproval  WorkflowType = "expense_approval"
	WorkflowTypeContractApproval WorkflowType = "contract_approval"
	WorkflowTypeRequisition      WorkflowType = "requisition"
	WorkflowTypePurchaseOrder    WorkflowType = "purchase_order"
)

var workflowTypes = map[WorkflowType]bool{
	WorkflowTypePaymentApproval:  true,
	WorkflowTypeVendorOnboarding: true,
	WorkflowTypeBudgetChange:     true,
	WorkflowTypeExpenseApproval:  true,
	WorkflowTypeContractApproval: true,
	WorkflowTypeRequisition:      true,
	WorkflowTypePurchaseOrder:    true,
}

func (t WorkflowType) IsValid() bool {
	return workflowTypes[t]
}

// WorkflowStatus is the state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending    WorkflowStatus = "pending"
	WorkflowStatusInProgress WorkflowStatus = "in_progress"
	WorkflowStatusApproved   WorkflowStatus = "approved"
	WorkflowStatusRejected   WorkflowStatus = "rejected"
	WorkflowStatusCancelled  WorkflowStatus = "cancelled"
	WorkflowStatusCompleted  WorkflowStatus = "completed"
)

// IsTerminal reports whether no further approval actions are accepted.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusApproved, WorkflowStatusRejected, WorkflowStatusCancelled:
		return true
	}
	return false
}

// IsOpen reports whether approval actions are accepted.
func (s WorkflowStatus) IsOpen() bool {
	return s == WorkflowStatusPending || s == WorkflowStatusInProgress
}

// ApprovalAction is what an approver did with their approval row.
type ApprovalAction string

const (
	ApprovalActionUnset       ApprovalAction = ""
	ApprovalActionApprove     ApprovalAction = "approve"
	ApprovalActionReject      ApprovalAction = "reject"
	ApprovalActionRequestInfo ApprovalAction = "request_info"
)

func (a ApprovalAction) IsValid() bool {
	switch a {
	case ApprovalActionApprove, ApprovalActionReject, ApprovalActionRequestInfo:
		return true
	}
	return false
}

// NotificationType classifies a persisted notification.
type NotificationType string

const (
	NotificationApprovalRequired NotificationType = "approval_required"
	NotificationStatusChange     NotificationType = "status_change"
	NotificationEscalation       NotificationType = "escalation"
)

// ── Rules ────────────────────────────────────────────────────────────────────

// ApprovalLevel is one stage of an approval matrix.
type ApprovalLevel struct {
	Approvers []string `json:"approvers" yaml:"approvers"`
	Required  int      `json:"required" yaml:"required"`
}

// WorkflowRule is the per-organization, per-type approval policy.
type WorkflowRule struct {
	ID               string
	OrganizationID   string
	Type             WorkflowType
	Name             string
	Conditions       map[string]any
	ApprovalMatrix   []ApprovalLevel
	AutoApproveBelow *float64 // nil = never auto-approve
	EscalationDays   int
	IsActive         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Level returns the 1-based level definition, or false when out of range.
func (r *WorkflowRule) Level(n int) (ApprovalLevel, bool) {
	if n < 1 || n > len(r.ApprovalMatrix) {
		return ApprovalLevel{}, false
	}
	return r.ApprovalMatrix[n-1], true
}

// Validate checks the rule's structural invariants.
func (r *WorkflowRule) Validate() error {
	if r.OrganizationID == "" {
		return errors.InvalidInput("organization_id", "is required")
	}
	if !r.Type.IsValid() {
		return errors.InvalidInput("type", fmt.Sprintf("unknown workflow type %q", r.Type))
	}
	if len(r.ApprovalMatrix) == 0 {
		return errors.InvalidInput("approval_matrix", "must contain at least one level")
	}
	for i, level := range r.ApprovalMatrix {
		if len(level.Approvers) == 0 {
			return errors.InvalidInput("approval_matrix", fmt.Sprintf("level %d has no approvers", i+1))
		}
		seen := make(map[string]struct{}, len(level.Approvers))
		for _, a := range level.Approvers {
			if a == "" {
				return errors.InvalidInput("approval_matrix", fmt.Sprintf("level %d has an empty approver id", i+1))
			}
			if _, dup := seen[a]; dup {
				return errors.InvalidInput("approval_matrix", fmt.Sprintf("level %d lists approver %s twice", i+1, a))
			}
			seen[a] = struct{}{}
		}
		if level.Required < 1 || level.Required > len(level.Approvers) {
			return errors.InvalidInput("approval_matrix",
				fmt.Sprintf("level %d requires %d of %d approvers", i+1, level.Required, len(level.Approvers)))
		}
	}
	if r.EscalationDays < 0 {
		return errors.InvalidInput("escalation_days", "must not be negative")
	}
	return nil
}

// RepeatedApprovers returns the approvers listed on more than one level, in
// matrix order. Approval rows are looked up per (workflow, approver), so such
// an approver only ever acts on their first level.
func (r *WorkflowRule) RepeatedApprovers() []string {
	levels := make(map[string]int)
	var out []string
	for _, level := range r.ApprovalMatrix {
		for _, a := range level.Approvers {
			levels[a]++
			if levels[a] == 2 {
				out = append(out, a)
			}
		}
	}
	return out
}

// ── Workflow instances ───────────────────────────────────────────────────────

// Workflow is one instance of an approval process.
type Workflow struct {
	ID                string
	Type              WorkflowType
	EntityID          string
	EntityType        string
	OrganizationID    string
	InitiatorID       string
	Status            WorkflowStatus
	CurrentLevel      int
	MaxLevel          int
	RequiredApprovals int // advisory; rejection ignores it
	Data              map[string]any
	Priority          string
	DueDate           *time.Time
	Version           int // bumped on every state transition
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// WorkflowApproval is one approver's row for one level of a workflow.
type WorkflowApproval struct {
	ID          string
	WorkflowID  string
	ApproverID  string
	Level       int
	Action      ApprovalAction
	Comments    *string
	ApprovedAt  *time.Time // when the action was recorded
	DelegatedTo *string
	DelegatedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsOpen reports whether the approver has not acted yet.
func (a *WorkflowApproval) IsOpen() bool {
	return a.Action == ApprovalActionUnset
}

// WorkflowNotification is a fire-once outbound message record.
type WorkflowNotification struct {
	ID             string
	WorkflowID     string
	RecipientID    string
	Type           NotificationType
	Title          string
	Message        string
	IsRead         bool
	ReadAt         *time.Time
	ActionRequired bool
	ActionURL      *string
	CreatedAt      time.Time
}
