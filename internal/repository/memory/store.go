// Package memory is an in-process implementation of the workflow stores. It
// honours the same contracts as the Postgres repositories, including the
// conditional level transitions, and backs local runs and service tests.
package memory

import (
	"cmp"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// Store holds every table behind one lock.
type Store struct {
	mu            sync.RWMutex
	rules         *table[string, repository.WorkflowRule]
	workflows     *table[string, repository.Workflow]
	approvals     *table[string, repository.WorkflowApproval]
	notifications *table[string, repository.WorkflowNotification]
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		rules:         newTable(func(r *repository.WorkflowRule) string { return r.ID }, cloneRule),
		workflows:     newTable(func(w *repository.Workflow) string { return w.ID }, cloneWorkflow),
		approvals:     newTable(func(a *repository.WorkflowApproval) string { return a.ID }, cloneApproval),
		notifications: newTable(func(n *repository.WorkflowNotification) string { return n.ID }, cloneNotification),
	}
}

func (s *Store) Rules() *RuleStore                 { return &RuleStore{s: s} }
func (s *Store) Workflows() *WorkflowStore         { return &WorkflowStore{s: s} }
func (s *Store) Approvals() *ApprovalStore         { return &ApprovalStore{s: s} }
func (s *Store) Notifications() *NotificationStore { return &NotificationStore{s: s} }

// ── rules ────────────────────────────────────────────────────────────────────

// RuleStore is the workflow_rules view of a Store.
type RuleStore struct{ s *Store }

func (r *RuleStore) GetActiveRule(_ context.Context, organizationID string, wfType repository.WorkflowType) (*repository.WorkflowRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	found := r.s.rules.filter(func(rule *repository.WorkflowRule) bool {
		return rule.IsActive && rule.OrganizationID == organizationID && rule.Type == wfType
	}, nil)
	if len(found) == 0 {
		return nil, errors.NotFound("workflow_rule", organizationID+"/"+string(wfType))
	}
	return found[0], nil
}

func (r *RuleStore) List(_ context.Context, organizationID string, activeOnly bool) ([]*repository.WorkflowRule, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.s.rules.filter(func(rule *repository.WorkflowRule) bool {
		return rule.OrganizationID == organizationID && (!activeOnly || rule.IsActive)
	}, func(a, b *repository.WorkflowRule) int {
		if c := byString(string(a.Type), string(b.Type)); c != 0 {
			return c
		}
		return b.UpdatedAt.Compare(a.UpdatedAt)
	}), nil
}

// ReplaceActive deactivates the current rule for the same organization and
// type and stores rule as the active one.
func (r *RuleStore) ReplaceActive(_ context.Context, rule *repository.WorkflowRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.IsActive = true
	rule.CreatedAt = now
	rule.UpdatedAt = now

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.rules.records {
		if existing.IsActive && existing.OrganizationID == rule.OrganizationID && existing.Type == rule.Type {
			existing.IsActive = false
			existing.UpdatedAt = now
		}
	}
	r.s.rules.save(rule)
	return nil
}

// ── workflows ────────────────────────────────────────────────────────────────

// WorkflowStore is the workflows view of a Store.
type WorkflowStore struct{ s *Store }

func (w *WorkflowStore) Create(_ context.Context, wf *repository.Workflow, approvals []*repository.WorkflowApproval) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if w.s.workflows.has(wf.ID) {
		return errors.Newf(errors.ErrCodeConflict, "workflow %s already exists", wf.ID)
	}
	if err := w.s.checkApprovals(approvals); err != nil {
		return err
	}
	w.s.workflows.save(wf)
	for _, a := range approvals {
		w.s.approvals.save(a)
	}
	return nil
}

func (w *WorkflowStore) GetByID(_ context.Context, id string) (*repository.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	wf := w.s.workflows.load(id)
	if wf == nil {
		return nil, errors.NotFound("workflow", id)
	}
	return wf, nil
}

func (w *WorkflowStore) ListByInitiator(_ context.Context, organizationID, userID string) ([]*repository.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	return w.s.workflows.filter(func(wf *repository.Workflow) bool {
		return wf.OrganizationID == organizationID && wf.InitiatorID == userID
	}, newestFirst), nil
}

func (w *WorkflowStore) ListPendingForApprover(_ context.Context, organizationID, userID string) ([]*repository.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	open := make(map[string]bool)
	for _, a := range w.s.approvals.records {
		if a.IsOpen() && (a.ApproverID == userID || (a.DelegatedTo != nil && *a.DelegatedTo == userID)) {
			open[a.WorkflowID] = true
		}
	}
	return w.s.workflows.filter(func(wf *repository.Workflow) bool {
		return wf.OrganizationID == organizationID &&
			wf.Status == repository.WorkflowStatusPending &&
			open[wf.ID]
	}, oldestFirst), nil
}

func (w *WorkflowStore) ListByStatus(_ context.Context, status repository.WorkflowStatus) ([]*repository.Workflow, error) {
	w.s.mu.RLock()
	defer w.s.mu.RUnlock()

	return w.s.workflows.filter(func(wf *repository.Workflow) bool {
		return wf.Status == status
	}, oldestFirst), nil
}

// AdvanceLevel moves the workflow from fromLevel to fromLevel+1 and stores the
// next level's approvals, or reports false when the workflow has moved on.
func (w *WorkflowStore) AdvanceLevel(_ context.Context, id string, fromLevel int, at time.Time, approvals []*repository.WorkflowApproval) (bool, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	wf := w.s.workflows.ref(id)
	if wf == nil || !wf.Status.IsOpen() || wf.CurrentLevel != fromLevel || wf.CurrentLevel >= wf.MaxLevel {
		return false, nil
	}
	if err := w.s.checkApprovals(approvals); err != nil {
		return false, err
	}

	wf.CurrentLevel++
	wf.Status = repository.WorkflowStatusInProgress
	wf.Version++
	wf.UpdatedAt = at
	for _, a := range approvals {
		w.s.approvals.save(a)
	}
	return true, nil
}

// Finalize moves an open workflow to a terminal status. A positive
// expectLevel also requires the workflow to still be at that level.
func (w *WorkflowStore) Finalize(_ context.Context, id string, expectLevel int, status repository.WorkflowStatus, at time.Time, completedAt *time.Time) (bool, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	wf := w.s.workflows.ref(id)
	if wf == nil || !wf.Status.IsOpen() || (expectLevel != 0 && wf.CurrentLevel != expectLevel) {
		return false, nil
	}

	wf.Status = status
	wf.CompletedAt = completedAt
	wf.Version++
	wf.UpdatedAt = at
	return true, nil
}

// checkApprovals enforces the (workflow, approver, level) uniqueness the
// Postgres schema declares. Callers hold the write lock.
func (s *Store) checkApprovals(approvals []*repository.WorkflowApproval) error {
	type key struct {
		workflowID, approverID string
		level                  int
	}
	seen := make(map[key]bool, len(s.approvals.records)+len(approvals))
	for _, a := range s.approvals.records {
		seen[key{a.WorkflowID, a.ApproverID, a.Level}] = true
	}
	for _, a := range approvals {
		k := key{a.WorkflowID, a.ApproverID, a.Level}
		if seen[k] || s.approvals.has(a.ID) {
			return errors.Newf(errors.ErrCodeConflict,
				"approval for %s at level %d already exists on workflow %s", a.ApproverID, a.Level, a.WorkflowID)
		}
		seen[k] = true
	}
	return nil
}

// ── approvals ────────────────────────────────────────────────────────────────

// ApprovalStore is the workflow_approvals view of a Store.
type ApprovalStore struct{ s *Store }

// FindForApprover prefers rows assigned directly to approverID over delegated
// ones, and the earliest level among those.
func (a *ApprovalStore) FindForApprover(_ context.Context, workflowID, approverID string) (*repository.WorkflowApproval, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	rows := a.s.approvals.filter(func(row *repository.WorkflowApproval) bool {
		if row.WorkflowID != workflowID {
			return false
		}
		return row.ApproverID == approverID || (row.DelegatedTo != nil && *row.DelegatedTo == approverID)
	}, func(x, y *repository.WorkflowApproval) int {
		xd, yd := x.ApproverID == approverID, y.ApproverID == approverID
		if xd != yd {
			if xd {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(x.Level, y.Level); c != 0 {
			return c
		}
		return x.CreatedAt.Compare(y.CreatedAt)
	})
	if len(rows) == 0 {
		return nil, errors.NotFound("workflow_approval", workflowID+"/"+approverID)
	}
	return rows[0], nil
}

func (a *ApprovalStore) ListByLevel(_ context.Context, workflowID string, level int) ([]*repository.WorkflowApproval, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	return a.s.approvals.filter(func(row *repository.WorkflowApproval) bool {
		return row.WorkflowID == workflowID && row.Level == level
	}, byLevel), nil
}

func (a *ApprovalStore) ListByWorkflow(_ context.Context, workflowID string) ([]*repository.WorkflowApproval, error) {
	a.s.mu.RLock()
	defer a.s.mu.RUnlock()

	return a.s.approvals.filter(func(row *repository.WorkflowApproval) bool {
		return row.WorkflowID == workflowID
	}, byLevel), nil
}

func (a *ApprovalStore) RecordAction(_ context.Context, id string, action repository.ApprovalAction, comments *string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	row := a.s.approvals.ref(id)
	if row == nil {
		return errors.NotFound("workflow_approval", id)
	}
	row.Action = action
	row.Comments = comments
	row.ApprovedAt = &at
	row.UpdatedAt = at
	return nil
}

func (a *ApprovalStore) Delegate(_ context.Context, id, delegateTo string, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	row := a.s.approvals.ref(id)
	if row == nil || !row.IsOpen() {
		return errors.New(errors.ErrCodeConflict, "approval not found or already acted on")
	}
	row.DelegatedTo = &delegateTo
	row.DelegatedAt = &at
	row.UpdatedAt = at
	return nil
}

// ── notifications ────────────────────────────────────────────────────────────

// NotificationStore is the workflow_notifications view of a Store.
type NotificationStore struct{ s *Store }

func (n *NotificationStore) Create(_ context.Context, notification *repository.WorkflowNotification) error {
	n.s.mu.Lock()
	defer n.s.mu.Unlock()

	if n.s.notifications.has(notification.ID) {
		return errors.Newf(errors.ErrCodeConflict, "notification %s already exists", notification.ID)
	}
	n.s.notifications.save(notification)
	return nil
}

func (n *NotificationStore) ListForRecipient(_ context.Context, recipientID string, unreadOnly bool) ([]*repository.WorkflowNotification, error) {
	n.s.mu.RLock()
	defer n.s.mu.RUnlock()

	return n.s.notifications.filter(func(row *repository.WorkflowNotification) bool {
		return row.RecipientID == recipientID && (!unreadOnly || !row.IsRead)
	}, func(x, y *repository.WorkflowNotification) int {
		if c := y.CreatedAt.Compare(x.CreatedAt); c != 0 {
			return c
		}
		return byString(x.ID, y.ID)
	}), nil
}

// ── ordering ─────────────────────────────────────────────────────────────────

func oldestFirst(a, b *repository.Workflow) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return byString(a.ID, b.ID)
}

func newestFirst(a, b *repository.Workflow) int {
	return oldestFirst(b, a)
}

func byLevel(a, b *repository.WorkflowApproval) int {
	if c := cmp.Compare(a.Level, b.Level); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return byString(a.ApproverID, b.ApproverID)
}
