package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// RejectionPolicy decides what a reject action does to a workflow.
type RejectionPolicy string

// RejectionTerminatesWorkflow ends the whole workflow on the first reject at
// any level. RequiredApprovals is not consulted.
const RejectionTerminatesWorkflow RejectionPolicy = "terminate_on_first_reject"

const defaultPriority = "normal"

// CreateWorkflowRequest carries the inputs of CreateWorkflow. ID is
// caller-generated; a UUID is assigned when it is empty.
type CreateWorkflowRequest struct {
	ID             string
	Type           repository.WorkflowType
	EntityID       string
	EntityType     string
	OrganizationID string
	InitiatorID    string
	Data           map[string]any
	Priority       string
	DueDate        *time.Time
}

// UserWorkflows partitions an organization's workflows for one user.
type UserWorkflows struct {
	Initiated       []*repository.Workflow
	PendingApproval []*repository.Workflow
}

// WorkflowService is the approval state machine. Level transitions are
// conditional writes on (status, current_level), so concurrent approvers
// completing the same level produce exactly one transition.
type WorkflowService struct {
	rules     *RuleResolver
	workflows WorkflowStore
	ledger    *ApprovalLedger
	notifier  *Notifier
	clock     Clock
	tracer    trace.Tracer
	log       *logger.Logger
}

// NewWorkflowService creates a new WorkflowService.
func NewWorkflowService(
	rules *RuleResolver,
	workflows WorkflowStore,
	ledger *ApprovalLedger,
	notifier *Notifier,
	clock Clock,
	log *logger.Logger,
) *WorkflowService {
	return &WorkflowService{
		rules:     rules,
		workflows: workflows,
		ledger:    ledger,
		notifier:  notifier,
		clock:     clock,
		tracer:    otel.Tracer("be-plt-workflows/service"),
		log:       log.Component("workflow_service"),
	}
}

// ── Creation ─────────────────────────────────────────────────────────────────

// CreateWorkflow resolves the active rule, then either auto-approves the
// workflow or opens level 1. The workflow row and its level-1 approval rows
// are written in one store call; nothing is written when no rule is active.
func (s *WorkflowService) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (wf *repository.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.CreateWorkflow", trace.WithAttributes(
		attribute.String("workflow.type", string(req.Type)),
		attribute.String("organization.id", req.OrganizationID),
	))
	defer func() { endSpan(span, err) }()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	rule, err := s.rules.ResolveRule(ctx, req.OrganizationID, req.Type)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	first, _ := rule.Level(1)

	wf = &repository.Workflow{
		ID:                req.ID,
		Type:              req.Type,
		EntityID:          req.EntityID,
		EntityType:        req.EntityType,
		OrganizationID:    req.OrganizationID,
		InitiatorID:       req.InitiatorID,
		Status:            repository.WorkflowStatusPending,
		CurrentLevel:      1,
		MaxLevel:          len(rule.ApprovalMatrix),
		RequiredApprovals: first.Required,
		Data:              req.Data,
		Priority:          req.Priority,
		DueDate:           req.DueDate,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Priority == "" {
		wf.Priority = defaultPriority
	}

	amount, hasAmount := amountOf(req.Data)
	autoApproved := rule.AutoApproveBelow != nil && hasAmount && amount < *rule.AutoApproveBelow

	var approvals []*repository.WorkflowApproval
	if autoApproved {
		wf.Status = repository.WorkflowStatusApproved
		wf.CompletedAt = &now
	} else {
		approvals = s.ledger.OpenLevel(wf.ID, 1, first)
	}

	if err := s.workflows.Create(ctx, wf, approvals); err != nil {
		return nil, err
	}

	if autoApproved {
		metrics.WorkflowsCreated.WithLabelValues(string(wf.Type), "auto_approved").Inc()
		s.notify(ctx, NotifyRequest{
			WorkflowID:  wf.ID,
			RecipientID: wf.InitiatorID,
			Type:        repository.NotificationStatusChange,
			Title:       "Workflow auto-approved",
			Message: fmt.Sprintf("Your %s request was approved automatically (amount %s below threshold %s).",
				humanType(wf.Type), formatAmount(amount), formatAmount(*rule.AutoApproveBelow)),
		})
	} else {
		metrics.WorkflowsCreated.WithLabelValues(string(wf.Type), "pending").Inc()
		s.notifyLevel(ctx, wf, first)
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("type", string(wf.Type)).
		Str("organization_id", wf.OrganizationID).
		Str("status", string(wf.Status)).
		Int("max_level", wf.MaxLevel).
		Msg("Workflow created")

	return wf, nil
}

func validateCreate(req CreateWorkflowRequest) error {
	switch {
	case req.Type == "":
		return errors.InvalidInput("type", "is required")
	case !req.Type.IsValid():
		return errors.InvalidInput("type", fmt.Sprintf("unknown workflow type %q", req.Type))
	case req.OrganizationID == "":
		return errors.InvalidInput("organization_id", "is required")
	case req.InitiatorID == "":
		return errors.InvalidInput("initiator_id", "is required")
	case req.EntityID == "":
		return errors.InvalidInput("entity_id", "is required")
	}
	return nil
}

// ── Approval processing ──────────────────────────────────────────────────────

// ProcessApproval records an approver's action and applies its transition.
// A reject ends the workflow (RejectionTerminatesWorkflow). An approve that
// completes the current level advances it or finalizes the workflow. A
// request for information only notifies the initiator and leaves the row
// open for a later decision.
func (s *WorkflowService) ProcessApproval(
	ctx context.Context,
	workflowID, approverID string,
	action repository.ApprovalAction,
	comments *string,
) (wf *repository.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.ProcessApproval", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("approval.action", string(action)),
	))
	defer func() { endSpan(span, err) }()

	if !action.IsValid() {
		return nil, errors.InvalidInput("action", fmt.Sprintf("unknown approval action %q", action))
	}

	wf, err = s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Status.IsOpen() {
		return nil, ErrInvalidState.WithMessage("workflow %s is %s", wf.ID, wf.Status)
	}

	row, err := s.ledger.FindForApprover(ctx, workflowID, approverID)
	if err != nil {
		return nil, err
	}

	// Approved rows and rows of passed levels are final. Repeating an
	// approve is a no-op apart from re-checking the current level.
	if row.Action == repository.ApprovalActionApprove || row.Level < wf.CurrentLevel {
		if action != repository.ApprovalActionApprove {
			return nil, ErrInvalidState.WithMessage(
				"approval of %s at level %d on workflow %s is closed", approverID, row.Level, wf.ID)
		}
		if row.Level == wf.CurrentLevel {
			return s.evaluateLevel(ctx, wf)
		}
		return wf, nil
	}

	if err := s.ledger.Record(ctx, row, action, comments); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("approver_id", approverID).
		Str("action", string(action)).
		Int("level", row.Level).
		Msg("Approval action recorded")

	switch action {
	case repository.ApprovalActionReject:
		return s.reject(ctx, wf, approverID, comments)
	case repository.ApprovalActionApprove:
		return s.evaluateLevel(ctx, wf)
	default:
		s.requestInfo(ctx, wf, approverID, comments)
		return wf, nil
	}
}

func (s *WorkflowService) reject(ctx context.Context, wf *repository.Workflow, approverID string, comments *string) (*repository.Workflow, error) {
	now := s.clock.Now()
	ok, err := s.workflows.Finalize(ctx, wf.ID, 0, repository.WorkflowStatusRejected, now, &now)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.TransitionConflicts.Inc()
		current, err := s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		return nil, ErrInvalidState.WithMessage("workflow %s is %s", current.ID, current.Status)
	}

	updated, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	metrics.WorkflowTransitions.WithLabelValues(string(updated.Status)).Inc()

	reason := "No reason given."
	if comments != nil && strings.TrimSpace(*comments) != "" {
		reason = *comments
	}
	s.notify(ctx, NotifyRequest{
		WorkflowID:  updated.ID,
		RecipientID: updated.InitiatorID,
		Type:        repository.NotificationStatusChange,
		Title:       "Workflow rejected",
		Message: fmt.Sprintf("Your %s request was rejected by %s at level %d: %s",
			humanType(updated.Type), approverID, updated.CurrentLevel, reason),
	})
	s.notifier.PushUpdate(ctx, updated)

	s.log.Info().
		Str("workflow_id", updated.ID).
		Str("rejected_by", approverID).
		Int("level", updated.CurrentLevel).
		Msg("Workflow rejected")
	return updated, nil
}

// evaluateLevel advances or finalizes the workflow when every approver of its
// current level has approved. A writer that loses the conditional transition
// returns the workflow as the winner left it and sends nothing.
func (s *WorkflowService) evaluateLevel(ctx context.Context, wf *repository.Workflow) (*repository.Workflow, error) {
	level := wf.CurrentLevel
	complete, err := s.ledger.LevelComplete(ctx, wf.ID, level)
	if err != nil {
		return nil, err
	}
	if !complete {
		return wf, nil
	}

	now := s.clock.Now()

	if level < wf.MaxLevel {
		rule, err := s.rules.ResolveRule(ctx, wf.OrganizationID, wf.Type)
		if err != nil {
			return nil, err
		}
		next, ok := rule.Level(level + 1)
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInternal,
				"active %s rule has no level %d for workflow %s", wf.Type, level+1, wf.ID)
		}

		rows := s.ledger.OpenLevel(wf.ID, level+1, next)
		advanced, err := s.workflows.AdvanceLevel(ctx, wf.ID, level, now, rows)
		if err != nil {
			return nil, err
		}
		if !advanced {
			return s.lostTransition(ctx, wf.ID, level)
		}

		updated, err := s.GetWorkflow(ctx, wf.ID)
		if err != nil {
			return nil, err
		}
		metrics.WorkflowTransitions.WithLabelValues(string(updated.Status)).Inc()
		s.notifyLevel(ctx, updated, next)
		s.notifier.PushUpdate(ctx, updated)

		s.log.Info().
			Str("workflow_id", updated.ID).
			Int("level", updated.CurrentLevel).
			Int("max_level", updated.MaxLevel).
			Msg("Workflow advanced to next level")
		return updated, nil
	}

	finalized, err := s.workflows.Finalize(ctx, wf.ID, level, repository.WorkflowStatusApproved, now, &now)
	if err != nil {
		return nil, err
	}
	if !finalized {
		return s.lostTransition(ctx, wf.ID, level)
	}

	updated, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	metrics.WorkflowTransitions.WithLabelValues(string(updated.Status)).Inc()
	s.notify(ctx, NotifyRequest{
		WorkflowID:  updated.ID,
		RecipientID: updated.InitiatorID,
		Type:        repository.NotificationStatusChange,
		Title:       "Workflow approved",
		Message:     fmt.Sprintf("Your %s request has been fully approved.", humanType(updated.Type)),
	})
	s.notifier.PushUpdate(ctx, updated)

	s.log.Info().Str("workflow_id", updated.ID).Msg("Workflow approved")
	return updated, nil
}

func (s *WorkflowService) lostTransition(ctx context.Context, workflowID string, level int) (*repository.Workflow, error) {
	metrics.TransitionConflicts.Inc()
	s.log.Debug().
		Str("workflow_id", workflowID).
		Int("level", level).
		Msg("Level transition already applied by another writer")
	return s.GetWorkflow(ctx, workflowID)
}

func (s *WorkflowService) requestInfo(ctx context.Context, wf *repository.Workflow, approverID string, comments *string) {
	msg := fmt.Sprintf("%s needs more information on your %s request.", approverID, humanType(wf.Type))
	if comments != nil && strings.TrimSpace(*comments) != "" {
		msg += " " + *comments
	}
	s.notify(ctx, NotifyRequest{
		WorkflowID:     wf.ID,
		RecipientID:    wf.InitiatorID,
		Type:           repository.NotificationStatusChange,
		Title:          "Information requested",
		Message:        msg,
		ActionRequired: true,
		ActionURL:      workflowURL(wf.ID),
	})
}

// ── Cancellation and delegation ──────────────────────────────────────────────

// CancelWorkflow lets the initiator withdraw an open workflow.
func (s *WorkflowService) CancelWorkflow(ctx context.Context, workflowID, requestedBy string) (wf *repository.Workflow, err error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.CancelWorkflow",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer func() { endSpan(span, err) }()

	wf, err = s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.InitiatorID != requestedBy {
		return nil, ErrNotInitiator.WithMessage("only the initiator can cancel workflow %s", wf.ID)
	}
	if !wf.Status.IsOpen() {
		return nil, ErrInvalidState.WithMessage("workflow %s cannot be cancelled from status %s", wf.ID, wf.Status)
	}

	ok, err := s.workflows.Finalize(ctx, wf.ID, 0, repository.WorkflowStatusCancelled, s.clock.Now(), nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		metrics.TransitionConflicts.Inc()
		return nil, ErrInvalidState.WithMessage("workflow %s is no longer open", wf.ID)
	}

	updated, err := s.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	metrics.WorkflowTransitions.WithLabelValues(string(updated.Status)).Inc()
	s.notifier.PushUpdate(ctx, updated)

	s.log.Info().Str("workflow_id", updated.ID).Str("cancelled_by", requestedBy).Msg("Workflow cancelled")
	return updated, nil
}

// DelegateApproval hands approverID's open row on a workflow to delegateTo.
// The delegate can then act with their own id.
func (s *WorkflowService) DelegateApproval(ctx context.Context, workflowID, approverID, delegateTo string) (row *repository.WorkflowApproval, err error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.DelegateApproval",
		trace.WithAttributes(attribute.String("workflow.id", workflowID)))
	defer func() { endSpan(span, err) }()

	if delegateTo == "" {
		return nil, errors.InvalidInput("delegate_to", "is required")
	}
	if delegateTo == approverID {
		return nil, errors.InvalidInput("delegate_to", "cannot delegate to yourself")
	}

	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Status.IsOpen() {
		return nil, ErrInvalidState.WithMessage("workflow %s is %s", wf.ID, wf.Status)
	}

	row, err = s.ledger.FindForApprover(ctx, workflowID, approverID)
	if err != nil {
		return nil, err
	}
	if !row.IsOpen() {
		return nil, ErrInvalidState.WithMessage("approval of %s on workflow %s was already acted on", approverID, wf.ID)
	}
	if err := s.ledger.Delegate(ctx, row, delegateTo); err != nil {
		return nil, err
	}

	s.notify(ctx, NotifyRequest{
		WorkflowID:     wf.ID,
		RecipientID:    delegateTo,
		Type:           repository.NotificationApprovalRequired,
		Title:          "Approval delegated to you",
		Message:        fmt.Sprintf("%s delegated a %s approval (level %d) to you.", approverID, humanType(wf.Type), row.Level),
		ActionRequired: true,
		ActionURL:      workflowURL(wf.ID),
	})

	s.log.Info().
		Str("workflow_id", wf.ID).
		Str("approver_id", approverID).
		Str("delegated_to", delegateTo).
		Msg("Approval delegated")
	return row, nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetWorkflow returns a workflow or ErrWorkflowNotFound.
func (s *WorkflowService) GetWorkflow(ctx context.Context, workflowID string) (*repository.Workflow, error) {
	wf, err := s.workflows.GetByID(ctx, workflowID)
	if err != nil {
		if errors.IsCode(err, errors.ErrCodeNotFound) {
			return nil, ErrWorkflowNotFound.WithMessage("workflow %s not found", workflowID)
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflowApprovals returns every approval row of a workflow.
func (s *WorkflowService) ListWorkflowApprovals(ctx context.Context, workflowID string) ([]*repository.WorkflowApproval, error) {
	if _, err := s.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	return s.ledger.List(ctx, workflowID)
}

// GetUserWorkflows returns the workflows a user initiated and the pending
// workflows awaiting their action, within one organization. A workflow can
// appear in both lists.
func (s *WorkflowService) GetUserWorkflows(ctx context.Context, userID, organizationID string) (out *UserWorkflows, err error) {
	ctx, span := s.tracer.Start(ctx, "WorkflowService.GetUserWorkflows")
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, errors.InvalidInput("user_id", "is required")
	}
	if organizationID == "" {
		return nil, errors.InvalidInput("organization_id", "is required")
	}

	initiated, err := s.workflows.ListByInitiator(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}
	pending, err := s.workflows.ListPendingForApprover(ctx, organizationID, userID)
	if err != nil {
		return nil, err
	}
	return &UserWorkflows{Initiated: initiated, PendingApproval: pending}, nil
}

// ListNotifications returns a user's notifications, newest first.
func (s *WorkflowService) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]*repository.WorkflowNotification, error) {
	return s.notifier.ListNotifications(ctx, userID, unreadOnly)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// notifyLevel tells every approver of a newly opened level that their
// approval is required.
func (s *WorkflowService) notifyLevel(ctx context.Context, wf *repository.Workflow, level repository.ApprovalLevel) {
	err := s.notifier.NotifyAll(ctx, level.Approvers, NotifyRequest{
		WorkflowID:     wf.ID,
		Type:           repository.NotificationApprovalRequired,
		Title:          "Approval required",
		Message:        fmt.Sprintf("A %s request needs your approval (level %d of %d).", humanType(wf.Type), wf.CurrentLevel, wf.MaxLevel),
		ActionRequired: true,
		ActionURL:      workflowURL(wf.ID),
	})
	if err != nil {
		s.log.Error().Err(err).
			Str("workflow_id", wf.ID).
			Int("level", wf.CurrentLevel).
			Msg("Failed to notify approvers")
	}
}

// notify writes a notification after a transition has been committed. A
// failure is logged rather than returned; the transition stands.
func (s *WorkflowService) notify(ctx context.Context, req NotifyRequest) {
	if _, err := s.notifier.Notify(ctx, req); err != nil {
		s.log.Error().Err(err).
			Str("workflow_id", req.WorkflowID).
			Str("recipient_id", req.RecipientID).
			Str("type", string(req.Type)).
			Msg("Failed to send notification")
	}
}

// amountOf reads data["amount"] as a number. JSON numbers, Go numeric types
// and numeric strings are accepted.
func amountOf(data map[string]any) (float64, bool) {
	raw, ok := data["amount"]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func humanType(t repository.WorkflowType) string {
	return strings.ReplaceAll(string(t), "_", " ")
}

func workflowURL(workflowID string) *string {
	u := "/workflows/" + workflowID
	return &u
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
