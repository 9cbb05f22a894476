package handler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/service"
)

// GRPCHandler implements the WorkflowService gRPC interface
type GRPCHandler struct {
	workflows *service.WorkflowService
	logger    zerolog.Logger
}

var _ WorkflowServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(workflows *service.WorkflowService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		workflows: workflows,
		logger:    logger.With().Str("handler", "grpc").Logger(),
	}
}

// CreateWorkflow starts a workflow for a business entity
func (h *GRPCHandler) CreateWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h.logger.Info().
		Str("organization_id", str(req, "organizationId")).
		Str("type", str(req, "type")).
		Str("entity_id", str(req, "entityId")).
		Msg("gRPC CreateWorkflow called")

	serviceReq := service.CreateWorkflowRequest{
		ID:             str(req, "id"),
		Type:           repository.WorkflowType(str(req, "type")),
		EntityID:       str(req, "entityId"),
		EntityType:     str(req, "entityType"),
		OrganizationID: str(req, "organizationId"),
		InitiatorID:    str(req, "initiatorId"),
		Priority:       str(req, "priority"),
	}
	if data := req.GetFields()["data"].GetStructValue(); data != nil {
		serviceReq.Data = data.AsMap()
	}
	if due := str(req, "dueDate"); due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "dueDate: %v", err)
		}
		serviceReq.DueDate = &t
	}

	wf, err := h.workflows.CreateWorkflow(ctx, serviceReq)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to create workflow")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"workflow": workflowToMap(wf)})
}

// ProcessApproval records an approver's decision
func (h *GRPCHandler) ProcessApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	workflowID := str(req, "workflowId")
	approverID := str(req, "approverId")
	action := repository.ApprovalAction(str(req, "action"))

	h.logger.Info().
		Str("workflow_id", workflowID).
		Str("approver_id", approverID).
		Str("action", string(action)).
		Msg("gRPC ProcessApproval called")

	wf, err := h.workflows.ProcessApproval(ctx, workflowID, approverID, action, optStr(req, "comments"))
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to process approval")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"workflow": workflowToMap(wf)})
}

// GetUserWorkflows returns the workflows a user started and those awaiting them
func (h *GRPCHandler) GetUserWorkflows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := str(req, "userId")
	orgID := str(req, "organizationId")

	h.logger.Info().
		Str("user_id", userID).
		Str("organization_id", orgID).
		Msg("gRPC GetUserWorkflows called")

	out, err := h.workflows.GetUserWorkflows(ctx, userID, orgID)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to get user workflows")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{
		"initiated":       workflowsToList(out.Initiated),
		"pendingApproval": workflowsToList(out.PendingApproval),
	})
}

// CancelWorkflow cancels an open workflow on behalf of its initiator
func (h *GRPCHandler) CancelWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	workflowID := str(req, "workflowId")
	requestedBy := str(req, "requestedBy")

	h.logger.Info().
		Str("workflow_id", workflowID).
		Str("requested_by", requestedBy).
		Msg("gRPC CancelWorkflow called")

	wf, err := h.workflows.CancelWorkflow(ctx, workflowID, requestedBy)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to cancel workflow")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"workflow": workflowToMap(wf)})
}

// DelegateApproval hands an approver's open row to someone else
func (h *GRPCHandler) DelegateApproval(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	workflowID := str(req, "workflowId")
	approverID := str(req, "approverId")
	delegateTo := str(req, "delegateTo")

	h.logger.Info().
		Str("workflow_id", workflowID).
		Str("approver_id", approverID).
		Str("delegate_to", delegateTo).
		Msg("gRPC DelegateApproval called")

	row, err := h.workflows.DelegateApproval(ctx, workflowID, approverID, delegateTo)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to delegate approval")
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(map[string]any{"approval": approvalToMap(row)})
}

// GetWorkflow returns a workflow with its approval rows
func (h *GRPCHandler) GetWorkflow(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	workflowID := str(req, "workflowId")

	wf, err := h.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to get workflow")
		return nil, mapErrorToGRPC(err)
	}
	rows, err := h.workflows.ListWorkflowApprovals(ctx, workflowID)
	if err != nil {
		h.logger.Error().Err(err).Str("workflow_id", workflowID).Msg("Failed to list approvals")
		return nil, mapErrorToGRPC(err)
	}

	approvals := make([]any, 0, len(rows))
	for _, row := range rows {
		approvals = append(approvals, approvalToMap(row))
	}
	return toStruct(map[string]any{
		"workflow":  workflowToMap(wf),
		"approvals": approvals,
	})
}

// ListNotifications returns a user's notifications, newest first
func (h *GRPCHandler) ListNotifications(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := str(req, "userId")
	unreadOnly := req.GetFields()["unreadOnly"].GetBoolValue()

	rows, err := h.workflows.ListNotifications(ctx, userID, unreadOnly)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to list notifications")
		return nil, mapErrorToGRPC(err)
	}

	out := make([]any, 0, len(rows))
	for _, n := range rows {
		out = append(out, notificationToMap(n))
	}
	return toStruct(map[string]any{"notifications": out})
}

// ── Conversion ───────────────────────────────────────────────────────────────

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func optStr(s *structpb.Struct, key string) *string {
	v := str(s, key)
	if v == "" {
		return nil
	}
	return &v
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func timeValue(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func strValue(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func workflowToMap(wf *repository.Workflow) map[string]any {
	return map[string]any{
		"id":                wf.ID,
		"type":              string(wf.Type),
		"entityId":          wf.EntityID,
		"entityType":        wf.EntityType,
		"organizationId":    wf.OrganizationID,
		"initiatorId":       wf.InitiatorID,
		"status":            string(wf.Status),
		"currentLevel":      wf.CurrentLevel,
		"maxLevel":          wf.MaxLevel,
		"requiredApprovals": wf.RequiredApprovals,
		"data":              jsonSafe(wf.Data),
		"priority":          wf.Priority,
		"dueDate":           timeValue(wf.DueDate),
		"version":           wf.Version,
		"createdAt":         timeValue(&wf.CreatedAt),
		"updatedAt":         timeValue(&wf.UpdatedAt),
		"completedAt":       timeValue(wf.CompletedAt),
	}
}

func workflowsToList(wfs []*repository.Workflow) []any {
	out := make([]any, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, workflowToMap(wf))
	}
	return out
}

func approvalToMap(a *repository.WorkflowApproval) map[string]any {
	return map[string]any{
		"id":          a.ID,
		"workflowId":  a.WorkflowID,
		"approverId":  a.ApproverID,
		"level":       a.Level,
		"action":      string(a.Action),
		"comments":    strValue(a.Comments),
		"approvedAt":  timeValue(a.ApprovedAt),
		"delegatedTo": strValue(a.DelegatedTo),
		"delegatedAt": timeValue(a.DelegatedAt),
		"createdAt":   timeValue(&a.CreatedAt),
	}
}

func notificationToMap(n *repository.WorkflowNotification) map[string]any {
	return map[string]any{
		"id":             n.ID,
		"workflowId":     n.WorkflowID,
		"recipientId":    n.RecipientID,
		"type":           string(n.Type),
		"title":          n.Title,
		"message":        n.Message,
		"isRead":         n.IsRead,
		"readAt":         timeValue(n.ReadAt),
		"actionRequired": n.ActionRequired,
		"actionUrl":      strValue(n.ActionURL),
		"createdAt":      timeValue(&n.CreatedAt),
	}
}

// jsonSafe converts workflow data into values structpb accepts. Values of
// other types are dropped.
func jsonSafe(v any) any {
	switch x := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = jsonSafe(item)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}

func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}

	switch errors.Code(err) {
	case errors.ErrCodeNotFound:
		return status.Error(codes.NotFound, err.Error())
	case errors.ErrCodeConflict:
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.ErrCodeInvalidInput:
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.ErrCodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.ErrCodeUnauthorized:
		return status.Error(codes.Unauthenticated, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
