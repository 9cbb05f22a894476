package service

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/metrics"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
)

// maxNotifyFanout bounds concurrent notification writes in NotifyAll.
const maxNotifyFanout = 8

// NotifyRequest describes one notification to persist and push.
type NotifyRequest struct {
	WorkflowID     string
	RecipientID    string
	Type           repository.NotificationType
	Title          string
	Message        string
	ActionRequired bool
	ActionURL      *string
}

// Notifier persists workflow notifications and pushes live events. The push
// is best-effort: its failure is logged and never undoes the stored row.
type Notifier struct {
	store NotificationStore
	push  client.PushChannel // optional
	clock Clock
	log   *logger.Logger
}

// NewNotifier creates a Notifier. push may be nil.
func NewNotifier(store NotificationStore, push client.PushChannel, clock Clock, log *logger.Logger) *Notifier {
	return &Notifier{
		store: store,
		push:  push,
		clock: clock,
		log:   log.Component("notifier"),
	}
}

// Notify persists one notification and pushes it to the recipient.
func (n *Notifier) Notify(ctx context.Context, req NotifyRequest) (*repository.WorkflowNotification, error) {
	if req.RecipientID == "" {
		return nil, errors.InvalidInput("recipient_id", "is required")
	}

	row := &repository.WorkflowNotification{
		ID:             uuid.NewString(),
		WorkflowID:     req.WorkflowID,
		RecipientID:    req.RecipientID,
		Type:           req.Type,
		Title:          req.Title,
		Message:        req.Message,
		ActionRequired: req.ActionRequired,
		ActionURL:      req.ActionURL,
		CreatedAt:      n.clock.Now(),
	}
	if err := n.store.Create(ctx, row); err != nil {
		return nil, err
	}
	metrics.NotificationsSent.WithLabelValues(string(row.Type)).Inc()

	data := map[string]any{
		"id":             row.ID,
		"workflowId":     row.WorkflowID,
		"type":           string(row.Type),
		"title":          row.Title,
		"message":        row.Message,
		"actionRequired": row.ActionRequired,
	}
	if row.ActionURL != nil {
		data["actionUrl"] = *row.ActionURL
	}
	n.send(ctx, row.RecipientID, client.EnvelopeNotification, data)

	return row, nil
}

// NotifyAll sends the same notification to every recipient. All recipients
// are attempted; the first error is returned.
func (n *Notifier) NotifyAll(ctx context.Context, recipients []string, tmpl NotifyRequest) error {
	var g errgroup.Group
	g.SetLimit(maxNotifyFanout)
	for _, recipient := range recipients {
		req := tmpl
		req.RecipientID = recipient
		g.Go(func() error {
			_, err := n.Notify(ctx, req)
			return err
		})
	}
	return g.Wait()
}

// PushUpdate tells the workflow's initiator about its new state.
func (n *Notifier) PushUpdate(ctx context.Context, wf *repository.Workflow) {
	n.send(ctx, wf.InitiatorID, client.EnvelopeUpdate, map[string]any{
		"status":       string(wf.Status),
		"workflowId":   wf.ID,
		"currentLevel": wf.CurrentLevel,
	})
}

// PushAlert pushes an alert envelope without persisting anything.
func (n *Notifier) PushAlert(ctx context.Context, userID string, data map[string]any) {
	n.send(ctx, userID, client.EnvelopeAlert, data)
}

// ListNotifications returns a recipient's notifications, newest first.
func (n *Notifier) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool) ([]*repository.WorkflowNotification, error) {
	if recipientID == "" {
		return nil, errors.InvalidInput("recipient_id", "is required")
	}
	return n.store.ListForRecipient(ctx, recipientID, unreadOnly)
}

func (n *Notifier) send(ctx context.Context, userID, envType string, data map[string]any) {
	if n.push == nil {
		return
	}
	env := client.NewEnvelope(envType, userID, data, n.clock.Now())
	if err := n.push.SendToUser(ctx, userID, env); err != nil {
		metrics.PushFailures.WithLabelValues(envType).Inc()
		n.log.Warn().Err(err).
			Str("user_id", userID).
			Str("envelope_type", envType).
			Msg("Failed to push envelope")
	}
}
