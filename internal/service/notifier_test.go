package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-workflows/internal/client"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
	"github.com/pesio-ai/be-plt-workflows/internal/common/logger"
	"github.com/pesio-ai/be-plt-workflows/internal/repository"
	"github.com/pesio-ai/be-plt-workflows/internal/repository/memory"
)

func TestNotifier_PushFailureKeepsNotification(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	push := &mockPush{}
	push.On("SendToUser", mock.Anything, "alice", mock.MatchedBy(func(env client.Envelope) bool {
		return env.Type == client.EnvelopeNotification && env.UserID == "alice" && env.Timestamp == epoch.UnixMilli()
	})).Return(stderrors.New("connection reset"))

	n := NewNotifier(store.Notifications(), push, newFakeClock(epoch), logger.Nop())
	row, err := n.Notify(ctx, NotifyRequest{
		WorkflowID:  "wf-1",
		RecipientID: "alice",
		Type:        repository.NotificationApprovalRequired,
		Title:       "Approval required",
		Message:     "please look",
	})
	require.NoError(t, err)
	push.AssertExpectations(t)

	stored, err := n.ListNotifications(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, row.ID, stored[0].ID)
	assert.Equal(t, epoch, stored[0].CreatedAt)
}

func TestNotifier_NotifyAll(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	push := &recordingPush{}
	n := NewNotifier(store.Notifications(), push, newFakeClock(epoch), logger.Nop())

	recipients := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	require.NoError(t, n.NotifyAll(ctx, recipients, NotifyRequest{
		WorkflowID: "wf-1",
		Type:       repository.NotificationEscalation,
		Title:      "Escalated",
	}))

	for _, r := range recipients {
		rows, err := n.ListNotifications(ctx, r, false)
		require.NoError(t, err)
		require.Len(t, rows, 1, r)
		assert.Equal(t, repository.NotificationEscalation, rows[0].Type)
		assert.Len(t, push.ofType(client.EnvelopeNotification, r), 1)
	}
}

func TestNotifier_WithoutPushChannel(t *testing.T) {
	ctx := context.Background()
	n := NewNotifier(memory.New().Notifications(), nil, newFakeClock(epoch), logger.Nop())

	_, err := n.Notify(ctx, NotifyRequest{WorkflowID: "wf-1", RecipientID: "bob", Type: repository.NotificationStatusChange})
	require.NoError(t, err)
	n.PushAlert(ctx, "bob", map[string]any{"k": "v"})

	_, err = n.Notify(ctx, NotifyRequest{WorkflowID: "wf-1", Type: repository.NotificationStatusChange})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
	_, err = n.ListNotifications(ctx, "", false)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}
