package client

import (
	"context"
	"time"
)

// Envelope types understood by connected clients.
const (
	EnvelopeNotification = "notification"
	EnvelopeUpdate       = "update"
	EnvelopeAlert        = "alert"
	EnvelopeBroadcast    = "broadcast"
)

// Envelope is the message pushed to a user's live connections.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	UserID    string         `json:"userId"`
	Timestamp int64          `json:"timestamp"` // epoch millis
}

// NewEnvelope stamps an envelope for userID at time at.
func NewEnvelope(envType, userID string, data map[string]any, at time.Time) Envelope {
	return Envelope{
		Type:      envType,
		Data:      data,
		UserID:    userID,
		Timestamp: at.UnixMilli(),
	}
}

// PushChannel delivers envelopes to a user on a best-effort basis.
type PushChannel interface {
	SendToUser(ctx context.Context, userID string, env Envelope) error
}
