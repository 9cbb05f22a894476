package repository

import (
	"context"

	"github.com/pesio-ai/be-plt-workflows/internal/common/database"
	"github.com/pesio-ai/be-plt-workflows/internal/common/errors"
)

// NotificationRepository appends and reads workflow notifications. Rows are
// written once; read state is owned by the recipient's inbox.
type NotificationRepository struct {
	db *database.DB
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db *database.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create inserts one notification.
func (r *NotificationRepository) Create(ctx context.Context, n *WorkflowNotification) error {
	query := `
		INSERT INTO workflow_notifications
		    (id, workflow_id, recipient_id, type,
		     title, message, is_read, read_at,
		     action_required, action_url, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		n.ID,
		n.WorkflowID,
		n.RecipientID,
		string(n.Type),
		n.Title,
		n.Message,
		n.IsRead,
		n.ReadAt,
		n.ActionRequired,
		n.ActionURL,
		n.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create notification")
	}
	return nil
}

// ListForRecipient returns a recipient's notifications newest first.
func (r *NotificationRepository) ListForRecipient(ctx context.Context, recipientID string, unreadOnly bool) ([]*WorkflowNotification, error) {
	query := `
		SELECT id, workflow_id, recipient_id, type,
		       title, message, is_read, read_at,
		       action_required, action_url, created_at
		FROM workflow_notifications
		WHERE recipient_id = $1
	`
	if unreadOnly {
		query += " AND is_read = FALSE"
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.db.Query(ctx, query, recipientID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list notifications")
	}
	defer rows.Close()

	var out []*WorkflowNotification
	for rows.Next() {
		n := &WorkflowNotification{}
		var nType string
		err := rows.Scan(
			&n.ID,
			&n.WorkflowID,
			&n.RecipientID,
			&nType,
			&n.Title,
			&n.Message,
			&n.IsRead,
			&n.ReadAt,
			&n.ActionRequired,
			&n.ActionURL,
			&n.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan notification")
		}
		n.Type = NotificationType(nType)
		out = append(out, n)
	}
	return out, rows.Err()
}
