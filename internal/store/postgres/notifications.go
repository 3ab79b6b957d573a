package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/haven/realtime/internal/notify"
)

// PersistNotification inserts n.
func (s *Store) PersistNotification(ctx context.Context, n *notify.Notification) error {
	var data interface{}
	if len(n.Data) > 0 {
		data = []byte(n.Data)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications
			(id, recipient_id, sender_id, kind, title, body, data, priority, category,
			 read, read_at, delivered, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		n.ID, n.RecipientID, nullString(n.SenderID), n.Kind, n.Title, n.Body, data,
		string(n.Priority), n.Category, n.Read, nullTime(n.ReadAt), n.Delivered,
		n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert notification: %w", err)
	}
	return nil
}

// MarkNotificationRead marks one notification read. Already-read
// notifications keep their original read time.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientID, id string, at time.Time) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		WITH upd AS (
			UPDATE notifications SET read = TRUE, read_at = $3
			WHERE id = $1 AND recipient_id = $2 AND NOT read
		)
		SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND recipient_id = $2)`,
		id, recipientID, at,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: mark notification read: %w", err)
	}
	if !exists {
		return notify.ErrNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of recipientID
// read and returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, recipientID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE, read_at = $2
		WHERE recipient_id = $1 AND NOT read`, recipientID, at)
	if err != nil {
		return 0, fmt.Errorf("postgres: mark all read: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExpiredNotifications deletes notifications that expired before the
// given time.
func (s *Store) PurgeExpiredNotifications(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge notifications: %w", err)
	}
	return res.RowsAffected()
}
