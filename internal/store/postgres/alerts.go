package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/haven/realtime/internal/chat"
)

// RecordCrisisAlert stores an alert for reviewers. Recording the same
// message at the same severity twice is a no-op, so redelivered alerts are
// harmless.
func (s *Store) RecordCrisisAlert(ctx context.Context, a chat.Alert) error {
	const query = `
		INSERT INTO crisis_alerts (message_id, identity_id, room_id, keywords, severity, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id, severity) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		a.MessageID,
		a.IdentityID,
		a.RoomID,
		pq.Array(keywords(a.Keywords)),
		string(a.Severity),
		a.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert crisis alert: %w", err)
	}
	return nil
}

// CountRecentAlerts returns the number of alerts raised for an identity
// within the given time window. Reviewers use it to spot escalating risk
// (several alerts in a day).
func (s *Store) CountRecentAlerts(ctx context.Context, identityID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM crisis_alerts
		WHERE identity_id = $1
		  AND created_at >= $2`

	var count int
	err := s.db.QueryRowContext(ctx, query, identityID, time.Now().Add(-window)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count recent alerts: %w", err)
	}
	return count, nil
}
