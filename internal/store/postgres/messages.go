package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/crisis"
	"github.com/haven/realtime/internal/room"
)

const messageColumns = `
	id, sender_id, room_id, kind, content, is_encrypted, sent_at,
	delivered_at, read_at, edited_at, crisis_detected, crisis_keywords,
	crisis_severity, reply_to_id, is_deleted, edit_history, idempotency_key`

// PersistMessage inserts m. The first message in a direct room also records
// the room so both parties auto-join it on their next connection.
func (s *Store) PersistMessage(ctx context.Context, m *chat.Message) error {
	history, err := json.Marshal(editHistory(m.EditHistory))
	if err != nil {
		return fmt.Errorf("postgres: marshal history: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if a, b, ok := room.ParseDirectRoomID(m.RoomID); ok {
		if err := recordDirectRoom(ctx, tx, m.RoomID, a, b); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.SenderID, m.RoomID, string(m.Kind), m.Content, m.IsEncrypted, m.SentAt,
		nullTime(m.DeliveredAt), nullTime(m.ReadAt), nullTime(m.EditedAt),
		m.Crisis.Detected, pq.Array(keywords(m.Crisis.MatchedKeywords)), string(m.Crisis.Severity),
		nullString(m.ReplyToID), m.IsDeleted, history, nullString(m.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert message: %w", err)
	}
	return tx.Commit()
}

// RecordDirectRoom records a direct room between a and b. Recording an
// existing room is a no-op. It serves message stores that live outside
// PostgreSQL.
func (s *Store) RecordDirectRoom(ctx context.Context, roomID, a, b string) error {
	return recordDirectRoom(ctx, s.db, roomID, a, b)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func recordDirectRoom(ctx context.Context, db execer, roomID, a, b string) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO direct_rooms (id, identity_a, identity_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`, roomID, a, b); err != nil {
		return fmt.Errorf("postgres: insert direct room: %w", err)
	}
	return nil
}

// MessageByID loads a message. Unknown ids yield chat.ErrMessageNotFound.
func (s *Store) MessageByID(ctx context.Context, id string) (*chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	var (
		m                       chat.Message
		kind, severity          string
		delivered, read, edited sql.NullTime
		replyTo, idempotencyKey sql.NullString
		matched                 []string
		history                 []byte
	)

	err := row.Scan(
		&m.ID, &m.SenderID, &m.RoomID, &kind, &m.Content, &m.IsEncrypted, &m.SentAt,
		&delivered, &read, &edited, &m.Crisis.Detected, pq.Array(&matched),
		&severity, &replyTo, &m.IsDeleted, &history, &idempotencyKey,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load message: %w", err)
	}

	m.Kind = chat.Kind(kind)
	m.SentAt = m.SentAt.UTC()
	m.DeliveredAt = timePtr(delivered)
	m.ReadAt = timePtr(read)
	m.EditedAt = timePtr(edited)
	m.Crisis.Severity = crisis.Severity(severity)
	if len(matched) > 0 {
		m.Crisis.MatchedKeywords = matched
	}
	m.ReplyToID = replyTo.String
	m.IdempotencyKey = idempotencyKey.String
	if err := json.Unmarshal(history, &m.EditHistory); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal history: %w", err)
	}
	if len(m.EditHistory) == 0 {
		m.EditHistory = nil
	}
	return &m, nil
}

// UpdateMessage writes the mutable fields of m: content, state flags,
// timestamps, crisis annotation and edit history.
func (s *Store) UpdateMessage(ctx context.Context, m *chat.Message) error {
	history, err := json.Marshal(editHistory(m.EditHistory))
	if err != nil {
		return fmt.Errorf("postgres: marshal history: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			content = $2,
			delivered_at = $3,
			read_at = $4,
			edited_at = $5,
			crisis_detected = $6,
			crisis_keywords = $7,
			crisis_severity = $8,
			is_deleted = $9,
			edit_history = $10
		WHERE id = $1`,
		m.ID, m.Content, nullTime(m.DeliveredAt), nullTime(m.ReadAt), nullTime(m.EditedAt),
		m.Crisis.Detected, pq.Array(keywords(m.Crisis.MatchedKeywords)), string(m.Crisis.Severity),
		m.IsDeleted, history,
	)
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrMessageNotFound
	}
	return nil
}

func editHistory(h []chat.Edit) []chat.Edit {
	if h == nil {
		return []chat.Edit{}
	}
	return h
}

func keywords(k []string) []string {
	if k == nil {
		return []string{}
	}
	return k
}
