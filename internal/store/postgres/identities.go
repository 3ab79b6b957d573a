package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/room"
)

// IdentityByID loads an identity. Unknown ids yield auth.ErrIdentityNotFound.
func (s *Store) IdentityByID(ctx context.Context, id string) (*auth.Identity, error) {
	const query = `
		SELECT id, username, role, verified, active, banned, ban_reason, ban_expires_at
		FROM identities
		WHERE id = $1`

	var (
		ident  auth.Identity
		banExp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ident.ID, &ident.Username, &ident.Role, &ident.Verified,
		&ident.Active, &ident.Banned, &ident.BanReason, &banExp,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: identity: %w", err)
	}
	ident.BanExpiresAt = timePtr(banExp)
	return &ident, nil
}

// MembershipsFor lists every group and direct room identityID belongs to.
func (s *Store) MembershipsFor(ctx context.Context, identityID string) ([]room.Membership, error) {
	const query = `
		SELECT group_id, 'group' FROM group_members WHERE identity_id = $1
		UNION ALL
		SELECT id, 'direct' FROM direct_rooms WHERE identity_a = $1 OR identity_b = $1`

	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: memberships: %w", err)
	}
	defer rows.Close()

	var out []room.Membership
	for rows.Next() {
		var (
			m    room.Membership
			kind string
		)
		if err := rows.Scan(&m.RoomID, &kind); err != nil {
			return nil, fmt.Errorf("postgres: memberships scan: %w", err)
		}
		m.Kind = room.Kind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GroupMembers lists a group's members. Unknown groups yield
// chat.ErrRoomNotFound.
func (s *Store) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	const query = `
		SELECT g.id, gm.identity_id
		FROM groups g
		LEFT JOIN group_members gm ON gm.group_id = g.id
		WHERE g.id = $1`

	rows, err := s.db.QueryContext(ctx, query, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: group members: %w", err)
	}
	defer rows.Close()

	found := false
	var members []string
	for rows.Next() {
		var (
			gid    string
			member sql.NullString
		)
		if err := rows.Scan(&gid, &member); err != nil {
			return nil, fmt.Errorf("postgres: group members scan: %w", err)
		}
		found = true
		if member.Valid {
			members = append(members, member.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: group members: %w", err)
	}
	if !found {
		return nil, chat.ErrRoomNotFound
	}
	return members, nil
}

// ContactsOf lists the identities that share a group or a direct room with
// identityID.
func (s *Store) ContactsOf(ctx context.Context, identityID string) ([]string, error) {
	const query = `
		SELECT DISTINCT other FROM (
			SELECT peer.identity_id AS other
			FROM group_members self
			JOIN group_members peer ON peer.group_id = self.group_id
			WHERE self.identity_id = $1
			UNION
			SELECT CASE WHEN identity_a = $1 THEN identity_b ELSE identity_a END
			FROM direct_rooms
			WHERE identity_a = $1 OR identity_b = $1
		) contacts
		WHERE other <> $1`

	rows, err := s.db.QueryContext(ctx, query, identityID)
	if err != nil {
		return nil, fmt.Errorf("postgres: contacts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: contacts scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AddGroupMembers creates the group if needed and adds members to it.
// Ids with a reserved room prefix are rejected with room.ErrReservedRoomID.
func (s *Store) AddGroupMembers(ctx context.Context, groupID, name string, members ...string) error {
	if room.Reserved(groupID) {
		return room.ErrReservedRoomID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO groups (id, name) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		groupID, name); err != nil {
		return fmt.Errorf("postgres: insert group: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO group_members (group_id, identity_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING`,
		groupID, pq.Array(members)); err != nil {
		return fmt.Errorf("postgres: insert members: %w", err)
	}
	return tx.Commit()
}
