// Package memstore keeps identities, memberships, messages, notifications
// and crisis alerts in process memory. It backs STORE_DRIVER=memory for
// local development and the gateway tests; nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haven/realtime/internal/auth"
	"github.com/haven/realtime/internal/chat"
	"github.com/haven/realtime/internal/notify"
	"github.com/haven/realtime/internal/room"
)

// Store implements the same collaborator interfaces as the SQL store.
type Store struct {
	mu            sync.RWMutex
	identities    map[string]auth.Identity
	groups        map[string][]string
	direct        map[string]struct{}
	messages      map[string]*chat.Message
	notifications map[string]*notify.Notification
	alerts        []chat.Alert
	prefixes      map[string]string // id prefix -> role
}

// New returns an empty store.
func New() *Store {
	return &Store{
		identities:    make(map[string]auth.Identity),
		groups:        make(map[string][]string),
		direct:        make(map[string]struct{}),
		messages:      make(map[string]*chat.Message),
		notifications: make(map[string]*notify.Notification),
		prefixes:      make(map[string]string),
	}
}

// PutIdentity adds or replaces an identity.
func (s *Store) PutIdentity(id auth.Identity) {
	s.mu.Lock()
	s.identities[id.ID] = id
	s.mu.Unlock()
}

// AllowPrefix accepts every identity id starting with prefix as an active
// identity with the given role. Load tests use it to connect thousands of
// synthetic identities.
func (s *Store) AllowPrefix(prefix, role string) {
	s.mu.Lock()
	s.prefixes[prefix] = role
	s.mu.Unlock()
}

// AddGroupMembers creates the group if needed and adds members to it. Ids
// with a reserved room prefix are rejected with room.ErrReservedRoomID.
func (s *Store) AddGroupMembers(groupID string, members ...string) error {
	if room.Reserved(groupID) {
		return room.ErrReservedRoomID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.groups[groupID]
	for _, m := range members {
		if !contains(existing, m) {
			existing = append(existing, m)
		}
	}
	s.groups[groupID] = existing
	return nil
}

// IdentityByID implements auth.IdentityStore.
func (s *Store) IdentityByID(_ context.Context, id string) (*auth.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		for prefix, role := range s.prefixes {
			if prefix != "" && strings.HasPrefix(id, prefix) {
				return &auth.Identity{ID: id, Username: id, Role: role, Verified: true, Active: true}, nil
			}
		}
		return nil, auth.ErrIdentityNotFound
	}
	if ident.BanExpiresAt != nil {
		t := *ident.BanExpiresAt
		ident.BanExpiresAt = &t
	}
	return &ident, nil
}

// MembershipsFor implements room.MembershipSource.
func (s *Store) MembershipsFor(_ context.Context, identityID string) ([]room.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []room.Membership
	for id, members := range s.groups {
		if contains(members, identityID) {
			out = append(out, room.Membership{RoomID: id, Kind: room.KindGroup})
		}
	}
	for id := range s.direct {
		if a, b, ok := room.ParseDirectRoomID(id); ok && (a == identityID || b == identityID) {
			out = append(out, room.Membership{RoomID: id, Kind: room.KindDirect})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// GroupMembers implements chat.GroupDirectory.
func (s *Store) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members, ok := s.groups[groupID]
	if !ok {
		return nil, chat.ErrRoomNotFound
	}
	return append([]string(nil), members...), nil
}

// ContactsOf implements presence.ContactSource: everyone sharing a group or
// a direct room with identityID.
func (s *Store) ContactsOf(_ context.Context, identityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, members := range s.groups {
		if !contains(members, identityID) {
			continue
		}
		for _, m := range members {
			seen[m] = struct{}{}
		}
	}
	for id := range s.direct {
		a, b, ok := room.ParseDirectRoomID(id)
		switch {
		case !ok:
		case a == identityID:
			seen[b] = struct{}{}
		case b == identityID:
			seen[a] = struct{}{}
		}
	}
	delete(seen, identityID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// PersistMessage implements chat.MessageStore. A direct-room message also
// records the room so later connections auto-join it.
func (s *Store) PersistMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = copyMessage(m)
	if _, _, ok := room.ParseDirectRoomID(m.RoomID); ok {
		s.direct[m.RoomID] = struct{}{}
	}
	return nil
}

// MessageByID implements chat.MessageStore.
func (s *Store) MessageByID(_ context.Context, id string) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrMessageNotFound
	}
	return copyMessage(m), nil
}

// UpdateMessage implements chat.MessageStore.
func (s *Store) UpdateMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		return chat.ErrMessageNotFound
	}
	s.messages[m.ID] = copyMessage(m)
	return nil
}

// PersistNotification implements notify.Store.
func (s *Store) PersistNotification(_ context.Context, n *notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.notifications[n.ID] = &cp
	return nil
}

// MarkNotificationRead implements notify.Store.
func (s *Store) MarkNotificationRead(_ context.Context, recipientID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.RecipientID != recipientID {
		return notify.ErrNotFound
	}
	if !n.Read {
		n.Read = true
		n.ReadAt = &at
	}
	return nil
}

// MarkAllNotificationsRead implements notify.Store.
func (s *Store) MarkAllNotificationsRead(_ context.Context, recipientID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, n := range s.notifications {
		if n.RecipientID == recipientID && !n.Read {
			n.Read = true
			n.ReadAt = &at
			changed++
		}
	}
	return changed, nil
}

// PurgeExpiredNotifications implements notify.Store.
func (s *Store) PurgeExpiredNotifications(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged int64
	for id, n := range s.notifications {
		if n.ExpiresAt.Before(before) {
			delete(s.notifications, id)
			purged++
		}
	}
	return purged, nil
}

// NotificationsFor returns the stored notifications of recipientID, oldest
// first.
func (s *Store) NotificationsFor(recipientID string) []notify.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []notify.Notification
	for _, n := range s.notifications {
		if n.RecipientID == recipientID {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordCrisisAlert stores a, ignoring repeats of the same message and
// severity.
func (s *Store) RecordCrisisAlert(_ context.Context, a chat.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.alerts {
		if existing.MessageID == a.MessageID && existing.Severity == a.Severity {
			return nil
		}
	}
	a.Keywords = append([]string(nil), a.Keywords...)
	s.alerts = append(s.alerts, a)
	return nil
}

// CountRecentAlerts counts alerts for identityID detected within window.
func (s *Store) CountRecentAlerts(_ context.Context, identityID string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := time.Now().Add(-window)
	n := 0
	for _, a := range s.alerts {
		if a.IdentityID == identityID && !a.DetectedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func copyMessage(m *chat.Message) *chat.Message {
	cp := *m
	cp.Crisis.MatchedKeywords = append([]string(nil), m.Crisis.MatchedKeywords...)
	cp.EditHistory = append([]chat.Edit(nil), m.EditHistory...)
	return &cp
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
