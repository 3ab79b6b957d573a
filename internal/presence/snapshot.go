package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists presence records so status overrides survive
// reconnects and restarts and other instances can read last-seen times.
type SnapshotStore interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, identityID string) (*Record, error)
}

// NopSnapshots keeps nothing.
type NopSnapshots struct{}

func (NopSnapshots) Save(context.Context, Record) error            { return nil }
func (NopSnapshots) Load(context.Context, string) (*Record, error) { return nil, nil }

const (
	// SnapshotPrefix is the Redis key prefix for presence hashes.
	SnapshotPrefix = "presence:"

	// SnapshotTTL bounds how long an idle identity's snapshot is kept.
	SnapshotTTL = 30 * 24 * time.Hour
)

// snapshot is the Redis hash layout of a Record.
type snapshot struct {
	ID            string `redis:"id"`
	Online        bool   `redis:"online"`
	Status        string `redis:"status"`
	CustomMessage string `redis:"custom_message"`
	LastSeenAt    int64  `redis:"last_seen_at"` // unix millis, 0 if never
	Server        string `redis:"server"`       // instance that wrote it
	UpdatedAt     int64  `redis:"updated_at"`   // unix millis
}

// RedisSnapshots stores presence records as Redis hashes.
type RedisSnapshots struct {
	client     *redis.Client
	serverName string
}

// NewRedisSnapshots creates a snapshot store on client.
func NewRedisSnapshots(client *redis.Client, serverName string) *RedisSnapshots {
	return &RedisSnapshots{client: client, serverName: serverName}
}

// Save writes rec and refreshes the TTL.
func (s *RedisSnapshots) Save(ctx context.Context, rec Record) error {
	key := SnapshotPrefix + rec.IdentityID
	var lastSeen int64
	if rec.LastSeenAt != nil {
		lastSeen = rec.LastSeenAt.UnixMilli()
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":             rec.IdentityID,
		"online":         rec.IsOnline,
		"status":         string(rec.Status),
		"custom_message": rec.CustomMessage,
		"last_seen_at":   lastSeen,
		"server":         s.serverName,
		"updated_at":     time.Now().UnixMilli(),
	})
	pipe.Expire(ctx, key, SnapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored record, or nil if none exists.
func (s *RedisSnapshots) Load(ctx context.Context, identityID string) (*Record, error) {
	var snap snapshot
	if err := s.client.HGetAll(ctx, SnapshotPrefix+identityID).Scan(&snap); err != nil {
		return nil, fmt.Errorf("presence: load snapshot: %w", err)
	}
	if snap.ID == "" {
		return nil, nil
	}

	status, err := ParseStatus(snap.Status)
	if err != nil {
		status = StatusOnline
	}
	rec := &Record{
		IdentityID:    snap.ID,
		IsOnline:      snap.Online,
		Status:        status,
		CustomMessage: snap.CustomMessage,
	}
	if snap.LastSeenAt > 0 {
		t := time.UnixMilli(snap.LastSeenAt).UTC()
		rec.LastSeenAt = &t
	}
	return rec, nil
}
