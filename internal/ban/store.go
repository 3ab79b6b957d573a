// Package ban manages temporary identity bans backed by Redis.
//
// Ban records are plain keys with TTL-based expiry:
//
//	Key:   ban:<identityID>
//	Value: <reason>
//	TTL:   ban duration
//
// Abuse reports (for example repeated rate-limit breaches) are counted per
// identity in a 24h window. Reaching AutoBanThreshold applies a ban whose
// length escalates with the number of prior bans: 15m, then 1h, then 24h.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// ReportsPrefix is the Redis key prefix for abuse report counters.
	ReportsPrefix = "reports:"

	// OffensesPrefix is the Redis key prefix for the number of bans applied.
	OffensesPrefix = "offenses:"

	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsTTL is how long the report counter lives after the first report.
	ReportsTTL = 24 * time.Hour

	// OffensesTTL is how long past bans count toward escalation.
	OffensesTTL = 7 * 24 * time.Hour

	// AutoBanThreshold is the number of reports within ReportsTTL that
	// triggers an automatic ban.
	AutoBanThreshold = 3
)

// Record describes an active ban.
type Record struct {
	IdentityID string
	Reason     string
	ExpiresAt  time.Time // zero when Redis reports no TTL
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Status returns the active ban for identityID, or nil when there is none.
// Redis errors are returned so callers can choose to fail open.
func (s *Store) Status(ctx context.Context, identityID string) (*Record, error) {
	key := BanPrefix + identityID

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)

	reason, getErr := getCmd.Result()
	if errors.Is(getErr, redis.Nil) {
		return nil, nil
	}
	if getErr != nil {
		return nil, fmt.Errorf("ban: status: %w", getErr)
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ban: status: %w", err)
	}

	rec := &Record{IdentityID: identityID, Reason: reason}
	// A missing TTL still means banned; report it without an expiry.
	if ttl, err := ttlCmd.Result(); err == nil && ttl > 0 {
		rec.ExpiresAt = s.now().Add(ttl)
	}
	return rec, nil
}

// Ban bans identityID for duration with the given reason.
func (s *Store) Ban(ctx context.Context, identityID string, duration time.Duration, reason string) error {
	if err := s.client.Set(ctx, BanPrefix+identityID, reason, duration).Err(); err != nil {
		return fmt.Errorf("ban: set: %w", err)
	}
	return nil
}

// Unban lifts a ban immediately.
func (s *Store) Unban(ctx context.Context, identityID string) error {
	if err := s.client.Del(ctx, BanPrefix+identityID).Err(); err != nil {
		return fmt.Errorf("ban: del: %w", err)
	}
	return nil
}

func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}

// bump increments a counter and starts its TTL on the first increment so the
// window does not slide with later increments.
func (s *Store) bump(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// OffenseCount returns how many bans were applied to identityID within
// OffensesTTL.
func (s *Store) OffenseCount(ctx context.Context, identityID string) (int, error) {
	val, err := s.client.Get(ctx, OffensesPrefix+identityID).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ban: offense count: %w", err)
	}
	return val, nil
}

// Escalate records an offense and bans identityID for a duration that grows
// with the offense count. It returns the applied duration.
func (s *Store) Escalate(ctx context.Context, identityID, reason string) (time.Duration, error) {
	count, err := s.bump(ctx, OffensesPrefix+identityID, OffensesTTL)
	if err != nil {
		return 0, fmt.Errorf("ban: escalate: %w", err)
	}

	duration := escalationDuration(int(count))
	if err := s.Ban(ctx, identityID, duration, reason); err != nil {
		return 0, err
	}
	return duration, nil
}

// ReportAndCheck files an abuse report. When the report count within
// ReportsTTL reaches AutoBanThreshold the counter is reset and Escalate is
// applied. It returns whether a ban was applied and its duration.
func (s *Store) ReportAndCheck(ctx context.Context, identityID, reason string) (bool, time.Duration, error) {
	key := ReportsPrefix + identityID

	count, err := s.bump(ctx, key, ReportsTTL)
	if err != nil {
		return false, 0, fmt.Errorf("ban: report: %w", err)
	}
	if count < AutoBanThreshold {
		return false, 0, nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return false, 0, fmt.Errorf("ban: report reset: %w", err)
	}
	duration, err := s.Escalate(ctx, identityID, reason)
	if err != nil {
		return false, 0, err
	}
	return true, duration, nil
}
