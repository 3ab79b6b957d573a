package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// slidingWindowLua trims the sorted set to the trailing window and either
// admits the request (ZADD) or reports how long until the oldest entry
// leaves the window. Scores are milliseconds.
//
// KEYS[1] = log key
// ARGV[1] = now (ms)
// ARGV[2] = window (ms)
// ARGV[3] = limit
// ARGV[4] = unique member
//
// Returns {allowed, remaining, retryAfterMs}.
var slidingWindowLua = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = window
	if oldest[2] then
		retry = tonumber(oldest[2]) + window - now
	end
	if retry < 1 then
		retry = 1
	end
	return {0, 0, retry}
end

redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

// Redis is a sliding-window log limiter shared by every instance that talks
// to the same Redis.
type Redis struct {
	client *redis.Client
	log    zerolog.Logger
	now    func() time.Time
}

// NewRedis creates a Redis-backed limiter.
func NewRedis(client *redis.Client, log zerolog.Logger) *Redis {
	return &Redis{client: client, log: log, now: time.Now}
}

// Allow implements Limiter. On Redis errors it fails open: the request is
// allowed and the error is returned alongside so callers can log it.
func (l *Redis) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := rule.Key + identifier
	res, err := slidingWindowLua.Run(ctx, l.client, []string{key},
		l.now().UnixMilli(),
		rule.Window.Milliseconds(),
		rule.Limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("ratelimit: redis error, failing open")
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("ratelimit: redis: %w", err)
	}
	if len(res) != 3 {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}

	if res[0] == 0 {
		return Decision{Allowed: false, RetryAfter: time.Duration(res[2]) * time.Millisecond}, nil
	}
	return Decision{Allowed: true, Remaining: int(res[1])}, nil
}
