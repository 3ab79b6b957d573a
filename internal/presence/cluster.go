package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cluster records which instances hold connections for an identity, so an
// identity connected to several instances is announced online once and
// offline once.
type Cluster interface {
	// Connected marks this instance as holding identityID and returns how
	// many other live instances hold it. A negative count means a later
	// transition for this instance was already recorded.
	Connected(ctx context.Context, identityID string, epoch uint64) (int, error)
	// Disconnected is Connected for the last local connection closing.
	Disconnected(ctx context.Context, identityID string, epoch uint64) (int, error)
	// Online reports whether any live instance holds identityID.
	Online(ctx context.Context, identityID string) (bool, error)
}

const (
	// ClusterPrefix keys the per-identity hash of instance -> "epoch:state".
	ClusterPrefix = "presence:instances:"

	// InstancePrefix keys an instance's heartbeat. Entries of instances
	// whose heartbeat expired are ignored and pruned.
	InstancePrefix = "presence:instance:"

	// InstanceTTL is how long a heartbeat stays valid.
	InstanceTTL = 30 * time.Second

	clusterTTL = 24 * time.Hour
)

// transitionScript applies one instance's transition unless a transition
// with an equal or later epoch is recorded, and counts the other live
// instances holding the identity.
//
// KEYS[1] identity hash
// ARGV[1] instance, ARGV[2] epoch, ARGV[3] "1" online / "0" offline,
// ARGV[4] hash ttl seconds, ARGV[5] heartbeat key prefix
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local sep = string.find(cur, ':', 1, true)
  if tonumber(string.sub(cur, 1, sep - 1)) >= tonumber(ARGV[2]) then
    return -1
  end
end
local others = 0
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  local inst = all[i]
  if inst ~= ARGV[1] then
    if redis.call('EXISTS', ARGV[5] .. inst) == 0 then
      redis.call('HDEL', KEYS[1], inst)
    elseif string.sub(all[i + 1], -1) == '1' then
      others = others + 1
    end
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. ':' .. ARGV[3])
redis.call('EXPIRE', KEYS[1], ARGV[4])
return others
`)

// onlineScript returns 1 if any live instance holds the identity.
//
// KEYS[1] identity hash, ARGV[1] heartbeat key prefix
var onlineScript = redis.NewScript(`
local all = redis.call('HGETALL', KEYS[1])
for i = 1, #all, 2 do
  if string.sub(all[i + 1], -1) == '1' and redis.call('EXISTS', ARGV[1] .. all[i]) == 1 then
    return 1
  end
end
return 0
`)

// RedisCluster is a Cluster shared through Redis. The instance name must be
// unique per process lifetime, since registry epochs restart with the
// process.
type RedisCluster struct {
	client   *redis.Client
	instance string
	log      zerolog.Logger
}

// NewRedisCluster creates a RedisCluster for instance.
func NewRedisCluster(client *redis.Client, instance string, log zerolog.Logger) *RedisCluster {
	return &RedisCluster{client: client, instance: instance, log: log}
}

// Heartbeat marks this instance live for InstanceTTL.
func (c *RedisCluster) Heartbeat(ctx context.Context) error {
	if err := c.client.Set(ctx, InstancePrefix+c.instance, 1, InstanceTTL).Err(); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// RunHeartbeat refreshes the heartbeat every InstanceTTL/3 until ctx is
// done, then withdraws it so other instances stop counting this one.
func (c *RedisCluster) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(InstanceTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := c.client.Del(stopCtx, InstancePrefix+c.instance).Err(); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat withdraw failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.log.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Connected implements Cluster.
func (c *RedisCluster) Connected(ctx context.Context, identityID string, epoch uint64) (int, error) {
	return c.transition(ctx, identityID, epoch, "1")
}

// Disconnected implements Cluster.
func (c *RedisCluster) Disconnected(ctx context.Context, identityID string, epoch uint64) (int, error) {
	return c.transition(ctx, identityID, epoch, "0")
}

func (c *RedisCluster) transition(ctx context.Context, identityID string, epoch uint64, state string) (int, error) {
	others, err := transitionScript.Run(ctx, c.client,
		[]string{ClusterPrefix + identityID},
		c.instance, strconv.FormatUint(epoch, 10), state, int(clusterTTL.Seconds()), InstancePrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("presence: cluster transition: %w", err)
	}
	return others, nil
}

// Online implements Cluster.
func (c *RedisCluster) Online(ctx context.Context, identityID string) (bool, error) {
	n, err := onlineScript.Run(ctx, c.client, []string{ClusterPrefix + identityID}, InstancePrefix).Int()
	if err != nil {
		return false, fmt.Errorf("presence: cluster lookup: %w", err)
	}
	return n == 1, nil
}
