package main

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const escalationKeyPrefix = "crisis:escalated:"

// redisGate claims escalations with SET NX so that several watcher replicas
// escalate an identity once.
type redisGate struct {
	client *redis.Client
}

func (g *redisGate) Acquire(ctx context.Context, identityID string, window time.Duration) (bool, error) {
	return g.client.SetNX(ctx, escalationKeyPrefix+identityID, time.Now().Unix(), window).Result()
}
