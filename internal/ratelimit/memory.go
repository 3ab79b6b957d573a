package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/haven/realtime/internal/shard"
)

type memoryShard struct {
	mu   sync.Mutex
	logs map[string][]time.Time // rule key + identifier -> accepted timestamps, oldest first
}

// Memory is an in-process sliding-window log limiter. Keys are spread over
// shards so unrelated identities do not contend on one lock.
type Memory struct {
	shards [shard.Count]*memoryShard
	now    func() time.Time
}

// NewMemory creates an in-process limiter.
func NewMemory() *Memory {
	m := &Memory{now: time.Now}
	for i := range m.shards {
		m.shards[i] = &memoryShard{logs: make(map[string][]time.Time)}
	}
	return m
}

// Allow implements Limiter. It never returns an error.
func (m *Memory) Allow(_ context.Context, identifier string, rule Rule) (Decision, error) {
	if rule.Limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	key := rule.Key + identifier
	s := m.shards[shard.Index(key, shard.Count)]
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	log := prune(s.logs[key], now.Add(-rule.Window))

	if len(log) >= rule.Limit {
		s.logs[key] = log
		retry := log[0].Add(rule.Window).Sub(now)
		if retry < minRetryAfter {
			retry = minRetryAfter
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	log = append(log, now)
	s.logs[key] = log
	return Decision{Allowed: true, Remaining: rule.Limit - len(log)}, nil
}

// prune drops entries at or before cutoff. log is sorted oldest first.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Sweep removes logs whose newest entry is older than maxWindow.
func (m *Memory) Sweep(maxWindow time.Duration) int {
	cutoff := m.now().Add(-maxWindow)
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for key, log := range s.logs {
			if len(log) == 0 || !log[len(log)-1].After(cutoff) {
				delete(s.logs, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunJanitor sweeps idle logs every interval until ctx is done.
func (m *Memory) RunJanitor(ctx context.Context, interval, maxWindow time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(maxWindow)
		}
	}
}
