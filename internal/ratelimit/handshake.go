package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeConfig controls per-IP connection attempt throttling.
type HandshakeConfig struct {
	RPS   float64       // sustained attempts per second
	Burst int           // attempts allowed at once
	TTL   time.Duration // idle entries older than this are dropped
}

// DefaultHandshakeConfig returns 1 attempt/s with a burst of 10.
func DefaultHandshakeConfig() HandshakeConfig {
	return HandshakeConfig{RPS: 1, Burst: 10, TTL: 30 * time.Minute}
}

type ipEntry struct {
	limiter *rate.Limiter
	lastUse time.Time
}

// HandshakeThrottle keeps one token bucket per client IP.
type HandshakeThrottle struct {
	cfg     HandshakeConfig
	mu      sync.Mutex
	entries map[string]*ipEntry
	now     func() time.Time
}

// NewHandshakeThrottle creates a per-IP throttle.
func NewHandshakeThrottle(cfg HandshakeConfig) *HandshakeThrottle {
	return &HandshakeThrottle{
		cfg:     cfg,
		entries: make(map[string]*ipEntry),
		now:     time.Now,
	}
}

// Allow consumes one token for ip.
func (h *HandshakeThrottle) Allow(ip string) bool {
	if h.cfg.RPS <= 0 {
		return true
	}

	h.mu.Lock()
	e, ok := h.entries[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(h.cfg.RPS), h.cfg.Burst)}
		h.entries[ip] = e
	}
	now := h.now()
	e.lastUse = now
	h.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup drops entries idle longer than the configured TTL.
func (h *HandshakeThrottle) Cleanup() {
	cutoff := h.now().Add(-h.cfg.TTL)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ip, e := range h.entries {
		if e.lastUse.Before(cutoff) {
			delete(h.entries, ip)
		}
	}
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (h *HandshakeThrottle) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Cleanup()
		}
	}
}
