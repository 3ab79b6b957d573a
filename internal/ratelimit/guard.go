package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haven/realtime/internal/metrics"
)

// Reporter receives abuse reports for identities that keep breaching limits.
// The ban store implements it.
type Reporter interface {
	ReportAndCheck(ctx context.Context, identityID, reason string) (banned bool, duration time.Duration, err error)
}

// Guard checks identities against rules and escalates repeated breaches.
// A breach is reported at most once per rule window per identity, so a
// client that hammers the send button is reported once, not per message.
type Guard struct {
	limiter  Limiter
	reporter Reporter
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	reported map[string]time.Time

	onBan func(identityID, reason string, d time.Duration)
}

// NewGuard creates a Guard. reporter may be nil to disable escalation.
func NewGuard(limiter Limiter, reporter Reporter, log zerolog.Logger) *Guard {
	return &Guard{
		limiter:  limiter,
		reporter: reporter,
		log:      log,
		now:      time.Now,
		reported: make(map[string]time.Time),
	}
}

// SetBanHandler registers fn to run after a report turns into a ban, so the
// transport can notify and close the identity's live connections.
func (g *Guard) SetBanHandler(fn func(identityID, reason string, d time.Duration)) {
	g.onBan = fn
}

// Check records one action by identityID under rule. It returns a
// *LimitedError when the action exceeds the rule; nothing else is recorded
// in that case.
func (g *Guard) Check(ctx context.Context, identityID string, rule Rule) error {
	d, err := g.limiter.Allow(ctx, identityID, rule)
	if err != nil {
		g.log.Warn().Err(err).Str("rule", rule.Name).Msg("rate limiter error")
	}
	if d.Allowed {
		return nil
	}

	metrics.RateLimited.WithLabelValues(rule.Name).Inc()
	g.escalate(ctx, identityID, rule)
	return &LimitedError{Rule: rule.Name, RetryAfter: d.RetryAfter}
}

func (g *Guard) escalate(ctx context.Context, identityID string, rule Rule) {
	if g.reporter == nil {
		return
	}

	key := rule.Name + ":" + identityID
	now := g.now()

	g.mu.Lock()
	last, seen := g.reported[key]
	if seen && now.Sub(last) < rule.Window {
		g.mu.Unlock()
		return
	}
	g.reported[key] = now
	for k, at := range g.reported {
		if now.Sub(at) > 24*time.Hour {
			delete(g.reported, k)
		}
	}
	g.mu.Unlock()

	reason := "rate_limit:" + rule.Name
	banned, dur, err := g.reporter.ReportAndCheck(ctx, identityID, reason)
	if err != nil {
		g.log.Warn().Err(err).Str("identity_id", identityID).Msg("abuse report failed")
		return
	}
	if banned {
		g.log.Info().
			Str("identity_id", identityID).
			Str("rule", rule.Name).
			Dur("duration", dur).
			Msg("identity banned after repeated rate limit breaches")
		if g.onBan != nil {
			g.onBan(identityID, reason, dur)
		}
	}
}
