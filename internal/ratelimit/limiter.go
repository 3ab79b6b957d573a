// Package ratelimit enforces per-identity sliding-window limits on message
// sends, call initiations and uploads.
//
// Each rule keeps a log of accepted request timestamps per identifier; a
// request is allowed when fewer than Limit entries fall inside the trailing
// Window. Unlike fixed windows this never admits a burst of 2x the limit
// across a window boundary. Two Limiter implementations are provided:
// Memory (sharded, exact, single process) and Redis (sorted-set Lua script,
// shared across instances, fails open when Redis is unreachable).
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Rule defines a rate limiting policy.
type Rule struct {
	Name   string        // rule name used in errors and metrics
	Key    string        // key prefix (e.g. "rl:msg:")
	Limit  int           // max accepted requests in the window; <= 0 disables the rule
	Window time.Duration // trailing window
}

// Default rules.
var (
	// RuleMessage allows 30 message sends per minute per identity.
	RuleMessage = Rule{Name: "message", Key: "rl:msg:", Limit: 30, Window: time.Minute}

	// RuleCall allows 20 call initiations per hour per identity.
	RuleCall = Rule{Name: "call", Key: "rl:call:", Limit: 20, Window: time.Hour}

	// RuleUpload allows 10 uploads per hour per identity.
	RuleUpload = Rule{Name: "upload", Key: "rl:upload:", Limit: 10, Window: time.Hour}
)

// WithLimit returns a copy of r with a different limit.
func (r Rule) WithLimit(limit int) Rule {
	r.Limit = limit
	return r
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // > 0 when not allowed
}

// Limiter records a request against a rule and reports whether it fits.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule Rule) (Decision, error)
}

// ErrRateLimited matches any *LimitedError via errors.Is.
var ErrRateLimited = errors.New("rate limited")

// LimitedError is returned when a rule rejects a request.
type LimitedError struct {
	Rule       string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s, retry after %s", e.Rule, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *LimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// minRetryAfter keeps RetryAfter strictly positive when the oldest entry
// expires in the same millisecond as the rejected request.
const minRetryAfter = time.Millisecond
