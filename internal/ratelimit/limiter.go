// Package ratelimit provides per-identity sliding-window rate limiting. The
// window state lives behind a Store so the same Limiter runs against an
// in-process map (tests, the terminal client, single-node servers) or a
// shared Redis instance when several servers handle the same identities.
package ratelimit

import (
	"context"
	"log"
	"time"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// accepted events in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix (e.g., "rl:msg:", "rl:conn:")
	Limit  int           // max accepted events in the window
	Window time.Duration // trailing window
}

var (
	// RuleMessage allows 10 messages per minute per identity.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 20, Window: time.Minute}

	// RuleReport allows 5 content reports per minute per identity.
	RuleReport = Rule{Key: "rl:report:", Limit: 5, Window: time.Minute}
)

// Store keeps the accepted-event log per key. Hit must evaluate and record in
// one atomic step: it drops entries at or before now-window, and if fewer
// than limit remain it records now and returns true. Rejected hits are not
// recorded.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, limit int, window time.Duration) (bool, error)
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	Reset(ctx context.Context, key string) error
}

// Limiter applies one Rule against a Store.
type Limiter struct {
	store Store
	rule  Rule
	now   func() time.Time
}

// NewLimiter creates a Limiter enforcing rule against store.
func NewLimiter(store Store, rule Rule) *Limiter {
	if rule.Limit < 1 {
		rule.Limit = 1
	}
	if rule.Window <= 0 {
		rule.Window = time.Minute
	}
	return &Limiter{store: store, rule: rule, now: time.Now}
}

// Rule returns the policy this limiter enforces.
func (l *Limiter) Rule() Rule {
	return l.rule
}

// Allow reports whether identifier may perform one more action, recording the
// action when it is accepted.
//
// On store errors the method fails open (returns true) so that a backend
// outage does not block legitimate traffic; the error is returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	key := l.rule.Key + identifier

	ok, err := l.store.Hit(ctx, key, l.now(), l.rule.Limit, l.rule.Window)
	if err != nil {
		log.Printf("[ratelimit] hit error key=%s: %v (failing open)", key, err)
		return true, err
	}
	return ok, nil
}

// Remaining returns how many more actions identifier may perform in the
// current window. On store errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string) (int, error) {
	key := l.rule.Key + identifier

	count, err := l.store.Count(ctx, key, l.now(), l.rule.Window)
	if err != nil {
		log.Printf("[ratelimit] count error key=%s: %v (failing open)", key, err)
		return l.rule.Limit, err
	}

	remaining := l.rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset clears the history for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) error {
	return l.store.Reset(ctx, l.rule.Key+identifier)
}
