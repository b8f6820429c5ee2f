// Package ratelimit implements the RateGate: a per-user token-bucket gate
// on turn submission, enforced across independent per-minute and per-hour
// windows. Grounded on spec.md §4.12 and the teacher's
// middleware/ratelimit.go sliding-window shape, adapted from per-IP/
// per-API-key gating to per-(user_id, "turns") gating over a shared
// Redis-backed counter store.
package ratelimit

import (
	"context"
	"time"
)

// CounterStore is the narrow counter-store contract (spec.md §6): atomic
// incr(key) plus a read-only TTL lookup, satisfied by package
// rediscounter.
type CounterStore interface {
	IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Window is one bucket definition: a limit over a fixed duration.
type Window struct {
	Label string
	Limit int
	TTL   time.Duration
}

// Decision is the outcome of a Gate.Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // only meaningful when Allowed is false
}

// Gate is the RateGate. A nil or failing CounterStore bypasses the gate
// entirely, per spec.md §4.12's "if the counter store is unavailable, the
// gate is bypassed" rule.
type Gate struct {
	store   CounterStore
	minute  Window
	hour    Window
}

// NewGate constructs a Gate over the given minute/hour limits.
func NewGate(store CounterStore, perMinute, perHour int) *Gate {
	return &Gate{
		store:  store,
		minute: Window{Label: "minute", Limit: perMinute, TTL: time.Minute},
		hour:   Window{Label: "hour", Limit: perHour, TTL: time.Hour},
	}
}

// Allow checks the (user_id, "turns") bucket across both windows. It
// increments each window's counter unconditionally (matching the
// teacher's allow() which always records the attempt), then rejects if
// either window's post-increment count exceeds its limit. On rejection,
// RetryAfter is the remaining TTL of whichever window was exceeded,
// floored at one second.
func (g *Gate) Allow(ctx context.Context, userID string) Decision {
	if g == nil || g.store == nil {
		return Decision{Allowed: true}
	}

	minuteKey := bucketKey(userID, g.minute.Label)
	hourKey := bucketKey(userID, g.hour.Label)

	minuteCount, err := g.store.IncrWithExpire(ctx, minuteKey, g.minute.TTL)
	if err != nil {
		return Decision{Allowed: true}
	}
	hourCount, err := g.store.IncrWithExpire(ctx, hourKey, g.hour.TTL)
	if err != nil {
		return Decision{Allowed: true}
	}

	if minuteCount > int64(g.minute.Limit) {
		return Decision{Allowed: false, RetryAfter: g.retryAfter(ctx, minuteKey)}
	}
	if hourCount > int64(g.hour.Limit) {
		return Decision{Allowed: false, RetryAfter: g.retryAfter(ctx, hourKey)}
	}
	return Decision{Allowed: true}
}

func (g *Gate) retryAfter(ctx context.Context, key string) time.Duration {
	ttl, err := g.store.TTL(ctx, key)
	if err != nil || ttl <= 0 {
		return time.Second
	}
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}

func bucketKey(userID, windowLabel string) string {
	return "ratelimit:turns:" + windowLabel + ":" + userID
}
