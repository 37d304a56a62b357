package guard

import (
	"context"
	"fmt"
	"time"
)

// Limit describes one operation class budget within a window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Default operation budgets, keyed by the names handlers pass to Allow.
// Write paths are tighter than reads.
var DefaultLimits = map[string]Limit{
	"read":          {Requests: 100, Window: time.Minute},
	"search":        {Requests: 60, Window: time.Minute},
	"escrow_create": {Requests: 20, Window: time.Minute},
	"escrow_action": {Requests: 30, Window: time.Minute},
	"consent":       {Requests: 30, Window: time.Minute},
	"review":        {Requests: 5, Window: time.Minute},
	"default":       {Requests: 60, Window: time.Minute},
}

// Decision is the outcome of a limiter check, carrying the header values the
// gateway surfaces to callers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// RateLimiter counts requests per identity within fixed windows backed by a
// pluggable store.
type RateLimiter struct {
	store  CounterStore
	limits map[string]Limit
}

// NewRateLimiter builds a limiter over store. Nil limits selects
// DefaultLimits.
func NewRateLimiter(store CounterStore, limits map[string]Limit) *RateLimiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &RateLimiter{store: store, limits: limits}
}

// Allow records one request for identity under the named operation class and
// reports whether it fits the window budget. Store failures fail open: the
// limiter must never take down the request path.
func (rl *RateLimiter) Allow(ctx context.Context, op, identity string) Decision {
	limit, ok := rl.limits[op]
	if !ok {
		limit = rl.limits["default"]
	}
	if limit.Requests <= 0 {
		return Decision{Allowed: true, Limit: limit.Requests}
	}
	key := fmt.Sprintf("ratelimit:%s:%s", op, identity)
	count, remaining, err := rl.store.Incr(ctx, key, limit.Window)
	if err != nil {
		return Decision{Allowed: true, Limit: limit.Requests, Remaining: limit.Requests}
	}
	left := limit.Requests - int(count)
	if left < 0 {
		left = 0
	}
	return Decision{
		Allowed:   count <= int64(limit.Requests),
		Limit:     limit.Requests,
		Remaining: left,
		ResetIn:   remaining,
	}
}
