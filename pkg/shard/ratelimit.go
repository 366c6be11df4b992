package shard

import (
	"sync"
	"time"
)

// RateLimitDecision is the outcome of one token take.
type RateLimitDecision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAtMs int64
}

// RateLimiter implements fixed-window rate limiting in memory. Windows
// are keyed by caller-supplied strings (the egress proxy uses
// "{userID}:{host}") and pruned lazily as they lapse.
//
// Unlike the batching shards this one is synchronous: the decision must
// reach the handler before the upstream request is made, so there is
// nothing to buffer.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	// now is replaceable in tests.
	now func() time.Time
}

type rateWindow struct {
	count     int64
	resetAtMs int64
}

// NewRateLimiter creates an empty rate limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		now:     time.Now,
	}
}

// Take consumes cost tokens from the key's fixed window. A request that
// would push the window past the limit is denied without consuming
// anything. A lapsed window restarts at the current instant. The
// decision carries the X-RateLimit header values the proxy surfaces to
// the sandbox. A cost below one counts as one.
func (r *RateLimiter) Take(key string, limit int64, window time.Duration, cost int64) RateLimitDecision {
	if cost <= 0 {
		cost = 1
	}
	nowMs := r.now().UnixMilli()
	windowMs := window.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok || w.resetAtMs <= nowMs {
		w = &rateWindow{count: 0, resetAtMs: nowMs + windowMs}
		r.windows[key] = w
	}

	if w.count+cost > limit {
		remaining := limit - w.count
		if remaining < 0 {
			remaining = 0
		}
		return RateLimitDecision{
			Allowed:   false,
			Limit:     limit,
			Remaining: remaining,
			ResetAtMs: w.resetAtMs,
		}
	}

	w.count += cost
	return RateLimitDecision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - w.count,
		ResetAtMs: w.resetAtMs,
	}
}

// Prune removes lapsed windows. Called opportunistically by the
// reconciliation sweeper; correctness does not depend on it.
func (r *RateLimiter) Prune() int {
	nowMs := r.now().UnixMilli()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, w := range r.windows {
		if w.resetAtMs <= nowMs {
			delete(r.windows, key)
			removed++
		}
	}
	return removed
}

// SetNow overrides the clock. Test helper.
func (r *RateLimiter) SetNow(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}
