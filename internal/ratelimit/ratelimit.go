// Package ratelimit throttles API callers per actor. Counters live in Redis
// when configured, with an in-process sliding window as the fallback.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is zero when Allowed.
	RetryAfter time.Duration
}

// Store counts requests per key within a window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

func retryAfter(allowed bool, resetAt, now time.Time) time.Duration {
	if allowed || !resetAt.After(now) {
		return 0
	}
	return resetAt.Sub(now)
}
