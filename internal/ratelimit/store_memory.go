package ratelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps a sliding window of request timestamps per key.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	now     func() time.Time
}

type slidingWindow struct {
	timestamps []time.Time
}

func (sw *slidingWindow) tryConsume(limit int, window time.Duration, now time.Time) (bool, int, time.Time) {
	sw.expire(now.Add(-window))
	if len(sw.timestamps) >= limit {
		return false, 0, sw.timestamps[0].Add(window)
	}
	sw.timestamps = append(sw.timestamps, now)
	return true, limit - len(sw.timestamps), sw.timestamps[0].Add(window)
}

func (sw *slidingWindow) expire(cutoff time.Time) {
	i := 0
	for ; i < len(sw.timestamps); i++ {
		if sw.timestamps[i].After(cutoff) {
			break
		}
	}
	sw.timestamps = sw.timestamps[i:]
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string]*slidingWindow), now: time.Now}
}

func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sw, ok := s.windows[key]
	if !ok {
		sw = &slidingWindow{}
		s.windows[key] = sw
	}
	allowed, remaining, resetAt := sw.tryConsume(limit, window, now)
	return Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter(allowed, resetAt, now),
	}, nil
}

// Prune drops windows with no request newer than window.
func (s *InMemoryStore) Prune(window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-window)
	removed := 0
	for key, sw := range s.windows {
		sw.expire(cutoff)
		if len(sw.timestamps) == 0 {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}
