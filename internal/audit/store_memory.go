package audit

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore keeps entries in insertion order. Stored entries are copies
// and are never handed out by reference.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

func (s *InMemoryStore) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("audit entry is required")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID
	s.nextID++
	s.entries = append(s.entries, e.clone())
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit := effectiveLimit(f)
	out := make([]Entry, 0)
	for _, e := range s.entries {
		if !f.Matches(e) {
			continue
		}
		out = append(out, e.clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Len reports how many entries have been appended.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
