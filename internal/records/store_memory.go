package records

import (
	"context"
	"fmt"
	"sync"

	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
)

// InMemoryStore stores records in memory. Row locking is provided by the
// caller's transaction runner, so FindForUpdate is a plain read here.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[id.RecordID]*Record
}

// NewInMemoryStore constructs an empty record store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[id.RecordID]*Record)}
}

func (s *InMemoryStore) FindByID(_ context.Context, recordID id.RecordID) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[recordID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *InMemoryStore) FindForUpdate(ctx context.Context, recordID id.RecordID) (*Record, error) {
	return s.FindByID(ctx, recordID)
}

func (s *InMemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrConflict)
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *InMemoryStore) Save(_ context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; !exists {
		return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrNotFound)
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, recordID id.RecordID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[recordID]; !exists {
		return fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	delete(s.records, recordID)
	return nil
}

// Len reports the number of stored records.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
