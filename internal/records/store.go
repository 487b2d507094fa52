package records

import (
	"context"

	id "clinicore/pkg/domain"
)

// Error Contract:
// - Return sentinel.ErrNotFound when the record does not exist
// - Return sentinel.ErrConflict when creating a record whose id is taken
// - Return wrapped errors for infrastructure failures

// Store persists records.
type Store interface {
	FindByID(ctx context.Context, recordID id.RecordID) (*Record, error)
	// FindForUpdate reads the record and locks it until the surrounding
	// transaction ends. Outside a transaction it behaves like FindByID.
	FindForUpdate(ctx context.Context, recordID id.RecordID) (*Record, error)
	Create(ctx context.Context, record *Record) error
	Save(ctx context.Context, record *Record) error
	Delete(ctx context.Context, recordID id.RecordID) error
}
