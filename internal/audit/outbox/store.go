package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Appender is the write side used inside a business transaction.
type Appender interface {
	Append(ctx context.Context, entry *Entry) error
}

// Store defines the outbox persistence operations used by the worker.
type Store interface {
	Appender

	// FetchUnprocessed returns up to limit pending entries, oldest first.
	FetchUnprocessed(ctx context.Context, limit int) ([]*Entry, error)

	MarkProcessed(ctx context.Context, id uuid.UUID, processedAt time.Time) error

	CountPending(ctx context.Context) (int64, error)

	// DeleteProcessedBefore removes processed entries older than before.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}
