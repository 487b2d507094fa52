package audit

import "context"

// DefaultQueryLimit caps queries that do not set Filter.Limit.
const DefaultQueryLimit = 500

// Store is append-only: there is no operation that changes or removes an
// entry once Append has returned.
type Store interface {
	// Append persists e and assigns e.ID. IDs increase monotonically.
	Append(ctx context.Context, e *Entry) error
	// Query returns matching entries ordered by ID ascending.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}

func effectiveLimit(f Filter) int {
	if f.Limit <= 0 || f.Limit > DefaultQueryLimit {
		return DefaultQueryLimit
	}
	return f.Limit
}
