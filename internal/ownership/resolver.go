// Package ownership decides whether an actor owns a record and whether the
// owner's edit window is still open.
package ownership

import (
	"fmt"
	"time"

	"clinicore/internal/lifecycle"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
)

// DefaultNursingEntryWindow is how long a nurse may edit their own entry.
const DefaultNursingEntryWindow = 24 * time.Hour

// Resolver answers ownership questions. It holds no mutable state.
type Resolver struct {
	windows map[lifecycle.Kind]time.Duration
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithWindow sets the edit window for records of kind. A non-positive
// duration removes the window.
func WithWindow(kind lifecycle.Kind, d time.Duration) Option {
	return func(r *Resolver) {
		if d <= 0 {
			delete(r.windows, kind)
			return
		}
		r.windows[kind] = d
	}
}

// New builds a resolver with the default nursing entry window.
func New(opts ...Option) *Resolver {
	r := &Resolver{windows: map[lifecycle.Kind]time.Duration{
		lifecycle.KindNursingEntry: DefaultNursingEntryWindow,
	}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsOwner reports strict id equality. Nil ids never own anything.
func (r *Resolver) IsOwner(actorID id.UserID, rec *records.Record) bool {
	if rec == nil || actorID.IsNil() || rec.OwnerID.IsNil() {
		return false
	}
	return rec.OwnerID == actorID
}

// Window returns the edit window configured for kind.
func (r *Resolver) Window(kind lifecycle.Kind) (time.Duration, bool) {
	d, ok := r.windows[kind]
	return d, ok
}

// WithinWindow reports whether now falls before the record's window closes.
// Kinds without a window are always within it.
func (r *Resolver) WithinWindow(rec *records.Record, now time.Time) bool {
	if rec == nil {
		return false
	}
	d, ok := r.windows[rec.Kind]
	if !ok {
		return true
	}
	return now.Before(rec.CreatedAt.Add(d))
}

// Check combines both gates for the own level.
func (r *Resolver) Check(actorID id.UserID, rec *records.Record, now time.Time) error {
	if !r.IsOwner(actorID, rec) {
		return dErrors.New(dErrors.CodeOwnershipRequired, "actor does not own the record")
	}
	if !r.WithinWindow(rec, now) {
		d := r.windows[rec.Kind]
		return dErrors.New(dErrors.CodeOwnershipRequired, fmt.Sprintf("edit window of %s has elapsed", d))
	}
	return nil
}
