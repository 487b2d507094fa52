package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"clinicore/internal/platform/metrics"
)

// Recorder writes audit entries and mirrors them to the operational log.
// Allowed mutations are written synchronously inside their transaction;
// denied attempts go through RecordDenied, which never fails the caller.
type Recorder struct {
	store   Store
	denied  chan Entry
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	async   bool
	now     func() time.Time
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithAsyncBuffer queues denied entries in a buffer of the given size and
// persists them in a background goroutine. Entries are dropped with a
// warning when the buffer is full.
func WithAsyncBuffer(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.denied = make(chan Entry, size)
			r.async = true
		}
	}
}

func WithLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		r.now = now
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.async {
		r.wg.Add(1)
		go r.processDenied()
	}
	return r
}

func (r *Recorder) processDenied() {
	defer r.wg.Done()
	for e := range r.denied {
		r.persistDenied(context.Background(), e)
	}
}

// Close stops the async worker and waits for queued entries to drain.
// Denied entries recorded after Close are written synchronously.
func (r *Recorder) Close() {
	if !r.async {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.denied)
	r.mu.Unlock()
	r.wg.Wait()
}

// Stamp fills the timestamp if the caller did not set one.
func (r *Recorder) Stamp(e *Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
}

// Record appends e to the recorder's own store. Failures are returned.
func (r *Recorder) Record(ctx context.Context, e *Entry) error {
	return r.RecordTo(ctx, r.store, e)
}

// RecordTo appends e to store, which is usually bound to the transaction
// that performs the audited mutation.
func (r *Recorder) RecordTo(ctx context.Context, store Store, e *Entry) error {
	r.Stamp(e)
	if err := store.Append(ctx, e); err != nil {
		r.metrics.IncAuditWriteFailure(string(e.Decision))
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "audit write failed",
				"error", err,
				"table", e.Table,
				"record_id", e.RecordID,
				"operation", e.Operation,
				"decision", e.Decision,
			)
		}
		return err
	}
	return nil
}

// Mirror writes a committed entry to the operational log.
func (r *Recorder) Mirror(ctx context.Context, e Entry) {
	if r.logger == nil {
		return
	}
	r.logger.InfoContext(ctx, "audit_entry",
		"operation", e.Operation,
		"log_type", "audit",
		"audit_id", e.ID,
		"table", e.Table,
		"record_id", e.RecordID,
		"action", e.Action,
		"actor_id", e.ActorID.String(),
		"decision", e.Decision,
		"reason", e.Reason,
	)
}

// RecordDenied records a denied attempt on a best-effort basis.
func (r *Recorder) RecordDenied(ctx context.Context, e Entry) {
	r.Stamp(&e)
	if !r.async {
		r.persistDenied(context.WithoutCancel(ctx), e)
		return
	}
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		r.persistDenied(context.WithoutCancel(ctx), e)
		return
	}
	defer r.mu.RUnlock()
	select {
	case r.denied <- e:
	default:
		r.metrics.IncAuditDropped()
		if r.logger != nil {
			r.logger.WarnContext(ctx, "audit buffer full, denied entry dropped",
				"table", e.Table,
				"record_id", e.RecordID,
				"operation", e.Operation,
				"actor_id", e.ActorID.String(),
			)
		}
	}
}

func (r *Recorder) persistDenied(ctx context.Context, e Entry) {
	if err := r.RecordTo(ctx, r.store, &e); err != nil {
		return
	}
	r.Mirror(ctx, e)
}

// Query reads entries from the recorder's store.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	return r.store.Query(ctx, f)
}
