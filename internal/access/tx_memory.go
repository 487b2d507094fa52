package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clinicore/internal/audit"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/records"
	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
	platformsync "clinicore/pkg/platform/sync"
)

// MemoryTx stages writes made inside fn and applies them only when fn
// succeeds and the context is still live. Mutations of the same record are
// serialized by a sharded lock keyed by record id.
type MemoryTx struct {
	mu      *platformsync.ShardedMutex
	records records.Store
	audit   audit.Store
	timeout time.Duration
	metrics *metrics.Metrics
}

type MemoryTxOption func(*MemoryTx)

func WithMemoryTxTimeout(d time.Duration) MemoryTxOption {
	return func(t *MemoryTx) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithLockMetrics(m *metrics.Metrics) MemoryTxOption {
	return func(t *MemoryTx) { t.metrics = m }
}

func NewMemoryTx(recs records.Store, aud audit.Store, opts ...MemoryTxOption) *MemoryTx {
	t := &MemoryTx{
		mu:      platformsync.NewShardedMutex(0),
		records: recs,
		audit:   aud,
		timeout: defaultTxTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	key := lockKeyFrom(ctx)
	lockStart := time.Now()
	if err := t.mu.Lock(ctx, key); err != nil {
		return cancelled(err)
	}
	t.metrics.ObserveLockWait(time.Since(lockStart))
	defer t.mu.Unlock(key)

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}

	staged := &stagedRecords{base: t.records, writes: make(map[id.RecordID]*records.Record)}
	entries := &stagedAudit{}
	if err := fn(ctx, Stores{Records: staged, Audit: entries}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	commitCtx := context.WithoutCancel(ctx)
	for _, e := range entries.entries {
		if err := t.audit.Append(commitCtx, e); err != nil {
			return auditFailure(err)
		}
	}
	if err := staged.apply(commitCtx); err != nil {
		return storeFailure(err)
	}
	return nil
}

type lockKey struct{}

// withLockKey selects the shard a memory transaction locks. Record-scoped
// mutations use the record id; creates share the empty key.
func withLockKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, lockKey{}, key)
}

func lockKeyFrom(ctx context.Context) string {
	if key, ok := ctx.Value(lockKey{}).(string); ok {
		return key
	}
	return ""
}

type opKind int

const (
	opCreate opKind = iota
	opSave
	opDelete
)

type stagedOp struct {
	kind   opKind
	id     id.RecordID
	record *records.Record
}

// stagedRecords reads through to the base store and buffers writes.
// A nil entry in writes marks a staged delete.
type stagedRecords struct {
	base   records.Store
	writes map[id.RecordID]*records.Record
	ops    []stagedOp
}

func (s *stagedRecords) FindByID(ctx context.Context, recordID id.RecordID) (*records.Record, error) {
	if rec, ok := s.writes[recordID]; ok {
		if rec == nil {
			return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
		}
		return rec.Clone(), nil
	}
	return s.base.FindByID(ctx, recordID)
}

func (s *stagedRecords) FindForUpdate(ctx context.Context, recordID id.RecordID) (*records.Record, error) {
	if _, ok := s.writes[recordID]; ok {
		return s.FindByID(ctx, recordID)
	}
	return s.base.FindForUpdate(ctx, recordID)
}

func (s *stagedRecords) Create(ctx context.Context, record *records.Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	_, err := s.FindByID(ctx, record.ID)
	switch {
	case err == nil:
		return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrConflict)
	case !errors.Is(err, sentinel.ErrNotFound):
		return err
	}
	s.stage(opCreate, record.ID, record.Clone())
	return nil
}

func (s *stagedRecords) Save(ctx context.Context, record *records.Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if _, err := s.FindByID(ctx, record.ID); err != nil {
		return err
	}
	s.stage(opSave, record.ID, record.Clone())
	return nil
}

func (s *stagedRecords) Delete(ctx context.Context, recordID id.RecordID) error {
	if _, err := s.FindByID(ctx, recordID); err != nil {
		return err
	}
	s.stage(opDelete, recordID, nil)
	return nil
}

func (s *stagedRecords) stage(kind opKind, recordID id.RecordID, rec *records.Record) {
	s.writes[recordID] = rec
	s.ops = append(s.ops, stagedOp{kind: kind, id: recordID, record: rec})
}

func (s *stagedRecords) apply(ctx context.Context) error {
	for _, op := range s.ops {
		var err error
		switch op.kind {
		case opCreate:
			err = s.base.Create(ctx, op.record)
		case opSave:
			err = s.base.Save(ctx, op.record)
		case opDelete:
			err = s.base.Delete(ctx, op.id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// stagedAudit holds entries until commit. IDs are assigned by the base store
// when the entries are applied.
type stagedAudit struct {
	entries []*audit.Entry
}

func (s *stagedAudit) Append(_ context.Context, e *audit.Entry) error {
	if e == nil {
		return fmt.Errorf("audit entry is required")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *stagedAudit) Query(context.Context, audit.Filter) ([]audit.Entry, error) {
	return nil, errors.New("audit entries cannot be queried inside a transaction")
}
