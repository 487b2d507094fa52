package access

import (
	"context"
	"database/sql"
	"time"

	"clinicore/internal/audit"
	"clinicore/internal/audit/outbox"
	"clinicore/internal/records"
	dErrors "clinicore/pkg/domain-errors"
)

// defaultTxTimeout bounds a transaction whose caller set no deadline.
const defaultTxTimeout = 5 * time.Second

// Stores are the stores bound to one transaction. Outbox is nil when the
// runner does not feed the outbox.
type Stores struct {
	Records records.Store
	Audit   audit.Store
	Outbox  outbox.Appender
}

// TxRunner provides the transactional boundary for a mutation: the record
// write and its audit entry commit together or not at all.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error
}

// PostgresTx runs fn inside a read-committed database transaction.
type PostgresTx struct {
	db      *sql.DB
	timeout time.Duration
	outbox  bool
}

type PostgresTxOption func(*PostgresTx)

// WithOutbox binds an outbox store to each transaction.
func WithOutbox() PostgresTxOption {
	return func(t *PostgresTx) { t.outbox = true }
}

func WithTxTimeout(d time.Duration) PostgresTxOption {
	return func(t *PostgresTx) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func NewPostgresTx(db *sql.DB, opts ...PostgresTxOption) *PostgresTx {
	t := &PostgresTx{db: db, timeout: defaultTxTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RunInTx begins the transaction on a context detached from the caller's
// cancellation so that a cancel between the last statement and Commit cannot
// tear the commit in half. Statements still observe the caller's context, and
// cancellation is checked once more before committing.
func (t *PostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Stores) error) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	txCtx, cancelTx := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancelTx()
	tx, err := t.db.BeginTx(txCtx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return storeFailure(err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
	}()

	stores := Stores{
		Records: records.NewPostgresTx(tx),
		Audit:   audit.NewPostgresTx(tx),
	}
	if t.outbox {
		stores.Outbox = outbox.NewPostgresTx(tx)
	}
	if err := fn(ctx, stores); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	if err := tx.Commit(); err != nil {
		return storeFailure(err)
	}
	return nil
}

func cancelled(err error) error {
	return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
}
