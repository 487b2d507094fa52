package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore/internal/audit"
	"clinicore/internal/platform/metrics"
	"clinicore/internal/records"
	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
)

func newRecord() *records.Record {
	return &records.Record{ID: id.NewRecordID(), Resource: "patient_vitals", OwnerID: id.UserID(uuid.New()), CreatedAt: time.Now()}
}

func TestMemoryTxCommitsStagedWrites(t *testing.T) {
	recs := records.NewInMemoryStore()
	aud := audit.NewInMemoryStore()
	m := metrics.New(prometheus.NewRegistry())
	tx := NewMemoryTx(recs, aud, WithLockMetrics(m))
	rec := newRecord()

	var entry audit.Entry
	err := tx.RunInTx(context.Background(), func(ctx context.Context, st Stores) error {
		require.Nil(t, st.Outbox)
		require.NoError(t, st.Records.Create(ctx, rec))

		// staged writes are visible inside the transaction only
		got, err := st.Records.FindByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Zero(t, recs.Len())
		assert.ErrorIs(t, st.Records.Create(ctx, rec), sentinel.ErrConflict)

		entry = audit.Entry{Table: "patient_vitals", RecordID: rec.ID.String()}
		return st.Audit.Append(ctx, &entry)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, recs.Len())
	assert.Equal(t, 1, aud.Len())
	assert.Equal(t, int64(1), entry.ID)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TxLockWait))
}

func TestMemoryTxDiscardsOnError(t *testing.T) {
	recs := records.NewInMemoryStore()
	aud := audit.NewInMemoryStore()
	tx := NewMemoryTx(recs, aud)
	existing := newRecord()
	require.NoError(t, recs.Create(context.Background(), existing))

	boom := errors.New("boom")
	err := tx.RunInTx(context.Background(), func(ctx context.Context, st Stores) error {
		require.NoError(t, st.Records.Delete(ctx, existing.ID))
		_, err := st.Records.FindForUpdate(ctx, existing.ID)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		require.NoError(t, st.Audit.Append(ctx, &audit.Entry{}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, recs.Len())
	assert.Zero(t, aud.Len())
}

func TestMemoryTxRejectsCancelledContext(t *testing.T) {
	tx := NewMemoryTx(records.NewInMemoryStore(), audit.NewInMemoryStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := tx.RunInTx(ctx, func(context.Context, Stores) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}

func TestMemoryTxLockWaitHonoursDeadline(t *testing.T) {
	tx := NewMemoryTx(records.NewInMemoryStore(), audit.NewInMemoryStore())
	ctx := withLockKey(context.Background(), "rec-1")

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tx.RunInTx(ctx, func(context.Context, Stores) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	called := false
	err := tx.RunInTx(waitCtx, func(context.Context, Stores) error {
		called = true
		return nil
	})
	close(release)
	<-done

	assert.False(t, called)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}

func TestMemoryTxSaveRequiresExistingRecord(t *testing.T) {
	tx := NewMemoryTx(records.NewInMemoryStore(), audit.NewInMemoryStore())
	err := tx.RunInTx(context.Background(), func(ctx context.Context, st Stores) error {
		return st.Records.Save(ctx, newRecord())
	})
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestLockKeyFromContext(t *testing.T) {
	assert.Empty(t, lockKeyFrom(context.Background()))
	assert.Equal(t, "abc", lockKeyFrom(withLockKey(context.Background(), "abc")))
}
