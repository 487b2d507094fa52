package audit_test

//go:generate mockgen -source=store.go -destination=mocks/mocks.go -package=mocks Store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"clinicore/internal/audit"
	"clinicore/internal/audit/mocks"
	"clinicore/internal/platform/metrics"
	id "clinicore/pkg/domain"
)

type RecorderSuite struct {
	suite.Suite
	ctrl    *gomock.Controller
	store   *mocks.MockStore
	metrics *metrics.Metrics
	logs    *bytes.Buffer
	logger  *slog.Logger
}

func TestRecorderSuite(t *testing.T) {
	suite.Run(t, new(RecorderSuite))
}

func (s *RecorderSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.logs = &bytes.Buffer{}
	s.logger = slog.New(slog.NewJSONHandler(s.logs, nil))
}

func (s *RecorderSuite) TearDownTest() {
	s.ctrl.Finish()
}

func deniedEntry() audit.Entry {
	return audit.Entry{
		Table:     "clinical_notes",
		RecordID:  uuid.NewString(),
		Action:    audit.ActionUpdate,
		ActorID:   id.UserID(uuid.New()),
		Decision:  audit.DecisionDenied,
		Operation: "transition:cosign",
		Reason:    "same_actor_cosign",
	}
}

func (s *RecorderSuite) TestRecordStampsTimestamp() {
	fixed := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	rec := audit.NewRecorder(s.store, audit.WithClock(func() time.Time { return fixed }))

	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, e *audit.Entry) error {
		s.Equal(fixed, e.Timestamp)
		e.ID = 7
		return nil
	})

	e := &audit.Entry{Decision: audit.DecisionAllowed}
	s.Require().NoError(rec.Record(context.Background(), e))
	s.Equal(int64(7), e.ID)
}

func (s *RecorderSuite) TestRecordReturnsStoreFailure() {
	rec := audit.NewRecorder(s.store, audit.WithLogger(s.logger), audit.WithMetrics(s.metrics))
	storeErr := errors.New("disk full")
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(storeErr)

	err := rec.Record(context.Background(), &audit.Entry{Decision: audit.DecisionAllowed})
	s.ErrorIs(err, storeErr)
	s.Contains(s.logs.String(), `"level":"ERROR"`)
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AuditWriteFailures.WithLabelValues("allowed")))
}

func (s *RecorderSuite) TestRecordDeniedSwallowsFailure() {
	rec := audit.NewRecorder(s.store, audit.WithLogger(s.logger), audit.WithMetrics(s.metrics))
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("unreachable"))

	rec.RecordDenied(context.Background(), deniedEntry())
	s.Contains(s.logs.String(), "audit write failed")
	s.Equal(1.0, testutil.ToFloat64(s.metrics.AuditWriteFailures.WithLabelValues("denied")))
}

func (s *RecorderSuite) TestRecordDeniedSurvivesCancelledContext() {
	store := audit.NewInMemoryStore()
	rec := audit.NewRecorder(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.RecordDenied(ctx, deniedEntry())
	s.Equal(1, store.Len())
}

func (s *RecorderSuite) TestAsyncDrainsOnClose() {
	store := audit.NewInMemoryStore()
	rec := audit.NewRecorder(store, audit.WithAsyncBuffer(16), audit.WithLogger(s.logger))
	for range 10 {
		rec.RecordDenied(context.Background(), deniedEntry())
	}
	rec.Close()
	s.Equal(10, store.Len())
	s.Contains(s.logs.String(), `"log_type":"audit"`)
}

func (s *RecorderSuite) TestRecordDeniedAfterCloseWritesSynchronously() {
	store := audit.NewInMemoryStore()
	rec := audit.NewRecorder(store, audit.WithAsyncBuffer(4))
	rec.Close()
	rec.Close()

	s.NotPanics(func() { rec.RecordDenied(context.Background(), deniedEntry()) })
	s.Equal(1, store.Len())
}

func (s *RecorderSuite) TestRecordDeniedConcurrentWithClose() {
	store := audit.NewInMemoryStore()
	rec := audit.NewRecorder(store, audit.WithAsyncBuffer(256))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				rec.RecordDenied(context.Background(), deniedEntry())
			}
		}()
	}
	rec.Close()
	wg.Wait()

	// queued entries drain on Close; later ones are written inline
	s.Equal(160, store.Len())
}

func (s *RecorderSuite) TestAsyncDropsWhenFull() {
	block := make(chan struct{})
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *audit.Entry) error {
		<-block
		return nil
	}).AnyTimes()

	rec := audit.NewRecorder(s.store, audit.WithAsyncBuffer(1), audit.WithLogger(s.logger), audit.WithMetrics(s.metrics))
	// One entry is held by the worker, one fills the buffer; the rest drop.
	for range 5 {
		rec.RecordDenied(context.Background(), deniedEntry())
	}
	close(block)
	rec.Close()

	s.GreaterOrEqual(testutil.ToFloat64(s.metrics.AuditDropped), 3.0)
	s.Contains(s.logs.String(), "audit buffer full")
}

func TestInMemoryStore_AppendOnlyAndQuery(t *testing.T) {
	store := audit.NewInMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	alice := id.UserID(uuid.New())
	bob := id.UserID(uuid.New())
	recordID := uuid.NewString()

	entries := []*audit.Entry{
		{Table: "clinical_notes", RecordID: recordID, ActorID: alice, Timestamp: base, Decision: audit.DecisionAllowed, NewValues: json.RawMessage(`{"v":1}`)},
		{Table: "clinical_notes", RecordID: recordID, ActorID: bob, Timestamp: base.Add(time.Hour), Decision: audit.DecisionDenied},
		{Table: "alarms", RecordID: uuid.NewString(), ActorID: alice, Timestamp: base.Add(2 * time.Hour), Decision: audit.DecisionAllowed},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}
	assert.Equal(t, []int64{1, 2, 3}, []int64{entries[0].ID, entries[1].ID, entries[2].ID})

	// Caller mutation after append does not reach the store
	entries[0].NewValues[2] = 'X'
	entries[0].Table = "tampered"

	t.Run("by table", func(t *testing.T) {
		got, err := store.Query(ctx, audit.Filter{Table: "clinical_notes"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.JSONEq(t, `{"v":1}`, string(got[0].NewValues))
		assert.Less(t, got[0].ID, got[1].ID)
	})

	t.Run("by record and actor", func(t *testing.T) {
		got, err := store.Query(ctx, audit.Filter{RecordID: recordID, ActorID: bob})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, audit.DecisionDenied, got[0].Decision)
	})

	t.Run("half-open time range", func(t *testing.T) {
		got, err := store.Query(ctx, audit.Filter{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(2), got[0].ID)
	})

	t.Run("limit", func(t *testing.T) {
		got, err := store.Query(ctx, audit.Filter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("returned copies are detached", func(t *testing.T) {
		got, err := store.Query(ctx, audit.Filter{})
		require.NoError(t, err)
		got[0].Decision = audit.DecisionDenied
		again, err := store.Query(ctx, audit.Filter{})
		require.NoError(t, err)
		assert.Equal(t, audit.DecisionAllowed, again[0].Decision)
	})
}

func TestEntryJSONShape(t *testing.T) {
	e := audit.Entry{
		ID: 1, Table: "alarms", RecordID: "r", Action: audit.ActionUpdate,
		ActorID: id.UserID(uuid.New()), SourceIP: "10.0.0.1", UserAgent: "ua",
		Timestamp: time.Now().UTC(), Decision: audit.DecisionAllowed, Operation: "transition:acknowledge",
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, key := range []string{"id", "table", "record_id", "action", "actor_id", "source_ip", "user_agent", "timestamp", "decision", "operation"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, e.ActorID.String(), fields["actor_id"])
}
