//go:build integration

package records_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
	"clinicore/pkg/testutil"
	"clinicore/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *records.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = records.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateAll(context.Background()))
}

func (s *PostgresStoreSuite) TestCreateFindSaveDelete() {
	ctx := context.Background()
	owner := id.UserID(uuid.New())
	rec := testutil.Record("clinical_note", owner, lifecycle.StateDraft, time.Now().Truncate(time.Microsecond))

	s.Require().NoError(s.store.Create(ctx, rec))
	s.ErrorIs(s.store.Create(ctx, rec), sentinel.ErrConflict)

	got, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.ID, got.ID)
	s.Equal(policy.Resource("clinical_note"), got.Resource)
	s.Equal(lifecycle.StateDraft, got.Status)
	s.Nil(got.CoSignerID)
	s.JSONEq(`{"text":"fixture"}`, string(got.Payload))

	signer := id.UserID(uuid.New())
	got.Status = lifecycle.StateReleased
	got.CoSignerID = &signer
	got.Payload = json.RawMessage(`{"text":"amended"}`)
	got.UpdatedAt = time.Now().UTC()
	s.Require().NoError(s.store.Save(ctx, got))

	again, err := s.store.FindByID(ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(lifecycle.StateReleased, again.Status)
	s.Require().NotNil(again.CoSignerID)
	s.Equal(signer, *again.CoSignerID)

	s.Require().NoError(s.store.Delete(ctx, rec.ID))
	_, err = s.store.FindByID(ctx, rec.ID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	s.ErrorIs(s.store.Delete(ctx, rec.ID), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestSaveMissingRecord() {
	rec := testutil.Record("nursing_entry", id.UserID(uuid.New()), lifecycle.StateRecorded, time.Now())
	s.ErrorIs(s.store.Save(context.Background(), rec), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestRecordWithoutLifecycle() {
	ctx := context.Background()
	rec := testutil.Record("patient_vitals", id.UserID(uuid.New()), "", time.Now())
	rec.Kind = ""
	s.Require().NoError(s.store.Create(ctx, rec))

	got, err := s.store.FindForUpdate(ctx, rec.ID)
	s.Require().NoError(err)
	s.Empty(got.Kind)
	s.Empty(got.Status)
}
