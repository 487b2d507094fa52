package ownership

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicore/internal/lifecycle"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
)

func TestIsOwner(t *testing.T) {
	r := New()
	owner := id.UserID(uuid.New())
	rec := &records.Record{OwnerID: owner}

	assert.True(t, r.IsOwner(owner, rec))
	assert.False(t, r.IsOwner(id.UserID(uuid.New()), rec))
	assert.False(t, r.IsOwner(id.UserID(uuid.Nil), &records.Record{}), "nil ids never own")
	assert.False(t, r.IsOwner(owner, nil))
}

func TestWithinWindow(t *testing.T) {
	r := New()
	created := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	entry := &records.Record{Kind: lifecycle.KindNursingEntry, CreatedAt: created}

	t.Run("inside 24h", func(t *testing.T) {
		assert.True(t, r.WithinWindow(entry, created.Add(23*time.Hour)))
	})
	t.Run("exactly at the boundary is closed", func(t *testing.T) {
		assert.False(t, r.WithinWindow(entry, created.Add(24*time.Hour)))
	})
	t.Run("25h later", func(t *testing.T) {
		assert.False(t, r.WithinWindow(entry, created.Add(25*time.Hour)))
	})
	t.Run("kinds without window are always open", func(t *testing.T) {
		vitals := &records.Record{CreatedAt: created}
		assert.True(t, r.WithinWindow(vitals, created.Add(365*24*time.Hour)))
	})
}

func TestWithWindow(t *testing.T) {
	created := time.Now()
	note := &records.Record{Kind: lifecycle.KindClinicalNote, CreatedAt: created}

	r := New(WithWindow(lifecycle.KindClinicalNote, time.Hour), WithWindow(lifecycle.KindNursingEntry, 0))
	assert.False(t, r.WithinWindow(note, created.Add(2*time.Hour)))

	_, ok := r.Window(lifecycle.KindNursingEntry)
	assert.False(t, ok)
}

func TestCheck(t *testing.T) {
	r := New()
	owner := id.UserID(uuid.New())
	created := time.Now()
	entry := &records.Record{Kind: lifecycle.KindNursingEntry, OwnerID: owner, CreatedAt: created}

	require.NoError(t, r.Check(owner, entry, created.Add(time.Hour)))

	err := r.Check(id.UserID(uuid.New()), entry, created.Add(time.Hour))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOwnershipRequired))

	err = r.Check(owner, entry, created.Add(25*time.Hour))
	assert.True(t, dErrors.HasCode(err, dErrors.CodeOwnershipRequired))
	assert.Contains(t, err.Error(), "window")
}
