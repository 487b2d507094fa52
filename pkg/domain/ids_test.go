package domain

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "clinicore/pkg/domain-errors"
)

// TestParseUUID_Invariants validates the parsing invariant at trust boundaries:
// identifiers must be non-empty, well-formed UUIDs.
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseRecordID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("nil UUID parses but reports IsNil", func(t *testing.T) {
		id, err := ParseUserID(uuid.Nil.String())
		require.NoError(t, err)
		assert.True(t, id.IsNil())
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		raw := uuid.New()
		id, err := ParseRecordID(raw.String())
		require.NoError(t, err)
		assert.Equal(t, raw.String(), id.String())
		assert.False(t, id.IsNil())
	})
}

func TestIDsMarshalAsStrings(t *testing.T) {
	raw := uuid.New()
	b, err := json.Marshal(struct {
		Owner UserID `json:"owner"`
	}{UserID(raw)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"owner":"`+raw.String()+`"}`, string(b))

	var decoded struct {
		Record RecordID `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"record":"`+raw.String()+`"}`), &decoded))
	assert.Equal(t, RecordID(raw), decoded.Record)

	require.Error(t, json.Unmarshal([]byte(`{"record":"nope"}`), &decoded))
}
