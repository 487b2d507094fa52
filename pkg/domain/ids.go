// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "clinicore/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing a RecordID where a UserID is expected.
type (
	UserID   uuid.UUID
	RecordID uuid.UUID
)

// NewRecordID generates a fresh random record identifier.
func NewRecordID() RecordID { return RecordID(uuid.New()) }

// Parse functions - use at trust boundaries (handlers, claims, API inputs).

func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s, "user ID")
	return UserID(id), err
}

func ParseRecordID(s string) (RecordID, error) {
	id, err := parseUUID(s, "record ID")
	return RecordID(id), err
}

// String methods - for logging and debugging.

func (id UserID) String() string   { return uuid.UUID(id).String() }
func (id RecordID) String() string { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id UserID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id RecordID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// parseUUID is the shared validation logic.
// Nil UUIDs are allowed here; callers use IsNil() for business validation.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	return id, nil
}

// Text marshaling - keeps IDs as canonical strings in JSON payloads and audit snapshots.

func (id UserID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id RecordID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *UserID) UnmarshalText(b []byte) error {
	parsed, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *RecordID) UnmarshalText(b []byte) error {
	parsed, err := ParseRecordID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
