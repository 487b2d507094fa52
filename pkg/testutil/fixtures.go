package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"clinicore/internal/identity"
	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	"clinicore/internal/records"
	id "clinicore/pkg/domain"
)

// Actor returns an actor with a fresh id.
func Actor(role policy.Role) identity.Actor {
	return identity.Actor{ID: id.UserID(uuid.New()), Role: role}
}

// Record builds a record of resource owned by owner. Kind is taken from the
// resource name, which matches for every lifecycle resource in the default
// table.
func Record(resource policy.Resource, owner id.UserID, status lifecycle.State, createdAt time.Time) *records.Record {
	return &records.Record{
		ID:        id.NewRecordID(),
		Resource:  resource,
		Kind:      lifecycle.Kind(resource),
		OwnerID:   owner,
		Status:    status,
		Payload:   json.RawMessage(`{"text":"fixture"}`),
		CreatedAt: createdAt.UTC(),
		UpdatedAt: createdAt.UTC(),
	}
}
