package records

import (
	"encoding/json"
	"fmt"
	"time"

	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	id "clinicore/pkg/domain"
)

// Record is a clinical or administrative entity under access control.
// Status is empty for resources that have no lifecycle.
type Record struct {
	ID         id.RecordID     `json:"id"`
	Resource   policy.Resource `json:"resource"`
	Kind       lifecycle.Kind  `json:"kind,omitempty"`
	OwnerID    id.UserID       `json:"owner_id"`
	Status     lifecycle.State `json:"status,omitempty"`
	CoSignerID *id.UserID      `json:"co_signer_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Facts projects the record onto what lifecycle guards inspect.
func (r *Record) Facts() lifecycle.Facts {
	return lifecycle.Facts{State: r.Status, CoSigned: r.CoSignerID != nil}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CoSignerID != nil {
		signer := *r.CoSignerID
		c.CoSignerID = &signer
	}
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// Snapshot encodes the record for audit old/new values.
func (r *Record) Snapshot() (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("snapshot record %s: %w", r.ID, err)
	}
	return b, nil
}
