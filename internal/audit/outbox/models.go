package outbox

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"clinicore/internal/audit"
)

// EventType is the header value consumers use to route audit messages.
const EventType = "audit_entry_recorded"

// Entry is a pending message in the outbox table, written in the same
// transaction as the audit entry it carries.
type Entry struct {
	ID            uuid.UUID
	AggregateType string // audit table name
	AggregateID   string // audited record id
	EventType     string
	Payload       []byte // JSON-encoded audit.Entry
	CreatedAt     time.Time
	ProcessedAt   *time.Time // nil while pending
}

// IsPending returns true if this entry has not been published yet.
func (e *Entry) IsPending() bool {
	return e.ProcessedAt == nil
}

// FromAudit wraps a persisted audit entry. The audit entry must already carry
// its id so consumers can deduplicate.
func FromAudit(e audit.Entry) (*Entry, error) {
	if e.ID == 0 {
		return nil, fmt.Errorf("audit entry has no id")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode audit entry %d: %w", e.ID, err)
	}
	return &Entry{
		ID:            uuid.New(),
		AggregateType: e.Table,
		AggregateID:   e.RecordID,
		EventType:     EventType,
		Payload:       payload,
		CreatedAt:     e.Timestamp,
	}, nil
}

// AuditID extracts the audit id from the payload for message keys.
func (e *Entry) AuditID() string {
	var head struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(e.Payload, &head); err != nil || head.ID == 0 {
		return e.ID.String()
	}
	return strconv.FormatInt(head.ID, 10)
}
