package audit

import (
	"encoding/json"
	"time"

	id "clinicore/pkg/domain"
)

// Action is the data operation an entry describes.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSelect Action = "select"
)

// Decision records whether the engine allowed the attempt.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
)

// Entry is one immutable audit record. The JSON shape is consumed by
// downstream compliance tooling and must stay stable.
type Entry struct {
	ID        int64           `json:"id"`
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	Action    Action          `json:"action"`
	OldValues json.RawMessage `json:"old_values,omitempty"`
	NewValues json.RawMessage `json:"new_values,omitempty"`
	ActorID   id.UserID       `json:"actor_id"`
	SourceIP  string          `json:"source_ip"`
	UserAgent string          `json:"user_agent"`
	Timestamp time.Time       `json:"timestamp"`
	Decision  Decision        `json:"decision"`
	// Operation names the business operation, e.g. "transition:cosign".
	Operation string `json:"operation"`
	// Reason carries the denial code, empty for allowed entries.
	Reason string `json:"reason,omitempty"`
}

func (e Entry) clone() Entry {
	if e.OldValues != nil {
		e.OldValues = append(json.RawMessage(nil), e.OldValues...)
	}
	if e.NewValues != nil {
		e.NewValues = append(json.RawMessage(nil), e.NewValues...)
	}
	return e
}

// Filter selects entries. Zero fields do not constrain the query.
// The time range is half-open: From <= Timestamp < To.
type Filter struct {
	Table    string
	RecordID string
	ActorID  id.UserID
	From     time.Time
	To       time.Time
	Decision Decision
	Limit    int
}

// Matches reports whether e satisfies every constraint in f.
func (f Filter) Matches(e Entry) bool {
	switch {
	case f.Table != "" && e.Table != f.Table:
		return false
	case f.RecordID != "" && e.RecordID != f.RecordID:
		return false
	case !f.ActorID.IsNil() && e.ActorID != f.ActorID:
		return false
	case !f.From.IsZero() && e.Timestamp.Before(f.From):
		return false
	case !f.To.IsZero() && !e.Timestamp.Before(f.To):
		return false
	case f.Decision != "" && e.Decision != f.Decision:
		return false
	}
	return true
}
