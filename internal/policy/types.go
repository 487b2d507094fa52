package policy

import (
	"fmt"

	dErrors "clinicore/pkg/domain-errors"
)

// Role is a coarse identity classification assigned by the identity provider.
type Role string

const (
	RolePhysician Role = "physician"
	RoleNurse     Role = "nurse"
	RoleAdmin     Role = "admin"
)

// KnownRoles is the closed set of roles the engine understands.
var KnownRoles = map[Role]struct{}{
	RolePhysician: {},
	RoleNurse:     {},
	RoleAdmin:     {},
}

// IsValid reports whether r is one of the enumerated roles.
func (r Role) IsValid() bool {
	_, ok := KnownRoles[r]
	return ok
}

// ParseRole validates a role claim at a trust boundary.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown role %q", s))
	}
	return r, nil
}

// Resource names a capability domain, e.g. clinical_note or insurance_record.
// The set is fixed by the deployed policy artifact.
type Resource string

// Action is the operation requested against a resource.
type Action string

const (
	ActionCreate      Action = "create"
	ActionRead        Action = "read"
	ActionUpdate      Action = "update"
	ActionDelete      Action = "delete"
	ActionAcknowledge Action = "acknowledge"
	ActionExecute     Action = "execute"
)

var KnownActions = map[Action]struct{}{
	ActionCreate: {}, ActionRead: {}, ActionUpdate: {}, ActionDelete: {},
	ActionAcknowledge: {}, ActionExecute: {},
}

func (a Action) IsValid() bool {
	_, ok := KnownActions[a]
	return ok
}

// IsMutating reports whether the action changes state.
func (a Action) IsMutating() bool {
	return a != ActionRead
}

// ParseAction validates an action name at a trust boundary.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown action %q", s))
	}
	return a, nil
}

// Level is the granularity of access a role has to a resource-action pair.
// The zero value is LevelNone, so an absent entry never implies access.
type Level string

const (
	LevelNone        Level = ""
	LevelRead        Level = "read"
	LevelOwn         Level = "own"
	LevelAcknowledge Level = "acknowledge"
	LevelExecute     Level = "execute"
	LevelFull        Level = "full"
)

// levelNames maps artifact spellings to levels. "none" is accepted explicitly
// so that every grant in the artifact can be written out.
var levelNames = map[string]Level{
	"none":        LevelNone,
	"read":        LevelRead,
	"own":         LevelOwn,
	"acknowledge": LevelAcknowledge,
	"execute":     LevelExecute,
	"full":        LevelFull,
}

// ParseLevel resolves an artifact spelling to a Level.
func ParseLevel(s string) (Level, error) {
	l, ok := levelNames[s]
	if !ok {
		return LevelNone, dErrors.New(dErrors.CodeInvalidInput, fmt.Sprintf("unknown permission level %q", s))
	}
	return l, nil
}

// String returns the artifact spelling, "none" for the zero value.
func (l Level) String() string {
	if l == LevelNone {
		return "none"
	}
	return string(l)
}

// UnmarshalText lets YAML and JSON decoders read levels by name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText writes the artifact spelling.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Satisfies reports whether l meets a minimum requirement. Full satisfies
// everything; other levels only satisfy themselves. LevelNone as a minimum
// imposes no requirement.
func (l Level) Satisfies(minimum Level) bool {
	switch {
	case minimum == LevelNone:
		return true
	case l == LevelFull:
		return true
	default:
		return l == minimum
	}
}
