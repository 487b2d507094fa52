package lifecycle

import (
	"fmt"

	"clinicore/internal/policy"
	dErrors "clinicore/pkg/domain-errors"
)

// Edge is one named transition of a machine.
type Edge struct {
	Name TransitionName
	From []State
	// To lists the successor states. Transitions with more than one successor
	// require the caller to name the target explicitly.
	To        []State
	Action    policy.Action
	Authority Authority
	// Guard is an optional extra precondition evaluated on the source record.
	Guard func(Facts) error
	// SetsCoSigner marks the transition as recording the actor as co-signer.
	SetsCoSigner bool
}

func (e Edge) allowsFrom(s State) bool {
	return containsState(e.From, s)
}

// EditRule gates in-place updates that are not transitions.
type EditRule struct {
	States    []State
	Ownership OwnershipCondition
}

// Machine is the immutable state machine of one Kind.
type Machine struct {
	kind    Kind
	initial State
	states  []State
	edges   map[TransitionName]Edge
	edit    EditRule
}

// Kind returns the entity kind this machine governs.
func (m *Machine) Kind() Kind { return m.kind }

// Initial returns the state new records start in.
func (m *Machine) Initial() State { return m.initial }

// States returns every declared state.
func (m *Machine) States() []State { return append([]State(nil), m.states...) }

// Transition returns the edge registered under name.
func (m *Machine) Transition(name TransitionName) (Edge, bool) {
	e, ok := m.edges[name]
	return e, ok
}

// Successors lists the states directly reachable from s.
func (m *Machine) Successors(s State) []State {
	var out []State
	for _, e := range m.edges {
		if !e.allowsFrom(s) {
			continue
		}
		for _, to := range e.To {
			if !containsState(out, to) {
				out = append(out, to)
			}
		}
	}
	return out
}

// IsTerminal reports whether no transition leaves s.
func (m *Machine) IsTerminal(s State) bool {
	for _, e := range m.edges {
		if e.allowsFrom(s) {
			return false
		}
	}
	return true
}

// Editable reports whether in-place updates are allowed in s.
func (m *Machine) Editable(s State) bool {
	return containsState(m.edit.States, s)
}

// EditOwnership returns the ownership condition for in-place edits.
func (m *Machine) EditOwnership() OwnershipCondition { return m.edit.Ownership }

// Apply validates moving facts through transition name and returns the
// successor. target may be empty for single-successor transitions.
func (m *Machine) Apply(facts Facts, name TransitionName, target State) (State, error) {
	e, ok := m.edges[name]
	if !ok {
		return "", dErrors.New(dErrors.CodeInvalidTransition, fmt.Sprintf("%s has no transition %q", m.kind, name))
	}
	if !e.allowsFrom(facts.State) {
		return "", dErrors.New(dErrors.CodeInvalidTransition, fmt.Sprintf("%s cannot %s from state %q", m.kind, name, facts.State))
	}
	if e.Guard != nil {
		if err := e.Guard(facts); err != nil {
			return "", err
		}
	}
	switch {
	case target == "" && len(e.To) == 1:
		return e.To[0], nil
	case target == "":
		return "", dErrors.New(dErrors.CodeInvalidTransition, fmt.Sprintf("%s %s requires a target state", m.kind, name))
	case containsState(e.To, target):
		return target, nil
	default:
		return "", dErrors.New(dErrors.CodeInvalidTransition, fmt.Sprintf("%s %s cannot lead to state %q", m.kind, name, target))
	}
}

func containsState(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}
