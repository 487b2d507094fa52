package lifecycle

import (
	"errors"
	"fmt"

	"clinicore/internal/policy"
	dErrors "clinicore/pkg/domain-errors"
)

// MachineSpec declares a machine for NewRegistry.
type MachineSpec struct {
	Kind    Kind
	Initial State
	States  []State
	Edges   []Edge
	Edit    EditRule
}

// Registry holds every machine. It is read-only after construction.
type Registry struct {
	machines map[Kind]*Machine
	owners   map[TransitionName]Kind
}

// NewRegistry validates each MachineSpec: states referenced by edges must be
// declared, and every transition name belongs to exactly one kind.
func NewRegistry(specs ...MachineSpec) (*Registry, error) {
	r := &Registry{
		machines: make(map[Kind]*Machine, len(specs)),
		owners:   make(map[TransitionName]Kind),
	}
	for _, spec := range specs {
		if _, dup := r.machines[spec.Kind]; dup {
			return nil, fmt.Errorf("lifecycle: kind %q declared twice", spec.Kind)
		}
		if !containsState(spec.States, spec.Initial) {
			return nil, fmt.Errorf("lifecycle: %s initial state %q is not declared", spec.Kind, spec.Initial)
		}
		m := &Machine{
			kind:    spec.Kind,
			initial: spec.Initial,
			states:  append([]State(nil), spec.States...),
			edges:   make(map[TransitionName]Edge, len(spec.Edges)),
			edit:    spec.Edit,
		}
		for _, e := range spec.Edges {
			if owner, taken := r.owners[e.Name]; taken {
				return nil, fmt.Errorf("lifecycle: transition %q already belongs to %s", e.Name, owner)
			}
			if len(e.From) == 0 || len(e.To) == 0 {
				return nil, fmt.Errorf("lifecycle: %s %s needs source and target states", spec.Kind, e.Name)
			}
			for _, s := range append(append([]State(nil), e.From...), e.To...) {
				if !containsState(spec.States, s) {
					return nil, fmt.Errorf("lifecycle: %s %s references undeclared state %q", spec.Kind, e.Name, s)
				}
			}
			if e.Action == "" {
				e.Action = policy.ActionUpdate
			}
			r.owners[e.Name] = spec.Kind
			m.edges[e.Name] = e
		}
		for _, s := range spec.Edit.States {
			if !containsState(spec.States, s) {
				return nil, fmt.Errorf("lifecycle: %s edit rule references undeclared state %q", spec.Kind, s)
			}
		}
		r.machines[spec.Kind] = m
	}
	return r, nil
}

// ForKind returns the machine for k.
func (r *Registry) ForKind(k Kind) (*Machine, bool) {
	m, ok := r.machines[k]
	return m, ok
}

// Lookup returns the machine owning the named transition.
func (r *Registry) Lookup(name TransitionName) (*Machine, bool) {
	k, ok := r.owners[name]
	if !ok {
		return nil, false
	}
	return r.machines[k], true
}

// Kinds returns every registered kind.
func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.machines))
	for k := range r.machines {
		out = append(out, k)
	}
	return out
}

var errAlreadyCoSigned = dErrors.New(dErrors.CodeInvalidTransition, "clinical note is already co-signed")

func notCoSigned(f Facts) error {
	if f.CoSigned {
		return errAlreadyCoSigned
	}
	return nil
}

// ReferenceSpecs returns the machines of the reference clinical domain.
func ReferenceSpecs() []MachineSpec {
	physicianOnly := []policy.Role{policy.RolePhysician}
	return []MachineSpec{
		{
			Kind:    KindClinicalNote,
			Initial: StateDraft,
			States:  []State{StateDraft, StateReleased, StateArchived},
			Edges: []Edge{
				{Name: TransitionRelease, From: []State{StateDraft}, To: []State{StateReleased},
					Authority: Authority{Roles: physicianOnly, Ownership: OwnerOnly}},
				{Name: TransitionCosign, From: []State{StateReleased}, To: []State{StateReleased},
					Authority: Authority{Roles: physicianOnly, Ownership: NotOwner},
					Guard:     notCoSigned, SetsCoSigner: true},
				{Name: TransitionArchive, From: []State{StateReleased}, To: []State{StateArchived},
					Authority: Authority{Roles: physicianOnly}},
			},
			Edit: EditRule{States: []State{StateDraft}, Ownership: OwnerOnly},
		},
		{
			Kind:    KindMedicationAdministration,
			Initial: StatePlanned,
			States:  []State{StatePlanned, StateGiven, StateRefused, StateOmitted},
			Edges: []Edge{
				{Name: TransitionAdminister, From: []State{StatePlanned}, To: []State{StateGiven, StateRefused, StateOmitted},
					Authority: Authority{Roles: []policy.Role{policy.RoleNurse}}},
			},
			Edit: EditRule{States: []State{StatePlanned}},
		},
		{
			Kind:    KindMedicationOrder,
			Initial: StateActive,
			States:  []State{StateActive, StateStopped},
			Edges: []Edge{
				{Name: TransitionStop, From: []State{StateActive}, To: []State{StateStopped},
					Authority: Authority{Roles: physicianOnly}},
			},
			Edit: EditRule{States: []State{StateActive}},
		},
		{
			Kind:    KindAlarm,
			Initial: StateOpen,
			States:  []State{StateOpen, StateAcknowledged, StateClosed},
			Edges: []Edge{
				{Name: TransitionAcknowledge, From: []State{StateOpen}, To: []State{StateAcknowledged},
					Action:    policy.ActionAcknowledge,
					Authority: Authority{Roles: []policy.Role{policy.RolePhysician, policy.RoleNurse}}},
				{Name: TransitionClose, From: []State{StateAcknowledged}, To: []State{StateClosed},
					Authority: Authority{MinLevel: policy.LevelFull}},
			},
		},
		{
			Kind:    KindConsent,
			Initial: StateGranted,
			States:  []State{StateGranted, StateRevoked},
			Edges: []Edge{
				{Name: TransitionRevoke, From: []State{StateGranted}, To: []State{StateRevoked},
					Authority: Authority{MinLevel: policy.LevelFull}},
			},
		},
		{
			Kind:    KindDirective,
			Initial: StateActive,
			States:  []State{StateActive, StateSuperseded},
			Edges: []Edge{
				{Name: TransitionSupersede, From: []State{StateActive}, To: []State{StateSuperseded},
					Authority: Authority{MinLevel: policy.LevelFull}},
			},
			Edit: EditRule{States: []State{StateActive}},
		},
		{
			Kind:    KindNursingEntry,
			Initial: StateRecorded,
			States:  []State{StateRecorded},
			Edit:    EditRule{States: []State{StateRecorded}},
		},
	}
}

// Default builds the reference registry.
func Default() *Registry {
	r, err := NewRegistry(ReferenceSpecs()...)
	if err != nil {
		panic(errors.Join(errors.New("lifecycle: reference machines are invalid"), err))
	}
	return r
}
