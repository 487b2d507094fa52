package lifecycle

import "clinicore/internal/policy"

// Kind identifies an entity type with its own state machine.
type Kind string

const (
	KindClinicalNote             Kind = "clinical_note"
	KindMedicationAdministration Kind = "medication_administration"
	KindMedicationOrder          Kind = "medication_order"
	KindAlarm                    Kind = "alarm"
	KindConsent                  Kind = "consent"
	KindDirective                Kind = "directive"
	KindNursingEntry             Kind = "nursing_entry"
)

// State is a tagged lifecycle status. Presence of optional fields never
// implies a state; the status column is the only source of truth.
type State string

const (
	StateDraft    State = "draft"
	StateReleased State = "released"
	StateArchived State = "archived"

	StatePlanned State = "planned"
	StateGiven   State = "given"
	StateRefused State = "refused"
	StateOmitted State = "omitted"

	StateActive  State = "active"
	StateStopped State = "stopped"

	StateOpen         State = "open"
	StateAcknowledged State = "acknowledged"
	StateClosed       State = "closed"

	StateGranted State = "granted"
	StateRevoked State = "revoked"

	StateSuperseded State = "superseded"

	StateRecorded State = "recorded"
)

// TransitionName is the name the request layer uses to select a transition.
// Each name belongs to exactly one Kind.
type TransitionName string

const (
	TransitionRelease     TransitionName = "release"
	TransitionCosign      TransitionName = "cosign"
	TransitionArchive     TransitionName = "archive"
	TransitionAdminister  TransitionName = "administer"
	TransitionStop        TransitionName = "stop"
	TransitionAcknowledge TransitionName = "acknowledge"
	TransitionClose       TransitionName = "close"
	TransitionRevoke      TransitionName = "revoke"
	TransitionSupersede   TransitionName = "supersede"
)

// OwnershipCondition restricts which actors may trigger a transition or edit
// relative to the record's owner.
type OwnershipCondition int

const (
	AnyActor OwnershipCondition = iota
	OwnerOnly
	// NotOwner enforces the four-eyes principle.
	NotOwner
)

func (c OwnershipCondition) String() string {
	switch c {
	case OwnerOnly:
		return "owner_only"
	case NotOwner:
		return "not_owner"
	default:
		return "any"
	}
}

// Authority describes who may trigger a transition.
type Authority struct {
	// Roles allowed to trigger the transition. Empty means any role that holds
	// a non-none level for the transition's action.
	Roles     []policy.Role
	Ownership OwnershipCondition
	// MinLevel is the level the actor must hold for the transition's action.
	// LevelNone means no requirement beyond the permission table verdict.
	MinLevel policy.Level
}

// Permits reports whether role is in the allowed set.
func (a Authority) Permits(role policy.Role) bool {
	if len(a.Roles) == 0 {
		return true
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Facts is the slice of a record the machines need to evaluate guards.
type Facts struct {
	State    State
	CoSigned bool
}
