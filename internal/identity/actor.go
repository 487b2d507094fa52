// Package identity turns claims issued by the external identity provider into
// the actor the authorization engine evaluates.
package identity

import (
	"clinicore/internal/policy"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
	"clinicore/pkg/validation"
)

// Claims is the identity assertion accepted at the trust boundary.
type Claims struct {
	SubjectID     string `json:"subject_id" validate:"required,uuid"`
	Role          string `json:"role" validate:"required,oneof=physician nurse admin"`
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	LicenseNumber string `json:"license_number,omitempty"`
}

// Actor is an authenticated principal.
type Actor struct {
	ID            id.UserID
	Role          policy.Role
	Email         string
	LicenseNumber string
}

// FromClaims validates claims and builds the actor.
func FromClaims(c Claims) (Actor, error) {
	if err := validation.Validate(c); err != nil {
		return Actor{}, err
	}
	userID, err := id.ParseUserID(c.SubjectID)
	if err != nil {
		return Actor{}, err
	}
	if userID.IsNil() {
		return Actor{}, dErrors.New(dErrors.CodeValidation, "subject_id must not be the nil uuid")
	}
	role, err := policy.ParseRole(c.Role)
	if err != nil {
		return Actor{}, dErrors.Wrap(err, dErrors.CodeValidation, "role is not recognised")
	}
	return Actor{ID: userID, Role: role, Email: c.Email, LicenseNumber: c.LicenseNumber}, nil
}

// Valid reports whether the actor can be evaluated at all.
func (a Actor) Valid() bool {
	return !a.ID.IsNil() && a.Role.IsValid()
}
