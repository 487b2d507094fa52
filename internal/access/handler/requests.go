package handler

import (
	"encoding/json"
	"strings"

	"clinicore/internal/access"
	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	id "clinicore/pkg/domain"
	dErrors "clinicore/pkg/domain-errors"
	"clinicore/pkg/validation"
)

type authorizeBody struct {
	Resource   string `json:"resource" validate:"required"`
	Action     string `json:"action" validate:"required"`
	RecordID   string `json:"record_id,omitempty" validate:"omitempty,uuid"`
	Transition string `json:"transition,omitempty"`
	Target     string `json:"target,omitempty"`
}

func (b *authorizeBody) Normalize() {
	b.Resource = strings.TrimSpace(b.Resource)
	b.Action = strings.ToLower(strings.TrimSpace(b.Action))
	b.Transition = strings.TrimSpace(b.Transition)
	b.Target = strings.TrimSpace(b.Target)
}

func (b *authorizeBody) toRequest() (access.AuthorizeRequest, error) {
	action, err := policy.ParseAction(b.Action)
	if err != nil {
		return access.AuthorizeRequest{}, dErrors.Wrap(err, dErrors.CodeValidation, "action is not recognised")
	}
	req := access.AuthorizeRequest{
		Resource:   policy.Resource(b.Resource),
		Action:     action,
		Transition: lifecycle.TransitionName(b.Transition),
		Target:     lifecycle.State(b.Target),
	}
	if b.RecordID != "" {
		rid, err := id.ParseRecordID(b.RecordID)
		if err != nil {
			return access.AuthorizeRequest{}, err
		}
		req.RecordID = &rid
	}
	return req, nil
}

type createBody struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
	OwnerID string          `json:"owner_id,omitempty" validate:"omitempty,uuid"`
}

func (b *createBody) Validate() error {
	return validation.CheckByteSize("payload", b.Payload, validation.MaxPayloadSize)
}

type updateBody struct {
	Payload json.RawMessage `json:"payload" validate:"required"`
}

func (b *updateBody) Validate() error {
	return validation.CheckByteSize("payload", b.Payload, validation.MaxPayloadSize)
}

// transitionBody is optional; an empty POST body selects the default target.
type transitionBody struct {
	Target string `json:"target,omitempty"`
}
