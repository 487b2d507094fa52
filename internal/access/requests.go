package access

import (
	"context"
	"encoding/json"

	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	id "clinicore/pkg/domain"
)

// AuthorizeRequest asks for a decision without performing the operation.
type AuthorizeRequest struct {
	Resource   policy.Resource
	Action     policy.Action
	RecordID   *id.RecordID
	Transition lifecycle.TransitionName
	Target     lifecycle.State
}

// CreateRequest creates a record in its kind's initial state. OwnerID
// defaults to the acting user.
type CreateRequest struct {
	Resource policy.Resource
	Payload  json.RawMessage
	OwnerID  *id.UserID
}

// UpdateRequest replaces a record's payload in place.
type UpdateRequest struct {
	Resource policy.Resource
	RecordID id.RecordID
	Payload  json.RawMessage
}

// DeleteRequest hard-deletes a record of an administrative resource.
type DeleteRequest struct {
	Resource policy.Resource
	RecordID id.RecordID
}

// TransitionRequest moves a record along its lifecycle. Target selects the
// outcome of transitions with several successors.
type TransitionRequest struct {
	Resource   policy.Resource
	RecordID   id.RecordID
	Transition lifecycle.TransitionName
	Target     lifecycle.State
}

// RequestMeta is the caller context recorded on every audit entry.
type RequestMeta struct {
	SourceIP  string
	UserAgent string
	RequestID string
}

type metaKey struct{}

// WithRequestMeta attaches request metadata to ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFromContext returns the metadata attached to ctx, or the zero value.
func MetaFromContext(ctx context.Context) RequestMeta {
	m, _ := ctx.Value(metaKey{}).(RequestMeta)
	return m
}
