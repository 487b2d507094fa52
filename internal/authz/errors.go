package authz

import dErrors "clinicore/pkg/domain-errors"

// Error taxonomy. Match with errors.Is; ErrSameActorCosign also matches
// ErrInvalidTransition.
var (
	ErrPermissionDenied  = dErrors.New(dErrors.CodePermissionDenied, "permission denied")
	ErrOwnershipRequired = dErrors.New(dErrors.CodeOwnershipRequired, "ownership required")
	ErrInvalidTransition = dErrors.New(dErrors.CodeInvalidTransition, "invalid transition")
	ErrSameActorCosign   = dErrors.New(dErrors.CodeSameActorCosign, "co-signer must differ from the author")
	ErrAuditWriteFailed  = dErrors.New(dErrors.CodeAuditWriteFailed, "audit write failed")
	ErrStoreUnavailable  = dErrors.New(dErrors.CodeStoreUnavailable, "record store unavailable")
)

func denial(code dErrors.Code, msg string) error {
	return dErrors.New(code, msg)
}
