package access

import (
	"context"
	"errors"

	"clinicore/internal/sentinel"
	dErrors "clinicore/pkg/domain-errors"
)

// storeFailure translates a store error into a domain error exactly once.
// Errors that already carry a domain code pass through unchanged.
func storeFailure(err error) error {
	var de *dErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "record not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "record already exists")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelled(err)
	default:
		return dErrors.Wrap(err, dErrors.CodeStoreUnavailable, "record store unavailable")
	}
}

func auditFailure(err error) error {
	return dErrors.Wrap(err, dErrors.CodeAuditWriteFailed, "audit write failed")
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, sentinel.ErrNotFound)
}
