package domainerrors

import "errors"

// Code represents a domain error category independent of transport layer.
// These codes describe what went wrong in business logic terms, not HTTP terms.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_failed"
	CodeInternal           Code = "internal_error"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeTimeout            Code = "timeout"
	CodeInvariantViolation Code = "invariant_violation"
	CodeRateLimited        Code = "rate_limited"

	// Access policy outcomes. These are expected results of an authorization
	// request, not infrastructure failures.
	CodePermissionDenied  Code = "permission_denied"
	CodeOwnershipRequired Code = "ownership_required"
	CodeInvalidTransition Code = "invalid_transition"
	CodeSameActorCosign   Code = "same_actor_cosign"

	// Infrastructure failures.
	CodeAuditWriteFailed Code = "audit_write_failed"
	CodeStoreUnavailable Code = "store_unavailable"
)

// refines records codes that are specializations of a broader code.
// errors.Is(err, broad) matches any error carrying a refining code.
var refines = map[Code]Code{
	CodeSameActorCosign: CodeInvalidTransition,
}

// Refines reports whether code is equal to, or a specialization of, parent.
func (c Code) Refines(parent Code) bool {
	for cur := c; cur != ""; cur = refines[cur] {
		if cur == parent {
			return true
		}
	}
	return false
}

// IsDenial reports whether the code is a policy outcome rather than a failure.
func (c Code) IsDenial() bool {
	switch c {
	case CodePermissionDenied, CodeOwnershipRequired, CodeInvalidTransition, CodeSameActorCosign:
		return true
	}
	return false
}

// Error wraps domain or infrastructure failures with a stable code.
// It is transport-agnostic and can be used across service, store, and other layers.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

// Unwrap implements error unwrapping for error chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is enables errors.Is() to match errors by code, including refined codes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code.Refines(t.Code)
}

// New creates a new domain error with the given code and message.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap creates a new domain error wrapping an existing error.
// If the wrapped error is already a domain error, the original code is preserved.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode checks if an error is a domain error with the given code.
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost domain error, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
