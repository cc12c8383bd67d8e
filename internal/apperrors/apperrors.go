// Package apperrors defines the AppOps core error taxonomy.
//
// Engine methods return a Mode or nothing on the decision hot path; fatal
// caller-contract violations are surfaced as a typed *Error so callers can
// errors.As instead of string-matching. Non-fatal conditions (identity
// mismatch, under-run) are logged and swallowed by the caller with a
// conservative mode.
package apperrors

import "fmt"

// Kind identifies a class of AppOps error.
type Kind string

const (
	// InvalidArgument — op code out of range, or other caller contract
	// violation. Surfaced to the caller.
	InvalidArgument Kind = "invalid_argument"

	// PermissionDenied — caller lacks the privilege required to mutate or
	// observe.
	PermissionDenied Kind = "permission_denied"

	// IdentityMismatch — uid does not own the claimed package. Internally
	// this is suppressed (no Op/Ops created); it is only surfaced here for
	// callers that want to distinguish it from other invalid-argument cases.
	IdentityMismatch Kind = "identity_mismatch"

	// DependencyUnavailable — platform package-lookup failed.
	DependencyUnavailable Kind = "dependency_unavailable"

	// IllegalState — finish on an op not started by the token.
	IllegalState Kind = "illegal_state"

	// PersistenceFailure — snapshot I/O failed.
	PersistenceFailure Kind = "persistence_failure"
)

// Error is a typed AppOps error carrying a Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
