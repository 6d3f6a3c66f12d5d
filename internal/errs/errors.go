// Package errs provides the unified error type used across querygate.
//
// Every subsystem (adapters, validator, arbiter, control-plane store, model
// client, …) wraps its native errors into *errs.Error before returning them.
// The HTTP layer renders the Kind as the wire "code" and never needs to know
// which driver produced the failure.
//
// Usage:
//
//	// In an adapter, wrap native errors:
//	return errs.Wrap(errs.KindQueryTimeout, "query exceeded deadline", err)
//
//	// In a handler, check the kind:
//	if errs.IsNotFound(err) { ... }
package errs

import (
	"errors"
	"fmt"
	"maps"
)

// Kind categorises an error without exposing subsystem-specific codes.
type Kind int

const (
	KindInternal Kind = iota
	KindConnectionFailed
	KindAuthenticationFailed
	KindDatabaseNotFound
	KindNetworkUnreachable
	KindPermissionDenied
	KindQueryTimeout
	KindQueryCancelled
	KindSyntaxError
	KindInvalidStatement
	KindConflict
	KindAIServiceUnavailable
	KindAIQuotaExceeded
	KindAIInvalidResponse
	KindStorageFull
	KindStorageCorrupted
	KindNotFound
	KindValidation
	KindNotConnected
)

var kindNames = map[Kind]string{
	KindInternal:             "INTERNAL_ERROR",
	KindConnectionFailed:     "CONNECTION_FAILED",
	KindAuthenticationFailed: "AUTHENTICATION_FAILED",
	KindDatabaseNotFound:     "DATABASE_NOT_FOUND",
	KindNetworkUnreachable:   "NETWORK_UNREACHABLE",
	KindPermissionDenied:     "PERMISSION_DENIED",
	KindQueryTimeout:         "QUERY_TIMEOUT",
	KindQueryCancelled:       "QUERY_CANCELLED",
	KindSyntaxError:          "SYNTAX_ERROR",
	KindInvalidStatement:     "INVALID_STATEMENT",
	KindConflict:             "CONFLICT",
	KindAIServiceUnavailable: "AI_SERVICE_UNAVAILABLE",
	KindAIQuotaExceeded:      "AI_QUOTA_EXCEEDED",
	KindAIInvalidResponse:    "AI_INVALID_RESPONSE",
	KindStorageFull:          "STORAGE_FULL",
	KindStorageCorrupted:     "STORAGE_CORRUPTED",
	KindNotFound:             "NOT_FOUND",
	KindValidation:           "VALIDATION_ERROR",
	KindNotConnected:         "NOT_CONNECTED",
}

// String returns the wire code of the kind, e.g. "QUERY_TIMEOUT".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindInternal]
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := KindInternal; k <= KindNotConnected; k++ {
		out = append(out, k)
	}
	return out
}

// Error is the single error type returned by all querygate subsystems.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any // optional structured context, rendered on the wire
	Cause   error          // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetails returns a copy of e carrying the merged details.
func (e *Error) WithDetails(details map[string]any) *Error {
	merged := make(map[string]any, len(e.Details)+len(details))
	maps.Copy(merged, e.Details)
	maps.Copy(merged, details)
	cp := *e
	cp.Details = merged
	return &cp
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Internal wraps an untyped failure as INTERNAL_ERROR, keeping the cause's
// message in details so callers can see what the driver reported.
func Internal(msg string, cause error) *Error {
	e := Wrap(KindInternal, msg, cause)
	if cause != nil {
		e.Details = map[string]any{"error": cause.Error()}
	}
	return e
}

// --- Inspection ---

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf extracts the Kind from any error in the chain. Untyped errors are
// INTERNAL_ERROR.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a missing connection or object.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err was raised by the arbiter.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool { return Is(err, KindQueryTimeout) }

// IsValidation reports whether err was caused by bad input from the caller.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsInvalidStatement reports whether the SQL safety policy rejected a statement.
func IsInvalidStatement(err error) bool { return Is(err, KindInvalidStatement) }

// IsConnectionClass reports whether err means the backing database could not
// be reached or logged into.
func IsConnectionClass(err error) bool {
	switch KindOf(err) {
	case KindConnectionFailed, KindAuthenticationFailed, KindDatabaseNotFound, KindNetworkUnreachable:
		return err != nil
	}
	return false
}
