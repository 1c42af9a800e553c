// Package apperr defines the error taxonomy shared by all service surfaces.
//
// Every failure that crosses a service boundary is classified with a Kind.
// Transport layers map kinds to protocol status codes (see HTTPStatus);
// services attach structured metadata (for example the refund transaction
// id issued when answer generation fails after credits were reserved).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and transports. The string value is
// what API clients see in the "error" field of a failure response.
type Kind string

const (
	// KindInvalidInput indicates a malformed or out-of-range request.
	KindInvalidInput Kind = "invalid_input"

	// KindUnauthenticated indicates a missing or unverifiable identity.
	KindUnauthenticated Kind = "unauthenticated"

	// KindInsufficientCredits indicates the user balance cannot cover the
	// operation cost.
	KindInsufficientCredits Kind = "insufficient_credits"

	// KindForbidden indicates the authenticated identity lacks the role
	// required for the operation.
	KindForbidden Kind = "forbidden"

	// KindNotFound indicates the referenced entity does not exist or is not
	// visible to the caller.
	KindNotFound Kind = "not_found"

	// KindRateLimited indicates the per-user admission quota was exceeded.
	KindRateLimited Kind = "rate_limited"

	// KindInvariantViolation indicates an internal consistency check failed,
	// such as a negative balance or a duplicate passage identity.
	KindInvariantViolation Kind = "invariant_violation"

	// KindGeneratorFailed indicates all answer-generation providers failed
	// after retrieval succeeded. Reserved credits are refunded first.
	KindGeneratorFailed Kind = "generator_failed"

	// KindAdapterUnavailable indicates a backing adapter (vector index,
	// cache, metadata store, queue, blob store) is unreachable.
	KindAdapterUnavailable Kind = "adapter_unavailable"

	// KindMaintenance indicates the service is in maintenance mode and the
	// caller is not on the bypass list.
	KindMaintenance Kind = "maintenance"

	// KindInternal is the fallback classification for unexpected errors.
	KindInternal Kind = "internal"
)

// Error is a classified error. It wraps an optional cause and carries
// optional metadata surfaced to API clients (refund ids, retry hints).
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Meta    map[string]any
}

// New returns a classified error with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause remains reachable through
// errors.Is and errors.As.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// WithMeta attaches a metadata entry and returns the same error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to the errors package.
func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so sentinel-style checks work:
// errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindInternal; nil reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MetaOf returns the metadata of the outermost classified error, or nil.
func MetaOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta
	}
	return nil
}

// HTTPStatus maps a Kind to the HTTP status code used by the API layer.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindGeneratorFailed:
		return http.StatusBadGateway
	case KindAdapterUnavailable, KindMaintenance:
		return http.StatusServiceUnavailable
	case KindInvariantViolation, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
