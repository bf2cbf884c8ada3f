// Package errs defines the closed set of error kinds that cross component
// boundaries in arrakis. Every exported operation that can fail returns one
// of these wrapped in *Error so the HTTP and S2S boundaries can translate
// consistently without leaking internal detail to callers.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a closed tagged variant of error classifications.
type Kind string

const (
	InvalidArgument       Kind = "INVALID_ARGUMENT"
	Unauthenticated       Kind = "UNAUTHENTICATED"
	Forbidden             Kind = "FORBIDDEN"
	NotFound              Kind = "NOT_FOUND"
	Conflict              Kind = "CONFLICT"
	InsufficientCredit    Kind = "INSUFFICIENT_CREDIT"
	AnchorMissing         Kind = "ANCHOR_MISSING"
	AnchorMismatch        Kind = "ANCHOR_MISMATCH"
	PeerUnavailable       Kind = "PEER_UNAVAILABLE"
	Timeout               Kind = "TIMEOUT"
	InvariantViolation    Kind = "INVARIANT_VIOLATION"
	Internal              Kind = "INTERNAL"
	DependencyUnavailable Kind = "DEPENDENCY_UNAVAILABLE"
	ContractIncompatible  Kind = "CONTRACT_INCOMPATIBLE"
	RateLimited           Kind = "RATE_LIMITED"
)

// Error is the canonical error type threaded through every internal
// component. Message must be safe to show to a tenant; Err, if set, carries
// the underlying cause for logs only and is never serialized.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	Err           error

	// RetryAfter is set only on RateLimited errors: seconds the caller
	// should wait before retrying, surfaced as the HTTP Retry-After header.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with a safe message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind, attaching an internal cause that
// is never surfaced to the caller.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// As extracts an *Error from err, returning (nil, false) for anything else.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Internal for unmodeled errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// HTTPStatus maps a Kind to the gateway's HTTP status code table (§6).
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidArgument:
		return 400
	case Unauthenticated:
		return 401
	case InsufficientCredit:
		return 402
	case Forbidden, AnchorMissing, AnchorMismatch:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case ContractIncompatible:
		return 426
	case RateLimited:
		return 429
	case PeerUnavailable:
		return 502
	case DependencyUnavailable, Timeout, InvariantViolation, Internal:
		return 503
	default:
		return 500
	}
}

// Code returns the stable machine-readable error code surfaced in the JSON
// error envelope described in §7.
func Code(k Kind) string {
	return string(k)
}
