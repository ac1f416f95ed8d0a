// Package fault defines the closed set of error kinds every Titan component
// reports, regardless of origin. Callers branch on the kind, never on error
// strings, so the kind survives cell boundaries and transport hops verbatim.
package fault

import (
	"errors"
	"fmt"
)

type Kind int16

const (
	KindUnknown Kind = iota
	// KindInvalidInput marks validation failures (schema, business rule). Not retryable.
	KindInvalidInput
	// KindNotFound marks a missing addressed entity. Not retryable.
	KindNotFound
	// KindConflict marks a logical concurrency violation: wrong etag,
	// transaction serialization failure, duplicate creation.
	KindConflict
	// KindUnauthorized marks a missing or invalid session.
	KindUnauthorized
	// KindForbidden marks an authenticated principal lacking a required role.
	KindForbidden
	// KindRateLimited marks denial by the rate limiter; carries RetryAfter.
	KindRateLimited
	// KindTimeout marks a deadline exceeded on the caller side.
	KindTimeout
	// KindTransient marks an infrastructure hiccup that survived internal retries.
	KindTransient
	// KindFatal marks a programming error or unrecoverable state.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ParseKind restores a Kind from its wire name. Unknown names map to
// KindUnknown so a newer peer never crashes an older one.
func ParseKind(s string) Kind {
	for k := KindInvalidInput; k <= KindFatal; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindUnknown
}

// Error is a kinded error. RetryAfterSeconds is meaningful only for
// KindRateLimited.
type Error struct {
	Kind              Kind
	Message           string
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a kinded error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error. A nil cause yields nil.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimited builds a KindRateLimited error carrying the retry hint.
func RateLimited(retryAfterSeconds int) *Error {
	return &Error{
		Kind:              KindRateLimited,
		Message:           "rate limit exceeded",
		RetryAfterSeconds: retryAfterSeconds,
	}
}

// KindOf extracts the kind of err. Naked errors report KindUnknown;
// context deadline errors report KindTimeout.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Retryable reports whether the caller may retry the failed operation as-is.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}
