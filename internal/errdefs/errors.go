// Package errdefs defines the error taxonomy shared by the queue, the
// resilience layer, and the STT providers. Errors carry a Kind that drives
// retry decisions; everything else wraps normally through errors.Is/As.
package errdefs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindDatabase
	KindAuthentication
	KindRateLimit
	KindServiceUnavailable
	KindAPI
	KindTranscription
	KindInput
)

var kindNames = map[Kind]string{
	KindUnknown:            "Unknown",
	KindConfiguration:      "ConfigurationError",
	KindDatabase:           "DatabaseError",
	KindAuthentication:     "AuthenticationError",
	KindRateLimit:          "RateLimitError",
	KindServiceUnavailable: "ServiceUnavailable",
	KindAPI:                "APIError",
	KindTranscription:      "TranscriptionError",
	KindInput:              "InputError",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is a classified error. RetryAfter is only meaningful for
// KindRateLimit, where it carries the server's Retry-After hint.
type Error struct {
	Kind       Kind
	Msg        string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil, as an untyped
// nil error.
func Wrap(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// RateLimited creates a rate-limit error carrying the server's retry hint.
func RateLimited(retryAfter time.Duration, format string, args ...any) *Error {
	return &Error{Kind: KindRateLimit, Msg: fmt.Sprintf(format, args...), RetryAfter: retryAfter}
}

// KindOf returns the Kind of the outermost classified error in err's chain,
// or KindUnknown if none is found.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether err is worth retrying. Authentication, input,
// configuration, and database errors never are. Unclassified errors are
// treated as retryable so transient network failures surface through the
// retry path rather than failing the task on first occurrence.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindAuthentication, KindInput, KindConfiguration, KindDatabase:
		return false
	default:
		return true
	}
}

// RetryAfter extracts the rate-limit retry hint from err's chain, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimit {
		return e.RetryAfter
	}
	return 0
}

// FromStatus maps an HTTP response status to a classified error.
// 401/403 are authentication, 429 rate-limit, 5xx service-unavailable,
// and any other 4xx a generic API error.
func FromStatus(status int, retryAfter time.Duration, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case status == 401 || status == 403:
		return &Error{Kind: KindAuthentication, Msg: msg}
	case status == 429:
		return &Error{Kind: KindRateLimit, Msg: msg, RetryAfter: retryAfter}
	case status >= 500:
		return &Error{Kind: KindServiceUnavailable, Msg: msg}
	default:
		return &Error{Kind: KindAPI, Msg: msg}
	}
}
