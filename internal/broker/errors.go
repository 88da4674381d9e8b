package broker

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the closed classification of broker failures. Retry policy
// is decided by kind, never by message inspection.
type ErrorKind string

const (
	KindConnection     ErrorKind = "CONNECTION"
	KindAuthentication ErrorKind = "AUTHENTICATION"
	KindRateLimit      ErrorKind = "RATE_LIMIT"
	KindBadRequest     ErrorKind = "BAD_REQUEST"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindServer         ErrorKind = "SERVER"
)

// Error is a classified broker failure. RetryAfter is only set for
// RATE_LIMIT errors where the server advised a delay.
type Error struct {
	Kind       ErrorKind
	Broker     string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Broker, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Broker, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates a classified broker error.
func NewError(kind ErrorKind, brokerName, message string, cause error) *Error {
	return &Error{Kind: kind, Broker: brokerName, Message: message, Cause: cause}
}

// Classify extracts the error kind from any error chain.
// Unclassified errors are treated as CONNECTION (transient).
func Classify(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindConnection
}

// RetryAfter returns the server-advised delay for a rate-limited error, if any.
func RetryAfter(err error) time.Duration {
	var be *Error
	if errors.As(err, &be) && be.Kind == KindRateLimit {
		return be.RetryAfter
	}
	return 0
}

// IsFatal reports whether the kind must not be retried.
func IsFatal(kind ErrorKind) bool {
	switch kind {
	case KindAuthentication, KindBadRequest, KindNotFound:
		return true
	}
	return false
}

// IsTransient reports whether the kind is retryable with backoff.
func IsTransient(kind ErrorKind) bool {
	switch kind {
	case KindConnection, KindRateLimit, KindServer:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return KindAuthentication
	case status == 404:
		return KindNotFound
	case status == 429:
		return KindRateLimit
	case status >= 400 && status < 500:
		return KindBadRequest
	default:
		return KindServer
	}
}
