package dsentr

import "errors"

// ErrorCategory classifies adapter and engine failures. The engine uses the
// category to decide between retrying, failing the node, and failing the run.
type ErrorCategory string

const (
	// CategoryValidation marks malformed or semantically invalid input.
	// Never retried; no state is mutated.
	CategoryValidation ErrorCategory = "validation"
	// CategoryTransport marks transient upstream failures (network, 5xx).
	// Retried per node policy.
	CategoryTransport ErrorCategory = "transport"
	// CategoryAuth marks 401/403 responses from an upstream provider.
	CategoryAuth ErrorCategory = "auth"
	// CategoryPolicy marks an egress allowlist denial. Terminal.
	CategoryPolicy ErrorCategory = "policy"
)

// ErrTokenRevoked signals that an OAuth provider rejected a refresh.
var ErrTokenRevoked = errors.New("token revoked")

// ErrConnectionRevoked is returned by integrations that consumed a stale
// shared connection after the backing token was revoked.
var ErrConnectionRevoked = errors.New("connection revoked")

// Error is a categorized error as produced by adapters.
type Error struct {
	Category ErrorCategory
	Err      error
}

func (e *Error) Error() string { return string(e.Category) + ": " + e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the engine may retry the attempt.
func (e *Error) Retryable() bool { return e.Category == CategoryTransport }

// Categorize wraps err with the given category.
func Categorize(cat ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Err: err}
}

// CategoryOf returns the category of err, defaulting to transport so that
// uncategorized failures remain retryable.
func CategoryOf(err error) ErrorCategory {
	var de *Error
	if errors.As(err, &de) {
		return de.Category
	}
	return CategoryTransport
}

// IsRetryable reports whether err may be retried by the engine.
func IsRetryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return true
}

// Logger defines the interface for logging in dsentr.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// NopLogger discards everything. Useful as a default and in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
