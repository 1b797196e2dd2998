package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrExists        = errors.New("record already exists")
	ErrTooLarge      = errors.New("record exceeds size ceiling")
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInlinePayload = errors.New("record contains inline payload")
	ErrTimeout       = errors.New("operation timeout")
	ErrInvalidInput  = errors.New("invalid input")
)

// TransientIOError wraps a network or timeout failure that is worth retrying.
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// Transient marks err as retryable for op.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// PermanentAssetError reports payloads that could not be externalized or
// values that can never be persisted. Paths lists every affected location.
type PermanentAssetError struct {
	Paths  []string
	Reason string
	Err    error
}

func (e *PermanentAssetError) Error() string {
	if len(e.Paths) == 0 {
		return "permanent asset error: " + e.Reason
	}
	return fmt.Sprintf("permanent asset error at %s: %s", strings.Join(e.Paths, ", "), e.Reason)
}

func (e *PermanentAssetError) Unwrap() error { return e.Err }

// ConsistencyError is returned when a read-back does not match what was
// written. It is never retried.
type ConsistencyError struct {
	Key      string
	Expected int
	Actual   int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("verification mismatch for %s: expected %d blob references, read back %d",
		e.Key, e.Expected, e.Actual)
}

// ConfigurationError is raised at startup for invalid settings.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// ErrConfig builds a ConfigurationError.
func ErrConfig(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether another attempt could plausibly succeed.
// Unknown errors are treated as retryable; the circuit breaker bounds them.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var permanent *PermanentAssetError
	var consistency *ConsistencyError
	var cfg *ConfigurationError
	switch {
	case errors.As(err, &permanent), errors.As(err, &consistency), errors.As(err, &cfg):
		return false
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrInlinePayload),
		errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrExists),
		errors.Is(err, ErrNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
