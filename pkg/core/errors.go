package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound       = errors.New("emberq: task name not registered")
	ErrInvalidTaskID  = errors.New("emberq: invalid task id")
	ErrDuplicateTask  = errors.New("emberq: task already registered")
	ErrRevoked        = errors.New("emberq: task revoked")
	ErrRateLimited    = errors.New("emberq: rate limited")
	ErrExpired        = errors.New("emberq: envelope expired")
	ErrTimeout        = errors.New("emberq: task attempt timed out")
	ErrResultNotReady = errors.New("emberq: result not ready")
	ErrClosed         = errors.New("emberq: closed")
	ErrNotSupported   = errors.New("emberq: not supported by driver")

	// ErrInvalidTransition reports a state write that is not an edge of
	// the lifecycle automaton. Terminal states are not affected: writes
	// onto them are dropped silently, not errors.
	ErrInvalidTransition = errors.New("emberq: invalid state transition")
)

// ConfigError indicates an invalid configuration. It is fatal at startup.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "emberq: configuration error: " + e.Reason
}

// Configf builds a ConfigError from a format string.
func Configf(format string, args ...any) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// MaxRetriesError marks a terminal failure after the retry budget was
// exhausted. The last execution error is attached.
type MaxRetriesError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("emberq: max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesError) Unwrap() error { return e.LastErr }

// NoRetryError indicates an error that should not be retried.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string { return e.Err.Error() }
func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError indicates an error that should be retried after a delay,
// overriding the computed backoff.
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return &RetryAfterError{Delay: d, Err: err}
}
