package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in PENDING status")

	// ErrJobNotDue is returned when a PENDING job is still inside its backoff window
	ErrJobNotDue = errors.New("job not due yet")

	// ErrInvalidTransition is returned when a write would move a job backwards or out of a terminal state
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrWriteConflict is returned when a compare-and-swap write loses a race
	ErrWriteConflict = errors.New("store write conflict")

	// ErrInvalidPayload is returned when job payload JSON is malformed
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrUnknownQueueClass is returned for queue classes without a configured pool
	ErrUnknownQueueClass = errors.New("unknown queue class")

	// ErrCorrelationNotFound is returned when no correlation entry exists for a key
	ErrCorrelationNotFound = errors.New("correlation not found")
)

// UnknownQueueClassError names the rejected class
type UnknownQueueClassError struct {
	Class string
}

func (e *UnknownQueueClassError) Error() string {
	return fmt.Sprintf("unknown queue class %q", e.Class)
}

func (e *UnknownQueueClassError) Unwrap() error {
	return ErrUnknownQueueClass
}

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// PermanentError marks a failure that retrying cannot fix, e.g. malformed input
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new permanent error
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is flagged non-retryable
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm) || errors.Is(err, ErrInvalidPayload)
}
