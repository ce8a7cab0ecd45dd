package coord

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means the backend could not be reached. Callers retry
	// it with backoff; see Retry.
	ErrUnavailable = errors.New("coordination unavailable")
	// ErrInterrupted is returned by blocking waits cancelled through their
	// context. It is the normal stop signal, not a failure.
	ErrInterrupted = errors.New("coordination wait interrupted")
	// ErrSerialization means a value could not be encoded for, or decoded
	// from, the backend.
	ErrSerialization = errors.New("coordination serialization failure")
	ErrNotLockOwner  = errors.New("lock not held by this handle")
	ErrLockHeld      = errors.New("lock already held by this handle")
	ErrShutdown      = errors.New("coordinator shut down")
)

// Unavailable wraps a backend failure for op.
func Unavailable(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Interrupted wraps a context error so callers can test for ErrInterrupted
// and still see the cause.
func Interrupted(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInterrupted, err)
}

// Serialization wraps an encoding failure.
func Serialization(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrSerialization, err)
}

// IsInterrupted reports whether err is an interrupted wait or a plain
// context cancellation.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
