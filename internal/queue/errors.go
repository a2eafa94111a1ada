package queue

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost means the caller no longer holds the lease: it expired, was
	// claimed by another holder, or the item is gone. Callers re-lease.
	ErrLeaseLost = errors.New("lease lost")
	// ErrBackendUnavailable wraps transient storage failures. Callers retry with backoff.
	ErrBackendUnavailable = errors.New("queue backend unavailable")
	// ErrDeadLettered is reported alongside ErrLeaseLost when the item was moved
	// to the dead-letter store.
	ErrDeadLettered = errors.New("work item dead-lettered")

	ErrInvalidHandle  = errors.New("invalid lease receipt")
	ErrInvalidMoniker = errors.New("invalid moniker")
	ErrUnknownStorage = errors.New("unknown queue storage type")
)

// Classify passes through queue sentinels and context errors and marks any
// other storage error as ErrBackendUnavailable.
func Classify(backend fmt.Stringer, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrInvalidHandle),
		errors.Is(err, ErrInvalidMoniker), errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", ErrBackendUnavailable, backend, err)
	}
}
