package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("authorization not found")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInvalidUnits          = errors.New("units must be > 0")
	ErrInactiveAuthorization = errors.New("authorization is not active")
	ErrHasHistory            = errors.New("authorization has dependent scheduling history")

	// ErrConflict marks a transient serialization conflict reported by the
	// database. The retry executor retries these; nothing else.
	ErrConflict = errors.New("serialization conflict")

	ErrInsufficientUnits       = errors.New("insufficient units available")
	ErrReleaseExceedsScheduled = errors.New("release exceeds scheduled units")
	ErrConsumeExceedsScheduled = errors.New("consume exceeds scheduled units")
)

// InsufficientUnitsError reports the exact available count so callers can
// act on the rejection without a follow-up read.
type InsufficientUnitsError struct {
	Available int
	Requested int
}

func (e *InsufficientUnitsError) Error() string {
	return fmt.Sprintf("insufficient units available: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientUnitsError) Unwrap() error { return ErrInsufficientUnits }

// ReleaseExceedsScheduledError rejects releasing more than is scheduled;
// scheduled units never go negative.
type ReleaseExceedsScheduledError struct {
	Scheduled int
	Requested int
}

func (e *ReleaseExceedsScheduledError) Error() string {
	return fmt.Sprintf("release exceeds scheduled units: scheduled %d, requested %d", e.Scheduled, e.Requested)
}

func (e *ReleaseExceedsScheduledError) Unwrap() error { return ErrReleaseExceedsScheduled }

// ConsumeExceedsScheduledError rejects consuming units that were never
// reserved. This is distinct from insufficient total units: delivery is only
// valid against previously booked work.
type ConsumeExceedsScheduledError struct {
	Scheduled int
	Requested int
}

func (e *ConsumeExceedsScheduledError) Error() string {
	return fmt.Sprintf("consume exceeds scheduled units: scheduled %d, requested %d", e.Scheduled, e.Requested)
}

func (e *ConsumeExceedsScheduledError) Unwrap() error { return ErrConsumeExceedsScheduled }

// RetryExhaustedError wraps the final conflict after the retry budget is
// spent. Callers should treat it as "try again", not a permanent denial.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
