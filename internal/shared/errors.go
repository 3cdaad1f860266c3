package shared

import "errors"

var (
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownReference indicates a sku, warehouse, order or return id that does not exist.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrInsufficientStock indicates an export or allocation exceeding availability.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrStaleState indicates an optimistic check lost against a concurrent mutation.
	ErrStaleState = errors.New("stale state")
	// ErrInvalidTransition indicates a status change outside the transition graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrBusy indicates a lock could not be acquired in time; callers may resubmit.
	ErrBusy = errors.New("resource busy, retry")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)
