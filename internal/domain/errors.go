package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a job request or entity fails validation.
	// It is never retried.
	ErrValidation = errors.New("validation failed")

	// ErrQueueFull is returned by admission control when a project or the
	// whole system already holds the configured maximum of outstanding items.
	// Clients may retry later.
	ErrQueueFull = errors.New("queue is full")

	// ErrConflict is returned when an item's state has already changed, for
	// example a cancel against an item that is being processed.
	ErrConflict = errors.New("state conflict")

	// ErrInvalidTransition is returned when a status change is not an edge
	// of the queue item state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidID is returned when an ID is malformed or empty.
	ErrInvalidID = errors.New("invalid ID")

	// ErrUnauthorized is returned when an operation is not permitted.
	ErrUnauthorized = errors.New("unauthorized operation")
)

// ValidationError describes a single rejected field of a job request.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrValidation.Error(), e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidIDError names an identifier that is malformed or empty.
// It matches ErrInvalidID with errors.Is.
type InvalidIDError struct {
	Field string
}

// Error implements the error interface for InvalidIDError.
func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidID.Error(), e.Field)
}

// Is reports whether target is ErrInvalidID.
func (e *InvalidIDError) Is(target error) bool {
	return target == ErrInvalidID
}

// QueueFullError reports which admission limit rejected a submission.
type QueueFullError struct {
	Scope   string // "project" or "global"
	Limit   int
	Current int
}

// Error implements the error interface for QueueFullError.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("%s: %s limit %d reached (%d outstanding)",
		ErrQueueFull.Error(), e.Scope, e.Limit, e.Current)
}

// Is reports whether target is ErrQueueFull.
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}
