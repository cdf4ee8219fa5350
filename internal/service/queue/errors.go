package queue

import (
	"errors"
	"fmt"

	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/store"
)

// Cancellation failure reasons reported per item.
const (
	ReasonAlreadyProcessing = "already processing"
	ReasonAlreadyFinished   = "already finished"
	ReasonNotFound          = "not found"
)

// ServiceError wraps errors from the queue service with context.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "cancel_batch")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("queue service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("queue service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError wraps err with the failing operation. Validation and
// admission errors are returned unchanged so callers see the typed error.
func NewServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrQueueFull) {
		return err
	}
	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// IsRetryable reports whether the caller may retry the operation later.
func IsRetryable(err error) bool {
	return store.IsUnavailableError(err) || errors.Is(err, domain.ErrQueueFull)
}
