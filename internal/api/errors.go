package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/domain"
	"github.com/phrazzld/segqueue/internal/service/auth"
	"github.com/phrazzld/segqueue/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status codes
// based on the error type. This prevents leaking internal error types or
// messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized

	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests

	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	var validationErr *domain.ValidationError
	var invalidIDErr *domain.InvalidIDError
	var queueFullErr *domain.QueueFullError

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return "Invalid token"

	case errors.Is(err, auth.ErrMissingToken),
		errors.Is(err, domain.ErrUnauthorized):
		return "Authentication required"

	case errors.As(err, &validationErr):
		return fmt.Sprintf("Invalid %s: %s", validationErr.Field, validationErr.Reason)

	case errors.As(err, &invalidIDErr):
		return fmt.Sprintf("Invalid ID: %s", invalidIDErr.Field)

	case errors.Is(err, domain.ErrInvalidID):
		return "Invalid ID"

	case errors.As(err, &queueFullErr):
		return fmt.Sprintf("Queue is full: %s limit of %d outstanding items reached",
			queueFullErr.Scope, queueFullErr.Limit)

	case errors.Is(err, domain.ErrQueueFull):
		return "Queue is full"

	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrInvalidTransition):
		return "Item state has changed"

	case errors.Is(err, store.ErrQueueItemNotFound):
		return "Queue item not found"

	case errors.Is(err, store.ErrNotFound):
		return "Not found"

	case errors.Is(err, store.ErrUnavailable):
		return "Service temporarily unavailable"

	default:
		return "An unexpected error occurred"
	}
}

// HandleAPIError writes the status and safe message for err. defaultMsg
// replaces the generic message for unrecognised errors.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, defaultMsg string) {
	status := MapErrorToStatusCode(err)
	message := GetSafeErrorMessage(err)
	if status == http.StatusInternalServerError && defaultMsg != "" {
		message = defaultMsg
	}

	var opts []shared.ResponseOption
	if status == http.StatusConflict {
		opts = append(opts, shared.WithElevatedLogLevel())
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "30")
	}

	shared.RespondWithErrorAndLog(w, r, status, message, err, opts...)
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	// Example format: "Key: 'BatchSubmitRequest.Items' Error:Field validation for 'Items' failed on the 'min' tag"
	if strings.Contains(errMsg, "Field validation") {
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return fmt.Sprintf("Invalid %s: %s", field, getValidationTagMessage(tag))
				}
				return fmt.Sprintf("Invalid %s", field)
			}
		}
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min":
		return "too few values"
	case "max":
		return "too many values"
	case "gte", "lte":
		return "out of range"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
