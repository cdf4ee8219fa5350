// Package shared holds request context keys and the JSON request and
// response helpers used by the api handlers and middleware.
package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Key type for context values
type ContextKey string

// Context keys for various values
const (
	// UserIDContextKey is the context key for the user ID
	UserIDContextKey ContextKey = "userID"

	// TraceIDKey is the key for the trace ID in the request context
	TraceIDKey ContextKey = "traceID"

	// ActionIDContextKey carries the client action id of the request.
	ActionIDContextKey ContextKey = "actionID"
)

// ActionIDHeader lets a client tag a mutation so it can recognise the
// notifications the mutation causes.
const ActionIDHeader = "X-Action-ID"

// maxActionIDLength bounds client supplied action ids.
const maxActionIDLength = 128

// SetTraceID adds a trace ID to the context.
// This is useful for correlating logs and error responses.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, newTraceID())
}

// GetTraceID retrieves the trace ID from the context.
// If no trace ID exists, it returns an empty string.
func GetTraceID(ctx context.Context) string {
	traceID, ok := ctx.Value(TraceIDKey).(string)
	if !ok {
		return ""
	}
	return traceID
}

// newTraceID returns 32 hex characters.
func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SetActionID stores the action id of the request, generating one when the
// client did not send a usable value.
func SetActionID(ctx context.Context, headerValue string) context.Context {
	actionID := strings.TrimSpace(headerValue)
	if actionID == "" || len(actionID) > maxActionIDLength {
		actionID = uuid.NewString()
	}
	return context.WithValue(ctx, ActionIDContextKey, actionID)
}

// GetActionID returns the action id of the request, or "" if none was set.
func GetActionID(ctx context.Context) string {
	actionID, _ := ctx.Value(ActionIDContextKey).(string)
	return actionID
}
