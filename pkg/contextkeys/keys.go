// Package contextkeys provides centralized context key definitions
//
// All context keys shared across packages are defined here so producers and
// consumers agree on both the key and the stored type.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/repoperm/pkg/contextkeys"
//	ctx = contextkeys.WithRequestID(ctx, id)
//	id := contextkeys.GetRequestID(ctx)
package contextkeys

import (
	"context"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// IdentityKey contains the acting rbac.Identity
	// Set by: rbac.PermissionMiddleware.Authenticate
	// Required by: guards, handlers, service audit trail
	// Type: rbac.Identity
	IdentityKey Key = "identity"

	// PermissionSetKey contains the resolved *rbac.PermissionSet of the acting identity
	// Set by: rbac.PermissionMiddleware.Authenticate
	// Required by: object and global guards
	// Type: *rbac.PermissionSet
	PermissionSetKey Key = "permission_set"

	// ObjectKey contains the guarded object resolved from the route
	// Set by: rbac.PermissionMiddleware object guards
	// Used by: handlers behind a guard
	// Type: rbac.Object
	ObjectKey Key = "object"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the acting user's id
	// Set by: rbac.PermissionMiddleware.Authenticate
	// Used by: Logger, audit trail
	// Type: int64
	UserIDKey Key = "user_id"

	// UsernameKey contains the acting username ("default" for anonymous)
	// Set by: rbac.PermissionMiddleware.Authenticate
	// Used by: Logger, audit trail
	// Type: string
	UsernameKey Key = "username"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.Logging
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// WithActor records the acting user on the context
func WithActor(ctx context.Context, userID int64, username string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UsernameKey, username)
}

// GetActor returns the acting user, if any
func GetActor(ctx context.Context) (int64, string, bool) {
	id, ok := ctx.Value(UserIDKey).(int64)
	if !ok {
		return 0, "", false
	}
	name, _ := ctx.Value(UsernameKey).(string)
	return id, name, true
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}
