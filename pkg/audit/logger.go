package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/repoperm/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// Close closes the logger and flushes any buffered logs
	Close() error
}

// Reader queries recorded events, newest first. Empty objectKind or objectName
// match every value and limit <= 0 selects the reader's default.
type Reader interface {
	Recent(ctx context.Context, objectKind, objectName string, limit int) ([]*Event, error)
}

type loggerKey struct{}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// NewEvent creates an event stamped with a fresh id, the current time and the
// request id and actor carried by ctx.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	event := &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
		Metadata:  make(map[string]interface{}),
	}
	if id, name, ok := contextkeys.GetActor(ctx); ok {
		event.ActorID = &id
		event.ActorName = name
	}
	return event
}

// NopLogger discards every event
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }
