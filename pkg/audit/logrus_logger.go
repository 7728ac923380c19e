package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogrusLogger emits audit events as structured logrus entries
type LogrusLogger struct {
	logger logrus.FieldLogger
}

// NewLogrusLogger wraps a logrus logger or entry
func NewLogrusLogger(logger logrus.FieldLogger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

func (l *LogrusLogger) Log(ctx context.Context, event *Event) error {
	fields := logrus.Fields{
		"audit":      true,
		"event_id":   event.ID,
		"event_type": string(event.EventType),
		"status":     string(event.Status),
	}
	optional := map[string]string{
		"actor":        event.ActorName,
		"object_kind":  event.ObjectKind,
		"object_name":  event.ObjectName,
		"subject_kind": event.SubjectKind,
		"subject_name": event.SubjectName,
		"permission":   event.Permission,
		"request_id":   event.RequestID,
		"error":        event.ErrorMessage,
	}
	for k, v := range optional {
		if v != "" {
			fields[k] = v
		}
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	entry := l.logger.WithFields(fields)
	msg := event.Message
	if msg == "" {
		msg = string(event.EventType)
	}
	switch event.Status {
	case EventStatusFailure:
		entry.Error(msg)
	case EventStatusDenied:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
	return nil
}

func (l *LogrusLogger) Close() error {
	return nil
}
