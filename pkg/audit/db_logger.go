package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger writes audit events to the user_logs table created by the rbac migrations
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a new database-based audit logger
func NewDBLogger(db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	return &DBLogger{db: db}, nil
}

type eventDetails struct {
	RequestID    string                 `json:"request_id,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Changes      *ChangeDetails         `json:"changes,omitempty"`
}

// Log inserts an audit event
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	details, err := json.Marshal(eventDetails{
		RequestID:    event.RequestID,
		ErrorMessage: event.ErrorMessage,
		Metadata:     event.Metadata,
		Changes:      event.Changes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}

	query := `
		INSERT INTO user_logs (
			event_id, event_type, status, actor_id, actor_name,
			object_kind, object_name, subject_kind, subject_name, permission,
			message, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var actorID sql.NullInt64
	if event.ActorID != nil {
		actorID = sql.NullInt64{Int64: *event.ActorID, Valid: true}
	}

	_, err = l.db.ExecContext(ctx, query,
		event.ID,
		string(event.EventType),
		string(event.Status),
		actorID,
		event.ActorName,
		event.ObjectKind,
		event.ObjectName,
		event.SubjectKind,
		event.SubjectName,
		event.Permission,
		event.Message,
		string(details),
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// Recent returns the most recent events, newest first. Empty objectKind or
// objectName match every value.
func (l *DBLogger) Recent(ctx context.Context, objectKind, objectName string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT event_id, event_type, status, actor_id, actor_name,
			object_kind, object_name, subject_kind, subject_name, permission,
			message, details, created_at
		FROM user_logs
		WHERE ($1 = '' OR object_kind = $1) AND ($2 = '' OR object_name = $2)
		ORDER BY id DESC
		LIMIT $3
	`
	rows, err := l.db.QueryContext(ctx, query, objectKind, objectName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			status    string
			actorID   sql.NullInt64
			details   sql.NullString
		)
		if err := rows.Scan(&e.ID, &eventType, &status, &actorID, &e.ActorName,
			&e.ObjectKind, &e.ObjectName, &e.SubjectKind, &e.SubjectName, &e.Permission,
			&e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		e.EventType = EventType(eventType)
		e.Status = EventStatus(status)
		if actorID.Valid {
			id := actorID.Int64
			e.ActorID = &id
		}
		if details.Valid && details.String != "" {
			var d eventDetails
			if err := json.Unmarshal([]byte(details.String), &d); err == nil {
				e.RequestID = d.RequestID
				e.ErrorMessage = d.ErrorMessage
				e.Metadata = d.Metadata
				e.Changes = d.Changes
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Close is a no-op; the database handle is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
