package audit

import (
	"encoding/json"
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Object grant events
	EventTypePermissionGrant  EventType = "perm.grant"
	EventTypePermissionRevoke EventType = "perm.revoke"

	// Repo-group cascades
	EventTypeCascadeGrant  EventType = "perm.cascade_grant"
	EventTypeCascadeRevoke EventType = "perm.cascade_revoke"

	// Global grant events
	EventTypeGlobalGrant  EventType = "perm.global_grant"
	EventTypeGlobalRevoke EventType = "perm.global_revoke"

	// Admin events
	EventTypeDefaultsUpdate   EventType = "admin.defaults_update"
	EventTypeDefaultsRepair   EventType = "admin.defaults_repair"
	EventTypeBootstrap        EventType = "admin.bootstrap"
	EventTypeUserDelete       EventType = "admin.user_delete"
	EventTypeUserGroupDelete  EventType = "admin.user_group_delete"
	EventTypeRepoGroupDelete  EventType = "admin.repo_group_delete"
	EventTypeRepositoryDelete EventType = "admin.repository_delete"
	EventTypeRepoPrivacy      EventType = "admin.repo_privacy"

	// Authorization events
	EventTypeAccessDenied EventType = "authz.access_denied"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event represents a single audit log entry
type Event struct {
	ID        string      `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor information
	ActorID   *int64 `json:"actor_id,omitempty"`
	ActorName string `json:"actor_name,omitempty"`

	// What changed
	ObjectKind  string `json:"object_kind,omitempty"`
	ObjectName  string `json:"object_name,omitempty"`
	SubjectKind string `json:"subject_kind,omitempty"`
	SubjectName string `json:"subject_name,omitempty"`
	Permission  string `json:"permission,omitempty"`

	RequestID    string                 `json:"request_id,omitempty"`
	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// ToJSON converts the audit event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON parses an audit event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	err := json.Unmarshal(data, &event)
	return &event, err
}
