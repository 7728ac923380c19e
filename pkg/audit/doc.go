// Package audit records permission changes for operators.
//
// # Overview
//
// The permission engine never writes audit records itself. The rbac service
// calls a Logger after every successful grant, revoke, cascade or defaults
// update, and after guarded requests are denied.
//
// # Sinks
//
//   - FileLogger: JSON lines with size based rotation
//   - DBLogger: rows in the user_logs table
//   - LogrusLogger: structured entries through logrus
//   - MultiLogger: fan-out to several sinks
//   - NopLogger: discards everything
//
// # Usage Example
//
//	event := audit.NewEvent(ctx, audit.EventTypePermissionGrant, audit.EventStatusSuccess)
//	event.ObjectKind = "repository"
//	event.ObjectName = "vcs/core"
//	event.SubjectKind = "user"
//	event.SubjectName = "alice"
//	event.Permission = "repository.write"
//	_ = logger.Log(ctx, event)
package audit
