// Package rbac resolves and propagates permissions for a repository hosting service.
//
// # Overview
//
// Users, user groups, repository groups and repositories are connected by grants.
// A grant gives a subject (a user or a user group) one permission on an object.
// The package answers "what may this caller do?" by resolving every grant that
// reaches a caller into a PermissionSet, and keeps grants consistent when
// administrators change them.
//
// # Permissions
//
// Object permissions are named "<kind>.<level>" where kind is repository, group
// or usergroup and the level is ordered:
//
//	none < read < write < admin
//
// Global permissions live under "hg." and are grouped by namespace. Each subject
// holds at most one value per namespace:
//
//	hg.create.repository / hg.create.none
//	hg.repogroup.create.true / hg.repogroup.create.false
//	hg.fork.repository / hg.fork.none
//	hg.register.manual_activate / ...
//
// hg.admin is a user flag, never a stored grant. Administrators resolve to admin
// on every object and to every granting global value.
//
// # The default user
//
// A distinguished default user carries the baseline: its grants apply to every
// user and to anonymous callers. New objects seed a default-user grant from the
// configured default, private repositories seed repository.none. Bootstrap and
// RepairDefaults make sure the default user holds one value in every
// defaultable global namespace.
//
// # Resolution
//
// For each object the effective level is chosen in order of precedence:
//
//	owner                admin
//	personal grant       the user's own grant, even when lower than a group grant
//	user-group grants    highest of the user's active groups
//	default-user grant   baseline, none when missing or when the repository is private
//
// Resolve works on an immutable Snapshot so the algorithm is pure and testable.
// Service adds caching (MemoryCache or the shared RedisCache), concurrent
// resolution collapsing and metrics.
//
//	svc := rbac.NewService(db, rbac.WithCache(rbac.NewMemoryCache(4096, 5*time.Minute)))
//	set, err := svc.Resolve(ctx, rbac.IdentityOf(user))
//	if set.Level(rbac.KindRepository, "vcs/core") >= rbac.LevelWrite {
//		// push allowed
//	}
//
// # Propagation
//
// Repository group grants may cascade. The Recursive scope chooses what beneath
// the group receives the same level:
//
//	none    the group only
//	groups  the group and its descendant groups
//	repos   the group and the repositories beneath it
//	all     everything beneath the group
//
// Cascades run in a single transaction and leave private repositories alone for
// the default user.
//
// # Mutations
//
// Every Service mutation runs in a transaction, invalidates the resolution cache
// after commit and writes an audit event on success. Failures are wrapped in
// StoreError and match ErrStoreFailure. AuditEvents reads the trail back when
// the configured sink supports it.
//
// # HTTP
//
// Handlers exposes the engine under /api/v1. PermissionMiddleware authenticates
// API keys (X-API-Key or "Authorization: token <key>") and guards routes with
// predicates. Object checks fail with 404 so hidden objects are not disclosed,
// global checks fail with 403.
//
// # Scheduled repair
//
// RepairScheduler runs RepairDefaults on a cron schedule so accidental deletion
// of default-user grants heals itself.
package rbac
