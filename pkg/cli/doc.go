// Package cli implements repoperm-admin, the administrative command line for
// the permission engine.
//
// # Overview
//
// Commands talk to the database directly, wired the same way the server wires
// its service: audit sinks from the configuration, and the shared Redis cache
// when the cache type is redis so running servers see changes at once.
//
// # Commands
//
// bootstrap: create the schema, permission catalog and default user
//
//	repoperm-admin bootstrap
//
// repair: restore missing default-user global permissions
//
//	repoperm-admin repair
//
// defaults: show the default permissions
//
//	repoperm-admin defaults --json
//
// resolve: print the effective permissions of a user, or of anonymous callers
//
//	repoperm-admin resolve alice
//	repoperm-admin resolve anonymous
//
// grant / revoke: manage object grants for a user or user group
//
//	repoperm-admin grant repo vcs/core repository.write --user alice
//	repoperm-admin grant repo-group vcs group.read --user-group devs --recursive all
//	repoperm-admin revoke user-group devs --user bob
//
// global: manage hg.* permissions
//
//	repoperm-admin global grant hg.create.repository --user alice
//
// create: create users, groups and repositories
//
//	repoperm-admin create user alice --admin
//	repoperm-admin create repo-group vcs --owner alice
//	repoperm-admin create repo vcs/core --owner alice --group vcs --private
//	repoperm-admin create user-group devs --owner alice bob carol
//
// delete: delete users, groups and repositories that nothing depends on
//
//	repoperm-admin delete repo vcs/core
//	repoperm-admin delete user bob
//
// audit: show recent audit events, optionally for one object
//
//	repoperm-admin audit --kind repo --object vcs/core --limit 20
//
// # Global flags
//
//	--config, -c   YAML configuration file (default $REPOPERM_CONFIG)
//	--driver       database driver override
//	--dsn          database DSN override
//	--json         JSON output
//	--verbose, -v  debug logging on stderr
package cli
