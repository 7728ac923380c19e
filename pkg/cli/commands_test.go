package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/rbac"
)

type cliFixture struct {
	t   *testing.T
	dsn string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Setenv("REPOPERM_CONFIG", "")
	f := &cliFixture{
		t:   t,
		dsn: "file:" + filepath.Join(t.TempDir(), "repoperm.db") + "?_foreign_keys=on",
	}
	f.mustRun("bootstrap")
	return f
}

func (f *cliFixture) run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := NewRootCommand(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--driver", "sqlite3", "--dsn", f.dsn}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (f *cliFixture) mustRun(args ...string) string {
	f.t.Helper()
	out, err := f.run(args...)
	require.NoError(f.t, err, "repoperm-admin %v", args)
	return out
}

func (f *cliFixture) resolve(user string) *rbac.PermissionSet {
	f.t.Helper()
	var set rbac.PermissionSet
	require.NoError(f.t, json.Unmarshal([]byte(f.mustRun("--json", "resolve", user)), &set))
	return &set
}

func TestBootstrap_Idempotent(t *testing.T) {
	f := newCLIFixture(t)

	var res rbac.BootstrapResult
	require.NoError(t, json.Unmarshal([]byte(f.mustRun("--json", "bootstrap")), &res))
	assert.Zero(t, res.Migrations)
	assert.Zero(t, res.Permissions)
	assert.False(t, res.DefaultUserCreated)
	assert.Empty(t, res.DefaultsAdded)

	assert.Contains(t, f.mustRun("repair"), "added: none")
}

func TestDefaults(t *testing.T) {
	f := newCLIFixture(t)

	out := f.mustRun("defaults")
	assert.Contains(t, out, "repository.read")
	assert.Contains(t, out, "hg.create.repository")

	var form rbac.DefaultPermissionsForm
	require.NoError(t, json.Unmarshal([]byte(f.mustRun("--json", "defaults")), &form))
	assert.Equal(t, "group.read", form.DefaultGroupPerm)
	assert.Equal(t, "hg.fork.repository", form.DefaultFork)
}

func TestCreateGrantResolve(t *testing.T) {
	f := newCLIFixture(t)

	out := f.mustRun("create", "user", "alice", "--api-key", "alice-key")
	assert.Contains(t, out, "api key: alice-key")
	f.mustRun("create", "user", "bob")
	f.mustRun("create", "repo-group", "vcs", "--owner", "alice")
	f.mustRun("create", "repo-group", "tools", "--owner", "alice", "--group", "vcs")
	f.mustRun("create", "repo", "vcs/core", "--owner", "alice", "--group", "vcs")
	f.mustRun("create", "repo", "vcs/tools/lint", "--owner", "alice", "--group", "tools")
	f.mustRun("create", "repo", "vcs/secret", "--owner", "alice", "--group", "vcs", "--private")
	f.mustRun("create", "user-group", "devs", "--owner", "alice", "bob")

	set := f.resolve("bob")
	assert.Equal(t, "repository.read", set.Repositories["vcs/core"])
	assert.Equal(t, "repository.none", set.Repositories["vcs/secret"])

	anon := f.resolve("anonymous")
	assert.Equal(t, "repository.read", anon.Repositories["vcs/core"])

	t.Run("direct grant to a user group", func(t *testing.T) {
		f.mustRun("grant", "repo", "vcs/secret", "repository.write", "--user-group", "devs")
		assert.Equal(t, "repository.write", f.resolve("bob").Repositories["vcs/secret"])

		f.mustRun("revoke", "repo", "vcs/secret", "--user-group", "devs")
		assert.Equal(t, "repository.none", f.resolve("bob").Repositories["vcs/secret"])
	})

	t.Run("cascade", func(t *testing.T) {
		var res rbac.PropagationResult
		out := f.mustRun("--json", "grant", "repo-group", "vcs", "group.write", "--user", "bob", "--recursive", "all")
		require.NoError(t, json.Unmarshal([]byte(out), &res))
		assert.ElementsMatch(t, []string{"vcs", "vcs/tools"}, res.RepoGroups)
		assert.ElementsMatch(t, []string{"vcs/core", "vcs/tools/lint", "vcs/secret"}, res.Repositories)

		set := f.resolve("bob")
		assert.Equal(t, "group.write", set.RepoGroups["vcs/tools"])
		assert.Equal(t, "repository.write", set.Repositories["vcs/tools/lint"])

		f.mustRun("revoke", "repo-group", "vcs", "--user", "bob", "--recursive", "groups")
		set = f.resolve("bob")
		assert.Equal(t, "group.read", set.RepoGroups["vcs/tools"])
		assert.Equal(t, "repository.write", set.Repositories["vcs/tools/lint"])
	})

	t.Run("table output", func(t *testing.T) {
		out := f.mustRun("resolve", "alice")
		assert.Contains(t, out, "KIND")
		assert.Contains(t, out, "vcs/secret")
		assert.Contains(t, out, "repository.admin")
	})
}

func TestGlobalPermissions(t *testing.T) {
	f := newCLIFixture(t)
	f.mustRun("create", "user", "carol")

	f.mustRun("global", "grant", "hg.repogroup.create.true", "--user", "carol")
	assert.Contains(t, f.resolve("carol").Global, "hg.repogroup.create.true")

	f.mustRun("global", "revoke", "hg.repogroup.create.true", "--user", "carol")
	assert.NotContains(t, f.resolve("carol").Global, "hg.repogroup.create.true")

	f.mustRun("create", "user", "root", "--admin")
	assert.Contains(t, f.resolve("root").Global, "hg.admin")
}

func TestCommandErrors(t *testing.T) {
	f := newCLIFixture(t)
	f.mustRun("create", "user", "dave")
	f.mustRun("create", "repo", "solo", "--owner", "dave")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"grant", "widget", "solo", "repository.read", "--user", "dave"}},
		{"no subject", []string{"grant", "repo", "solo", "repository.read"}},
		{"both subjects", []string{"grant", "repo", "solo", "repository.read", "--user", "dave", "--user-group", "x"}},
		{"recursive on repo", []string{"grant", "repo", "solo", "repository.read", "--user", "dave", "--recursive", "all"}},
		{"bad scope", []string{"grant", "repo-group", "solo", "group.read", "--user", "dave", "--recursive", "sideways"}},
		{"wrong namespace", []string{"grant", "repo", "solo", "group.read", "--user", "dave"}},
		{"unknown user", []string{"resolve", "nobody"}},
		{"owner required", []string{"create", "repo", "other"}},
		{"duplicate user", []string{"create", "user", "dave"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.run(tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestAuditCommand(t *testing.T) {
	t.Run("requires a readable sink", func(t *testing.T) {
		f := newCLIFixture(t)
		_, err := f.run("audit")
		assert.Error(t, err)
	})

	t.Run("database sink", func(t *testing.T) {
		t.Setenv("REPOPERM_AUDIT_DATABASE", "true")
		f := newCLIFixture(t)
		f.mustRun("create", "user", "erin")
		f.mustRun("create", "repo", "solo", "--owner", "erin")
		f.mustRun("grant", "repo", "solo", "repository.write", "--user", "erin")

		var events []*audit.Event
		require.NoError(t, json.Unmarshal([]byte(f.mustRun("--json", "audit", "--kind", "repo", "--object", "solo")), &events))
		require.NotEmpty(t, events)
		assert.Equal(t, audit.EventTypePermissionGrant, events[0].EventType)
		assert.Equal(t, "repository.write", events[0].Permission)

		out := f.mustRun("audit", "--limit", "5")
		assert.Contains(t, out, "EVENT")
		assert.Contains(t, out, string(audit.EventTypePermissionGrant))
	})
}

func TestDeleteCommand(t *testing.T) {
	f := newCLIFixture(t)
	f.mustRun("create", "user", "erin")
	f.mustRun("create", "repo-group", "scratch", "--owner", "erin")
	f.mustRun("create", "repo", "scratch/tmp", "--owner", "erin", "--group", "scratch")

	_, err := f.run("delete", "user", "erin")
	assert.Error(t, err, "erin still owns objects")
	_, err = f.run("delete", "repo-group", "scratch")
	assert.Error(t, err, "scratch is not empty")

	assert.Contains(t, f.mustRun("delete", "repo", "scratch/tmp"), "deleted repo scratch/tmp")
	f.mustRun("delete", "repo-group", "scratch")
	f.mustRun("delete", "user", "erin")

	_, err = f.run("resolve", "erin")
	assert.Error(t, err)
	_, err = f.run("delete", "repo", "scratch/tmp")
	assert.Error(t, err)
}
