package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newTestDB opens a migrated in-memory SQLite database. A single connection
// keeps every statement on the same in-memory database.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = RunMigrations(context.Background(), db, DialectSQLite)
	require.NoError(t, err)
	return db
}

// fixture is a bootstrapped store with helpers to build object trees.
type fixture struct {
	t     *testing.T
	ctx   context.Context
	db    *sql.DB
	store *Store
	def   *User
	owner *User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := newTestDB(t)
	store := NewStore(db)

	_, err := store.CreatePermissions(ctx)
	require.NoError(t, err)
	def, created, err := store.EnsureDefaultUser(ctx)
	require.NoError(t, err)
	require.True(t, created)
	_, err = store.CreateDefaultPermissions(ctx, def, false)
	require.NoError(t, err)

	f := &fixture{t: t, ctx: ctx, db: db, store: store, def: def}
	f.owner = f.user("owner")
	return f
}

func (f *fixture) user(name string) *User {
	f.t.Helper()
	u := &User{Username: name, APIKey: "key-" + name, Active: true, InheritDefaultPermissions: true}
	require.NoError(f.t, f.store.CreateUser(f.ctx, u))
	return u
}

func (f *fixture) admin(name string) *User {
	f.t.Helper()
	u := f.user(name)
	require.NoError(f.t, f.store.SetUserAdmin(f.ctx, u, true))
	return u
}

func (f *fixture) userGroup(name string, members ...*User) *UserGroup {
	f.t.Helper()
	g := &UserGroup{Name: name, Active: true, OwnerID: f.owner.ID}
	require.NoError(f.t, f.store.CreateUserGroup(f.ctx, g))
	for _, m := range members {
		require.NoError(f.t, f.store.AddUserGroupMember(f.ctx, g, m))
	}
	return g
}

func (f *fixture) repoGroup(name string, parent *RepoGroup) *RepoGroup {
	f.t.Helper()
	g := &RepoGroup{Name: name, OwnerID: f.owner.ID}
	if parent != nil {
		g.ParentID = &parent.ID
	}
	require.NoError(f.t, f.store.CreateRepoGroup(f.ctx, g))
	return g
}

func (f *fixture) repo(name string, group *RepoGroup, private bool) *Repository {
	f.t.Helper()
	r := &Repository{Name: name, OwnerID: f.owner.ID, Private: private}
	if group != nil {
		r.GroupID = &group.ID
	}
	require.NoError(f.t, f.store.CreateRepository(f.ctx, r))
	return r
}

func (f *fixture) grant(obj Object, subj Subject, perm string) {
	f.t.Helper()
	_, err := f.store.Grant(f.ctx, obj, subj, perm)
	require.NoError(f.t, err)
}

func (f *fixture) resolve(u *User) *PermissionSet {
	f.t.Helper()
	set, err := NewResolver(f.store).Resolve(f.ctx, IdentityOf(u))
	require.NoError(f.t, err)
	return set
}

// tree builds g0 -> {g0_1, g0_2} with a repository under each group.
type tree struct {
	g0, g01, g02       *RepoGroup
	r0, r01, r02, r02b *Repository
}

func (f *fixture) tree() tree {
	f.t.Helper()
	var tr tree
	tr.g0 = f.repoGroup("g0", nil)
	tr.g01 = f.repoGroup("g0/g0_1", tr.g0)
	tr.g02 = f.repoGroup("g0/g0_2", tr.g0)
	tr.r0 = f.repo("g0/r0", tr.g0, false)
	tr.r01 = f.repo("g0/g0_1/r01", tr.g01, false)
	tr.r02 = f.repo("g0/g0_2/r02", tr.g02, false)
	tr.r02b = f.repo("g0/g0_2/r02b", tr.g02, false)
	return tr
}

func (f *fixture) countRows(table string) int {
	f.t.Helper()
	var n int
	require.NoError(f.t, f.db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}
