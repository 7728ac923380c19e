package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/contextkeys"
	"github.com/platinummonkey/repoperm/pkg/observability"
)

type recordingAudit struct {
	mu     sync.Mutex
	events []*audit.Event
}

func (r *recordingAudit) Log(ctx context.Context, event *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) Recent(ctx context.Context, objectKind, objectName string, limit int) ([]*audit.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if (objectKind == "" || e.ObjectKind == objectKind) && (objectName == "" || e.ObjectName == objectName) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *recordingAudit) ofType(t audit.EventType) []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.Event
	for _, e := range r.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// failingCache serves lookups from memory but cannot be invalidated.
type failingCache struct {
	*MemoryCache
}

func (failingCache) Invalidate(ctx context.Context) error {
	return errors.New("redis: connection refused")
}

type serviceFixture struct {
	*fixture
	svc     *Service
	audit   *recordingAudit
	metrics *observability.Metrics
	cache   *MemoryCache
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	f := newFixture(t)
	sf := &serviceFixture{
		fixture: f,
		audit:   &recordingAudit{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		cache:   NewMemoryCache(64, time.Minute),
	}
	base := []ServiceOption{
		WithCache(sf.cache),
		WithAuditLogger(sf.audit),
		WithMetrics(sf.metrics),
		WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)),
	}
	sf.svc = NewService(f.db, append(base, opts...)...)
	return sf
}

func TestService_Bootstrap(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	rec := &recordingAudit{}
	svc := NewService(db, WithAuditLogger(rec), WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)))
	assert.Error(t, svc.Ready(ctx))

	res, err := svc.Bootstrap(ctx, DialectSQLite)
	require.NoError(t, err)
	assert.NoError(t, svc.Ready(ctx))
	assert.Equal(t, len(GetMigrations()), res.Migrations)
	assert.Equal(t, len(Catalog()), res.Permissions)
	assert.True(t, res.DefaultUserCreated)
	assert.Len(t, res.DefaultsAdded, len(DefaultNamespaces()))

	res, err = svc.Bootstrap(ctx, DialectSQLite)
	require.NoError(t, err)
	assert.Zero(t, res.Migrations)
	assert.Zero(t, res.Permissions)
	assert.False(t, res.DefaultUserCreated)
	assert.Empty(t, res.DefaultsAdded)

	assert.Len(t, rec.ofType(audit.EventTypeBootstrap), 2)

	set, err := svc.Resolve(ctx, Anonymous{})
	require.NoError(t, err)
	assert.True(t, set.HasGlobal(PermCreateRepository))
}

func TestService_Authenticate(t *testing.T) {
	sf := newServiceFixture(t)
	alice := sf.user("alice")
	ctx := sf.ctx

	id, u, err := sf.svc.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Anonymous{}, id)
	assert.Nil(t, u)

	id, u, err = sf.svc.Authenticate(ctx, "key-alice")
	require.NoError(t, err)
	assert.Equal(t, "user:"+fmt.Sprint(alice.ID), id.CacheKey())
	assert.Equal(t, "alice", u.Username)

	_, _, err = sf.svc.Authenticate(ctx, "key-nobody")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, sf.store.SetUserActive(ctx, alice, false))
	_, _, err = sf.svc.Authenticate(ctx, "key-alice")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestService_GrantInvalidatesCache(t *testing.T) {
	sf := newServiceFixture(t)
	alice := sf.user("alice")
	sf.repo("vcs/core", nil, false)
	ctx := contextkeys.WithActor(sf.ctx, sf.owner.ID, sf.owner.Username)
	id := IdentityOf(alice)

	set, err := sf.svc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LevelRead, set.Level(KindRepository, "vcs/core"))

	_, err = sf.svc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.CacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.CacheMissesTotal))

	g, err := sf.svc.Grant(ctx, Target{Kind: KindRepository, Ref: ByName("vcs/core")}, UserPrincipal(ByName("alice")), "repository.admin")
	require.NoError(t, err)
	assert.Equal(t, "repository.admin", g.Permission)

	set, err = sf.svc.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, set.Level(KindRepository, "vcs/core"))

	events := sf.audit.ofType(audit.EventTypePermissionGrant)
	require.Len(t, events, 1)
	assert.Equal(t, "repository", events[0].ObjectKind)
	assert.Equal(t, "vcs/core", events[0].ObjectName)
	assert.Equal(t, "user", events[0].SubjectKind)
	assert.Equal(t, "alice", events[0].SubjectName)
	assert.Equal(t, "repository.admin", events[0].Permission)
	assert.Equal(t, "owner", events[0].ActorName)

	assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.GrantMutationsTotal.WithLabelValues("repository", "grant", "ok")))

	t.Run("revoke", func(t *testing.T) {
		require.NoError(t, sf.svc.Revoke(ctx, Target{Kind: KindRepository, Ref: ByName("vcs/core")}, UserPrincipal(ByID(alice.ID))))
		set, err := sf.svc.Resolve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, LevelRead, set.Level(KindRepository, "vcs/core"))
		assert.Len(t, sf.audit.ofType(audit.EventTypePermissionRevoke), 1)
	})
}

func TestService_RejectedGrant(t *testing.T) {
	sf := newServiceFixture(t)
	sf.user("alice")
	sf.repo("vcs/core", nil, false)

	_, err := sf.svc.Grant(sf.ctx, Target{Kind: KindRepository, Ref: ByName("vcs/core")}, UserPrincipal(ByName("alice")), "group.read")
	assert.True(t, errors.Is(err, ErrInvalidPermission))

	_, err = sf.svc.Grant(sf.ctx, Target{Kind: KindRepository, Ref: ByName("vcs/gone")}, UserPrincipal(ByName("alice")), "repository.read")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = sf.svc.Grant(sf.ctx, Target{Kind: "wiki", Ref: ByName("x")}, UserPrincipal(ByName("alice")), "repository.read")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	assert.Empty(t, sf.audit.ofType(audit.EventTypePermissionGrant))
	assert.Equal(t, 3.0, testutil.ToFloat64(sf.metrics.GrantMutationsTotal.WithLabelValues("repository", "grant", "error"))+
		testutil.ToFloat64(sf.metrics.GrantMutationsTotal.WithLabelValues("wiki", "grant", "error")))
}

func TestService_StoreFailureRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rec := &recordingAudit{}
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc := NewService(db,
		WithAuditLogger(rec),
		WithMetrics(metrics),
		WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)),
	)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM repositories WHERE name").
		WithArgs("vcs/core").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "group_id", "owner_id", "private"}).
			AddRow(5, "vcs/core", nil, 1, false))
	mock.ExpectQuery("FROM users WHERE username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "api_key", "active", "admin", "is_default", "inherit_default_permissions", "created_at"}).
			AddRow(2, "alice", "key-alice", true, false, false, true, time.Now()))
	mock.ExpectExec("DELETE FROM repo_to_perm").
		WithArgs(int64(2), int64(5)).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	err = svc.Revoke(context.Background(), Target{Kind: KindRepository, Ref: ByName("vcs/core")}, UserPrincipal(ByName("alice")))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreFailure))
	assert.Equal(t, 500, HTTPStatus(err))

	assert.Empty(t, rec.events)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreErrorsTotal.WithLabelValues("revoke permission")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.GrantMutationsTotal.WithLabelValues("repository", "revoke", "error")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_CascadeIsAllOrNothing(t *testing.T) {
	sf := newServiceFixture(t)
	tr := sf.tree()
	alice := sf.user("alice")

	_, err := sf.db.ExecContext(sf.ctx, fmt.Sprintf(`
		CREATE TRIGGER reject_r02b BEFORE INSERT ON repo_to_perm
		WHEN NEW.repository_id = %d
		BEGIN
			SELECT RAISE(ABORT, 'rejected by trigger');
		END
	`, tr.r02b.ID))
	require.NoError(t, err)

	_, err = sf.svc.AddRepoGroupPermission(sf.ctx, ByName("g0"), UserPrincipal(ByName("alice")), "group.write", RecursiveAll)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreFailure))

	for _, obj := range []Object{tr.g0, tr.g01, tr.g02, tr.r0, tr.r01, tr.r02, tr.r02b} {
		assert.Equal(t, "", sf.permissionOf(obj, alice), obj.ObjectName())
	}
	assert.Empty(t, sf.audit.ofType(audit.EventTypeCascadeGrant))

	_, err = sf.db.ExecContext(sf.ctx, `DROP TRIGGER reject_r02b`)
	require.NoError(t, err)

	res, err := sf.svc.AddRepoGroupPermission(sf.ctx, ByName("g0"), UserPrincipal(ByName("alice")), "group.write", RecursiveAll)
	require.NoError(t, err)
	assert.Equal(t, 7, res.Size())

	events := sf.audit.ofType(audit.EventTypeCascadeGrant)
	require.Len(t, events, 1)
	assert.Equal(t, "all", events[0].Metadata["recursive"])

	set, err := sf.svc.Resolve(sf.ctx, IdentityOf(alice))
	require.NoError(t, err)
	assert.Equal(t, LevelWrite, set.Level(KindRepository, "g0/g0_2/r02b"))

	t.Run("delete cascade", func(t *testing.T) {
		res, err := sf.svc.DeleteRepoGroupPermission(sf.ctx, ByName("g0/g0_2"), UserPrincipal(ByName("alice")), RecursiveRepos)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"g0/g0_2/r02", "g0/g0_2/r02b"}, res.Repositories)

		set, err := sf.svc.Resolve(sf.ctx, IdentityOf(alice))
		require.NoError(t, err)
		assert.Equal(t, LevelRead, set.Level(KindRepository, "g0/g0_2/r02b"))
		assert.Equal(t, LevelWrite, set.Level(KindRepository, "g0/r0"))
	})
}

func TestService_InvalidationFailure(t *testing.T) {
	sf := newServiceFixture(t)
	sf.user("alice")
	repo := sf.repo("vcs/core", nil, false)

	svc := NewService(sf.db,
		WithCache(failingCache{NewMemoryCache(8, time.Minute)}),
		WithAuditLogger(sf.audit),
		WithLogger(observability.NewLogger(observability.ErrorLevel, io.Discard)),
	)

	_, err := svc.Grant(sf.ctx, Target{Kind: KindRepository, Ref: ByID(repo.ID)}, UserPrincipal(ByName("alice")), "repository.write")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidate")
	assert.Empty(t, sf.audit.ofType(audit.EventTypePermissionGrant))

	// the write itself is committed
	alice, err := sf.store.GetUserByUsername(sf.ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "repository.write", sf.permissionOf(repo, alice))
}

func TestService_GlobalGrants(t *testing.T) {
	sf := newServiceFixture(t)
	alice := sf.user("alice")
	devs := sf.userGroup("devs", alice)

	set, err := sf.svc.Resolve(sf.ctx, IdentityOf(alice))
	require.NoError(t, err)
	assert.False(t, set.HasGlobal(PermRepoGroupCreateTrue))

	require.NoError(t, sf.svc.GrantGlobal(sf.ctx, GroupPrincipal(ByID(devs.ID)), PermRepoGroupCreateTrue))
	set, err = sf.svc.Resolve(sf.ctx, IdentityOf(alice))
	require.NoError(t, err)
	assert.True(t, set.HasGlobal(PermRepoGroupCreateTrue))

	require.NoError(t, sf.svc.RevokeGlobal(sf.ctx, GroupPrincipal(ByName("devs")), PermRepoGroupCreateTrue))
	set, err = sf.svc.Resolve(sf.ctx, IdentityOf(alice))
	require.NoError(t, err)
	assert.False(t, set.HasGlobal(PermRepoGroupCreateTrue))

	err = sf.svc.GrantGlobal(sf.ctx, UserPrincipal(ByName("alice")), PermAdmin)
	assert.True(t, errors.Is(err, ErrInvalidPermission))

	assert.Len(t, sf.audit.ofType(audit.EventTypeGlobalGrant), 1)
	assert.Len(t, sf.audit.ofType(audit.EventTypeGlobalRevoke), 1)
}

func TestService_Defaults(t *testing.T) {
	sf := newServiceFixture(t)
	sf.repo("vcs/core", nil, false)

	form, err := sf.svc.Defaults(sf.ctx)
	require.NoError(t, err)
	assert.True(t, form.AnonymousAccess)
	assert.Equal(t, "repository.read", form.DefaultRepoPerm)

	form.AnonymousAccess = false
	form.DefaultRepoPerm = "repository.none"
	form.OverwriteDefaultRepo = true
	require.NoError(t, sf.svc.UpdateDefaults(sf.ctx, form))

	got, err := sf.svc.Defaults(sf.ctx)
	require.NoError(t, err)
	assert.False(t, got.AnonymousAccess)
	assert.Equal(t, "repository.none", got.DefaultRepoPerm)

	set, err := sf.svc.Resolve(sf.ctx, Anonymous{})
	require.NoError(t, err)
	assert.Equal(t, LevelNone, set.Level(KindRepository, "vcs/core"))

	events := sf.audit.ofType(audit.EventTypeDefaultsUpdate)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Changes)
	assert.Equal(t, "repository.read", events[0].Changes.Before["repository"])
	assert.Equal(t, "repository.none", events[0].Changes.After["repository"])

	t.Run("repair", func(t *testing.T) {
		require.NoError(t, sf.store.RevokeGlobalPermission(sf.ctx, sf.def, PermRegisterManualActivate))
		added, err := sf.svc.RepairDefaults(sf.ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{PermRegisterManualActivate}, added)
		assert.Equal(t, 1.0, testutil.ToFloat64(sf.metrics.RepairAddedTotal))

		added, err = sf.svc.RepairDefaults(sf.ctx)
		require.NoError(t, err)
		assert.Empty(t, added)
	})
}

func TestService_Entities(t *testing.T) {
	sf := newServiceFixture(t)
	ctx := sf.ctx

	bob := &User{Username: "bob", APIKey: "key-bob", Active: true, InheritDefaultPermissions: true}
	require.NoError(t, sf.svc.CreateUser(ctx, bob))
	require.NoError(t, sf.svc.CreateUserGroup(ctx, &UserGroup{Name: "devs", Active: true, OwnerID: sf.owner.ID}))
	require.NoError(t, sf.svc.AddUserGroupMember(ctx, ByName("devs"), ByName("bob")))
	require.NoError(t, sf.svc.CreateRepoGroup(ctx, &RepoGroup{Name: "top", OwnerID: sf.owner.ID}))
	require.NoError(t, sf.svc.CreateRepoGroup(ctx, &RepoGroup{Name: "other", OwnerID: sf.owner.ID}))
	top, err := sf.store.ResolveRepoGroup(ctx, ByName("top"))
	require.NoError(t, err)
	require.NoError(t, sf.svc.CreateRepository(ctx, &Repository{Name: "top/app", GroupID: &top.ID, OwnerID: sf.owner.ID, Private: true}))

	_, err = sf.svc.Grant(ctx, Target{Kind: KindRepository, Ref: ByName("top/app")}, GroupPrincipal(ByName("devs")), "repository.write")
	require.NoError(t, err)

	set, err := sf.svc.Resolve(ctx, IdentityOf(bob))
	require.NoError(t, err)
	assert.Equal(t, LevelWrite, set.Level(KindRepository, "top/app"))

	t.Run("disabled group", func(t *testing.T) {
		require.NoError(t, sf.svc.SetUserGroupActive(ctx, ByName("devs"), false))
		set, err := sf.svc.Resolve(ctx, IdentityOf(bob))
		require.NoError(t, err)
		assert.Equal(t, LevelNone, set.Level(KindRepository, "top/app"))
		require.NoError(t, sf.svc.SetUserGroupActive(ctx, ByName("devs"), true))
	})

	t.Run("membership", func(t *testing.T) {
		require.NoError(t, sf.svc.RemoveUserGroupMember(ctx, ByName("devs"), ByName("bob")))
		set, err := sf.svc.Resolve(ctx, IdentityOf(bob))
		require.NoError(t, err)
		assert.Equal(t, LevelNone, set.Level(KindRepository, "top/app"))
	})

	t.Run("admin flag", func(t *testing.T) {
		require.NoError(t, sf.svc.SetUserAdmin(ctx, ByName("bob"), true))
		bob, err := sf.store.GetUserByUsername(ctx, "bob")
		require.NoError(t, err)
		set, err := sf.svc.Resolve(ctx, IdentityOf(bob))
		require.NoError(t, err)
		assert.True(t, set.IsAdmin())
	})

	t.Run("move", func(t *testing.T) {
		require.NoError(t, sf.svc.MoveRepoGroup(ctx, ByName("top"), ByName("other")))
		err := sf.svc.MoveRepoGroup(ctx, ByName("other"), ByName("top"))
		assert.True(t, errors.Is(err, ErrIntegrity))
		require.NoError(t, sf.svc.MoveRepoGroup(ctx, ByName("top"), ObjectRef{}))
	})

	t.Run("privacy", func(t *testing.T) {
		require.NoError(t, sf.svc.SetRepositoryPrivate(ctx, ByName("top/app"), false))
		set, err := sf.svc.Resolve(ctx, Anonymous{})
		require.NoError(t, err)
		// the default grant stays repository.none until changed explicitly
		assert.Equal(t, LevelNone, set.Level(KindRepository, "top/app"))
		assert.Len(t, sf.audit.ofType(audit.EventTypeRepoPrivacy), 1)
	})

	t.Run("delete", func(t *testing.T) {
		err := sf.svc.DeleteUserGroup(ctx, ByName("devs"))
		assert.True(t, errors.Is(err, ErrIntegrity))
		err = sf.svc.DeleteRepoGroup(ctx, ByName("top"))
		assert.True(t, errors.Is(err, ErrIntegrity))

		require.NoError(t, sf.svc.Revoke(ctx, Target{Kind: KindRepository, Ref: ByName("top/app")}, GroupPrincipal(ByName("devs"))))
		require.NoError(t, sf.svc.DeleteUserGroup(ctx, ByName("devs")))
		require.NoError(t, sf.svc.DeleteRepoGroup(ctx, ByName("other")))

		assert.Len(t, sf.audit.ofType(audit.EventTypeUserGroupDelete), 1)
		assert.Len(t, sf.audit.ofType(audit.EventTypeRepoGroupDelete), 1)
	})
}

func TestService_ListGrants(t *testing.T) {
	sf := newServiceFixture(t)
	sf.user("alice")
	repo := sf.repo("vcs/core", nil, false)

	_, err := sf.svc.Grant(sf.ctx, Target{Kind: KindRepository, Ref: ByID(repo.ID)}, UserPrincipal(ByName("alice")), "repository.write")
	require.NoError(t, err)

	grants, err := sf.svc.ListGrants(sf.ctx, Target{Kind: KindRepository, Ref: ByName("vcs/core")})
	require.NoError(t, err)
	assert.Len(t, grants, 2)

	name, err := sf.svc.ObjectName(sf.ctx, Target{Kind: KindRepository, Ref: ByID(repo.ID)})
	require.NoError(t, err)
	assert.Equal(t, "vcs/core", name)

	_, err = sf.svc.ObjectName(sf.ctx, Target{Kind: KindRepository, Ref: ByID(999)})
	assert.True(t, errors.Is(err, ErrNotFound))

	id, err := sf.svc.IdentityFor(sf.ctx, ByName("alice"))
	require.NoError(t, err)
	assert.IsType(t, UserIdentity{}, id)

	id, err = sf.svc.IdentityFor(sf.ctx, ByName(DefaultUsername))
	require.NoError(t, err)
	assert.Equal(t, Anonymous{}, id)
}

func TestService_AuditEvents(t *testing.T) {
	sf := newServiceFixture(t)
	alice := sf.user("alice")
	repo := sf.repo("vcs/core", nil, false)
	other := sf.repo("vcs/other", nil, false)

	for _, r := range []*Repository{repo, other} {
		_, err := sf.svc.Grant(sf.ctx, Target{Kind: KindRepository, Ref: ByID(r.ID)}, UserPrincipal(ByID(alice.ID)), "repository.write")
		require.NoError(t, err)
	}

	events, err := sf.svc.AuditEvents(sf.ctx, KindRepository, "vcs/core", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "vcs/core", events[0].ObjectName)

	events, err = sf.svc.AuditEvents(sf.ctx, "", "", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "vcs/other", events[0].ObjectName)

	_, err = sf.svc.AuditEvents(sf.ctx, "wiki", "", 10)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewService(sf.db).AuditEvents(sf.ctx, "", "", 10)
	assert.True(t, errors.Is(err, ErrUnsupported))
}
