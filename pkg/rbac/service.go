package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/observability"
)

// Target names an object by kind and reference.
type Target struct {
	Kind ObjectKind
	Ref  ObjectRef
}

// Principal names a grant subject by kind and reference.
type Principal struct {
	Kind SubjectKind
	Ref  ObjectRef
}

// UserPrincipal is shorthand for a user subject.
func UserPrincipal(ref ObjectRef) Principal { return Principal{Kind: SubjectUser, Ref: ref} }

// GroupPrincipal is shorthand for a user-group subject.
func GroupPrincipal(ref ObjectRef) Principal { return Principal{Kind: SubjectUserGroup, Ref: ref} }

// Service is the entry point for permission reads and writes. Every mutation
// runs in one transaction, and the resolution cache is invalidated before the
// mutation returns.
type Service struct {
	db       *sql.DB
	store    *Store
	resolver *Resolver

	cache       PermissionCache
	flight      singleflight.Group
	audit       audit.Logger
	metrics     *observability.Metrics
	instruments *observability.EngineInstruments
	logger      *observability.Logger
	tracer      trace.Tracer
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithCache enables resolution caching
func WithCache(cache PermissionCache) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithAuditLogger sets the audit sink for successful mutations
func WithAuditLogger(logger audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = logger }
}

// WithMetrics records engine metrics to Prometheus
func WithMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithInstruments records engine metrics through OpenTelemetry
func WithInstruments(instruments *observability.EngineInstruments) ServiceOption {
	return func(s *Service) { s.instruments = instruments }
}

// WithLogger sets the service logger
func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithTracer sets the tracer used for service spans
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) { s.tracer = tracer }
}

// NewService creates a service over db
func NewService(db *sql.DB, opts ...ServiceOption) *Service {
	store := NewStore(db)
	s := &Service{
		db:       db,
		store:    store,
		resolver: NewResolver(store),
		audit:    audit.NopLogger{},
		logger:   observability.NewLogger(observability.InfoLevel, nil),
		tracer:   observability.Tracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the non-transactional store for read-only lookups.
func (s *Service) Store() *Store {
	return s.store
}

// Ready reports whether the store has been bootstrapped. It backs the
// readiness probe.
func (s *Service) Ready(ctx context.Context) error {
	if _, err := s.store.GetDefaultUser(ctx); err != nil {
		return fmt.Errorf("permission store not bootstrapped: %w", err)
	}
	return nil
}

// Resolve returns the effective permissions of id.
func (s *Service) Resolve(ctx context.Context, id Identity) (*PermissionSet, error) {
	if id == nil {
		id = Anonymous{}
	}
	ctx, span := s.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(attribute.String("identity", id.CacheKey())))
	defer span.End()
	start := time.Now()

	if s.cache == nil {
		set, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, s.fail(ctx, span, "resolve", err)
		}
		s.observeResolution(ctx, "store", start)
		return set, nil
	}

	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.cacheError(ctx, "generation", err)
		set, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, s.fail(ctx, span, "resolve", err)
		}
		s.observeResolution(ctx, "store", start)
		return set, nil
	}

	key := id.CacheKey()
	set, err := s.cache.Get(ctx, gen, key)
	switch {
	case err == nil:
		s.cacheLookup(ctx, true)
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.observeResolution(ctx, "cache", start)
		return set, nil
	case errors.Is(err, ErrCacheMiss):
		s.cacheLookup(ctx, false)
	default:
		s.cacheError(ctx, "get", err)
	}

	v, err, _ := s.flight.Do(strconv.FormatUint(gen, 10)+":"+key, func() (interface{}, error) {
		set, err := s.resolver.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, gen, key, set); err != nil {
			s.cacheError(ctx, "set", err)
		}
		return set, nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "resolve", err)
	}
	s.observeResolution(ctx, "store", start)
	return v.(*PermissionSet), nil
}

// Authenticate maps an API key to an identity. An empty key is anonymous;
// an unknown key or a disabled account is ErrNotFound.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (Identity, *User, error) {
	if apiKey == "" {
		return Anonymous{}, nil, nil
	}
	u, err := s.store.GetUserByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, nil, err
	}
	if !u.Active || u.IsDefault {
		return nil, nil, fmt.Errorf("api key: %w", ErrNotFound)
	}
	return IdentityOf(u), u, nil
}

// IdentityFor resolves a user reference to an identity.
func (s *Service) IdentityFor(ctx context.Context, ref ObjectRef) (Identity, error) {
	u, err := s.store.ResolveUser(ctx, ref)
	if err != nil {
		return nil, err
	}
	return IdentityOf(u), nil
}

// ObjectName returns the name of the object t refers to, or ErrNotFound.
func (s *Service) ObjectName(ctx context.Context, t Target) (string, error) {
	if name, ok := t.Ref.Name(); ok {
		return name, nil
	}
	obj, err := lookupObject(ctx, s.store, t)
	if err != nil {
		return "", err
	}
	return obj.ObjectName(), nil
}

// ListGrants returns the grants held on t.
func (s *Service) ListGrants(ctx context.Context, t Target) ([]*Grant, error) {
	obj, err := lookupObject(ctx, s.store, t)
	if err != nil {
		return nil, err
	}
	return s.store.ListObjectGrants(ctx, obj)
}

// Grant sets p's permission on t, replacing any previous grant on the pair.
// Repo group grants made here do not cascade; see AddRepoGroupPermission.
func (s *Service) Grant(ctx context.Context, t Target, p Principal, perm string) (*Grant, error) {
	var g *Grant
	err := s.mutate(ctx, "grant", string(t.Kind), audit.EventTypePermissionGrant, func(ctx context.Context, st *Store, ev *audit.Event) error {
		obj, subj, err := lookupPair(ctx, st, t, p)
		if err != nil {
			return err
		}
		describe(ev, obj, subj, perm)
		g, err = st.Grant(ctx, obj, subj, perm)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Revoke removes p's grant on t. Revoking an absent grant succeeds.
func (s *Service) Revoke(ctx context.Context, t Target, p Principal) error {
	return s.mutate(ctx, "revoke", string(t.Kind), audit.EventTypePermissionRevoke, func(ctx context.Context, st *Store, ev *audit.Event) error {
		obj, subj, err := lookupPair(ctx, st, t, p)
		if err != nil {
			return err
		}
		describe(ev, obj, subj, "")
		return st.Revoke(ctx, obj, subj)
	})
}

// AddRepoGroupPermission grants perm on a repo group and cascades it per scope.
// The cascade is all-or-nothing.
func (s *Service) AddRepoGroupPermission(ctx context.Context, group ObjectRef, p Principal, perm string, scope Recursive) (*PropagationResult, error) {
	var res *PropagationResult
	err := s.mutate(ctx, "cascade_grant", string(KindRepoGroup), audit.EventTypeCascadeGrant, func(ctx context.Context, st *Store, ev *audit.Event) error {
		obj, subj, err := lookupPair(ctx, st, Target{Kind: KindRepoGroup, Ref: group}, p)
		if err != nil {
			return err
		}
		describe(ev, obj, subj, perm)
		res, err = NewPropagator(st).AddPermission(ctx, obj.(*RepoGroup), subj, perm, scope)
		if err != nil {
			return err
		}
		recordCascade(ev, scope, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observeCascade(ctx, "add", scope, res)
	return res, nil
}

// DeleteRepoGroupPermission revokes p's grants on a repo group and cascades per scope.
func (s *Service) DeleteRepoGroupPermission(ctx context.Context, group ObjectRef, p Principal, scope Recursive) (*PropagationResult, error) {
	var res *PropagationResult
	err := s.mutate(ctx, "cascade_revoke", string(KindRepoGroup), audit.EventTypeCascadeRevoke, func(ctx context.Context, st *Store, ev *audit.Event) error {
		obj, subj, err := lookupPair(ctx, st, Target{Kind: KindRepoGroup, Ref: group}, p)
		if err != nil {
			return err
		}
		describe(ev, obj, subj, "")
		res, err = NewPropagator(st).DeletePermission(ctx, obj.(*RepoGroup), subj, scope)
		if err != nil {
			return err
		}
		recordCascade(ev, scope, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.observeCascade(ctx, "delete", scope, res)
	return res, nil
}

// GrantGlobal sets a global permission for p, replacing its namespace value.
func (s *Service) GrantGlobal(ctx context.Context, p Principal, perm string) error {
	return s.mutate(ctx, "grant", "global", audit.EventTypeGlobalGrant, func(ctx context.Context, st *Store, ev *audit.Event) error {
		subj, err := lookupSubject(ctx, st, p)
		if err != nil {
			return err
		}
		describe(ev, nil, subj, perm)
		return st.GrantGlobalPermission(ctx, subj, perm)
	})
}

// RevokeGlobal removes one global permission from p.
func (s *Service) RevokeGlobal(ctx context.Context, p Principal, perm string) error {
	return s.mutate(ctx, "revoke", "global", audit.EventTypeGlobalRevoke, func(ctx context.Context, st *Store, ev *audit.Event) error {
		subj, err := lookupSubject(ctx, st, p)
		if err != nil {
			return err
		}
		describe(ev, nil, subj, perm)
		return st.RevokeGlobalPermission(ctx, subj, perm)
	})
}

// Defaults returns the current default-permission form.
func (s *Service) Defaults(ctx context.Context) (DefaultPermissionsForm, error) {
	def, err := s.store.GetDefaultUser(ctx)
	if err != nil {
		return DefaultPermissionsForm{}, err
	}
	globals, err := s.store.ListGlobalPermissions(ctx, def)
	if err != nil {
		return DefaultPermissionsForm{}, err
	}
	return FormFromDefaults(def, globals), nil
}

// UpdateDefaults applies the bulk default-permission reset atomically.
func (s *Service) UpdateDefaults(ctx context.Context, form DefaultPermissionsForm) error {
	var before DefaultPermissionsForm
	return s.mutate(ctx, "update_defaults", "global", audit.EventTypeDefaultsUpdate, func(ctx context.Context, st *Store, ev *audit.Event) error {
		def, err := st.GetDefaultUser(ctx)
		if err != nil {
			return err
		}
		if globals, err := st.ListGlobalPermissions(ctx, def); err == nil {
			before = FormFromDefaults(def, globals)
		}
		describe(ev, nil, def, "")
		if err := st.UpdateDefaults(ctx, form); err != nil {
			return err
		}
		ev.Changes = &audit.ChangeDetails{Before: formFields(before), After: formFields(form)}
		return nil
	})
}

// RepairDefaults recreates missing default-user global grants and returns what it added.
func (s *Service) RepairDefaults(ctx context.Context) ([]string, error) {
	var added []string
	err := s.mutate(ctx, "repair_defaults", "global", audit.EventTypeDefaultsRepair, func(ctx context.Context, st *Store, ev *audit.Event) error {
		def, err := st.GetDefaultUser(ctx)
		if err != nil {
			return err
		}
		describe(ev, nil, def, "")
		added, err = st.CreateDefaultPermissions(ctx, def, false)
		ev.Metadata["added"] = added
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.RepairAddedTotal.Add(float64(len(added)))
	}
	return added, err
}

// BootstrapResult reports what Bootstrap created.
type BootstrapResult struct {
	Migrations         int      `json:"migrations"`
	Permissions        int      `json:"permissions"`
	DefaultUserCreated bool     `json:"default_user_created"`
	DefaultsAdded      []string `json:"defaults_added"`
}

// Bootstrap brings an empty or partial database to a usable state: schema,
// permission catalog, default user and its global defaults. It is idempotent.
func (s *Service) Bootstrap(ctx context.Context, dialect Dialect) (*BootstrapResult, error) {
	res := &BootstrapResult{}
	n, err := RunMigrations(ctx, s.db, dialect)
	if err != nil {
		return nil, err
	}
	res.Migrations = n

	err = s.mutate(ctx, "bootstrap", "global", audit.EventTypeBootstrap, func(ctx context.Context, st *Store, ev *audit.Event) error {
		perms, err := st.CreatePermissions(ctx)
		if err != nil {
			return err
		}
		res.Permissions = perms

		def, created, err := st.EnsureDefaultUser(ctx)
		if err != nil {
			return err
		}
		res.DefaultUserCreated = created

		added, err := st.CreateDefaultPermissions(ctx, def, false)
		if err != nil {
			return err
		}
		res.DefaultsAdded = added

		describe(ev, nil, def, "")
		ev.Metadata["migrations"] = res.Migrations
		ev.Metadata["permissions"] = perms
		ev.Metadata["defaults_added"] = added
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// DeleteUserGroup deletes a user group that holds no object grants.
func (s *Service) DeleteUserGroup(ctx context.Context, ref ObjectRef) error {
	return s.mutate(ctx, "delete", string(KindUserGroup), audit.EventTypeUserGroupDelete, func(ctx context.Context, st *Store, ev *audit.Event) error {
		g, err := st.ResolveUserGroup(ctx, ref)
		if err != nil {
			return err
		}
		describe(ev, g, nil, "")
		return st.DeleteUserGroup(ctx, g)
	})
}

// DeleteUser deletes a user that owns nothing, along with its grants and memberships.
func (s *Service) DeleteUser(ctx context.Context, ref ObjectRef) error {
	return s.mutate(ctx, "delete", "user", audit.EventTypeUserDelete, func(ctx context.Context, st *Store, ev *audit.Event) error {
		u, err := st.ResolveUser(ctx, ref)
		if err != nil {
			return err
		}
		describe(ev, nil, u, "")
		return st.DeleteUser(ctx, u)
	})
}

// DeleteRepository deletes a repository and every grant on it.
func (s *Service) DeleteRepository(ctx context.Context, ref ObjectRef) error {
	return s.mutate(ctx, "delete", string(KindRepository), audit.EventTypeRepositoryDelete, func(ctx context.Context, st *Store, ev *audit.Event) error {
		r, err := st.ResolveRepository(ctx, ref)
		if err != nil {
			return err
		}
		describe(ev, r, nil, "")
		return st.DeleteRepository(ctx, r)
	})
}

// DeleteRepoGroup deletes an empty repo group.
func (s *Service) DeleteRepoGroup(ctx context.Context, ref ObjectRef) error {
	return s.mutate(ctx, "delete", string(KindRepoGroup), audit.EventTypeRepoGroupDelete, func(ctx context.Context, st *Store, ev *audit.Event) error {
		g, err := st.ResolveRepoGroup(ctx, ref)
		if err != nil {
			return err
		}
		describe(ev, g, nil, "")
		return st.DeleteRepoGroup(ctx, g)
	})
}

// SetRepositoryPrivate changes a repository's visibility.
func (s *Service) SetRepositoryPrivate(ctx context.Context, ref ObjectRef, private bool) error {
	return s.mutate(ctx, "set_private", string(KindRepository), audit.EventTypeRepoPrivacy, func(ctx context.Context, st *Store, ev *audit.Event) error {
		r, err := st.ResolveRepository(ctx, ref)
		if err != nil {
			return err
		}
		describe(ev, r, nil, "")
		ev.Changes = &audit.ChangeDetails{
			Before: map[string]interface{}{"private": r.Private},
			After:  map[string]interface{}{"private": private},
		}
		return st.SetRepositoryPrivate(ctx, r, private)
	})
}

// CreateUser inserts a user.
func (s *Service) CreateUser(ctx context.Context, u *User) error {
	return s.write(ctx, "create_user", func(ctx context.Context, st *Store) error {
		return st.CreateUser(ctx, u)
	})
}

// SetUserAdmin changes a user's administrator flag.
func (s *Service) SetUserAdmin(ctx context.Context, ref ObjectRef, admin bool) error {
	return s.write(ctx, "set_user_admin", func(ctx context.Context, st *Store) error {
		u, err := st.ResolveUser(ctx, ref)
		if err != nil {
			return err
		}
		return st.SetUserAdmin(ctx, u, admin)
	})
}

// CreateUserGroup inserts a user group and seeds the default user's grant on it.
func (s *Service) CreateUserGroup(ctx context.Context, g *UserGroup) error {
	return s.write(ctx, "create_user_group", func(ctx context.Context, st *Store) error {
		return st.CreateUserGroup(ctx, g)
	})
}

// SetUserGroupActive enables or disables a user group.
func (s *Service) SetUserGroupActive(ctx context.Context, ref ObjectRef, active bool) error {
	return s.write(ctx, "set_user_group_active", func(ctx context.Context, st *Store) error {
		g, err := st.ResolveUserGroup(ctx, ref)
		if err != nil {
			return err
		}
		return st.SetUserGroupActive(ctx, g, active)
	})
}

// AddUserGroupMember adds a user to a user group.
func (s *Service) AddUserGroupMember(ctx context.Context, group, user ObjectRef) error {
	return s.write(ctx, "add_member", func(ctx context.Context, st *Store) error {
		g, err := st.ResolveUserGroup(ctx, group)
		if err != nil {
			return err
		}
		u, err := st.ResolveUser(ctx, user)
		if err != nil {
			return err
		}
		return st.AddUserGroupMember(ctx, g, u)
	})
}

// RemoveUserGroupMember removes a user from a user group.
func (s *Service) RemoveUserGroupMember(ctx context.Context, group, user ObjectRef) error {
	return s.write(ctx, "remove_member", func(ctx context.Context, st *Store) error {
		g, err := st.ResolveUserGroup(ctx, group)
		if err != nil {
			return err
		}
		u, err := st.ResolveUser(ctx, user)
		if err != nil {
			return err
		}
		return st.RemoveUserGroupMember(ctx, g, u)
	})
}

// CreateRepoGroup inserts a repo group and seeds the default user's grant on it.
func (s *Service) CreateRepoGroup(ctx context.Context, g *RepoGroup) error {
	return s.write(ctx, "create_repo_group", func(ctx context.Context, st *Store) error {
		return st.CreateRepoGroup(ctx, g)
	})
}

// MoveRepoGroup re-parents a repo group; a zero parent moves it to the top level.
func (s *Service) MoveRepoGroup(ctx context.Context, ref, parent ObjectRef) error {
	return s.write(ctx, "move_repo_group", func(ctx context.Context, st *Store) error {
		g, err := st.ResolveRepoGroup(ctx, ref)
		if err != nil {
			return err
		}
		var p *RepoGroup
		if !parent.IsZero() {
			if p, err = st.ResolveRepoGroup(ctx, parent); err != nil {
				return err
			}
		}
		return st.SetRepoGroupParent(ctx, g, p)
	})
}

// CreateRepository inserts a repository and seeds the default user's grant on it.
func (s *Service) CreateRepository(ctx context.Context, r *Repository) error {
	return s.write(ctx, "create_repository", func(ctx context.Context, st *Store) error {
		return st.CreateRepository(ctx, r)
	})
}

// inTx runs fn against a transaction-bound store and commits when fn succeeds.
func (s *Service) inTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin transaction", nil, nil, "", err)
	}
	defer tx.Rollback()

	if err := fn(s.store.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit transaction", nil, nil, "", err)
	}
	return nil
}

// write runs an entity change that affects resolution but is not audited.
func (s *Service) write(ctx context.Context, op string, fn func(context.Context, *Store) error) error {
	ctx, span := s.tracer.Start(ctx, "rbac."+op)
	defer span.End()

	if err := s.inTx(ctx, func(st *Store) error { return fn(ctx, st) }); err != nil {
		return s.fail(ctx, span, op, err)
	}
	if err := s.invalidate(ctx); err != nil {
		return s.fail(ctx, span, op, err)
	}
	return nil
}

const defaultAuditLimit = 50

// AuditEvents returns recent audit events, newest first. Empty kind or name
// match every object.
func (s *Service) AuditEvents(ctx context.Context, kind ObjectKind, name string, limit int) ([]*audit.Event, error) {
	switch kind {
	case "", KindRepository, KindRepoGroup, KindUserGroup:
	default:
		return nil, fmt.Errorf("%w: unknown object kind %q", ErrInvalidArgument, kind)
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	reader, ok := s.audit.(audit.Reader)
	if !ok {
		return nil, fmt.Errorf("%w: audit sink is write-only", ErrUnsupported)
	}
	events, err := reader.Recent(ctx, string(kind), name, limit)
	if err != nil {
		return nil, &StoreError{Op: "read audit", Object: name, Err: err}
	}
	return events, nil
}

// mutate runs a grant mutation: transaction, cache invalidation, audit and metrics.
func (s *Service) mutate(ctx context.Context, op, object string, eventType audit.EventType, fn func(context.Context, *Store, *audit.Event) error) error {
	ctx, span := s.tracer.Start(ctx, "rbac."+op, trace.WithAttributes(attribute.String("object_kind", object)))
	defer span.End()

	event := audit.NewEvent(ctx, eventType, audit.EventStatusSuccess)
	err := s.inTx(ctx, func(st *Store) error { return fn(ctx, st, event) })
	if err == nil {
		err = s.invalidate(ctx)
	}
	s.observeMutation(ctx, object, op, err)
	if err != nil {
		return s.fail(ctx, span, op, err)
	}

	if err := s.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx, s.logger).WithError(err).
			WithField("event_type", string(eventType)).
			Warn("Failed to write audit event")
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.cacheError(ctx, "invalidate", err)
		return fmt.Errorf("failed to invalidate permission cache: %w", err)
	}
	return nil
}

// fail records err on the span and logs it. Store failures carry their grant context.
func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	logger := observability.FromContext(ctx, s.logger).WithError(err).WithField("op", op)
	var se *StoreError
	if errors.As(err, &se) {
		logger.WithFields(se.Fields()).Error("Permission store failure")
		if s.metrics != nil {
			s.metrics.StoreErrorsTotal.WithLabelValues(se.Op).Inc()
		}
		return err
	}
	if HTTPStatus(err) >= http.StatusInternalServerError {
		logger.Error("Permission operation failed")
	} else {
		logger.Debug("Permission operation rejected")
	}
	return err
}

func (s *Service) observeResolution(ctx context.Context, source string, start time.Time) {
	elapsed := time.Since(start)
	if s.metrics != nil {
		s.metrics.ResolutionsTotal.WithLabelValues(source).Inc()
		s.metrics.ResolutionDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
	s.instruments.RecordResolution(ctx, source, elapsed)
}

func (s *Service) observeMutation(ctx context.Context, object, op string, err error) {
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.GrantMutationsTotal.WithLabelValues(object, op, status).Inc()
	}
	s.instruments.RecordMutation(ctx, object, op, err)
}

func (s *Service) observeCascade(ctx context.Context, op string, scope Recursive, res *PropagationResult) {
	if s.metrics != nil {
		s.metrics.CascadeSize.WithLabelValues(op, string(scope)).Observe(float64(res.Size()))
	}
	s.instruments.RecordCascade(ctx, op, string(scope), res.Size())
}

func (s *Service) cacheLookup(ctx context.Context, hit bool) {
	if s.metrics != nil {
		if hit {
			s.metrics.CacheHitsTotal.Inc()
		} else {
			s.metrics.CacheMissesTotal.Inc()
		}
	}
	s.instruments.RecordCacheLookup(ctx, hit)
}

func (s *Service) cacheError(ctx context.Context, op string, err error) {
	if s.metrics != nil {
		s.metrics.CacheErrorsTotal.WithLabelValues(op).Inc()
	}
	observability.FromContext(ctx, s.logger).WithError(err).WithField("cache_op", op).Warn("Permission cache error")
}

func lookupObject(ctx context.Context, st *Store, t Target) (Object, error) {
	switch t.Kind {
	case KindRepository:
		return st.ResolveRepository(ctx, t.Ref)
	case KindRepoGroup:
		return st.ResolveRepoGroup(ctx, t.Ref)
	case KindUserGroup:
		return st.ResolveUserGroup(ctx, t.Ref)
	}
	return nil, fmt.Errorf("unknown object kind %q: %w", t.Kind, ErrInvalidArgument)
}

func lookupSubject(ctx context.Context, st *Store, p Principal) (Subject, error) {
	switch p.Kind {
	case SubjectUser:
		return st.ResolveUser(ctx, p.Ref)
	case SubjectUserGroup:
		return st.ResolveUserGroup(ctx, p.Ref)
	}
	return nil, fmt.Errorf("unknown subject kind %q: %w", p.Kind, ErrInvalidArgument)
}

func lookupPair(ctx context.Context, st *Store, t Target, p Principal) (Object, Subject, error) {
	obj, err := lookupObject(ctx, st, t)
	if err != nil {
		return nil, nil, err
	}
	subj, err := lookupSubject(ctx, st, p)
	if err != nil {
		return nil, nil, err
	}
	return obj, subj, nil
}

func describe(ev *audit.Event, obj Object, subj Subject, perm string) {
	if obj != nil {
		ev.ObjectKind = string(obj.Kind())
		ev.ObjectName = obj.ObjectName()
	}
	if subj != nil {
		ev.SubjectKind = string(subj.SubjectKind())
		ev.SubjectName = subj.SubjectName()
	}
	ev.Permission = perm
}

func recordCascade(ev *audit.Event, scope Recursive, res *PropagationResult) {
	ev.Metadata["recursive"] = string(scope)
	ev.Metadata["repo_groups"] = res.RepoGroups
	ev.Metadata["repositories"] = res.Repositories
	if len(res.Skipped) > 0 {
		ev.Metadata["skipped"] = res.Skipped
	}
}

func formFields(f DefaultPermissionsForm) map[string]interface{} {
	out := make(map[string]interface{}, 11)
	for ns, perm := range f.values() {
		out[ns] = perm
	}
	out["anonymous"] = f.AnonymousAccess
	return out
}
