package rbac

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/contextkeys"
	"github.com/platinummonkey/repoperm/pkg/httputil"
	"github.com/platinummonkey/repoperm/pkg/observability"
)

// APIKeyHeader carries a user's API key. "Authorization: token <key>" is accepted too.
const APIKeyHeader = "X-API-Key"

// PermissionMiddleware authenticates requests and guards routes with the
// permission predicates.
type PermissionMiddleware struct {
	service *Service
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPermissionMiddleware creates guards backed by service
func NewPermissionMiddleware(service *Service, logger *observability.Logger, metrics *observability.Metrics) *PermissionMiddleware {
	if logger == nil {
		logger = service.logger
	}
	return &PermissionMiddleware{service: service, logger: logger, metrics: metrics}
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return key
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "token") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// Authenticate resolves the caller's identity and permission set and stores
// both in the request context. Requests without a key are anonymous.
func (m *PermissionMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, user, err := m.service.Authenticate(ctx, apiKeyFrom(r))
		if errors.Is(err, ErrNotFound) {
			httputil.WriteUnauthorized(w, "invalid api key")
			return
		}
		if err != nil {
			httputil.WriteMappedError(w, err, HTTPStatus)
			return
		}

		if user != nil {
			ctx = contextkeys.WithActor(ctx, user.ID, user.Username)
		} else {
			ctx = context.WithValue(ctx, contextkeys.UsernameKey, DefaultUsername)
		}

		set, err := m.service.Resolve(ctx, id)
		if err != nil {
			httputil.WriteMappedError(w, err, HTTPStatus)
			return
		}

		ctx = context.WithValue(ctx, contextkeys.IdentityKey, id)
		ctx = context.WithValue(ctx, contextkeys.PermissionSetKey, set)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IdentityFromContext returns the caller identity, Anonymous when unset.
func IdentityFromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(contextkeys.IdentityKey).(Identity); ok {
		return id
	}
	return Anonymous{}
}

// PermissionsFromContext returns the caller's resolved permission set, or nil.
func PermissionsFromContext(ctx context.Context) *PermissionSet {
	set, _ := ctx.Value(contextkeys.PermissionSetKey).(*PermissionSet)
	return set
}

// ObjectFromContext returns the object a guard resolved from the route, or nil.
func ObjectFromContext(ctx context.Context) Object {
	obj, _ := ctx.Value(contextkeys.ObjectKey).(Object)
	return obj
}

// permissions returns the set stored by Authenticate, resolving the anonymous
// set when a guard runs without it.
func (m *PermissionMiddleware) permissions(r *http.Request) (*PermissionSet, error) {
	if set := PermissionsFromContext(r.Context()); set != nil {
		return set, nil
	}
	return m.service.Resolve(r.Context(), IdentityFromContext(r.Context()))
}

// RequireObject loads the object named by the route variable param and denies
// with 404 unless the caller passes check on it.
func (m *PermissionMiddleware) RequireObject(check ObjectCheck, param string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := httputil.ParsePathStringOrError(w, r, param)
			if !ok {
				return
			}

			obj, err := lookupObject(ctx, m.service.store, Target{Kind: check.Kind(), Ref: ParseRef(raw)})
			if err != nil {
				httputil.WriteMappedError(w, err, HTTPStatus)
				return
			}
			set, err := m.permissions(r)
			if err != nil {
				httputil.WriteMappedError(w, err, HTTPStatus)
				return
			}
			if err := check.Check(set, obj.ObjectName()); err != nil {
				m.denied(ctx, check.String(), obj)
				httputil.WriteMappedError(w, err, HTTPStatus)
				return
			}

			ctx = context.WithValue(ctx, contextkeys.ObjectKey, obj)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRepoPermission guards routes on the repository named by param.
func (m *PermissionMiddleware) RequireRepoPermission(param string, levels ...Level) mux.MiddlewareFunc {
	return m.RequireObject(HasRepoPermissionLevel(levels...), param)
}

// RequireRepoGroupPermission guards routes on the repo group named by param.
func (m *PermissionMiddleware) RequireRepoGroupPermission(param string, levels ...Level) mux.MiddlewareFunc {
	return m.RequireObject(HasRepoGroupPermissionLevel(levels...), param)
}

// RequireUserGroupPermission guards routes on the user group named by param.
func (m *PermissionMiddleware) RequireUserGroupPermission(param string, levels ...Level) mux.MiddlewareFunc {
	return m.RequireObject(HasUserGroupPermissionLevel(levels...), param)
}

// RequireGlobal denies with 403 unless the caller holds one of the flags.
func (m *PermissionMiddleware) RequireGlobal(flags ...string) mux.MiddlewareFunc {
	check := HasPermissionAny(flags...)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			set, err := m.permissions(r)
			if err != nil {
				httputil.WriteMappedError(w, err, HTTPStatus)
				return
			}
			if err := check.Check(set); err != nil {
				m.denied(r.Context(), check.String(), nil)
				httputil.WriteMappedError(w, err, HTTPStatus)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *PermissionMiddleware) denied(ctx context.Context, check string, obj Object) {
	if m.metrics != nil {
		m.metrics.DeniedTotal.WithLabelValues(check).Inc()
	}

	event := audit.NewEvent(ctx, audit.EventTypeAccessDenied, audit.EventStatusDenied)
	event.Message = check
	if obj != nil {
		event.ObjectKind = string(obj.Kind())
		event.ObjectName = obj.ObjectName()
	}
	if err := m.service.audit.Log(ctx, event); err != nil {
		observability.FromContext(ctx, m.logger).WithError(err).Warn("Failed to write audit event")
	}
	observability.FromContext(ctx, m.logger).WithField("check", check).Debug("Access denied")
}
