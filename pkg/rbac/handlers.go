package rbac

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/contextkeys"
	"github.com/platinummonkey/repoperm/pkg/httputil"
)

// Handlers exposes the permission engine over REST.
type Handlers struct {
	service *Service
	guards  *PermissionMiddleware
}

// NewHandlers creates handlers; guards must wrap the same service.
func NewHandlers(service *Service, guards *PermissionMiddleware) *Handlers {
	return &Handlers{service: service, guards: guards}
}

// RegisterRoutes mounts the API under /api/v1 on router.
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.guards.Authenticate)

	g := h.guards
	repoRead := g.RequireRepoPermission("repo", LevelRead)
	repoAdmin := g.RequireRepoPermission("repo", LevelAdmin)
	groupRead := g.RequireRepoGroupPermission("group", LevelRead)
	groupAdmin := g.RequireRepoGroupPermission("group", LevelAdmin)
	ugroupRead := g.RequireUserGroupPermission("ugroup", LevelRead)
	ugroupAdmin := g.RequireUserGroupPermission("ugroup", LevelAdmin)
	admin := g.RequireGlobal(PermAdmin)

	api.HandleFunc("/permissions", h.listCatalog).Methods(http.MethodGet)
	api.HandleFunc("/me/permissions", h.myPermissions).Methods(http.MethodGet)

	// Repositories
	api.Handle("/repos", g.RequireGlobal(PermAdmin, PermCreateRepository)(http.HandlerFunc(h.createRepository))).Methods(http.MethodPost)
	api.Handle("/repos/{repo}", repoRead(http.HandlerFunc(h.getObject))).Methods(http.MethodGet)
	api.Handle("/repos/{repo}/private", repoAdmin(http.HandlerFunc(h.setRepositoryPrivate))).Methods(http.MethodPut)
	api.Handle("/repos/{repo}/permissions", repoAdmin(http.HandlerFunc(h.listGrants))).Methods(http.MethodGet)
	api.Handle("/repos/{repo}/permissions/users/{user}", repoAdmin(h.grant(SubjectUser, "user"))).Methods(http.MethodPost)
	api.Handle("/repos/{repo}/permissions/users/{user}", repoAdmin(h.revoke(SubjectUser, "user"))).Methods(http.MethodDelete)
	api.Handle("/repos/{repo}/permissions/user-groups/{ugroup}", repoAdmin(h.grant(SubjectUserGroup, "ugroup"))).Methods(http.MethodPost)
	api.Handle("/repos/{repo}/permissions/user-groups/{ugroup}", repoAdmin(h.revoke(SubjectUserGroup, "ugroup"))).Methods(http.MethodDelete)

	// Repo groups
	api.Handle("/repo-groups", g.RequireGlobal(PermAdmin, PermRepoGroupCreateTrue)(http.HandlerFunc(h.createRepoGroup))).Methods(http.MethodPost)
	api.Handle("/repo-groups/{group}", groupRead(http.HandlerFunc(h.getObject))).Methods(http.MethodGet)
	api.Handle("/repo-groups/{group}/permissions", groupAdmin(http.HandlerFunc(h.listGrants))).Methods(http.MethodGet)
	api.Handle("/repo-groups/{group}/permissions/users/{user}", groupAdmin(h.cascadeGrant(SubjectUser, "user"))).Methods(http.MethodPost)
	api.Handle("/repo-groups/{group}/permissions/users/{user}", groupAdmin(h.cascadeRevoke(SubjectUser, "user"))).Methods(http.MethodDelete)
	api.Handle("/repo-groups/{group}/permissions/user-groups/{ugroup}", groupAdmin(h.cascadeGrant(SubjectUserGroup, "ugroup"))).Methods(http.MethodPost)
	api.Handle("/repo-groups/{group}/permissions/user-groups/{ugroup}", groupAdmin(h.cascadeRevoke(SubjectUserGroup, "ugroup"))).Methods(http.MethodDelete)

	// User groups
	api.Handle("/user-groups", g.RequireGlobal(PermAdmin, PermUserGroupCreateTrue)(http.HandlerFunc(h.createUserGroup))).Methods(http.MethodPost)
	api.Handle("/user-groups/{ugroup}", ugroupRead(http.HandlerFunc(h.getUserGroup))).Methods(http.MethodGet)
	api.Handle("/user-groups/{ugroup}/members/{user}", ugroupAdmin(http.HandlerFunc(h.addMember))).Methods(http.MethodPost)
	api.Handle("/user-groups/{ugroup}/members/{user}", ugroupAdmin(http.HandlerFunc(h.removeMember))).Methods(http.MethodDelete)
	api.Handle("/user-groups/{ugroup}/permissions", ugroupAdmin(http.HandlerFunc(h.listGrants))).Methods(http.MethodGet)
	api.Handle("/user-groups/{ugroup}/permissions/users/{user}", ugroupAdmin(h.grant(SubjectUser, "user"))).Methods(http.MethodPost)
	api.Handle("/user-groups/{ugroup}/permissions/users/{user}", ugroupAdmin(h.revoke(SubjectUser, "user"))).Methods(http.MethodDelete)
	api.Handle("/user-groups/{ugroup}/permissions/user-groups/{target}", ugroupAdmin(h.grant(SubjectUserGroup, "target"))).Methods(http.MethodPost)
	api.Handle("/user-groups/{ugroup}/permissions/user-groups/{target}", ugroupAdmin(h.revoke(SubjectUserGroup, "target"))).Methods(http.MethodDelete)

	// Administration
	adm := api.PathPrefix("/admin").Subrouter()
	adm.Use(admin)
	adm.HandleFunc("/defaults", h.getDefaults).Methods(http.MethodGet)
	adm.HandleFunc("/defaults", h.updateDefaults).Methods(http.MethodPut)
	adm.HandleFunc("/defaults/repair", h.repairDefaults).Methods(http.MethodPost)
	adm.HandleFunc("/audit", h.auditEvents).Methods(http.MethodGet)
	adm.HandleFunc("/users/{user}/permissions", h.userPermissions).Methods(http.MethodGet)
	adm.HandleFunc("/permissions/users/{user}", h.globalGrant(SubjectUser, "user")).Methods(http.MethodPost)
	adm.HandleFunc("/permissions/users/{user}", h.globalRevoke(SubjectUser, "user")).Methods(http.MethodDelete)
	adm.HandleFunc("/permissions/user-groups/{ugroup}", h.globalGrant(SubjectUserGroup, "ugroup")).Methods(http.MethodPost)
	adm.HandleFunc("/permissions/user-groups/{ugroup}", h.globalRevoke(SubjectUserGroup, "ugroup")).Methods(http.MethodDelete)
	adm.HandleFunc("/user-groups/{ugroup}", h.deleteUserGroup).Methods(http.MethodDelete)
	adm.HandleFunc("/repo-groups/{group}", h.deleteRepoGroup).Methods(http.MethodDelete)
	adm.HandleFunc("/users/{user}", h.deleteUser).Methods(http.MethodDelete)
	adm.HandleFunc("/repos/{repo}", h.deleteRepository).Methods(http.MethodDelete)
}

// GrantRequest is the body of grant and cascade requests.
type GrantRequest struct {
	Permission string `json:"permission"`
	Recursive  string `json:"recursive,omitempty"`
}

// ObjectResponse describes a guarded object and the caller's permission on it.
type ObjectResponse struct {
	Object     Object `json:"object"`
	Permission string `json:"permission"`
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	httputil.WriteMappedError(w, err, HTTPStatus)
}

// target builds the Target of the object a guard placed in the context.
func target(r *http.Request) Target {
	obj := ObjectFromContext(r.Context())
	return Target{Kind: obj.Kind(), Ref: ByID(obj.ObjectID())}
}

func principal(r *http.Request, kind SubjectKind, param string) (Principal, bool) {
	raw := mux.Vars(r)[param]
	if raw == "" {
		return Principal{}, false
	}
	return Principal{Kind: kind, Ref: ParseRef(raw)}, true
}

func (h *Handlers) listCatalog(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, Catalog())
}

func (h *Handlers) myPermissions(w http.ResponseWriter, r *http.Request) {
	set := PermissionsFromContext(r.Context())
	if set == nil {
		var err error
		if set, err = h.service.Resolve(r.Context(), IdentityFromContext(r.Context())); err != nil {
			h.fail(w, err)
			return
		}
	}
	httputil.WriteSuccess(w, set)
}

func (h *Handlers) userPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.IdentityFor(r.Context(), ParseRef(mux.Vars(r)["user"]))
	if err != nil {
		h.fail(w, err)
		return
	}
	set, err := h.service.Resolve(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, set)
}

func (h *Handlers) getObject(w http.ResponseWriter, r *http.Request) {
	obj := ObjectFromContext(r.Context())
	perm, _ := PermissionsFromContext(r.Context()).Permission(obj.Kind(), obj.ObjectName())
	httputil.WriteSuccess(w, ObjectResponse{Object: obj, Permission: perm})
}

func (h *Handlers) getUserGroup(w http.ResponseWriter, r *http.Request) {
	obj := ObjectFromContext(r.Context())
	members, err := h.service.Store().ListUserGroupMembers(r.Context(), obj.(*UserGroup))
	if err != nil {
		h.fail(w, err)
		return
	}
	perm, _ := PermissionsFromContext(r.Context()).Permission(obj.Kind(), obj.ObjectName())
	httputil.WriteSuccess(w, map[string]interface{}{
		"object":     obj,
		"permission": perm,
		"members":    members,
	})
}

func (h *Handlers) listGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.service.ListGrants(r.Context(), target(r))
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, grants)
}

func (h *Handlers) grant(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(r, kind, param)
		if !ok {
			httputil.WriteBadRequest(w, "missing subject")
			return
		}
		var req GrantRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		g, err := h.service.Grant(r.Context(), target(r), p, req.Permission)
		if err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteSuccess(w, g)
	}
}

func (h *Handlers) revoke(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(r, kind, param)
		if !ok {
			httputil.WriteBadRequest(w, "missing subject")
			return
		}
		if err := h.service.Revoke(r.Context(), target(r), p); err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteNoContent(w)
	}
}

// recursiveOf reads the cascade scope from the body, falling back to ?recursive=.
func recursiveOf(r *http.Request, req GrantRequest) (Recursive, error) {
	raw := req.Recursive
	if raw == "" {
		raw = httputil.ParseQueryString(r, "recursive", "")
	}
	return ParseRecursive(raw)
}

func (h *Handlers) cascadeGrant(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(r, kind, param)
		if !ok {
			httputil.WriteBadRequest(w, "missing subject")
			return
		}
		var req GrantRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		scope, err := recursiveOf(r, req)
		if err != nil {
			h.fail(w, err)
			return
		}
		res, err := h.service.AddRepoGroupPermission(r.Context(), target(r).Ref, p, req.Permission, scope)
		if err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteSuccess(w, res)
	}
}

func (h *Handlers) cascadeRevoke(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principal(r, kind, param)
		if !ok {
			httputil.WriteBadRequest(w, "missing subject")
			return
		}
		var req GrantRequest
		if err := httputil.ParseOptionalJSON(r, &req); err != nil {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		scope, err := recursiveOf(r, req)
		if err != nil {
			h.fail(w, err)
			return
		}
		res, err := h.service.DeleteRepoGroupPermission(r.Context(), target(r).Ref, p, scope)
		if err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteSuccess(w, res)
	}
}

func (h *Handlers) setRepositoryPrivate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Private *bool `json:"private"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Private == nil {
		httputil.WriteBadRequest(w, "private is required")
		return
	}
	if err := h.service.SetRepositoryPrivate(r.Context(), target(r).Ref, *req.Private); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// actor returns the authenticated user id; anonymous callers cannot own objects.
func actor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, _, ok := contextkeys.GetActor(r.Context())
	if !ok {
		httputil.WriteUnauthorized(w, "authentication required")
		return 0, false
	}
	return id, true
}

// checkParentGroup requires admin on the parent group, or write when the
// caller holds hg.create.write_on_repogroup.true.
func (h *Handlers) checkParentGroup(r *http.Request, ref ObjectRef) (*RepoGroup, error) {
	parent, err := h.service.Store().ResolveRepoGroup(r.Context(), ref)
	if err != nil {
		return nil, err
	}
	set := PermissionsFromContext(r.Context())
	check := HasRepoGroupPermissionLevel(LevelAdmin)
	if set.HasGlobal(PermCreateWriteOnRepoGroupTrue) {
		check = HasRepoGroupPermissionLevel(LevelWrite)
	}
	if err := check.Check(set, parent.Name); err != nil {
		return nil, err
	}
	return parent, nil
}

func (h *Handlers) createRepository(w http.ResponseWriter, r *http.Request) {
	owner, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name    string `json:"name"`
		Group   string `json:"group,omitempty"`
		Private bool   `json:"private"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	repo := &Repository{Name: req.Name, OwnerID: owner, Private: req.Private}
	if req.Group != "" {
		parent, err := h.checkParentGroup(r, ParseRef(req.Group))
		if err != nil {
			h.fail(w, err)
			return
		}
		repo.GroupID = &parent.ID
	}
	if err := h.service.CreateRepository(r.Context(), repo); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteCreated(w, repo)
}

func (h *Handlers) createRepoGroup(w http.ResponseWriter, r *http.Request) {
	owner, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name   string `json:"name"`
		Parent string `json:"parent,omitempty"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	group := &RepoGroup{Name: req.Name, OwnerID: owner}
	if req.Parent != "" {
		parent, err := h.checkParentGroup(r, ParseRef(req.Parent))
		if err != nil {
			h.fail(w, err)
			return
		}
		group.ParentID = &parent.ID
	}
	if err := h.service.CreateRepoGroup(r.Context(), group); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteCreated(w, group)
}

func (h *Handlers) createUserGroup(w http.ResponseWriter, r *http.Request) {
	owner, ok := actor(w, r)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	group := &UserGroup{Name: req.Name, OwnerID: owner, Active: true}
	if err := h.service.CreateUserGroup(r.Context(), group); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteCreated(w, group)
}

func (h *Handlers) addMember(w http.ResponseWriter, r *http.Request) {
	if err := h.service.AddUserGroupMember(r.Context(), target(r).Ref, ParseRef(mux.Vars(r)["user"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := h.service.RemoveUserGroupMember(r.Context(), target(r).Ref, ParseRef(mux.Vars(r)["user"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) getDefaults(w http.ResponseWriter, r *http.Request) {
	form, err := h.service.Defaults(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteSuccess(w, form)
}

func (h *Handlers) auditEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 50)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	kind := ObjectKind(httputil.ParseQueryString(r, "kind", ""))
	events, err := h.service.AuditEvents(r.Context(), kind, httputil.ParseQueryString(r, "object", ""), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	if events == nil {
		events = []*audit.Event{}
	}
	httputil.WriteSuccess(w, events)
}

func (h *Handlers) updateDefaults(w http.ResponseWriter, r *http.Request) {
	var form DefaultPermissionsForm
	if !httputil.ParseJSONOrError(w, r, &form) {
		return
	}
	if err := h.service.UpdateDefaults(r.Context(), form); err != nil {
		h.fail(w, err)
		return
	}
	h.getDefaults(w, r)
}

func (h *Handlers) repairDefaults(w http.ResponseWriter, r *http.Request) {
	added, err := h.service.RepairDefaults(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	if added == nil {
		added = []string{}
	}
	httputil.WriteSuccess(w, map[string][]string{"added": added})
}

func (h *Handlers) globalGrant(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principal(r, kind, param)
		var req GrantRequest
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
		if err := h.service.GrantGlobal(r.Context(), p, req.Permission); err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteNoContent(w)
	}
}

func (h *Handlers) globalRevoke(kind SubjectKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := principal(r, kind, param)
		perm := httputil.ParseQueryString(r, "permission", "")
		if perm == "" {
			httputil.WriteBadRequest(w, "permission query parameter is required")
			return
		}
		if err := h.service.RevokeGlobal(r.Context(), p, perm); err != nil {
			h.fail(w, err)
			return
		}
		httputil.WriteNoContent(w)
	}
}

func (h *Handlers) deleteUserGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUserGroup(r.Context(), ParseRef(mux.Vars(r)["ugroup"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), ParseRef(mux.Vars(r)["user"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) deleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRepository(r.Context(), ParseRef(mux.Vars(r)["repo"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (h *Handlers) deleteRepoGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRepoGroup(r.Context(), ParseRef(mux.Vars(r)["group"])); err != nil {
		h.fail(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
