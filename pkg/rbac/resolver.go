package rbac

import (
	"context"
	"sort"
)

// PermissionSet is the resolved view of one identity: an effective permission
// name per object, keyed by object name, plus the global flags it holds.
// It is immutable once returned. A nil set grants nothing.
type PermissionSet struct {
	Repositories map[string]string `json:"repositories"`
	RepoGroups   map[string]string `json:"repositories_groups"`
	UserGroups   map[string]string `json:"user_groups"`
	Global       []string          `json:"global"`
}

func newPermissionSet() *PermissionSet {
	return &PermissionSet{
		Repositories: make(map[string]string),
		RepoGroups:   make(map[string]string),
		UserGroups:   make(map[string]string),
		Global:       []string{},
	}
}

func (p *PermissionSet) objects(kind ObjectKind) map[string]string {
	if p == nil {
		return nil
	}
	switch kind {
	case KindRepository:
		return p.Repositories
	case KindRepoGroup:
		return p.RepoGroups
	case KindUserGroup:
		return p.UserGroups
	}
	return nil
}

// Permission returns the effective permission name on an object, if the object is known.
func (p *PermissionSet) Permission(kind ObjectKind, name string) (string, bool) {
	perm, ok := p.objects(kind)[name]
	return perm, ok
}

// Level returns the effective level on an object. Unknown objects are LevelNone.
func (p *PermissionSet) Level(kind ObjectKind, name string) Level {
	perm, ok := p.Permission(kind, name)
	if !ok {
		return LevelNone
	}
	_, lvl, err := ParseObjectPermission(perm)
	if err != nil {
		return LevelNone
	}
	return lvl
}

// HasGlobal reports whether the set holds a global permission.
func (p *PermissionSet) HasGlobal(name string) bool {
	if p == nil {
		return false
	}
	i := sort.SearchStrings(p.Global, name)
	return i < len(p.Global) && p.Global[i] == name
}

// IsAdmin reports whether the set was resolved for an administrator.
func (p *PermissionSet) IsAdmin() bool {
	return p.HasGlobal(PermAdmin)
}

// levelIndex maps kind -> object id -> level.
type levelIndex map[ObjectKind]map[int64]Level

// index builds a levelIndex; with keepMax, several grants on one object keep the highest.
func index(grants []ObjectGrant, keepMax bool) levelIndex {
	idx := levelIndex{
		KindRepository: {},
		KindRepoGroup:  {},
		KindUserGroup:  {},
	}
	for _, g := range grants {
		kind, lvl, err := ParseObjectPermission(g.Permission)
		if err != nil || kind != g.Kind {
			continue
		}
		if cur, ok := idx[kind][g.ObjectID]; ok && keepMax && cur >= lvl {
			continue
		}
		idx[kind][g.ObjectID] = lvl
	}
	return idx
}

func (idx levelIndex) get(kind ObjectKind, id int64) (Level, bool) {
	lvl, ok := idx[kind][id]
	return lvl, ok
}

type resolvedObject struct {
	kind    ObjectKind
	id      int64
	name    string
	owner   int64
	private bool
}

func (s *Snapshot) allObjects() []resolvedObject {
	out := make([]resolvedObject, 0, len(s.Repositories)+len(s.RepoGroups)+len(s.UserGroups))
	for _, r := range s.Repositories {
		out = append(out, resolvedObject{KindRepository, r.ID, r.Name, r.OwnerID, r.Private})
	}
	for _, g := range s.RepoGroups {
		out = append(out, resolvedObject{KindRepoGroup, g.ID, g.Name, g.OwnerID, false})
	}
	for _, g := range s.UserGroups {
		out = append(out, resolvedObject{KindUserGroup, g.ID, g.Name, g.OwnerID, false})
	}
	return out
}

// Resolve computes the effective permissions of id from snap. Highest precedence first:
//
//	administrator        admin everywhere
//	owner                admin
//	individual grant     replaces anything below, higher or lower
//	user-group grants    highest of the user's active groups
//	default-user grant   baseline, none when missing or when the repository is private
//
// Anonymous callers get the baseline only, and nothing at all while the default
// user is inactive.
func Resolve(snap *Snapshot, id Identity) *PermissionSet {
	set := newPermissionSet()

	var user *User
	if ui, ok := id.(UserIdentity); ok && ui.User != nil && ui.User.Active && !ui.User.IsDefault {
		user = ui.User
	}
	anonymousEnabled := snap.DefaultUser != nil && snap.DefaultUser.Active

	if user != nil && user.Admin {
		for _, obj := range snap.allObjects() {
			set.objects(obj.kind)[obj.name] = ObjectPermission(obj.kind, LevelAdmin)
		}
		set.Global = globalSet(GrantingPermissions(), snap.UserGlobals, snap.GroupGlobals)
		return set
	}

	defaults := index(snap.DefaultGrants, false)
	var personal, groups levelIndex
	if user != nil {
		personal = index(snap.UserGrants, false)
		groups = index(snap.GroupGrants, true)
	}

	for _, obj := range snap.allObjects() {
		lvl := LevelNone
		if user != nil || anonymousEnabled {
			if d, ok := defaults.get(obj.kind, obj.id); ok {
				lvl = d
			}
			if obj.private {
				lvl = LevelNone
			}
		}
		if user != nil {
			if g, ok := groups.get(obj.kind, obj.id); ok {
				lvl = g
			}
			if p, ok := personal.get(obj.kind, obj.id); ok {
				lvl = p
			}
			if obj.owner == user.ID {
				lvl = LevelAdmin
			}
		}
		set.objects(obj.kind)[obj.name] = ObjectPermission(obj.kind, lvl)
	}

	switch {
	case user != nil:
		var base []string
		if user.InheritDefaultPermissions {
			base = snap.DefaultGlobals
		}
		set.Global = globalSet(overrideNamespaces(base, snap.UserGlobals), snap.GroupGlobals)
	case anonymousEnabled:
		set.Global = globalSet(snap.DefaultGlobals)
	}
	return set
}

// overrideNamespaces drops base entries whose namespace appears in own, then adds own.
func overrideNamespaces(base, own []string) []string {
	replaced := make(map[string]bool, len(own))
	for _, p := range own {
		replaced[namespaceOf(p)] = true
	}
	out := make([]string, 0, len(base)+len(own))
	for _, p := range base {
		if !replaced[namespaceOf(p)] {
			out = append(out, p)
		}
	}
	return append(out, own...)
}

// globalSet unions the lists into a sorted, duplicate-free slice.
func globalSet(lists ...[]string) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, list := range lists {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Resolver loads a fresh snapshot per call and resolves it.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver reading from store
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the effective permissions of id at the time of the call.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*PermissionSet, error) {
	snap, err := r.store.LoadSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	return Resolve(snap, id), nil
}
