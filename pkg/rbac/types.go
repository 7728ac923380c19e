package rbac

import (
	"fmt"
	"time"
)

// ObjectKind identifies what a grant targets. Values double as permission namespaces.
type ObjectKind string

const (
	KindRepository ObjectKind = "repository"
	KindRepoGroup  ObjectKind = "group"
	KindUserGroup  ObjectKind = "usergroup"
)

// SubjectKind identifies who holds a grant.
type SubjectKind string

const (
	SubjectUser      SubjectKind = "user"
	SubjectUserGroup SubjectKind = "user_group"
)

// DefaultUsername is the username of the sentinel account backing anonymous access.
const DefaultUsername = "default"

// Object is anything a permission can be granted on.
type Object interface {
	Kind() ObjectKind
	ObjectID() int64
	ObjectName() string
}

// Subject is anything a permission can be granted to.
type Subject interface {
	SubjectKind() SubjectKind
	SubjectID() int64
	SubjectName() string
}

// User represents an account. Exactly one user has IsDefault set.
type User struct {
	ID                        int64     `json:"id"`
	Username                  string    `json:"username"`
	APIKey                    string    `json:"-"`
	Active                    bool      `json:"active"`
	Admin                     bool      `json:"admin"`
	IsDefault                 bool      `json:"is_default"`
	InheritDefaultPermissions bool      `json:"inherit_default_permissions"`
	CreatedAt                 time.Time `json:"created_at"`
}

func (u *User) SubjectKind() SubjectKind { return SubjectUser }
func (u *User) SubjectID() int64         { return u.ID }
func (u *User) SubjectName() string      { return u.Username }

// UserGroup is a named set of users. It can be both a grant subject and a grant object.
type UserGroup struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Active  bool   `json:"active"`
	OwnerID int64  `json:"owner_id"`
}

func (g *UserGroup) Kind() ObjectKind         { return KindUserGroup }
func (g *UserGroup) ObjectID() int64          { return g.ID }
func (g *UserGroup) ObjectName() string       { return g.Name }
func (g *UserGroup) SubjectKind() SubjectKind { return SubjectUserGroup }
func (g *UserGroup) SubjectID() int64         { return g.ID }
func (g *UserGroup) SubjectName() string      { return g.Name }

// RepoGroup is a folder of repositories and nested repo groups. Name is the full path.
type RepoGroup struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_group_id,omitempty"`
	OwnerID  int64  `json:"owner_id"`
}

func (g *RepoGroup) Kind() ObjectKind   { return KindRepoGroup }
func (g *RepoGroup) ObjectID() int64    { return g.ID }
func (g *RepoGroup) ObjectName() string { return g.Name }

// Repository is a hosted repository, optionally placed in a RepoGroup.
type Repository struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	GroupID *int64 `json:"group_id,omitempty"`
	OwnerID int64  `json:"owner_id"`
	Private bool   `json:"private"`
}

func (r *Repository) Kind() ObjectKind   { return KindRepository }
func (r *Repository) ObjectID() int64    { return r.ID }
func (r *Repository) ObjectName() string { return r.Name }

// PermissionRecord is a row of the permissions table.
type PermissionRecord struct {
	ID       int64  `json:"id"`
	Name     string `json:"permission_name"`
	LongName string `json:"permission_longname"`
}

// Grant is a stored (subject, object, permission) association.
type Grant struct {
	ID          int64       `json:"id"`
	SubjectKind SubjectKind `json:"subject_kind"`
	SubjectID   int64       `json:"subject_id"`
	SubjectName string      `json:"subject_name,omitempty"`
	ObjectKind  ObjectKind  `json:"object_kind"`
	ObjectID    int64       `json:"object_id"`
	Permission  string      `json:"permission"`
}

// Recursive is the breadth of a repo-group grant cascade.
type Recursive string

const (
	RecursiveNone   Recursive = "none"
	RecursiveRepos  Recursive = "repos"
	RecursiveGroups Recursive = "groups"
	RecursiveAll    Recursive = "all"
)

// ParseRecursive parses a cascade scope. The empty string means RecursiveNone.
func ParseRecursive(s string) (Recursive, error) {
	switch Recursive(s) {
	case "", RecursiveNone:
		return RecursiveNone, nil
	case RecursiveRepos, RecursiveGroups, RecursiveAll:
		return Recursive(s), nil
	}
	return "", fmt.Errorf("unknown recursive scope %q: %w", s, ErrInvalidArgument)
}

func (r Recursive) includesRepos() bool  { return r == RecursiveRepos || r == RecursiveAll }
func (r Recursive) includesGroups() bool { return r == RecursiveGroups || r == RecursiveAll }

// Identity is who a permission set is resolved for: Anonymous or UserIdentity.
type Identity interface {
	// CacheKey identifies the identity in resolution caches.
	CacheKey() string
	isIdentity()
}

// Anonymous is the unauthenticated caller; it resolves through the default user.
type Anonymous struct{}

func (Anonymous) CacheKey() string { return "anonymous" }
func (Anonymous) isIdentity()      {}

// UserIdentity is a logged-in, non-default user.
type UserIdentity struct {
	User *User
}

func (u UserIdentity) CacheKey() string { return fmt.Sprintf("user:%d", u.User.ID) }
func (UserIdentity) isIdentity()        {}

// IdentityOf maps a user row to an Identity. Nil, default and inactive users are anonymous.
func IdentityOf(u *User) Identity {
	if u == nil || u.IsDefault || !u.Active {
		return Anonymous{}
	}
	return UserIdentity{User: u}
}
