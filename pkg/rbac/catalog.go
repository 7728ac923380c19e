package rbac

import (
	"fmt"
	"sort"
	"strings"
)

// Level is the ordered access level inside an object namespace.
type Level int

const (
	LevelNone Level = iota
	LevelRead
	LevelWrite
	LevelAdmin
)

var levelNames = [...]string{"none", "read", "write", "admin"}

// String returns the level suffix used in permission names.
func (l Level) String() string {
	if l < LevelNone || l > LevelAdmin {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLevel parses a bare level ("read") into a Level.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return LevelNone, fmt.Errorf("unknown level %q: %w", s, ErrInvalidPermission)
}

// Global permission namespaces. Each subject holds at most one value per namespace.
const (
	NamespaceAdmin                  = "hg.admin"
	NamespaceRepoGroupCreate        = "hg.repogroup.create"
	NamespaceUserGroupCreate        = "hg.usergroup.create"
	NamespaceCreate                 = "hg.create"
	NamespaceCreateWriteOnRepoGroup = "hg.create.write_on_repogroup"
	NamespaceFork                   = "hg.fork"
	NamespaceRegister               = "hg.register"
	NamespaceExternActivate         = "hg.extern_activate"
)

// Global permission names.
const (
	PermAdmin = "hg.admin"

	PermRepoGroupCreateFalse = "hg.repogroup.create.false"
	PermRepoGroupCreateTrue  = "hg.repogroup.create.true"

	PermUserGroupCreateFalse = "hg.usergroup.create.false"
	PermUserGroupCreateTrue  = "hg.usergroup.create.true"

	PermCreateNone       = "hg.create.none"
	PermCreateRepository = "hg.create.repository"

	PermCreateWriteOnRepoGroupFalse = "hg.create.write_on_repogroup.false"
	PermCreateWriteOnRepoGroupTrue  = "hg.create.write_on_repogroup.true"

	PermForkNone       = "hg.fork.none"
	PermForkRepository = "hg.fork.repository"

	PermRegisterNone           = "hg.register.none"
	PermRegisterManualActivate = "hg.register.manual_activate"
	PermRegisterAutoActivate   = "hg.register.auto_activate"

	PermExternActivateManual = "hg.extern_activate.manual"
	PermExternActivateAuto   = "hg.extern_activate.auto"
)

// PermissionDef describes one entry of the fixed permission catalog.
type PermissionDef struct {
	Name      string `json:"name"`
	LongName  string `json:"long_name"`
	Namespace string `json:"namespace"`

	// Kind is set for object permissions (repository, group, usergroup).
	Kind  ObjectKind `json:"kind,omitempty"`
	Level Level      `json:"-"`

	// Default marks the designated default value of the namespace.
	Default bool `json:"default"`
	// Granting marks the global value that enables the capability; administrators hold all of them.
	Granting bool `json:"-"`
}

// IsObject reports whether the permission belongs to an object namespace.
func (d PermissionDef) IsObject() bool {
	return d.Kind != ""
}

var catalog = buildCatalog()

var catalogByName = func() map[string]PermissionDef {
	m := make(map[string]PermissionDef, len(catalog))
	for _, d := range catalog {
		m[d.Name] = d
	}
	return m
}()

func buildCatalog() []PermissionDef {
	defs := make([]PermissionDef, 0, 32)

	objectLongNames := map[ObjectKind]string{
		KindRepository: "Repository",
		KindRepoGroup:  "Repository group",
		KindUserGroup:  "User group",
	}
	objectDefaults := map[ObjectKind]Level{
		KindRepository: LevelRead,
		KindRepoGroup:  LevelRead,
		KindUserGroup:  LevelRead,
	}
	accessNames := map[Level]string{
		LevelNone:  "no access",
		LevelRead:  "read access",
		LevelWrite: "write access",
		LevelAdmin: "admin access",
	}
	for _, kind := range []ObjectKind{KindRepository, KindRepoGroup, KindUserGroup} {
		for lvl := LevelNone; lvl <= LevelAdmin; lvl++ {
			defs = append(defs, PermissionDef{
				Name:      string(kind) + "." + lvl.String(),
				LongName:  objectLongNames[kind] + " " + accessNames[lvl],
				Namespace: string(kind),
				Kind:      kind,
				Level:     lvl,
				Default:   objectDefaults[kind] == lvl,
			})
		}
	}

	global := func(name, ns, long string, isDefault, granting bool) {
		defs = append(defs, PermissionDef{
			Name:      name,
			LongName:  long,
			Namespace: ns,
			Default:   isDefault,
			Granting:  granting,
		})
	}

	global(PermAdmin, NamespaceAdmin, "Administrator", false, true)

	global(PermRepoGroupCreateFalse, NamespaceRepoGroupCreate, "Only admins can create repository groups", true, false)
	global(PermRepoGroupCreateTrue, NamespaceRepoGroupCreate, "Non-admins can create repository groups", false, true)

	global(PermUserGroupCreateFalse, NamespaceUserGroupCreate, "Only admins can create user groups", true, false)
	global(PermUserGroupCreateTrue, NamespaceUserGroupCreate, "Non-admins can create user groups", false, true)

	global(PermCreateNone, NamespaceCreate, "Only admins can create top level repositories", false, false)
	global(PermCreateRepository, NamespaceCreate, "Non-admins can create top level repositories", true, true)

	global(PermCreateWriteOnRepoGroupFalse, NamespaceCreateWriteOnRepoGroup, "Only group admins can create repositories in a group", false, false)
	global(PermCreateWriteOnRepoGroupTrue, NamespaceCreateWriteOnRepoGroup, "Group writers can create repositories in a group", true, true)

	global(PermForkNone, NamespaceFork, "Only admins can fork repositories", false, false)
	global(PermForkRepository, NamespaceFork, "Non-admins can fork repositories", true, true)

	global(PermRegisterNone, NamespaceRegister, "Registration disabled", false, false)
	global(PermRegisterManualActivate, NamespaceRegister, "User registration with manual account activation", true, false)
	global(PermRegisterAutoActivate, NamespaceRegister, "User registration with automatic account activation", false, false)

	global(PermExternActivateManual, NamespaceExternActivate, "Manual activation of external account", false, false)
	global(PermExternActivateAuto, NamespaceExternActivate, "Automatic activation of external account", true, false)

	return defs
}

// Catalog returns a copy of the fixed permission catalog in declaration order.
func Catalog() []PermissionDef {
	out := make([]PermissionDef, len(catalog))
	copy(out, catalog)
	return out
}

// LookupPermission returns the catalog entry for name.
func LookupPermission(name string) (PermissionDef, bool) {
	d, ok := catalogByName[name]
	return d, ok
}

// ObjectPermission builds the permission name for kind at level, e.g. "group.write".
func ObjectPermission(kind ObjectKind, level Level) string {
	return string(kind) + "." + level.String()
}

// ParseObjectPermission splits an object permission name into its kind and level.
// Unknown names yield ErrNotFound, global names yield ErrInvalidPermission.
func ParseObjectPermission(name string) (ObjectKind, Level, error) {
	d, ok := LookupPermission(name)
	if !ok {
		return "", LevelNone, fmt.Errorf("permission %q: %w", name, ErrNotFound)
	}
	if !d.IsObject() {
		return "", LevelNone, fmt.Errorf("%q is not an object permission: %w", name, ErrInvalidPermission)
	}
	return d.Kind, d.Level, nil
}

// NamespaceMembers lists every permission name of a namespace.
func NamespaceMembers(namespace string) []string {
	var names []string
	for _, d := range catalog {
		if d.Namespace == namespace {
			names = append(names, d.Name)
		}
	}
	return names
}

// DefaultPermissions maps every defaultable namespace to its designated default.
// hg.admin has no default and is never stored for the default user.
func DefaultPermissions() map[string]string {
	out := make(map[string]string)
	for _, d := range catalog {
		if d.Default {
			out[d.Namespace] = d.Name
		}
	}
	return out
}

// DefaultNamespaces returns the namespaces the default user must hold a grant in, sorted.
func DefaultNamespaces() []string {
	defaults := DefaultPermissions()
	out := make([]string, 0, len(defaults))
	for ns := range defaults {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// GlobalNamespaces returns the hg.* namespaces that can be stored as grants, sorted.
func GlobalNamespaces() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range catalog {
		if d.IsObject() || d.Namespace == NamespaceAdmin || seen[d.Namespace] {
			continue
		}
		seen[d.Namespace] = true
		out = append(out, d.Namespace)
	}
	sort.Strings(out)
	return out
}

// GrantingPermissions returns the global values that enable a capability.
func GrantingPermissions() []string {
	var out []string
	for _, d := range catalog {
		if d.Granting {
			out = append(out, d.Name)
		}
	}
	return out
}

// namespaceOf returns the catalog namespace of a known permission, or the
// dotted prefix for unknown names.
func namespaceOf(name string) string {
	if d, ok := LookupPermission(name); ok {
		return d.Namespace
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i]
	}
	return name
}
