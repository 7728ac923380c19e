package rbac

import (
	"fmt"
	"strings"
)

// ObjectCheck guards access to a single object of one kind.
type ObjectCheck struct {
	kind ObjectKind
	min  Level
}

func newObjectCheck(kind ObjectKind, levels []Level) ObjectCheck {
	lowest := LevelAdmin
	for _, l := range levels {
		if l < lowest {
			lowest = l
		}
	}
	if len(levels) == 0 {
		lowest = LevelRead
	}
	return ObjectCheck{kind: kind, min: lowest}
}

// HasRepoPermissionLevel passes when the repository level is at least the lowest given level.
func HasRepoPermissionLevel(levels ...Level) ObjectCheck {
	return newObjectCheck(KindRepository, levels)
}

// HasRepoGroupPermissionLevel passes when the repo group level is at least the lowest given level.
func HasRepoGroupPermissionLevel(levels ...Level) ObjectCheck {
	return newObjectCheck(KindRepoGroup, levels)
}

// HasUserGroupPermissionLevel passes when the user group level is at least the lowest given level.
func HasUserGroupPermissionLevel(levels ...Level) ObjectCheck {
	return newObjectCheck(KindUserGroup, levels)
}

// Kind returns the object kind the check applies to.
func (c ObjectCheck) Kind() ObjectKind { return c.kind }

// Allowed reports whether set grants at least the required level on the named object.
// LevelNone is never sufficient.
func (c ObjectCheck) Allowed(set *PermissionSet, name string) bool {
	if set == nil {
		return false
	}
	lvl := set.Level(c.kind, name)
	return lvl > LevelNone && lvl >= c.min
}

// Check is Allowed as an error. Denials are reported as ErrNotFound so callers
// cannot tell hidden objects from missing ones.
func (c ObjectCheck) Check(set *PermissionSet, name string) error {
	if c.Allowed(set, name) {
		return nil
	}
	return fmt.Errorf("%s %q: %w", c.kind, name, ErrNotFound)
}

var checkNames = map[ObjectKind]string{
	KindRepository: "HasRepoPermissionLevel",
	KindRepoGroup:  "HasRepoGroupPermissionLevel",
	KindUserGroup:  "HasUserGroupPermissionLevel",
}

func (c ObjectCheck) String() string {
	return fmt.Sprintf("%s(%s)", checkNames[c.kind], c.min)
}

// GlobalCheck guards a global capability.
type GlobalCheck struct {
	flags []string
}

// HasPermissionAny passes when the set holds any of flags.
func HasPermissionAny(flags ...string) GlobalCheck {
	return GlobalCheck{flags: append([]string(nil), flags...)}
}

// Allowed reports whether set intersects the check's flags.
func (c GlobalCheck) Allowed(set *PermissionSet) bool {
	if set == nil {
		return false
	}
	for _, f := range c.flags {
		if set.HasGlobal(f) {
			return true
		}
	}
	return false
}

// Check is Allowed as an error wrapping ErrForbidden.
func (c GlobalCheck) Check(set *PermissionSet) error {
	if c.Allowed(set) {
		return nil
	}
	return fmt.Errorf("requires one of %s: %w", strings.Join(c.flags, ", "), ErrForbidden)
}

func (c GlobalCheck) String() string {
	return fmt.Sprintf("HasPermissionAny(%s)", strings.Join(c.flags, ", "))
}
