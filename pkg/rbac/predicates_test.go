package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testSet() *PermissionSet {
	set := newPermissionSet()
	set.Repositories["vcs/core"] = "repository.write"
	set.Repositories["vcs/docs"] = "repository.read"
	set.Repositories["vcs/secret"] = "repository.none"
	set.RepoGroups["vcs"] = "group.admin"
	set.UserGroups["devs"] = "usergroup.read"
	set.Global = []string{PermCreateRepository, PermForkNone}
	return set
}

func TestObjectCheck(t *testing.T) {
	set := testSet()

	tests := []struct {
		name  string
		check ObjectCheck
		obj   string
		want  bool
	}{
		{"read on write", HasRepoPermissionLevel(LevelRead), "vcs/core", true},
		{"admin on write", HasRepoPermissionLevel(LevelAdmin), "vcs/core", false},
		{"any of write or admin", HasRepoPermissionLevel(LevelAdmin, LevelWrite), "vcs/core", true},
		{"none grant", HasRepoPermissionLevel(LevelRead), "vcs/secret", false},
		{"none is never enough", HasRepoPermissionLevel(LevelNone), "vcs/secret", false},
		{"default level is read", HasRepoPermissionLevel(), "vcs/docs", true},
		{"unknown object", HasRepoPermissionLevel(LevelRead), "vcs/missing", false},
		{"repo group", HasRepoGroupPermissionLevel(LevelAdmin), "vcs", true},
		{"wrong kind", HasRepoGroupPermissionLevel(LevelRead), "vcs/core", false},
		{"user group", HasUserGroupPermissionLevel(LevelRead), "devs", true},
		{"user group write", HasUserGroupPermissionLevel(LevelWrite), "devs", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.check.Allowed(set, tt.obj))

			err := tt.check.Check(set, tt.obj)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrNotFound), "denials look like missing objects")
			}
		})
	}

	assert.False(t, HasRepoPermissionLevel(LevelRead).Allowed(nil, "vcs/core"))
	assert.Equal(t, KindRepoGroup, HasRepoGroupPermissionLevel(LevelRead).Kind())
	assert.Equal(t, "HasRepoPermissionLevel(write)", HasRepoPermissionLevel(LevelAdmin, LevelWrite).String())
}

func TestGlobalCheck(t *testing.T) {
	set := testSet()

	assert.True(t, HasPermissionAny(PermCreateRepository).Allowed(set))
	assert.True(t, HasPermissionAny(PermAdmin, PermForkNone).Allowed(set))
	assert.False(t, HasPermissionAny(PermAdmin).Allowed(set))
	assert.False(t, HasPermissionAny().Allowed(set))
	assert.False(t, HasPermissionAny(PermCreateRepository).Allowed(nil))

	err := HasPermissionAny(PermAdmin, PermRepoGroupCreateTrue).Check(set)
	assert.True(t, errors.Is(err, ErrForbidden))
	assert.Contains(t, err.Error(), PermRepoGroupCreateTrue)
	assert.NoError(t, HasPermissionAny(PermForkNone).Check(set))

	assert.Equal(t, "HasPermissionAny(hg.admin, hg.fork.none)", HasPermissionAny(PermAdmin, PermForkNone).String())
}

func TestGlobalCheck_Admin(t *testing.T) {
	root := &User{ID: 3, Username: "root", Active: true, Admin: true}
	set := Resolve(snapshotFor(root), IdentityOf(root))

	assert.True(t, HasPermissionAny(PermRepoGroupCreateTrue).Allowed(set))
	assert.True(t, HasPermissionAny(PermAdmin).Allowed(set))
	assert.True(t, HasRepoPermissionLevel(LevelAdmin).Allowed(set, "secret"))
}
