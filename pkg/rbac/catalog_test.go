package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel(t *testing.T) {
	assert.True(t, LevelNone < LevelRead)
	assert.True(t, LevelRead < LevelWrite)
	assert.True(t, LevelWrite < LevelAdmin)

	assert.Equal(t, "write", LevelWrite.String())
	assert.Equal(t, "level(9)", Level(9).String())

	lvl, err := ParseLevel("admin")
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, lvl)

	_, err = ParseLevel("owner")
	assert.True(t, errors.Is(err, ErrInvalidPermission))
}

func TestCatalog(t *testing.T) {
	defs := Catalog()
	assert.Len(t, defs, 28)

	seen := make(map[string]bool)
	for _, d := range defs {
		assert.False(t, seen[d.Name], "duplicate permission %s", d.Name)
		seen[d.Name] = true
		assert.NotEmpty(t, d.LongName, d.Name)
	}

	// Catalog returns a copy.
	defs[0].Name = "mutated"
	_, ok := LookupPermission("repository.none")
	assert.True(t, ok)
}

func TestLookupPermission(t *testing.T) {
	d, ok := LookupPermission("group.write")
	require.True(t, ok)
	assert.Equal(t, KindRepoGroup, d.Kind)
	assert.Equal(t, LevelWrite, d.Level)
	assert.Equal(t, "group", d.Namespace)
	assert.True(t, d.IsObject())

	d, ok = LookupPermission(PermForkRepository)
	require.True(t, ok)
	assert.False(t, d.IsObject())
	assert.Equal(t, NamespaceFork, d.Namespace)

	_, ok = LookupPermission("repository.owner")
	assert.False(t, ok)
}

func TestParseObjectPermission(t *testing.T) {
	tests := []struct {
		name    string
		kind    ObjectKind
		level   Level
		wantErr error
	}{
		{name: "repository.read", kind: KindRepository, level: LevelRead},
		{name: "group.admin", kind: KindRepoGroup, level: LevelAdmin},
		{name: "usergroup.none", kind: KindUserGroup, level: LevelNone},
		{name: "hg.admin", wantErr: ErrInvalidPermission},
		{name: "hg.create.repository", wantErr: ErrInvalidPermission},
		{name: "repository.owner", wantErr: ErrNotFound},
		{name: "", wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, level, err := ParseObjectPermission(tt.name)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.level, level)
		})
	}
}

func TestObjectPermission(t *testing.T) {
	assert.Equal(t, "repository.admin", ObjectPermission(KindRepository, LevelAdmin))
	assert.Equal(t, "group.none", ObjectPermission(KindRepoGroup, LevelNone))
	assert.Equal(t, "usergroup.write", ObjectPermission(KindUserGroup, LevelWrite))
}

func TestNamespaceMembers(t *testing.T) {
	assert.Equal(t, []string{"repository.none", "repository.read", "repository.write", "repository.admin"},
		NamespaceMembers("repository"))
	assert.Equal(t, []string{PermRegisterNone, PermRegisterManualActivate, PermRegisterAutoActivate},
		NamespaceMembers(NamespaceRegister))
	assert.Empty(t, NamespaceMembers("hg.unknown"))
}

func TestDefaultPermissions(t *testing.T) {
	defaults := DefaultPermissions()

	assert.Equal(t, "repository.read", defaults["repository"])
	assert.Equal(t, "group.read", defaults["group"])
	assert.Equal(t, "usergroup.read", defaults["usergroup"])
	assert.Equal(t, PermRepoGroupCreateFalse, defaults[NamespaceRepoGroupCreate])
	assert.Equal(t, PermUserGroupCreateFalse, defaults[NamespaceUserGroupCreate])
	assert.Equal(t, PermCreateRepository, defaults[NamespaceCreate])
	assert.Equal(t, PermCreateWriteOnRepoGroupTrue, defaults[NamespaceCreateWriteOnRepoGroup])
	assert.Equal(t, PermForkRepository, defaults[NamespaceFork])
	assert.Equal(t, PermRegisterManualActivate, defaults[NamespaceRegister])
	assert.Equal(t, PermExternActivateAuto, defaults[NamespaceExternActivate])

	_, hasAdmin := defaults[NamespaceAdmin]
	assert.False(t, hasAdmin)

	// exactly one default per namespace
	for ns, perm := range defaults {
		d, ok := LookupPermission(perm)
		require.True(t, ok)
		assert.Equal(t, ns, d.Namespace)
	}
	assert.Len(t, DefaultNamespaces(), 10)
	assert.IsIncreasing(t, DefaultNamespaces())
}

func TestGlobalNamespaces(t *testing.T) {
	got := GlobalNamespaces()
	assert.Equal(t, []string{
		NamespaceCreate,
		NamespaceCreateWriteOnRepoGroup,
		NamespaceExternActivate,
		NamespaceFork,
		NamespaceRegister,
		NamespaceRepoGroupCreate,
		NamespaceUserGroupCreate,
	}, got)
}

func TestGrantingPermissions(t *testing.T) {
	assert.ElementsMatch(t, []string{
		PermAdmin,
		PermRepoGroupCreateTrue,
		PermUserGroupCreateTrue,
		PermCreateRepository,
		PermCreateWriteOnRepoGroupTrue,
		PermForkRepository,
	}, GrantingPermissions())
}

func TestNamespaceOf(t *testing.T) {
	assert.Equal(t, NamespaceCreateWriteOnRepoGroup, namespaceOf(PermCreateWriteOnRepoGroupTrue))
	assert.Equal(t, NamespaceCreate, namespaceOf(PermCreateNone))
	assert.Equal(t, "repository", namespaceOf("repository.write"))
	assert.Equal(t, "hg.custom", namespaceOf("hg.custom.value"))
	assert.Equal(t, "plain", namespaceOf("plain"))
}

func TestParseRecursive(t *testing.T) {
	for in, want := range map[string]Recursive{
		"":       RecursiveNone,
		"none":   RecursiveNone,
		"repos":  RecursiveRepos,
		"groups": RecursiveGroups,
		"all":    RecursiveAll,
	} {
		got, err := ParseRecursive(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseRecursive("deep")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}
