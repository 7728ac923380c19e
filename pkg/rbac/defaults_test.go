package rbac

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogForm() DefaultPermissionsForm {
	def := &User{Active: true, IsDefault: true}
	return FormFromDefaults(def, nil)
}

func TestCreateDefaultPermissions(t *testing.T) {
	f := newFixture(t)

	perms, err := f.store.ListGlobalPermissions(f.ctx, f.def)
	require.NoError(t, err)
	assert.Len(t, perms, len(DefaultNamespaces()))

	t.Run("idempotent", func(t *testing.T) {
		added, err := f.store.CreateDefaultPermissions(f.ctx, f.def, false)
		require.NoError(t, err)
		assert.Empty(t, added)
	})

	t.Run("repairs exactly the missing namespace", func(t *testing.T) {
		require.NoError(t, f.store.RevokeGlobalPermission(f.ctx, f.def, PermForkRepository))
		require.NoError(t, f.store.GrantGlobalPermission(f.ctx, f.def, PermCreateNone))

		added, err := f.store.CreateDefaultPermissions(f.ctx, f.def, false)
		require.NoError(t, err)
		assert.Equal(t, []string{PermForkRepository}, added)

		perms, err := f.store.ListGlobalPermissions(f.ctx, f.def)
		require.NoError(t, err)
		assert.Contains(t, perms, PermCreateNone)
		assert.NotContains(t, perms, PermCreateRepository)
	})

	t.Run("force resets customised values", func(t *testing.T) {
		added, err := f.store.CreateDefaultPermissions(f.ctx, f.def, true)
		require.NoError(t, err)
		assert.Len(t, added, len(DefaultNamespaces()))

		perms, err := f.store.ListGlobalPermissions(f.ctx, f.def)
		require.NoError(t, err)
		assert.Contains(t, perms, PermCreateRepository)
		assert.NotContains(t, perms, PermCreateNone)
	})

	t.Run("only for the default user", func(t *testing.T) {
		_, err := f.store.CreateDefaultPermissions(f.ctx, f.owner, false)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		_, err = f.store.CreateDefaultPermissions(f.ctx, nil, false)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestDefaultPermissionsForm_Validate(t *testing.T) {
	require.NoError(t, catalogForm().Validate())

	tests := []struct {
		name    string
		mutate  func(*DefaultPermissionsForm)
		wantErr error
	}{
		{
			name:    "missing field",
			mutate:  func(f *DefaultPermissionsForm) { f.DefaultFork = "" },
			wantErr: ErrInvalidArgument,
		},
		{
			name:    "unknown permission",
			mutate:  func(f *DefaultPermissionsForm) { f.DefaultRepoPerm = "repository.owner" },
			wantErr: ErrNotFound,
		},
		{
			name:    "wrong namespace",
			mutate:  func(f *DefaultPermissionsForm) { f.DefaultGroupPerm = "repository.read" },
			wantErr: ErrInvalidPermission,
		},
		{
			name:    "global in object slot",
			mutate:  func(f *DefaultPermissionsForm) { f.DefaultUserGroupPerm = PermUserGroupCreateTrue },
			wantErr: ErrInvalidPermission,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := catalogForm()
			tt.mutate(&form)
			err := form.Validate()
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestFormFromDefaults(t *testing.T) {
	def := &User{Active: false, IsDefault: true}
	form := FormFromDefaults(def, []string{"repository.none", PermRegisterNone})

	assert.False(t, form.AnonymousAccess)
	assert.Equal(t, "repository.none", form.DefaultRepoPerm)
	assert.Equal(t, PermRegisterNone, form.DefaultRegister)
	assert.Equal(t, "group.read", form.DefaultGroupPerm)
	assert.Equal(t, PermExternActivateAuto, form.DefaultExternActivate)
}

func TestStore_UpdateDefaults(t *testing.T) {
	f := newFixture(t)
	public := f.repo("public", nil, false)
	private := f.repo("private", nil, true)
	rg := f.repoGroup("docs", nil)

	form := catalogForm()
	form.AnonymousAccess = false
	form.DefaultRepoPerm = "repository.write"
	form.DefaultGroupPerm = "group.none"
	form.DefaultFork = PermForkNone
	form.OverwriteDefaultRepo = true

	require.NoError(t, f.store.UpdateDefaults(f.ctx, form))

	def, err := f.store.GetDefaultUser(f.ctx)
	require.NoError(t, err)
	assert.False(t, def.Active)

	perms, err := f.store.ListGlobalPermissions(f.ctx, def)
	require.NoError(t, err)
	assert.Len(t, perms, len(DefaultNamespaces()))
	assert.Contains(t, perms, "repository.write")
	assert.Contains(t, perms, "group.none")
	assert.Contains(t, perms, PermForkNone)
	assert.NotContains(t, perms, PermForkRepository)

	grantOf := func(obj Object) string {
		g, err := f.store.GetGrant(f.ctx, obj, def)
		require.NoError(t, err)
		require.NotNil(t, g)
		return g.Permission
	}
	assert.Equal(t, "repository.write", grantOf(public))
	assert.Equal(t, "repository.none", grantOf(private), "private repositories are never overwritten")
	assert.Equal(t, "group.read", grantOf(rg), "group grants untouched without overwrite")

	t.Run("overwrite groups", func(t *testing.T) {
		form.OverwriteDefaultRepo = false
		form.OverwriteDefaultGroup = true
		require.NoError(t, f.store.UpdateDefaults(f.ctx, form))
		assert.Equal(t, "group.none", grantOf(rg))
	})

	t.Run("invalid form changes nothing", func(t *testing.T) {
		bad := form
		bad.DefaultRegister = ""
		err := f.store.UpdateDefaults(f.ctx, bad)
		assert.True(t, errors.Is(err, ErrInvalidArgument))

		perms, err := f.store.ListGlobalPermissions(f.ctx, def)
		require.NoError(t, err)
		assert.Contains(t, perms, PermRegisterManualActivate)
	})
}
