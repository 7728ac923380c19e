package rbac

import (
	"context"
	"fmt"
)

// CreateDefaultPermissions makes sure the default user holds a grant in every
// defaultable namespace, inserting the catalog default where one is missing.
// With force every global grant of the default user is dropped and recreated.
// It returns the permissions it inserted.
func (s *Store) CreateDefaultPermissions(ctx context.Context, user *User, force bool) ([]string, error) {
	if user == nil || !user.IsDefault {
		return nil, fmt.Errorf("default permissions can only be created for the default user: %w", ErrInvalidArgument)
	}

	if force {
		if err := s.DeleteGlobalPermissions(ctx, user); err != nil {
			return nil, err
		}
	}

	held, err := s.ListGlobalPermissions(ctx, user)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(held))
	for _, p := range held {
		present[namespaceOf(p)] = true
	}

	defaults := DefaultPermissions()
	var added []string
	for _, ns := range DefaultNamespaces() {
		if present[ns] {
			continue
		}
		perm := defaults[ns]
		if err := s.GrantGlobalPermission(ctx, user, perm); err != nil {
			return added, err
		}
		added = append(added, perm)
	}
	return added, nil
}

// DefaultPermissionsForm carries the administrator's choice of global defaults.
type DefaultPermissionsForm struct {
	AnonymousAccess bool `json:"anonymous"`

	DefaultRepoPerm      string `json:"default_repo_perm"`
	DefaultGroupPerm     string `json:"default_group_perm"`
	DefaultUserGroupPerm string `json:"default_user_group_perm"`

	DefaultRepoGroupCreate   string `json:"default_repo_group_create"`
	DefaultUserGroupCreate   string `json:"default_user_group_create"`
	DefaultRepoCreate        string `json:"default_repo_create"`
	DefaultRepoCreateOnWrite string `json:"create_on_write"`
	DefaultFork              string `json:"default_fork"`
	DefaultRegister          string `json:"default_register"`
	DefaultExternActivate    string `json:"default_extern_activate"`

	OverwriteDefaultRepo      bool `json:"overwrite_default_repo"`
	OverwriteDefaultGroup     bool `json:"overwrite_default_group"`
	OverwriteDefaultUserGroup bool `json:"overwrite_default_user_group"`
}

// values maps every namespace to the form's chosen permission.
func (f DefaultPermissionsForm) values() map[string]string {
	return map[string]string{
		string(KindRepository):          f.DefaultRepoPerm,
		string(KindRepoGroup):           f.DefaultGroupPerm,
		string(KindUserGroup):           f.DefaultUserGroupPerm,
		NamespaceRepoGroupCreate:        f.DefaultRepoGroupCreate,
		NamespaceUserGroupCreate:        f.DefaultUserGroupCreate,
		NamespaceCreate:                 f.DefaultRepoCreate,
		NamespaceCreateWriteOnRepoGroup: f.DefaultRepoCreateOnWrite,
		NamespaceFork:                   f.DefaultFork,
		NamespaceRegister:               f.DefaultRegister,
		NamespaceExternActivate:         f.DefaultExternActivate,
	}
}

// Validate checks that every field names a permission of its own namespace.
func (f DefaultPermissionsForm) Validate() error {
	for ns, perm := range f.values() {
		if perm == "" {
			return fmt.Errorf("missing default for %s: %w", ns, ErrInvalidArgument)
		}
		def, ok := LookupPermission(perm)
		if !ok {
			return notFound("permission", fmt.Sprintf("%q", perm))
		}
		if def.Namespace != ns {
			return fmt.Errorf("%q is not a %s permission: %w", perm, ns, ErrInvalidPermission)
		}
	}
	return nil
}

// FormFromDefaults builds a form reflecting the default user's current state,
// falling back to catalog defaults for missing namespaces.
func FormFromDefaults(user *User, globals []string) DefaultPermissionsForm {
	current := DefaultPermissions()
	for _, p := range globals {
		current[namespaceOf(p)] = p
	}
	return DefaultPermissionsForm{
		AnonymousAccess:          user.Active,
		DefaultRepoPerm:          current[string(KindRepository)],
		DefaultGroupPerm:         current[string(KindRepoGroup)],
		DefaultUserGroupPerm:     current[string(KindUserGroup)],
		DefaultRepoGroupCreate:   current[NamespaceRepoGroupCreate],
		DefaultUserGroupCreate:   current[NamespaceUserGroupCreate],
		DefaultRepoCreate:        current[NamespaceCreate],
		DefaultRepoCreateOnWrite: current[NamespaceCreateWriteOnRepoGroup],
		DefaultFork:              current[NamespaceFork],
		DefaultRegister:          current[NamespaceRegister],
		DefaultExternActivate:    current[NamespaceExternActivate],
	}
}

// UpdateDefaults rewrites the default user's global grants from form and, when
// asked, overwrites its existing object grants of a kind with the new default.
// Grants on private repositories are never overwritten. The caller owns the
// transaction; a partial failure must be rolled back by it.
func (s *Store) UpdateDefaults(ctx context.Context, form DefaultPermissionsForm) error {
	if err := form.Validate(); err != nil {
		return err
	}
	def, err := s.GetDefaultUser(ctx)
	if err != nil {
		return err
	}

	if err := s.SetUserActive(ctx, def, form.AnonymousAccess); err != nil {
		return err
	}
	if err := s.DeleteGlobalPermissions(ctx, def); err != nil {
		return err
	}
	values := form.values()
	for _, ns := range DefaultNamespaces() {
		if err := s.GrantGlobalPermission(ctx, def, values[ns]); err != nil {
			return err
		}
	}

	if form.OverwriteDefaultRepo {
		if err := s.overwriteDefaultGrants(ctx, def, KindRepository, form.DefaultRepoPerm); err != nil {
			return err
		}
	}
	if form.OverwriteDefaultGroup {
		if err := s.overwriteDefaultGrants(ctx, def, KindRepoGroup, form.DefaultGroupPerm); err != nil {
			return err
		}
	}
	if form.OverwriteDefaultUserGroup {
		if err := s.overwriteDefaultGrants(ctx, def, KindUserGroup, form.DefaultUserGroupPerm); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) overwriteDefaultGrants(ctx context.Context, def *User, kind ObjectKind, perm string) error {
	rec, err := s.GetPermissionByKey(ctx, perm)
	if err != nil {
		return err
	}
	t, err := tableFor(SubjectUser, kind)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET permission_id = $1 WHERE %s = $2`, t.name, t.subjectCol)
	args := []interface{}{rec.ID, def.ID}
	if kind == KindRepository {
		query += ` AND repository_id IN (SELECT id FROM repositories WHERE private = $3)`
		args = append(args, false)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storeErr("overwrite default grants", nil, def, perm, err)
	}
	return nil
}
