package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, api_key, active, admin, is_default, inherit_default_permissions, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.APIKey, &u.Active, &u.Admin, &u.IsDefault, &u.InheritDefaultPermissions, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user and sets its ID
func (s *Store) CreateUser(ctx context.Context, u *User) error {
	if u.Username == "" {
		return fmt.Errorf("username is required: %w", ErrInvalidArgument)
	}
	if u.IsDefault && u.Username != DefaultUsername {
		return fmt.Errorf("the default user must be named %q: %w", DefaultUsername, ErrInvalidArgument)
	}

	query := `
		INSERT INTO users (username, api_key, active, admin, is_default, inherit_default_permissions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, query,
		u.Username,
		u.APIKey,
		u.Active,
		u.Admin,
		u.IsDefault,
		u.InheritDefaultPermissions,
		now,
	).Scan(&u.ID)
	if err != nil {
		return createErr("user", u.Username, nil, u, err)
	}
	u.CreatedAt = now
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", ByID(id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByUsername retrieves a user by username
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", ByName(username))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByAPIKey retrieves a user by API key
func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	if key == "" {
		return nil, notFound("user", "with empty api key")
	}
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE api_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", "with given api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetDefaultUser returns the sentinel user backing anonymous access.
func (s *Store) GetDefaultUser(ctx context.Context) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE is_default = $1`, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", ByName(DefaultUsername))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get default user: %w", err)
	}
	return u, nil
}

// EnsureDefaultUser returns the default user, creating it when missing.
func (s *Store) EnsureDefaultUser(ctx context.Context) (*User, bool, error) {
	u, err := s.GetDefaultUser(ctx)
	if err == nil {
		return u, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	u = &User{
		Username:                  DefaultUsername,
		Active:                    true,
		IsDefault:                 true,
		InheritDefaultPermissions: true,
	}
	if err := s.CreateUser(ctx, u); err != nil {
		return nil, false, err
	}
	return u, true, nil
}

// ResolveUser turns a reference into a user row.
func (s *Store) ResolveUser(ctx context.Context, ref ObjectRef) (*User, error) {
	if id, ok := ref.ID(); ok {
		return s.GetUser(ctx, id)
	}
	name, _ := ref.Name()
	return s.GetUserByUsername(ctx, name)
}

// SetUserActive flips a user's active flag. On the default user it toggles anonymous access.
func (s *Store) SetUserActive(ctx context.Context, u *User, active bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET active = $1 WHERE id = $2`, active, u.ID); err != nil {
		return storeErr("set user active", nil, u, "", err)
	}
	u.Active = active
	return nil
}

// SetUserAdmin flips a user's administrator flag.
func (s *Store) SetUserAdmin(ctx context.Context, u *User, admin bool) error {
	if u.IsDefault && admin {
		return fmt.Errorf("the default user cannot be an administrator: %w", ErrInvalidArgument)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET admin = $1 WHERE id = $2`, admin, u.ID); err != nil {
		return storeErr("set user admin", nil, u, "", err)
	}
	u.Admin = admin
	return nil
}

// DeleteUser removes a non-default user and every grant it holds.
func (s *Store) DeleteUser(ctx context.Context, u *User) error {
	if u.IsDefault {
		return fmt.Errorf("the default user cannot be deleted: %w", ErrIntegrity)
	}
	var owned int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repositories WHERE owner_id = $1) +
			(SELECT COUNT(*) FROM repo_groups WHERE owner_id = $1) +
			(SELECT COUNT(*) FROM user_groups WHERE owner_id = $1)
	`, u.ID).Scan(&owned)
	if err != nil {
		return storeErr("count owned objects", nil, u, "", err)
	}
	if owned > 0 {
		return fmt.Errorf("user %q still owns %d objects: %w", u.Username, owned, ErrIntegrity)
	}

	for _, table := range []string{"repo_to_perm", "user_repo_group_to_perm", "user_user_group_to_perm", "user_to_perm", "user_group_members"} {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE user_id = $1`, table), u.ID); err != nil {
			return storeErr("delete user grants", nil, u, "", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, u.ID); err != nil {
		return storeErr("delete user", nil, u, "", err)
	}
	return nil
}

// seedDefaultGrant gives the default user its namespace default on a new object.
// Private repositories are seeded with repository.none.
func (s *Store) seedDefaultGrant(ctx context.Context, obj Object, private bool) error {
	def, err := s.GetDefaultUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	perm := ObjectPermission(obj.Kind(), LevelNone)
	if !private {
		perm = DefaultPermissions()[string(obj.Kind())]
		globals, err := s.ListGlobalPermissions(ctx, def)
		if err != nil {
			return err
		}
		for _, g := range globals {
			if namespaceOf(g) == string(obj.Kind()) {
				perm = g
			}
		}
	}
	_, err = s.Grant(ctx, obj, def, perm)
	return err
}

// CreateUserGroup inserts a user group and seeds the default user's grant on it
func (s *Store) CreateUserGroup(ctx context.Context, g *UserGroup) error {
	if g.Name == "" {
		return fmt.Errorf("user group name is required: %w", ErrInvalidArgument)
	}
	query := `
		INSERT INTO user_groups (name, active, owner_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, g.Name, g.Active, g.OwnerID).Scan(&g.ID); err != nil {
		return createErr("user group", g.Name, g, nil, err)
	}
	return s.seedDefaultGrant(ctx, g, false)
}

func (s *Store) getUserGroup(ctx context.Context, where string, arg interface{}, ref ObjectRef) (*UserGroup, error) {
	var g UserGroup
	err := s.db.QueryRowContext(ctx, `SELECT id, name, active, owner_id FROM user_groups WHERE `+where, arg).
		Scan(&g.ID, &g.Name, &g.Active, &g.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user group", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user group: %w", err)
	}
	return &g, nil
}

// GetUserGroup retrieves a user group by ID
func (s *Store) GetUserGroup(ctx context.Context, id int64) (*UserGroup, error) {
	return s.getUserGroup(ctx, "id = $1", id, ByID(id))
}

// ResolveUserGroup turns a reference into a user group row.
func (s *Store) ResolveUserGroup(ctx context.Context, ref ObjectRef) (*UserGroup, error) {
	if id, ok := ref.ID(); ok {
		return s.GetUserGroup(ctx, id)
	}
	name, _ := ref.Name()
	return s.getUserGroup(ctx, "name = $1", name, ref)
}

// SetUserGroupActive toggles whether the group's grants apply to its members.
func (s *Store) SetUserGroupActive(ctx context.Context, g *UserGroup, active bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE user_groups SET active = $1 WHERE id = $2`, active, g.ID); err != nil {
		return fmt.Errorf("failed to update user group %q: %w", g.Name, err)
	}
	g.Active = active
	return nil
}

// AddUserGroupMember adds a user to a group. Adding an existing member is a no-op.
func (s *Store) AddUserGroupMember(ctx context.Context, g *UserGroup, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_group_members (user_group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (user_group_id, user_id) DO NOTHING
	`, g.ID, u.ID)
	if err != nil {
		return fmt.Errorf("failed to add %q to user group %q: %w", u.Username, g.Name, err)
	}
	return nil
}

// RemoveUserGroupMember removes a user from a group
func (s *Store) RemoveUserGroupMember(ctx context.Context, g *UserGroup, u *User) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM user_group_members WHERE user_group_id = $1 AND user_id = $2`, g.ID, u.ID)
	if err != nil {
		return fmt.Errorf("failed to remove %q from user group %q: %w", u.Username, g.Name, err)
	}
	return nil
}

// ListUserGroupMembers returns the usernames in a group, sorted
func (s *Store) ListUserGroupMembers(ctx context.Context, g *UserGroup) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.username
		FROM user_group_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.user_group_id = $1
		ORDER BY u.username
	`, g.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %q: %w", g.Name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// DeleteUserGroup removes a user group. It fails with ErrIntegrity while the
// group still holds grants on repositories, repo groups or other user groups.
func (s *Store) DeleteUserGroup(ctx context.Context, g *UserGroup) error {
	var held int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM user_group_repo_to_perm WHERE user_group_id = $1) +
			(SELECT COUNT(*) FROM user_group_repo_group_to_perm WHERE user_group_id = $1) +
			(SELECT COUNT(*) FROM user_group_user_group_to_perm WHERE user_group_id = $1)
	`, g.ID).Scan(&held)
	if err != nil {
		return storeErr("count user group grants", g, nil, "", err)
	}
	if held > 0 {
		return fmt.Errorf("user group %q still holds %d grants: %w", g.Name, held, ErrIntegrity)
	}

	if err := s.deleteObjectGrants(ctx, g); err != nil {
		return err
	}
	for _, query := range []string{
		`DELETE FROM user_group_to_perm WHERE user_group_id = $1`,
		`DELETE FROM user_group_members WHERE user_group_id = $1`,
		`DELETE FROM user_groups WHERE id = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, query, g.ID); err != nil {
			return storeErr("delete user group", g, nil, "", err)
		}
	}
	return nil
}

// CreateRepoGroup inserts a repo group and seeds the default user's grant on it
func (s *Store) CreateRepoGroup(ctx context.Context, g *RepoGroup) error {
	if g.Name == "" {
		return fmt.Errorf("repo group name is required: %w", ErrInvalidArgument)
	}
	query := `
		INSERT INTO repo_groups (name, parent_group_id, owner_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, g.Name, g.ParentID, g.OwnerID).Scan(&g.ID); err != nil {
		return createErr("repo group", g.Name, g, nil, err)
	}
	return s.seedDefaultGrant(ctx, g, false)
}

func scanRepoGroup(row rowScanner) (*RepoGroup, error) {
	var g RepoGroup
	var parent sql.NullInt64
	if err := row.Scan(&g.ID, &g.Name, &parent, &g.OwnerID); err != nil {
		return nil, err
	}
	if parent.Valid {
		g.ParentID = &parent.Int64
	}
	return &g, nil
}

func (s *Store) getRepoGroup(ctx context.Context, where string, arg interface{}, ref ObjectRef) (*RepoGroup, error) {
	g, err := scanRepoGroup(s.db.QueryRowContext(ctx, `SELECT id, name, parent_group_id, owner_id FROM repo_groups WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repo group", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo group: %w", err)
	}
	return g, nil
}

// GetRepoGroup retrieves a repo group by ID
func (s *Store) GetRepoGroup(ctx context.Context, id int64) (*RepoGroup, error) {
	return s.getRepoGroup(ctx, "id = $1", id, ByID(id))
}

// ResolveRepoGroup turns a reference into a repo group row.
func (s *Store) ResolveRepoGroup(ctx context.Context, ref ObjectRef) (*RepoGroup, error) {
	if id, ok := ref.ID(); ok {
		return s.GetRepoGroup(ctx, id)
	}
	name, _ := ref.Name()
	return s.getRepoGroup(ctx, "name = $1", name, ref)
}

// SetRepoGroupParent moves g under parent, or to the top level when parent is nil.
// Moving a group below itself or one of its descendants fails with ErrIntegrity.
func (s *Store) SetRepoGroupParent(ctx context.Context, g *RepoGroup, parent *RepoGroup) error {
	var parentID *int64
	if parent != nil {
		// Walk up from the new parent; reaching g means a cycle.
		seen := map[int64]bool{}
		cur := parent.ID
		for {
			if cur == g.ID {
				return fmt.Errorf("cannot move %q below itself: %w", g.Name, ErrIntegrity)
			}
			if seen[cur] {
				return fmt.Errorf("repo group tree above %q is cyclic: %w", parent.Name, ErrIntegrity)
			}
			seen[cur] = true

			var next sql.NullInt64
			err := s.db.QueryRowContext(ctx, `SELECT parent_group_id FROM repo_groups WHERE id = $1`, cur).Scan(&next)
			if errors.Is(err, sql.ErrNoRows) {
				return notFound("repo group", ByID(cur))
			}
			if err != nil {
				return fmt.Errorf("failed to walk repo group tree: %w", err)
			}
			if !next.Valid {
				break
			}
			cur = next.Int64
		}
		id := parent.ID
		parentID = &id
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE repo_groups SET parent_group_id = $1 WHERE id = $2`, parentID, g.ID); err != nil {
		return storeErr("move repo group", g, nil, "", err)
	}
	g.ParentID = parentID
	return nil
}

// DeleteRepoGroup removes an empty repo group and the grants on it.
func (s *Store) DeleteRepoGroup(ctx context.Context, g *RepoGroup) error {
	var children int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repo_groups WHERE parent_group_id = $1) +
			(SELECT COUNT(*) FROM repositories WHERE group_id = $1)
	`, g.ID).Scan(&children)
	if err != nil {
		return storeErr("count repo group children", g, nil, "", err)
	}
	if children > 0 {
		return fmt.Errorf("repo group %q still contains %d entries: %w", g.Name, children, ErrIntegrity)
	}

	if err := s.deleteObjectGrants(ctx, g); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repo_groups WHERE id = $1`, g.ID); err != nil {
		return storeErr("delete repo group", g, nil, "", err)
	}
	return nil
}

// CreateRepository inserts a repository and seeds the default user's grant on it
func (s *Store) CreateRepository(ctx context.Context, r *Repository) error {
	if r.Name == "" {
		return fmt.Errorf("repository name is required: %w", ErrInvalidArgument)
	}
	query := `
		INSERT INTO repositories (name, group_id, owner_id, private)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if err := s.db.QueryRowContext(ctx, query, r.Name, r.GroupID, r.OwnerID, r.Private).Scan(&r.ID); err != nil {
		return createErr("repository", r.Name, r, nil, err)
	}
	return s.seedDefaultGrant(ctx, r, r.Private)
}

func scanRepository(row rowScanner) (*Repository, error) {
	var r Repository
	var group sql.NullInt64
	if err := row.Scan(&r.ID, &r.Name, &group, &r.OwnerID, &r.Private); err != nil {
		return nil, err
	}
	if group.Valid {
		r.GroupID = &group.Int64
	}
	return &r, nil
}

func (s *Store) getRepository(ctx context.Context, where string, arg interface{}, ref ObjectRef) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx, `SELECT id, name, group_id, owner_id, private FROM repositories WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("repository", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return r, nil
}

// GetRepository retrieves a repository by ID
func (s *Store) GetRepository(ctx context.Context, id int64) (*Repository, error) {
	return s.getRepository(ctx, "id = $1", id, ByID(id))
}

// ResolveRepository turns a reference into a repository row.
func (s *Store) ResolveRepository(ctx context.Context, ref ObjectRef) (*Repository, error) {
	if id, ok := ref.ID(); ok {
		return s.GetRepository(ctx, id)
	}
	name, _ := ref.Name()
	return s.getRepository(ctx, "name = $1", name, ref)
}

// SetRepositoryPrivate updates the private flag. Making a repository private
// resets the default user's grant on it to repository.none.
func (s *Store) SetRepositoryPrivate(ctx context.Context, r *Repository, private bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE repositories SET private = $1 WHERE id = $2`, private, r.ID); err != nil {
		return storeErr("set repository private", r, nil, "", err)
	}
	r.Private = private
	if !private {
		return nil
	}

	def, err := s.GetDefaultUser(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.Grant(ctx, r, def, ObjectPermission(KindRepository, LevelNone))
	return err
}

// DeleteRepository removes a repository and the grants on it.
func (s *Store) DeleteRepository(ctx context.Context, r *Repository) error {
	if err := s.deleteObjectGrants(ctx, r); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, r.ID); err != nil {
		return storeErr("delete repository", r, nil, "", err)
	}
	return nil
}
