package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store handles grant and entity persistence. It never begins or commits a
// transaction; callers decide the boundary by passing a *sql.Tx.
type Store struct {
	db DBTX
}

// NewStore creates a new store over a database handle or transaction
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

// WithTx returns a store bound to tx.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{db: tx}
}

// grantTable describes where grants of one (subject kind, object kind) pair live.
type grantTable struct {
	name       string
	subjectCol string
	objectCol  string
}

var grantTables = map[SubjectKind]map[ObjectKind]grantTable{
	SubjectUser: {
		KindRepository: {"repo_to_perm", "user_id", "repository_id"},
		KindRepoGroup:  {"user_repo_group_to_perm", "user_id", "group_id"},
		KindUserGroup:  {"user_user_group_to_perm", "user_id", "user_group_id"},
	},
	SubjectUserGroup: {
		KindRepository: {"user_group_repo_to_perm", "user_group_id", "repository_id"},
		KindRepoGroup:  {"user_group_repo_group_to_perm", "user_group_id", "group_id"},
		KindUserGroup:  {"user_group_user_group_to_perm", "user_group_id", "target_user_group_id"},
	},
}

func tableFor(subj SubjectKind, obj ObjectKind) (grantTable, error) {
	t, ok := grantTables[subj][obj]
	if !ok {
		return grantTable{}, fmt.Errorf("no grants of %s on %s: %w", subj, obj, ErrInvalidArgument)
	}
	return t, nil
}

// globalTables maps a subject kind to its global grant table and subject column.
var globalTables = map[SubjectKind][2]string{
	SubjectUser:      {"user_to_perm", "user_id"},
	SubjectUserGroup: {"user_group_to_perm", "user_group_id"},
}

func validGrantArgs(obj Object, subj Subject) error {
	if obj == nil || subj == nil {
		return fmt.Errorf("object and subject are required: %w", ErrInvalidArgument)
	}
	return nil
}

// CreatePermissions inserts every catalog entry missing from the permissions
// table and returns how many rows were added. Existing rows are left untouched.
func (s *Store) CreatePermissions(ctx context.Context) (int, error) {
	query := `
		INSERT INTO permissions (permission_name, permission_longname)
		VALUES ($1, $2)
		ON CONFLICT (permission_name) DO NOTHING
	`

	added := 0
	for _, def := range catalog {
		res, err := s.db.ExecContext(ctx, query, def.Name, def.LongName)
		if err != nil {
			return added, storeErr("create permission", nil, nil, def.Name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

// GetPermissionByKey retrieves a permission row by name
func (s *Store) GetPermissionByKey(ctx context.Context, name string) (*PermissionRecord, error) {
	query := `
		SELECT id, permission_name, permission_longname
		FROM permissions
		WHERE permission_name = $1
	`

	var p PermissionRecord
	err := s.db.QueryRowContext(ctx, query, name).Scan(&p.ID, &p.Name, &p.LongName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("permission", fmt.Sprintf("%q", name))
	}
	if err != nil {
		return nil, storeErr("get permission", nil, nil, name, err)
	}
	return &p, nil
}

// ListPermissions returns every stored permission row ordered by id
func (s *Store) ListPermissions(ctx context.Context) ([]*PermissionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, permission_name, permission_longname
		FROM permissions
		ORDER BY id
	`)
	if err != nil {
		return nil, storeErr("list permissions", nil, nil, "", err)
	}
	defer rows.Close()

	var out []*PermissionRecord
	for rows.Next() {
		var p PermissionRecord
		if err := rows.Scan(&p.ID, &p.Name, &p.LongName); err != nil {
			return nil, storeErr("scan permission", nil, nil, "", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// permissionID validates perm against the object kind and returns its row id.
func (s *Store) permissionID(ctx context.Context, obj Object, perm string) (int64, error) {
	kind, _, err := ParseObjectPermission(perm)
	if err != nil {
		return 0, err
	}
	if kind != obj.Kind() {
		return 0, fmt.Errorf("%q cannot be granted on a %s: %w", perm, obj.Kind(), ErrInvalidPermission)
	}
	rec, err := s.GetPermissionByKey(ctx, perm)
	if err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// Grant sets subj's permission on obj, replacing any previous grant on the same pair.
func (s *Store) Grant(ctx context.Context, obj Object, subj Subject, perm string) (*Grant, error) {
	if err := validGrantArgs(obj, subj); err != nil {
		return nil, err
	}
	if subj.SubjectKind() == SubjectUserGroup && obj.Kind() == KindUserGroup && subj.SubjectID() == obj.ObjectID() {
		return nil, fmt.Errorf("user group %q cannot be granted permissions on itself: %w", subj.SubjectName(), ErrIntegrity)
	}
	t, err := tableFor(subj.SubjectKind(), obj.Kind())
	if err != nil {
		return nil, err
	}
	permID, err := s.permissionID(ctx, obj, perm)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, %[3]s, permission_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (%[2]s, %[3]s) DO UPDATE SET permission_id = EXCLUDED.permission_id
		RETURNING id
	`, t.name, t.subjectCol, t.objectCol)

	g := &Grant{
		SubjectKind: subj.SubjectKind(),
		SubjectID:   subj.SubjectID(),
		SubjectName: subj.SubjectName(),
		ObjectKind:  obj.Kind(),
		ObjectID:    obj.ObjectID(),
		Permission:  perm,
	}
	if err := s.db.QueryRowContext(ctx, query, subj.SubjectID(), obj.ObjectID(), permID).Scan(&g.ID); err != nil {
		return nil, storeErr("grant permission", obj, subj, perm, err)
	}
	return g, nil
}

// Revoke removes subj's grant on obj. Revoking an absent grant is a no-op.
func (s *Store) Revoke(ctx context.Context, obj Object, subj Subject) error {
	if err := validGrantArgs(obj, subj); err != nil {
		return err
	}
	t, err := tableFor(subj.SubjectKind(), obj.Kind())
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1 AND %s = $2`, t.name, t.subjectCol, t.objectCol)
	if _, err := s.db.ExecContext(ctx, query, subj.SubjectID(), obj.ObjectID()); err != nil {
		return storeErr("revoke permission", obj, subj, "", err)
	}
	return nil
}

// GetGrant returns subj's grant on obj, or nil when there is none.
func (s *Store) GetGrant(ctx context.Context, obj Object, subj Subject) (*Grant, error) {
	if err := validGrantArgs(obj, subj); err != nil {
		return nil, err
	}
	t, err := tableFor(subj.SubjectKind(), obj.Kind())
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT g.id, p.permission_name
		FROM %s g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.%s = $1 AND g.%s = $2
	`, t.name, t.subjectCol, t.objectCol)

	g := &Grant{
		SubjectKind: subj.SubjectKind(),
		SubjectID:   subj.SubjectID(),
		SubjectName: subj.SubjectName(),
		ObjectKind:  obj.Kind(),
		ObjectID:    obj.ObjectID(),
	}
	err = s.db.QueryRowContext(ctx, query, subj.SubjectID(), obj.ObjectID()).Scan(&g.ID, &g.Permission)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get grant", obj, subj, "", err)
	}
	return g, nil
}

// GrantUserPermission sets a user's permission on an object
func (s *Store) GrantUserPermission(ctx context.Context, obj Object, user *User, perm string) (*Grant, error) {
	return s.Grant(ctx, obj, user, perm)
}

// RevokeUserPermission removes a user's grant on an object
func (s *Store) RevokeUserPermission(ctx context.Context, obj Object, user *User) error {
	return s.Revoke(ctx, obj, user)
}

// GrantUserGroupPermission sets a user group's permission on an object
func (s *Store) GrantUserGroupPermission(ctx context.Context, obj Object, group *UserGroup, perm string) (*Grant, error) {
	return s.Grant(ctx, obj, group, perm)
}

// RevokeUserGroupPermission removes a user group's grant on an object
func (s *Store) RevokeUserGroupPermission(ctx context.Context, obj Object, group *UserGroup) error {
	return s.Revoke(ctx, obj, group)
}

// GetUserPermission returns a user's grant on an object, or nil
func (s *Store) GetUserPermission(ctx context.Context, obj Object, user *User) (*Grant, error) {
	return s.GetGrant(ctx, obj, user)
}

// GetUserGroupPermission returns a user group's grant on an object, or nil
func (s *Store) GetUserGroupPermission(ctx context.Context, obj Object, group *UserGroup) (*Grant, error) {
	return s.GetGrant(ctx, obj, group)
}

// ListObjectGrants returns every user and user-group grant on obj.
func (s *Store) ListObjectGrants(ctx context.Context, obj Object) ([]*Grant, error) {
	var out []*Grant
	for _, sk := range []SubjectKind{SubjectUser, SubjectUserGroup} {
		t, err := tableFor(sk, obj.Kind())
		if err != nil {
			return nil, err
		}
		nameQuery := "SELECT username FROM users WHERE id = g." + t.subjectCol
		if sk == SubjectUserGroup {
			nameQuery = "SELECT name FROM user_groups WHERE id = g." + t.subjectCol
		}
		query := fmt.Sprintf(`
			SELECT g.id, g.%s, (%s), p.permission_name
			FROM %s g
			JOIN permissions p ON p.id = g.permission_id
			WHERE g.%s = $1
			ORDER BY g.id
		`, t.subjectCol, nameQuery, t.name, t.objectCol)

		rows, err := s.db.QueryContext(ctx, query, obj.ObjectID())
		if err != nil {
			return nil, storeErr("list grants", obj, nil, "", err)
		}
		for rows.Next() {
			g := &Grant{SubjectKind: sk, ObjectKind: obj.Kind(), ObjectID: obj.ObjectID()}
			if err := rows.Scan(&g.ID, &g.SubjectID, &g.SubjectName, &g.Permission); err != nil {
				rows.Close()
				return nil, storeErr("scan grant", obj, nil, "", err)
			}
			out = append(out, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, storeErr("list grants", obj, nil, "", err)
		}
	}
	return out, nil
}

// deleteObjectGrants removes every grant on obj, used before deleting the object.
func (s *Store) deleteObjectGrants(ctx context.Context, obj Object) error {
	for _, sk := range []SubjectKind{SubjectUser, SubjectUserGroup} {
		t, err := tableFor(sk, obj.Kind())
		if err != nil {
			return err
		}
		query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, t.name, t.objectCol)
		if _, err := s.db.ExecContext(ctx, query, obj.ObjectID()); err != nil {
			return storeErr("delete object grants", obj, nil, "", err)
		}
	}
	return nil
}

// placeholders renders "$from, $from+1, ..." for n arguments.
func placeholders(from, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ps, ", ")
}

// GrantGlobalPermission gives subj a global permission, replacing its previous
// value in the same namespace. Object namespaces are only stored for the default
// user, where they define the default for newly created objects.
func (s *Store) GrantGlobalPermission(ctx context.Context, subj Subject, perm string) error {
	if subj == nil {
		return fmt.Errorf("subject is required: %w", ErrInvalidArgument)
	}
	def, ok := LookupPermission(perm)
	if !ok {
		return notFound("permission", fmt.Sprintf("%q", perm))
	}
	if def.Namespace == NamespaceAdmin {
		return fmt.Errorf("%s is implied by the admin flag: %w", perm, ErrInvalidPermission)
	}
	if def.IsObject() {
		u, isUser := subj.(*User)
		if !isUser || !u.IsDefault {
			return fmt.Errorf("%q is only a global default for the default user: %w", perm, ErrInvalidPermission)
		}
	}

	rec, err := s.GetPermissionByKey(ctx, perm)
	if err != nil {
		return err
	}
	if err := s.deleteGlobalNamespace(ctx, subj, def.Namespace); err != nil {
		return err
	}

	t := globalTables[subj.SubjectKind()]
	query := fmt.Sprintf(`INSERT INTO %s (%s, permission_id) VALUES ($1, $2)`, t[0], t[1])
	if _, err := s.db.ExecContext(ctx, query, subj.SubjectID(), rec.ID); err != nil {
		return storeErr("grant global permission", nil, subj, perm, err)
	}
	return nil
}

func (s *Store) deleteGlobalNamespace(ctx context.Context, subj Subject, namespace string) error {
	members := NamespaceMembers(namespace)
	t := globalTables[subj.SubjectKind()]
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE %s = $1 AND permission_id IN (
			SELECT id FROM permissions WHERE permission_name IN (%s)
		)
	`, t[0], t[1], placeholders(2, len(members)))

	args := make([]interface{}, 0, len(members)+1)
	args = append(args, subj.SubjectID())
	for _, m := range members {
		args = append(args, m)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return storeErr("clear global namespace", nil, subj, namespace, err)
	}
	return nil
}

// RevokeGlobalPermission removes one global permission from subj. Absent grants are a no-op.
func (s *Store) RevokeGlobalPermission(ctx context.Context, subj Subject, perm string) error {
	if subj == nil {
		return fmt.Errorf("subject is required: %w", ErrInvalidArgument)
	}
	if _, ok := LookupPermission(perm); !ok {
		return notFound("permission", fmt.Sprintf("%q", perm))
	}
	t := globalTables[subj.SubjectKind()]
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE %s = $1 AND permission_id IN (SELECT id FROM permissions WHERE permission_name = $2)
	`, t[0], t[1])
	if _, err := s.db.ExecContext(ctx, query, subj.SubjectID(), perm); err != nil {
		return storeErr("revoke global permission", nil, subj, perm, err)
	}
	return nil
}

// DeleteGlobalPermissions removes every global grant held by subj.
func (s *Store) DeleteGlobalPermissions(ctx context.Context, subj Subject) error {
	t := globalTables[subj.SubjectKind()]
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, t[0], t[1])
	if _, err := s.db.ExecContext(ctx, query, subj.SubjectID()); err != nil {
		return storeErr("delete global permissions", nil, subj, "", err)
	}
	return nil
}

// ListGlobalPermissions returns the names of subj's global grants, sorted.
func (s *Store) ListGlobalPermissions(ctx context.Context, subj Subject) ([]string, error) {
	t := globalTables[subj.SubjectKind()]
	query := fmt.Sprintf(`
		SELECT p.permission_name
		FROM %s g
		JOIN permissions p ON p.id = g.permission_id
		WHERE g.%s = $1
		ORDER BY p.permission_name
	`, t[0], t[1])

	rows, err := s.db.QueryContext(ctx, query, subj.SubjectID())
	if err != nil {
		return nil, storeErr("list global permissions", nil, subj, "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("scan global permission", nil, subj, "", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}
