package rbac

import (
	"context"
	"errors"
	"fmt"
)

// ObjectGrant is one loaded grant row, reduced to what resolution needs.
type ObjectGrant struct {
	Kind       ObjectKind
	ObjectID   int64
	Permission string
}

// Snapshot is a point-in-time read of everything needed to resolve one identity.
// It is built by Store.LoadSnapshot or by hand in tests.
type Snapshot struct {
	DefaultUser *User
	// User is the acting user; nil when resolving the anonymous identity.
	User *User

	Repositories []*Repository
	RepoGroups   []*RepoGroup
	UserGroups   []*UserGroup

	DefaultGrants []ObjectGrant
	UserGrants    []ObjectGrant
	// GroupGrants holds grants of every active group the user belongs to.
	GroupGrants []ObjectGrant

	DefaultGlobals []string
	UserGlobals    []string
	GroupGlobals   []string
}

// objectGrantQueries load one subject's object grants; each takes the subject id as $1.
var objectGrantQueries = func() map[SubjectKind]string {
	out := make(map[SubjectKind]string)
	for sk, byKind := range grantTables {
		q := ""
		for _, kind := range []ObjectKind{KindRepository, KindRepoGroup, KindUserGroup} {
			t := byKind[kind]
			if q != "" {
				q += " UNION ALL "
			}
			q += fmt.Sprintf(
				"SELECT '%s', g.%s, p.permission_name FROM %s g JOIN permissions p ON p.id = g.permission_id WHERE g.%s = $1",
				kind, t.objectCol, t.name, t.subjectCol)
		}
		out[sk] = q
	}
	return out
}()

// LoadSnapshot reads the object tree and every grant relevant to id.
func (s *Store) LoadSnapshot(ctx context.Context, id Identity) (*Snapshot, error) {
	snap := &Snapshot{}

	def, err := s.GetDefaultUser(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	snap.DefaultUser = def

	if ui, ok := id.(UserIdentity); ok {
		snap.User = ui.User
	}

	if err := s.loadObjects(ctx, snap); err != nil {
		return nil, err
	}

	if def != nil {
		if snap.DefaultGrants, err = s.loadObjectGrants(ctx, SubjectUser, def.ID); err != nil {
			return nil, err
		}
		if snap.DefaultGlobals, err = s.ListGlobalPermissions(ctx, def); err != nil {
			return nil, err
		}
	}

	if snap.User == nil || snap.User.Admin {
		return snap, nil
	}

	if snap.UserGrants, err = s.loadObjectGrants(ctx, SubjectUser, snap.User.ID); err != nil {
		return nil, err
	}
	if snap.UserGlobals, err = s.ListGlobalPermissions(ctx, snap.User); err != nil {
		return nil, err
	}

	groupIDs, err := s.activeGroupsOf(ctx, snap.User.ID)
	if err != nil {
		return nil, err
	}
	for _, gid := range groupIDs {
		grants, err := s.loadObjectGrants(ctx, SubjectUserGroup, gid)
		if err != nil {
			return nil, err
		}
		snap.GroupGrants = append(snap.GroupGrants, grants...)

		globals, err := s.ListGlobalPermissions(ctx, &UserGroup{ID: gid})
		if err != nil {
			return nil, err
		}
		snap.GroupGlobals = append(snap.GroupGlobals, globals...)
	}

	return snap, nil
}

func (s *Store) loadObjects(ctx context.Context, snap *Snapshot) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, group_id, owner_id, private FROM repositories ORDER BY id`)
	if err != nil {
		return storeErr("load repositories", nil, nil, "", err)
	}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			rows.Close()
			return storeErr("scan repository", nil, nil, "", err)
		}
		snap.Repositories = append(snap.Repositories, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storeErr("load repositories", nil, nil, "", err)
	}

	groups, err := s.loadRepoGroups(ctx)
	if err != nil {
		return err
	}
	snap.RepoGroups = groups

	rows, err = s.db.QueryContext(ctx, `SELECT id, name, active, owner_id FROM user_groups ORDER BY id`)
	if err != nil {
		return storeErr("load user groups", nil, nil, "", err)
	}
	defer rows.Close()
	for rows.Next() {
		var g UserGroup
		if err := rows.Scan(&g.ID, &g.Name, &g.Active, &g.OwnerID); err != nil {
			return storeErr("scan user group", nil, nil, "", err)
		}
		snap.UserGroups = append(snap.UserGroups, &g)
	}
	return rows.Err()
}

func (s *Store) loadRepoGroups(ctx context.Context) ([]*RepoGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, parent_group_id, owner_id FROM repo_groups ORDER BY id`)
	if err != nil {
		return nil, storeErr("load repo groups", nil, nil, "", err)
	}
	defer rows.Close()

	var out []*RepoGroup
	for rows.Next() {
		g, err := scanRepoGroup(rows)
		if err != nil {
			return nil, storeErr("scan repo group", nil, nil, "", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) loadObjectGrants(ctx context.Context, sk SubjectKind, subjectID int64) ([]ObjectGrant, error) {
	rows, err := s.db.QueryContext(ctx, objectGrantQueries[sk], subjectID)
	if err != nil {
		return nil, storeErr("load grants", nil, nil, "", err)
	}
	defer rows.Close()

	var out []ObjectGrant
	for rows.Next() {
		var g ObjectGrant
		var kind string
		if err := rows.Scan(&kind, &g.ObjectID, &g.Permission); err != nil {
			return nil, storeErr("scan grant", nil, nil, "", err)
		}
		g.Kind = ObjectKind(kind)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) activeGroupsOf(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id
		FROM user_group_members m
		JOIN user_groups g ON g.id = m.user_group_id
		WHERE m.user_id = $1 AND g.active = $2
		ORDER BY g.id
	`, userID, true)
	if err != nil {
		return nil, storeErr("load memberships", nil, nil, "", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("scan membership", nil, nil, "", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
