package rbac

import (
	"context"
	"fmt"
)

// PropagationResult lists the objects a cascade touched, in visit order.
type PropagationResult struct {
	RepoGroups   []string `json:"repo_groups"`
	Repositories []string `json:"repositories"`
	// Skipped lists private repositories left alone for the default user.
	Skipped []string `json:"skipped,omitempty"`
}

// Size is the number of objects mutated.
func (r *PropagationResult) Size() int {
	return len(r.RepoGroups) + len(r.Repositories)
}

// treeIndex is the repo-group forest loaded once for a cascade.
type treeIndex struct {
	groups   map[int64]*RepoGroup
	children map[int64][]int64
	repos    map[int64][]*Repository
}

func (s *Store) loadTree(ctx context.Context) (*treeIndex, error) {
	groups, err := s.loadRepoGroups(ctx)
	if err != nil {
		return nil, err
	}
	idx := &treeIndex{
		groups:   make(map[int64]*RepoGroup, len(groups)),
		children: make(map[int64][]int64),
		repos:    make(map[int64][]*Repository),
	}
	for _, g := range groups {
		idx.groups[g.ID] = g
		if g.ParentID != nil {
			idx.children[*g.ParentID] = append(idx.children[*g.ParentID], g.ID)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, group_id, owner_id, private
		FROM repositories
		WHERE group_id IS NOT NULL
		ORDER BY id
	`)
	if err != nil {
		return nil, storeErr("load repositories", nil, nil, "", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, storeErr("scan repository", nil, nil, "", err)
		}
		idx.repos[*r.GroupID] = append(idx.repos[*r.GroupID], r)
	}
	return idx, rows.Err()
}

// subtree returns root and all its descendants, each exactly once.
func (t *treeIndex) subtree(root int64) []*RepoGroup {
	var out []*RepoGroup
	visited := make(map[int64]bool)
	stack := []int64{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		if g, ok := t.groups[id]; ok {
			out = append(out, g)
		}
		stack = append(stack, t.children[id]...)
	}
	return out
}

// Propagator applies repo-group grants down the group tree.
type Propagator struct {
	store *Store
}

// NewPropagator creates a propagator writing through store
func NewPropagator(store *Store) *Propagator {
	return &Propagator{store: store}
}

type visitFunc func(ctx context.Context, obj Object) error

// cascade visits group and, depending on scope, its descendant groups and repositories.
func (p *Propagator) cascade(ctx context.Context, group *RepoGroup, subj Subject, scope Recursive, onGroup, onRepo visitFunc) (*PropagationResult, error) {
	if group == nil || subj == nil {
		return nil, fmt.Errorf("repo group and subject are required: %w", ErrInvalidArgument)
	}
	if _, err := ParseRecursive(string(scope)); err != nil {
		return nil, err
	}

	res := &PropagationResult{}
	if err := onGroup(ctx, group); err != nil {
		return res, err
	}
	res.RepoGroups = append(res.RepoGroups, group.Name)
	if scope == RecursiveNone || scope == "" {
		return res, nil
	}

	tree, err := p.store.loadTree(ctx)
	if err != nil {
		return res, err
	}
	if _, ok := tree.groups[group.ID]; !ok {
		return res, notFound("repo group", ByID(group.ID))
	}

	defaultSubject := false
	if u, ok := subj.(*User); ok && u.IsDefault {
		defaultSubject = true
	}

	for _, g := range tree.subtree(group.ID) {
		if g.ID != group.ID && scope.includesGroups() {
			if err := onGroup(ctx, g); err != nil {
				return res, err
			}
			res.RepoGroups = append(res.RepoGroups, g.Name)
		}
		if !scope.includesRepos() {
			continue
		}
		for _, r := range tree.repos[g.ID] {
			if defaultSubject && r.Private {
				res.Skipped = append(res.Skipped, r.Name)
				continue
			}
			if err := onRepo(ctx, r); err != nil {
				return res, err
			}
			res.Repositories = append(res.Repositories, r.Name)
		}
	}
	return res, nil
}

// AddPermission grants a group.* permission on group and cascades it per scope.
// Repositories receive the matching repository.* level.
func (p *Propagator) AddPermission(ctx context.Context, group *RepoGroup, subj Subject, perm string, scope Recursive) (*PropagationResult, error) {
	kind, lvl, err := ParseObjectPermission(perm)
	if err != nil {
		return nil, err
	}
	if kind != KindRepoGroup {
		return nil, fmt.Errorf("%q cannot be granted on a repo group: %w", perm, ErrInvalidPermission)
	}
	repoPerm := ObjectPermission(KindRepository, lvl)

	return p.cascade(ctx, group, subj, scope,
		func(ctx context.Context, obj Object) error {
			_, err := p.store.Grant(ctx, obj, subj, perm)
			return err
		},
		func(ctx context.Context, obj Object) error {
			_, err := p.store.Grant(ctx, obj, subj, repoPerm)
			return err
		},
	)
}

// DeletePermission revokes subj's grants on group and cascades the revoke per scope.
func (p *Propagator) DeletePermission(ctx context.Context, group *RepoGroup, subj Subject, scope Recursive) (*PropagationResult, error) {
	revoke := func(ctx context.Context, obj Object) error {
		return p.store.Revoke(ctx, obj, subj)
	}
	return p.cascade(ctx, group, subj, scope, revoke, revoke)
}
