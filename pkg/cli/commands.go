package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/repoperm/pkg/audit"
	"github.com/platinummonkey/repoperm/pkg/rbac"
)

func (a *app) newBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the schema, permission catalog and default user",
		Long: `Run migrations, insert missing catalog permissions, create the default
user and give it a grant in every defaultable namespace. Safe to re-run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dialect, err := rbac.ParseDialect(a.cfg.Database.Driver)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				res, err := svc.Bootstrap(cmd.Context(), dialect)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(res)
				}
				a.printf("migrations applied:   %d\n", res.Migrations)
				a.printf("permissions created:  %d\n", res.Permissions)
				a.printf("default user created: %t\n", res.DefaultUserCreated)
				a.printf("defaults added:       %s\n", listOrNone(res.DefaultsAdded))
				return nil
			})
		},
	}
}

func (a *app) newRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Add missing default-user permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				added, err := svc.RepairDefaults(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if added == nil {
						added = []string{}
					}
					return a.printJSON(map[string][]string{"added": added})
				}
				a.printf("added: %s\n", listOrNone(added))
				return nil
			})
		},
	}
}

func (a *app) newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Show the default permissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				form, err := svc.Defaults(cmd.Context())
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(form)
				}
				t := newTable(a.out, "SETTING", "VALUE")
				t.row("anonymous access", fmt.Sprint(form.AnonymousAccess))
				t.row("repository", form.DefaultRepoPerm)
				t.row("repository group", form.DefaultGroupPerm)
				t.row("user group", form.DefaultUserGroupPerm)
				t.row("create repository", form.DefaultRepoCreate)
				t.row("create in writable group", form.DefaultRepoCreateOnWrite)
				t.row("create repository group", form.DefaultRepoGroupCreate)
				t.row("create user group", form.DefaultUserGroupCreate)
				t.row("fork", form.DefaultFork)
				t.row("register", form.DefaultRegister)
				t.row("external activation", form.DefaultExternActivate)
				t.flush()
				return nil
			})
		},
	}
}

func (a *app) newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <user>",
		Short: "Print the effective permissions of a user",
		Long: `Print the effective permissions of a user by name or id. "anonymous"
resolves the permissions of unauthenticated requests.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				var id rbac.Identity = rbac.Anonymous{}
				if args[0] != "anonymous" {
					var err error
					if id, err = svc.IdentityFor(cmd.Context(), rbac.ParseRef(args[0])); err != nil {
						return err
					}
				}
				set, err := svc.Resolve(cmd.Context(), id)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(set)
				}
				a.printSet(set)
				return nil
			})
		},
	}
}

func (a *app) printSet(set *rbac.PermissionSet) {
	t := newTable(a.out, "KIND", "OBJECT", "PERMISSION")
	for _, section := range []struct {
		kind    rbac.ObjectKind
		objects map[string]string
	}{
		{rbac.KindRepository, set.Repositories},
		{rbac.KindRepoGroup, set.RepoGroups},
		{rbac.KindUserGroup, set.UserGroups},
	} {
		names := make([]string, 0, len(section.objects))
		for name := range section.objects {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			t.row(string(section.kind), name, section.objects[name])
		}
	}
	for _, g := range set.Global {
		t.row("global", "-", g)
	}
	t.flush()
}

// subjectFlags holds the mutually exclusive --user/--user-group selection.
type subjectFlags struct {
	user      string
	userGroup string
}

func (s *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.user, "user", "", "user name or id")
	cmd.Flags().StringVar(&s.userGroup, "user-group", "", "user group name or id")
	cmd.MarkFlagsMutuallyExclusive("user", "user-group")
	cmd.MarkFlagsOneRequired("user", "user-group")
}

func (s *subjectFlags) principal() rbac.Principal {
	if s.userGroup != "" {
		return rbac.GroupPrincipal(rbac.ParseRef(s.userGroup))
	}
	return rbac.UserPrincipal(rbac.ParseRef(s.user))
}

// parseKind maps the CLI object kinds onto rbac kinds.
func parseKind(s string) (rbac.ObjectKind, error) {
	switch s {
	case "repo", "repository":
		return rbac.KindRepository, nil
	case "repo-group", "group":
		return rbac.KindRepoGroup, nil
	case "user-group", "usergroup":
		return rbac.KindUserGroup, nil
	}
	return "", fmt.Errorf("unknown object kind %q (want repo, repo-group or user-group)", s)
}

func (a *app) newGrantCmd() *cobra.Command {
	var subj subjectFlags
	var recursive string

	cmd := &cobra.Command{
		Use:   "grant <repo|repo-group|user-group> <object> <permission>",
		Short: "Grant a permission on an object",
		Long: `Grant a permission on an object to a user or user group, replacing any
previous grant of the pair. On repo groups --recursive cascades the grant:

  none    the group only (default)
  groups  the group and its descendant groups
  repos   the group and the repositories beneath it
  all     everything beneath the group`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			ref := rbac.ParseRef(args[1])
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				if kind == rbac.KindRepoGroup {
					scope, err := rbac.ParseRecursive(recursive)
					if err != nil {
						return err
					}
					res, err := svc.AddRepoGroupPermission(cmd.Context(), ref, subj.principal(), args[2], scope)
					if err != nil {
						return err
					}
					return a.printCascade(res)
				}
				if recursive != "" {
					return fmt.Errorf("--recursive applies to repo groups only")
				}
				g, err := svc.Grant(cmd.Context(), rbac.Target{Kind: kind, Ref: ref}, subj.principal(), args[2])
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(g)
				}
				a.printf("granted %s to %s %s\n", g.Permission, g.SubjectKind, g.SubjectName)
				return nil
			})
		},
	}
	subj.register(cmd)
	cmd.Flags().StringVar(&recursive, "recursive", "", "cascade scope for repo groups: none, groups, repos, all")
	return cmd
}

func (a *app) newRevokeCmd() *cobra.Command {
	var subj subjectFlags
	var recursive string

	cmd := &cobra.Command{
		Use:   "revoke <repo|repo-group|user-group> <object>",
		Short: "Remove a grant from an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := parseKind(args[0])
			if err != nil {
				return err
			}
			ref := rbac.ParseRef(args[1])
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				if kind == rbac.KindRepoGroup {
					scope, err := rbac.ParseRecursive(recursive)
					if err != nil {
						return err
					}
					res, err := svc.DeleteRepoGroupPermission(cmd.Context(), ref, subj.principal(), scope)
					if err != nil {
						return err
					}
					return a.printCascade(res)
				}
				if recursive != "" {
					return fmt.Errorf("--recursive applies to repo groups only")
				}
				if err := svc.Revoke(cmd.Context(), rbac.Target{Kind: kind, Ref: ref}, subj.principal()); err != nil {
					return err
				}
				a.printf("revoked\n")
				return nil
			})
		},
	}
	subj.register(cmd)
	cmd.Flags().StringVar(&recursive, "recursive", "", "cascade scope for repo groups: none, groups, repos, all")
	return cmd
}

func (a *app) printCascade(res *rbac.PropagationResult) error {
	if a.jsonOutput {
		return a.printJSON(res)
	}
	t := newTable(a.out, "KIND", "OBJECT")
	for _, g := range res.RepoGroups {
		t.row(string(rbac.KindRepoGroup), g)
	}
	for _, r := range res.Repositories {
		t.row(string(rbac.KindRepository), r)
	}
	for _, r := range res.Skipped {
		t.row(string(rbac.KindRepository), r+" (skipped, private)")
	}
	t.flush()
	return nil
}

func (a *app) newGlobalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "global",
		Short: "Manage global (hg.*) permissions",
	}

	var grantSubj, revokeSubj subjectFlags
	grant := &cobra.Command{
		Use:   "grant <permission>",
		Short: "Set a global permission, replacing the subject's value in its namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				if err := svc.GrantGlobal(cmd.Context(), grantSubj.principal(), args[0]); err != nil {
					return err
				}
				a.printf("granted %s\n", args[0])
				return nil
			})
		},
	}
	grantSubj.register(grant)

	revoke := &cobra.Command{
		Use:   "revoke <permission>",
		Short: "Remove a global permission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				if err := svc.RevokeGlobal(cmd.Context(), revokeSubj.principal(), args[0]); err != nil {
					return err
				}
				a.printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
	revokeSubj.register(revoke)

	cmd.AddCommand(grant, revoke)
	return cmd
}

func (a *app) newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create users, groups and repositories",
	}

	var apiKey string
	var admin bool
	user := &cobra.Command{
		Use:   "user <username>",
		Short: "Create a user and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				key := apiKey
				if key == "" {
					key = strings.ReplaceAll(uuid.New().String(), "-", "")
				}
				u := &rbac.User{Username: args[0], APIKey: key, Active: true, InheritDefaultPermissions: true}
				if err := svc.CreateUser(cmd.Context(), u); err != nil {
					return err
				}
				if admin {
					if err := svc.SetUserAdmin(cmd.Context(), rbac.ByID(u.ID), true); err != nil {
						return err
					}
				}
				a.printf("created user %s (id %d)\napi key: %s\n", u.Username, u.ID, key)
				return nil
			})
		},
	}
	user.Flags().StringVar(&apiKey, "api-key", "", "API key (generated when empty)")
	user.Flags().BoolVar(&admin, "admin", false, "make the user an administrator")

	var owner, parent string
	var private bool
	ownerOf := func(cmd *cobra.Command, svc *rbac.Service) (int64, error) {
		u, err := svc.Store().ResolveUser(cmd.Context(), rbac.ParseRef(owner))
		if err != nil {
			return 0, err
		}
		return u.ID, nil
	}
	parentOf := func(cmd *cobra.Command, svc *rbac.Service) (*int64, error) {
		if parent == "" {
			return nil, nil
		}
		g, err := svc.Store().ResolveRepoGroup(cmd.Context(), rbac.ParseRef(parent))
		if err != nil {
			return nil, err
		}
		return &g.ID, nil
	}

	repo := &cobra.Command{
		Use:   "repo <name>",
		Short: "Create a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				ownerID, err := ownerOf(cmd, svc)
				if err != nil {
					return err
				}
				groupID, err := parentOf(cmd, svc)
				if err != nil {
					return err
				}
				r := &rbac.Repository{Name: args[0], OwnerID: ownerID, GroupID: groupID, Private: private}
				if err := svc.CreateRepository(cmd.Context(), r); err != nil {
					return err
				}
				a.printf("created repository %s (id %d)\n", r.Name, r.ID)
				return nil
			})
		},
	}
	repo.Flags().BoolVar(&private, "private", false, "hide the repository from the default user")

	repoGroup := &cobra.Command{
		Use:   "repo-group <name>",
		Short: "Create a repository group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				ownerID, err := ownerOf(cmd, svc)
				if err != nil {
					return err
				}
				parentID, err := parentOf(cmd, svc)
				if err != nil {
					return err
				}
				g := &rbac.RepoGroup{Name: args[0], OwnerID: ownerID, ParentID: parentID}
				if err := svc.CreateRepoGroup(cmd.Context(), g); err != nil {
					return err
				}
				a.printf("created repository group %s (id %d)\n", g.Name, g.ID)
				return nil
			})
		},
	}

	userGroup := &cobra.Command{
		Use:   "user-group <name> [member...]",
		Short: "Create a user group with optional members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				ownerID, err := ownerOf(cmd, svc)
				if err != nil {
					return err
				}
				g := &rbac.UserGroup{Name: args[0], OwnerID: ownerID, Active: true}
				if err := svc.CreateUserGroup(cmd.Context(), g); err != nil {
					return err
				}
				for _, member := range args[1:] {
					if err := svc.AddUserGroupMember(cmd.Context(), rbac.ByID(g.ID), rbac.ParseRef(member)); err != nil {
						return err
					}
				}
				a.printf("created user group %s (id %d)\n", g.Name, g.ID)
				return nil
			})
		},
	}

	for _, c := range []*cobra.Command{repo, repoGroup, userGroup} {
		c.Flags().StringVar(&owner, "owner", "", "owning user name or id")
		_ = c.MarkFlagRequired("owner")
	}
	for _, c := range []*cobra.Command{repo, repoGroup} {
		c.Flags().StringVar(&parent, "group", "", "parent repository group name or id")
	}

	cmd.AddCommand(user, repo, repoGroup, userGroup)
	return cmd
}

func (a *app) newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete users, groups and repositories",
		Long: `Delete an object and the grants on it. Users that still own objects, user
groups that still hold grants and repo groups that are not empty are refused.`,
	}

	verbs := []struct {
		use string
		del func(*rbac.Service) func(context.Context, rbac.ObjectRef) error
	}{
		{"user", func(svc *rbac.Service) func(context.Context, rbac.ObjectRef) error { return svc.DeleteUser }},
		{"repo", func(svc *rbac.Service) func(context.Context, rbac.ObjectRef) error { return svc.DeleteRepository }},
		{"repo-group", func(svc *rbac.Service) func(context.Context, rbac.ObjectRef) error { return svc.DeleteRepoGroup }},
		{"user-group", func(svc *rbac.Service) func(context.Context, rbac.ObjectRef) error { return svc.DeleteUserGroup }},
	}
	for _, v := range verbs {
		v := v
		cmd.AddCommand(&cobra.Command{
			Use:   v.use + " <name>",
			Short: "Delete a " + v.use,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withService(cmd.Context(), func(svc *rbac.Service) error {
					if err := v.del(svc)(cmd.Context(), rbac.ParseRef(args[0])); err != nil {
						return err
					}
					a.printf("deleted %s %s\n", v.use, args[0])
					return nil
				})
			},
		})
	}
	return cmd
}

func (a *app) newAuditCmd() *cobra.Command {
	var kind, object string
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Long: `Show recent audit events, newest first, from the database sink when it is
enabled and from the audit directory otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var k rbac.ObjectKind
			if kind != "" {
				var err error
				if k, err = parseKind(kind); err != nil {
					return err
				}
			}
			return a.withService(cmd.Context(), func(svc *rbac.Service) error {
				events, err := svc.AuditEvents(cmd.Context(), k, object, limit)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					if events == nil {
						events = []*audit.Event{}
					}
					return a.printJSON(events)
				}
				t := newTable(a.out, "TIME", "EVENT", "STATUS", "ACTOR", "OBJECT", "SUBJECT", "PERMISSION")
				for _, e := range events {
					t.row(
						e.Timestamp.Format(time.RFC3339),
						string(e.EventType),
						string(e.Status),
						orDash(e.ActorName),
						orDash(strings.TrimSpace(e.ObjectKind+" "+e.ObjectName)),
						orDash(e.SubjectName),
						orDash(e.Permission),
					)
				}
				t.flush()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "object kind: repo, repo-group or user-group")
	cmd.Flags().StringVar(&object, "object", "", "object name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}
