package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/repo"
	"trackline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Trackline CLI",
	Long: `Trackline is an issue tracker with a workflow and authorization engine.
Core concepts:
- Workspace: your .trackline directory holding the database; trackline.yml
  (optional) defines the permission catalog and seed defaults.
- Projects form a tree; memberships can flow down it when a child project
  opts in with inherit-members.
- Roles bundle permissions; users get roles per project.
- Workflow rules say which status transitions each role may perform and how
  issue fields behave (readonly, required, hidden) per tracker and status.
- Issues move through statuses only along permitted transitions; concurrent
  edits are caught by the lock version.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRACKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "admin", "acting user login")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- workspace ---

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a starter trackline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			} else if !os.IsNotExist(err) {
				return err
			}
			if err := os.WriteFile(path, config.DefaultYAML(), 0o644); err != nil {
				return err
			}
			a, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Println("initialized workspace, wrote", path)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate trackline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			c, err := config.Load(workspace)
			if err != nil {
				return err
			}
			fmt.Printf("%s ok: %d permissions, %d statuses, %d trackers, %d roles, %d workflow entries\n",
				config.Path(workspace), len(c.Permissions), len(c.Statuses), len(c.Trackers), len(c.Roles), len(c.Workflow))
			return nil
		},
	})
	return cfg
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectTreeCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var identifier, name, desc string
	var parentID int64
	var inherit bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts := engine.ProjectCreateOptions{
					Identifier:     identifier,
					Name:           name,
					Description:    desc,
					InheritMembers: inherit,
					UserID:         actor.ID,
				}
				if cmd.Flags().Changed("parent") {
					opts.ParentID = &parentID
				}
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "project identifier")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent project id")
	cmd.Flags().BoolVar(&inherit, "inherit-members", false, "inherit members from ancestors")
	_ = cmd.MarkFlagRequired("identifier")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Identifier", "Name", "Parent", "Inherit", "Status"})
				for _, p := range items {
					parent := ""
					if p.ParentID != nil {
						parent = fmt.Sprintf("%d", *p.ParentID)
					}
					tw.AppendRow(table.Row{p.ID, p.Identifier, p.Name, parent, p.InheritMembers, p.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var id, parentID int64
	var name, desc, status string
	var inherit, clearParent bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				var u repo.ProjectUpdate
				if cmd.Flags().Changed("name") {
					u.Name = &name
				}
				if cmd.Flags().Changed("description") {
					u.Description = &desc
				}
				if cmd.Flags().Changed("status") {
					u.Status = &status
				}
				if err := e.Repo.UpdateProject(ctx, id, u); err != nil {
					return err
				}
				if clearParent {
					if err := e.SetProjectParent(ctx, id, nil, actor.ID); err != nil {
						return err
					}
				} else if cmd.Flags().Changed("parent") {
					if err := e.SetProjectParent(ctx, id, &parentID, actor.ID); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("inherit-members") {
					if err := e.SetInheritMembers(ctx, id, inherit, actor.ID); err != nil {
						return err
					}
				}
				p, err := e.Repo.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "project id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&status, "status", "", "status (active, closed, archived)")
	cmd.Flags().Int64Var(&parentID, "parent", 0, "parent project id")
	cmd.Flags().BoolVar(&clearParent, "clear-parent", false, "detach from parent")
	cmd.Flags().BoolVar(&inherit, "inherit-members", false, "inherit members from ancestors")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show the project hierarchy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				children := map[int64][]domain.Project{}
				var roots []domain.Project
				for _, p := range items {
					if p.ParentID == nil {
						roots = append(roots, p)
					} else {
						children[*p.ParentID] = append(children[*p.ParentID], p)
					}
				}
				for _, root := range roots {
					fmt.Printf("%s [%d]\n", root.Name, root.ID)
					for i, c := range children[root.ID] {
						printProjectTree(c, children, "", i == len(children[root.ID])-1)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func printProjectTree(p domain.Project, children map[int64][]domain.Project, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	marker := ""
	if p.InheritMembers {
		marker = " (inherits members)"
	}
	fmt.Printf("%s%s%s [%d]%s\n", prefix, connector, p.Name, p.ID, marker)
	for i, c := range children[p.ID] {
		printProjectTree(c, children, newPrefix, i == len(children[p.ID])-1)
	}
}

func projectDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, id)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "project id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- lookups ---

func trackerCmd() *cobra.Command {
	tr := &cobra.Command{Use: "tracker", Short: "Manage trackers"}
	tr.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List trackers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTrackers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return tr
}

func statusCmd() *cobra.Command {
	st := &cobra.Command{Use: "status", Short: "Manage issue statuses"}
	st.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List issue statuses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStatuses(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	})
	return st
}

// --- roles ---

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage roles"}
	role.AddCommand(roleCreateCmd())
	role.AddCommand(roleListCmd())
	role.AddCommand(roleGrantPermCmd())
	role.AddCommand(roleDeleteCmd())
	return role
}

func roleCreateCmd() *cobra.Command {
	var name, visibility string
	var perms []string
	var notAssignable bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				role, err := e.CreateRole(ctx, domain.Role{
					Name:             name,
					Assignable:       !notAssignable,
					Permissions:      perms,
					IssuesVisibility: visibility,
				}, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "role name")
	cmd.Flags().StringArrayVar(&perms, "perm", []string{}, "permission key (repeatable)")
	cmd.Flags().StringVar(&visibility, "issues-visibility", "default", "issues visibility (all, default, own)")
	cmd.Flags().BoolVar(&notAssignable, "not-assignable", false, "forbid granting this role to members")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func roleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				roles, err := r.ListRoles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Builtin", "Assignable", "Visibility", "Permissions"})
				for _, role := range roles {
					tw.AppendRow(table.Row{role.ID, role.Name, role.Builtin, role.Assignable, role.IssuesVisibility, strings.Join(role.Permissions, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func roleGrantPermCmd() *cobra.Command {
	var roleID int64
	var perm string
	cmd := &cobra.Command{
		Use:   "grant-perm",
		Short: "Add a permission to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				role, err := e.Repo.GetRole(ctx, roleID)
				if err != nil {
					return err
				}
				if role.HasPermission(perm) {
					return printJSONOrTable(role)
				}
				role.Permissions = append(role.Permissions, perm)
				if err := e.UpdateRole(ctx, role, actor.ID); err != nil {
					return err
				}
				role, err = e.Repo.GetRole(ctx, roleID)
				if err != nil {
					return err
				}
				return printJSONOrTable(role)
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().StringVar(&perm, "perm", "", "permission key")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("perm")
	return cmd
}

func roleDeleteCmd() *cobra.Command {
	var roleID int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				return e.DeleteRole(ctx, roleID, actor.ID)
			})
		},
	}
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

// --- workflow rules ---

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage workflow rules"}
	rule.AddCommand(ruleAddTransitionCmd())
	rule.AddCommand(ruleAddFieldCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleDeleteCmd())
	return rule
}

// scopeFlag converts a flag value to a rule scope; unset means wildcard.
func scopeFlag(cmd *cobra.Command, name string, value int64) domain.RuleScope {
	if cmd.Flags().Changed(name) {
		return domain.ScopeOf(value)
	}
	return domain.AnyScope()
}

func ruleAddTransitionCmd() *cobra.Command {
	var trackerID, oldStatusID, roleID, newStatusID int64
	var requireAssignee, requireAuthor bool
	cmd := &cobra.Command{
		Use:   "add-transition",
		Short: "Add a transition rule (omit --tracker/--old-status/--role for wildcards)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				rule, err := e.AddTransitionRule(ctx, domain.TransitionRule{
					Tracker:         scopeFlag(cmd, "tracker", trackerID),
					OldStatus:       scopeFlag(cmd, "old-status", oldStatusID),
					Role:            scopeFlag(cmd, "role", roleID),
					NewStatusID:     newStatusID,
					RequireAssignee: requireAssignee,
					RequireAuthor:   requireAuthor,
				}, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().Int64Var(&trackerID, "tracker", 0, "tracker id")
	cmd.Flags().Int64Var(&oldStatusID, "old-status", 0, "source status id")
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().Int64Var(&newStatusID, "new-status", 0, "target status id")
	cmd.Flags().BoolVar(&requireAssignee, "require-assignee", false, "only the assignee may use this transition")
	cmd.Flags().BoolVar(&requireAuthor, "require-author", false, "only the author may use this transition")
	_ = cmd.MarkFlagRequired("new-status")
	return cmd
}

func ruleAddFieldCmd() *cobra.Command {
	var trackerID, statusID, roleID int64
	var field, effect string
	cmd := &cobra.Command{
		Use:   "add-field",
		Short: "Add a field rule (omit --tracker/--status/--role for wildcards)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				eff, err := domain.ParseFieldEffect(effect)
				if err != nil {
					return err
				}
				rule, err := e.AddFieldRule(ctx, domain.FieldRule{
					Tracker: scopeFlag(cmd, "tracker", trackerID),
					Status:  scopeFlag(cmd, "status", statusID),
					Role:    scopeFlag(cmd, "role", roleID),
					Field:   field,
					Effect:  eff,
				}, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().Int64Var(&trackerID, "tracker", 0, "tracker id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "status id")
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	cmd.Flags().StringVar(&field, "field", "", "issue field name")
	cmd.Flags().StringVar(&effect, "effect", "", "effect (readonly, required, hidden)")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("effect")
	return cmd
}

func scopeCell(s domain.RuleScope) string {
	if s.Any {
		return "*"
	}
	return fmt.Sprintf("%d", s.ID)
}

func ruleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rules, err := r.LoadRules(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Tracker", "Status", "Role", "Target/Field", "Restrictions"})
				for _, t := range rules.Transitions {
					restr := ""
					if t.RequireAssignee {
						restr = "assignee"
					}
					if t.RequireAuthor {
						if restr != "" {
							restr += "+author"
						} else {
							restr = "author"
						}
					}
					tw.AppendRow(table.Row{t.ID, "transition", scopeCell(t.Tracker), scopeCell(t.OldStatus), scopeCell(t.Role), fmt.Sprintf("-> %d", t.NewStatusID), restr})
				}
				for _, f := range rules.Fields {
					tw.AppendRow(table.Row{f.ID, "field", scopeCell(f.Tracker), scopeCell(f.Status), scopeCell(f.Role), f.Field, f.Effect.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a workflow rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				return e.DeleteRule(ctx, id, actor.ID)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "rule id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- members ---

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage project members"}
	member.AddCommand(memberAddCmd())
	member.AddCommand(memberRemoveCmd())
	member.AddCommand(memberListCmd())
	member.AddCommand(memberEffectiveCmd())
	return member
}

func memberAddCmd() *cobra.Command {
	var projectID, userID, roleID int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Grant a role to a user in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				return e.GrantRole(ctx, userID, projectID, roleID, actor.ID)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&userID, "member", 0, "user id")
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var projectID, userID, roleID int64
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Revoke a directly granted role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				return e.RevokeRole(ctx, userID, projectID, roleID, actor.ID)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&userID, "member", 0, "user id")
	cmd.Flags().Int64Var(&roleID, "role", 0, "role id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("member")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberListCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project members with roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				members, err := r.ListProjectMembers(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Login", "Role IDs", "Inherited From"})
				for _, m := range members {
					var roles, inherited []string
					for _, mr := range m.Roles {
						roles = append(roles, fmt.Sprintf("%d", mr.RoleID))
						if mr.InheritedFrom != nil {
							inherited = append(inherited, fmt.Sprintf("%d<-%d", mr.RoleID, *mr.InheritedFrom))
						}
					}
					tw.AppendRow(table.Row{m.User.ID, m.User.Login, strings.Join(roles, ", "), strings.Join(inherited, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func memberEffectiveCmd() *cobra.Command {
	var projectID, userID int64
	cmd := &cobra.Command{
		Use:   "effective",
		Short: "Resolve a user's effective roles, inheritance included",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				roles, err := e.EffectiveRoles(ctx, userID, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(roles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Role", "Name", "Inherited", "From"})
				for _, er := range roles {
					from := ""
					if er.InheritedFrom != nil {
						from = fmt.Sprintf("%d", *er.InheritedFrom)
					}
					tw.AppendRow(table.Row{er.RoleID, er.RoleName, er.Inherited, from})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&userID, "member", 0, "user id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("member")
	return cmd
}

// --- issues ---

func issueCmd() *cobra.Command {
	issue := &cobra.Command{Use: "issue", Short: "Manage issues"}
	issue.AddCommand(issueCreateCmd())
	issue.AddCommand(issueListCmd())
	issue.AddCommand(issueShowCmd())
	issue.AddCommand(issueUpdateCmd())
	issue.AddCommand(issueMoveCmd())
	issue.AddCommand(issueTransitionsCmd())
	return issue
}

func issueCreateCmd() *cobra.Command {
	var projectID, trackerID, statusID, assigneeID int64
	var subject, desc string
	var doneRatio int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts := engine.IssueCreateOptions{
					ProjectID:   projectID,
					TrackerID:   trackerID,
					StatusID:    statusID,
					Subject:     subject,
					Description: desc,
					DoneRatio:   doneRatio,
					UserID:      actor.ID,
				}
				if cmd.Flags().Changed("assignee") {
					opts.AssigneeID = &assigneeID
				}
				issue, err := e.CreateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&trackerID, "tracker", 0, "tracker id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "status id (defaults to the tracker's default)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64Var(&assigneeID, "assignee", 0, "assignee user id")
	cmd.Flags().IntVar(&doneRatio, "done-ratio", 0, "done ratio (0-100)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("tracker")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func issueListCmd() *cobra.Command {
	var f repo.IssueFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				issues, err := r.ListIssues(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(issues)
				}
				statuses, err := r.StatusNames(ctx)
				if err != nil {
					return err
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Status", "Assignee", "Done", "Lock"})
				for _, i := range issues {
					statusName := fmt.Sprintf("%d", i.StatusID)
					if s, ok := statuses[i.StatusID]; ok {
						statusName = s.Name
					}
					assignee := ""
					if i.AssigneeID != nil {
						assignee = fmt.Sprintf("%d", *i.AssigneeID)
					}
					tw.AppendRow(table.Row{i.ID, i.Subject, statusName, assignee, fmt.Sprintf("%d%%", i.DoneRatio), i.LockVersion})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&f.TrackerID, "tracker", 0, "tracker id filter")
	cmd.Flags().Int64Var(&f.StatusID, "status", 0, "status id filter")
	cmd.Flags().Int64Var(&f.AssigneeID, "assignee", 0, "assignee filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func issueShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an issue (visibility enforced for the acting user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				issue, err := e.GetIssueForUser(ctx, id, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func issueUpdateCmd() *cobra.Command {
	var id, statusID, assigneeID, lockVersion int64
	var subject, desc string
	var doneRatio int
	var unassign bool
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts := engine.IssueUpdateOptions{
					ID:       id,
					StatusID: statusID,
					Unassign: unassign,
					UserID:   actor.ID,
				}
				if cmd.Flags().Changed("subject") {
					opts.Subject = &subject
				}
				if cmd.Flags().Changed("description") {
					opts.Description = &desc
				}
				if cmd.Flags().Changed("assignee") {
					opts.Assign = &assigneeID
				}
				if cmd.Flags().Changed("done-ratio") {
					opts.DoneRatio = &doneRatio
				}
				if cmd.Flags().Changed("lock-version") {
					opts.ExpectedLockVersion = &lockVersion
				}
				issue, err := e.UpdateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "target status id")
	cmd.Flags().StringVar(&subject, "subject", "", "subject")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().Int64Var(&assigneeID, "assignee", 0, "assignee user id")
	cmd.Flags().BoolVar(&unassign, "unassign", false, "clear the assignee")
	cmd.Flags().IntVar(&doneRatio, "done-ratio", 0, "done ratio (0-100)")
	cmd.Flags().Int64Var(&lockVersion, "lock-version", 0, "expected lock version (optimistic concurrency)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func issueMoveCmd() *cobra.Command {
	var id, statusID, lockVersion int64
	cmd := &cobra.Command{
		Use:   "move",
		Short: "Move an issue to another status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				opts := engine.IssueUpdateOptions{ID: id, StatusID: statusID, UserID: actor.ID}
				if cmd.Flags().Changed("lock-version") {
					opts.ExpectedLockVersion = &lockVersion
				}
				issue, err := e.UpdateIssue(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(issue)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "target status id")
	cmd.Flags().Int64Var(&lockVersion, "lock-version", 0, "expected lock version")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func issueTransitionsCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Show statuses the acting user may move the issue to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				targets, err := e.ResolveIssueTransitions(ctx, id, actor.ID)
				if err != nil {
					return err
				}
				return printTransitionTargets(targets)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "issue id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- workflow resolution ---

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Resolve workflow behavior"}
	wf.AddCommand(workflowTransitionsCmd())
	wf.AddCommand(workflowFieldsCmd())
	return wf
}

func workflowTransitionsCmd() *cobra.Command {
	var trackerID, statusID int64
	var roleIDs []int64
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Resolve reachable statuses for a tracker, status and role set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				targets, err := e.ResolveTransitions(ctx, trackerID, statusID, roleIDs)
				if err != nil {
					return err
				}
				return printTransitionTargets(targets)
			})
		},
	}
	cmd.Flags().Int64Var(&trackerID, "tracker", 0, "tracker id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "current status id")
	cmd.Flags().Int64SliceVar(&roleIDs, "role", []int64{}, "role id (repeatable)")
	_ = cmd.MarkFlagRequired("tracker")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func printTransitionTargets(targets []domain.TransitionTarget) error {
	if viper.GetBool("json") {
		return printJSON(targets)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Status", "Name", "Closes", "Assignee Only", "Author Only"})
	for _, t := range targets {
		tw.AppendRow(table.Row{t.StatusID, t.StatusName, t.IsClosed, t.RequireAssignee, t.RequireAuthor})
	}
	tw.Render()
	return nil
}

func workflowFieldsCmd() *cobra.Command {
	var trackerID, statusID int64
	var roleIDs []int64
	cmd := &cobra.Command{
		Use:   "fields",
		Short: "Resolve field effects for a tracker, status and role set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ domain.User) error {
				effects, err := e.ResolveFieldEffects(ctx, trackerID, statusID, roleIDs)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]string{}
					for field, eff := range effects {
						out[field] = eff.String()
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Field", "Effect"})
				for _, field := range domain.IssueFields {
					tw.AppendRow(table.Row{field, effects[field].String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&trackerID, "tracker", 0, "tracker id")
	cmd.Flags().Int64Var(&statusID, "status", 0, "status id")
	cmd.Flags().Int64SliceVar(&roleIDs, "role", []int64{}, "role id (repeatable)")
	_ = cmd.MarkFlagRequired("tracker")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

// --- permissions ---

func permCmd() *cobra.Command {
	perm := &cobra.Command{Use: "perm", Short: "Evaluate permissions"}
	perm.AddCommand(permCheckCmd())
	perm.AddCommand(permWhoamiCmd())
	return perm
}

func permCheckCmd() *cobra.Command {
	var projectID, userID int64
	var permission string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check a permission for a user in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				target := actor.ID
				if cmd.Flags().Changed("member") {
					target = userID
				}
				ok, err := e.HasPermission(ctx, target, projectID, permission)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"user_id": target, "project_id": projectID, "permission": permission, "allowed": ok})
				}
				if ok {
					fmt.Println("allowed")
				} else {
					fmt.Println("denied")
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&userID, "member", 0, "user id (defaults to the acting user)")
	cmd.Flags().StringVar(&permission, "perm", "", "permission key")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("perm")
	return cmd
}

func permWhoamiCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the acting user's roles and permissions in a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				who, err := e.WhoAmI(ctx, projectID, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

// --- users ---

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	return user
}

func userCreateCmd() *cobra.Command {
	var login, name string
	var admin bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if name == "" {
					name = login
				}
				u, err := r.InsertUser(ctx, domain.User{
					Login:     login,
					Name:      name,
					Admin:     admin,
					Status:    "active",
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&login, "login", "", "login")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().BoolVar(&admin, "admin", false, "administrator flag")
	_ = cmd.MarkFlagRequired("login")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(users)
			})
		},
	}
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user (plaintext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				id, plaintext, err := newAPIKey(ctx, e.Repo, actor.ID, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": id, "key": plaintext})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, actor domain.User) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// newAPIKey mints a key, stores only its hash and returns the plaintext once.
func newAPIKey(ctx context.Context, r repo.Repo, userID int64, name string) (string, string, error) {
	plaintext := uuid.NewString() + uuid.NewString()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return "", "", err
	}
	return key.ID, plaintext, nil
}

// --- events ---

func logCmd() *cobra.Command {
	logc := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	logc.AddCommand(logTailCmd())
	return logc
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID int64
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, projectID, evtType, "")
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("TRACKLINE_JWT_SECRET"),
				EnableDevLogin: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("TRACKLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Trackline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, domain.User) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	login := viper.GetString("user")
	// The default local actor is an administrator so a fresh workspace is
	// usable before any memberships exist.
	actor, err := app.EnsureUser(ctx, a.Repo, login, login == "admin")
	if err != nil {
		return err
	}
	return fn(ctx, a.Engine, actor)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	a, err := app.Bootstrap(ctx, workspace)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Repo)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
