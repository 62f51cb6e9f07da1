package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

// Context bundles the open database, config and engine for one workspace.
type Context struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Engine engine.Engine
}

// Bootstrap opens the workspace database, applies migrations, loads the
// config (falling back to built-in defaults when trackline.yml is absent) and
// seeds the reference tables on first run.
func Bootstrap(ctx context.Context, workspace string) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	app := &Context{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}
	if err := Seed(ctx, app.Repo, cfg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	return app, nil
}

func (a *Context) Close() error { return a.DB.Close() }

// Seed materializes config defaults into the database. Idempotent: existing
// rows are matched by name and left alone, and the default workflow is only
// written into an empty rule table.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	statusIDs := map[string]int64{}
	for i, s := range cfg.Statuses {
		existing, err := r.GetStatusByName(ctx, s.Name)
		if err == nil {
			statusIDs[s.Name] = existing.ID
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		created, err := r.InsertStatus(ctx, domain.IssueStatus{
			Name:             s.Name,
			IsClosed:         s.IsClosed,
			DefaultDoneRatio: s.DoneRatio,
			Position:         i + 1,
		})
		if err != nil {
			return fmt.Errorf("seed status %s: %w", s.Name, err)
		}
		statusIDs[s.Name] = created.ID
	}

	trackerIDs := map[string]int64{}
	for i, t := range cfg.Trackers {
		existing, err := r.GetTrackerByName(ctx, t.Name)
		if err == nil {
			trackerIDs[t.Name] = existing.ID
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		created, err := r.InsertTracker(ctx, domain.Tracker{
			Name:            t.Name,
			DefaultStatusID: statusIDs[t.DefaultStatus],
			Position:        i + 1,
		})
		if err != nil {
			return fmt.Errorf("seed tracker %s: %w", t.Name, err)
		}
		trackerIDs[t.Name] = created.ID
	}

	roleNames := make([]string, 0, len(cfg.Roles))
	for name := range cfg.Roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)
	roleIDs := map[string]int64{}
	for pos, name := range roleNames {
		def := cfg.Roles[name]
		existing, err := r.GetRoleByName(ctx, name)
		if err == nil {
			roleIDs[name] = existing.ID
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		assignable := true
		if def.Assignable != nil {
			assignable = *def.Assignable
		}
		visibility := def.IssuesVisibility
		if visibility == "" {
			visibility = domain.VisibilityDefault
		}
		created, err := r.InsertRole(ctx, domain.Role{
			Name:             name,
			Builtin:          def.Builtin,
			Assignable:       assignable,
			Position:         pos + 1,
			Permissions:      def.Permissions,
			IssuesVisibility: visibility,
		})
		if err != nil {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
		roleIDs[name] = created.ID
	}

	rules, err := r.LoadRules(ctx)
	if err != nil {
		return err
	}
	if len(rules.Transitions) == 0 && len(rules.Fields) == 0 {
		for i, w := range cfg.Workflow {
			rule := domain.TransitionRule{
				Tracker:         scopeFor(trackerIDs, w.Tracker),
				OldStatus:       scopeFor(statusIDs, w.OldStatus),
				Role:            scopeFor(roleIDs, w.Role),
				NewStatusID:     statusIDs[w.NewStatus],
				RequireAssignee: w.RequireAssignee,
				RequireAuthor:   w.RequireAuthor,
			}
			if _, err := r.InsertTransitionRule(ctx, rule); err != nil {
				return fmt.Errorf("seed workflow[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func scopeFor(ids map[string]int64, name string) domain.RuleScope {
	if name == "" {
		return domain.AnyScope()
	}
	return domain.ScopeOf(ids[name])
}

// EnsureUser looks up a user by login, creating an active account on first
// reference. Used by the CLI so local actors do not need a signup step.
func EnsureUser(ctx context.Context, r repo.Repo, login string, admin bool) (domain.User, error) {
	u, err := r.GetUserByLogin(ctx, login)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	return r.InsertUser(ctx, domain.User{
		Login:     login,
		Name:      login,
		Admin:     admin,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}
