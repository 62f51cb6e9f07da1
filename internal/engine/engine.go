package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trackline/internal/config"
	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Rules  *RuleCache
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Rules:  NewRuleCache(r),
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// TransitionError reports a status change not permitted by the workflow.
type TransitionError struct {
	FromID int64
	ToID   int64
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("status transition %d -> %d not allowed by workflow", e.FromID, e.ToID)
}

// FieldRuleError reports a write rejected by a field rule.
type FieldRuleError struct {
	Field  string
	Effect domain.FieldEffect
}

func (e FieldRuleError) Error() string {
	switch e.Effect {
	case domain.FieldRequired:
		return fmt.Sprintf("field %s is required", e.Field)
	default:
		return fmt.Sprintf("field %s is %s", e.Field, e.Effect)
	}
}

// ResolveTransitions returns the statuses reachable from (tracker, status)
// for a caller holding the given roles, sorted ascending by status id and
// decorated with status names. An empty role set matches only wildcard-role
// rules.
func (e Engine) ResolveTransitions(ctx context.Context, trackerID, statusID int64, roleIDs []int64) ([]domain.TransitionTarget, error) {
	if _, err := e.Repo.GetTracker(ctx, trackerID); err != nil {
		return nil, fmt.Errorf("tracker %d: %w", trackerID, err)
	}
	if _, err := e.Repo.GetStatus(ctx, statusID); err != nil {
		return nil, fmt.Errorf("status %d: %w", statusID, err)
	}
	rules, err := e.Rules.Rules(ctx)
	if err != nil {
		return nil, err
	}
	targets := resolveTransitions(rules.Transitions, trackerID, statusID, roleIDs)
	return e.decorateTargets(ctx, targets)
}

func (e Engine) decorateTargets(ctx context.Context, targets []domain.TransitionTarget) ([]domain.TransitionTarget, error) {
	names, err := e.Repo.StatusNames(ctx)
	if err != nil {
		return nil, err
	}
	for i := range targets {
		if s, ok := names[targets[i].StatusID]; ok {
			targets[i].StatusName = s.Name
			targets[i].IsClosed = s.IsClosed
		}
	}
	return targets, nil
}

// ResolveIssueTransitions resolves the transitions a specific user may apply
// to a specific issue, with assignee/author restrictions already enforced.
// Administrators may reach any status.
func (e Engine) ResolveIssueTransitions(ctx context.Context, issueID, userID int64) ([]domain.TransitionTarget, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	if user.Admin {
		statuses, err := e.Repo.ListStatuses(ctx)
		if err != nil {
			return nil, err
		}
		targets := make([]domain.TransitionTarget, 0, len(statuses))
		for _, s := range statuses {
			if s.ID == issue.StatusID {
				continue
			}
			targets = append(targets, domain.TransitionTarget{StatusID: s.ID, StatusName: s.Name, IsClosed: s.IsClosed})
		}
		return targets, nil
	}
	effective, err := e.Auth.EffectiveRoles(ctx, userID, issue.ProjectID)
	if err != nil {
		return nil, err
	}
	targets, err := e.ResolveTransitions(ctx, issue.TrackerID, issue.StatusID, auth.RoleIDs(effective))
	if err != nil {
		return nil, err
	}
	isAssignee := issue.AssigneeID != nil && *issue.AssigneeID == userID
	isAuthor := issue.AuthorID == userID
	allowed := targets[:0]
	for _, t := range targets {
		if allowedTarget(t, isAssignee, isAuthor) {
			allowed = append(allowed, t)
		}
	}
	return allowed, nil
}

// ResolveFieldEffect resolves the effective visibility of one issue field.
func (e Engine) ResolveFieldEffect(ctx context.Context, trackerID, statusID int64, roleIDs []int64, field string) (domain.FieldEffect, error) {
	if _, err := e.Repo.GetTracker(ctx, trackerID); err != nil {
		return domain.FieldVisible, fmt.Errorf("tracker %d: %w", trackerID, err)
	}
	if _, err := e.Repo.GetStatus(ctx, statusID); err != nil {
		return domain.FieldVisible, fmt.Errorf("status %d: %w", statusID, err)
	}
	rules, err := e.Rules.Rules(ctx)
	if err != nil {
		return domain.FieldVisible, err
	}
	return resolveFieldEffect(rules.Fields, trackerID, statusID, roleIDs, field), nil
}

// ResolveFieldEffects resolves every overridden field at once.
func (e Engine) ResolveFieldEffects(ctx context.Context, trackerID, statusID int64, roleIDs []int64) (map[string]domain.FieldEffect, error) {
	rules, err := e.Rules.Rules(ctx)
	if err != nil {
		return nil, err
	}
	return resolveFieldEffects(rules.Fields, trackerID, statusID, roleIDs), nil
}

// EffectiveRoles exposes the membership resolver.
func (e Engine) EffectiveRoles(ctx context.Context, userID, projectID int64) ([]domain.EffectiveRole, error) {
	return e.Auth.EffectiveRoles(ctx, userID, projectID)
}

// HasPermission exposes the permission evaluator.
func (e Engine) HasPermission(ctx context.Context, userID, projectID int64, perm string) (bool, error) {
	return e.Auth.HasPermission(ctx, userID, projectID, perm)
}

// WhoAmI summarizes the caller's standing within a project.
type WhoAmI struct {
	UserID      int64                  `json:"user_id"`
	Admin       bool                   `json:"admin"`
	Roles       []domain.EffectiveRole `json:"roles"`
	Permissions []string               `json:"permissions"`
}

func (e Engine) WhoAmI(ctx context.Context, projectID, userID int64) (WhoAmI, error) {
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return WhoAmI{}, fmt.Errorf("user %d: %w", userID, err)
	}
	who := WhoAmI{UserID: userID, Admin: user.Admin}
	who.Roles, err = e.Auth.EffectiveRoles(ctx, userID, projectID)
	if err != nil {
		return WhoAmI{}, err
	}
	if user.Admin {
		who.Permissions = e.Config.PermissionKeys()
		return who, nil
	}
	seen := map[string]bool{}
	for _, er := range who.Roles {
		role, err := e.Repo.GetRole(ctx, er.RoleID)
		if err != nil {
			return WhoAmI{}, err
		}
		for _, p := range role.Permissions {
			if !seen[p] {
				seen[p] = true
				who.Permissions = append(who.Permissions, p)
			}
		}
	}
	return who, nil
}

// --- projects ---

type ProjectCreateOptions struct {
	Identifier     string
	Name           string
	Description    string
	ParentID       *int64
	InheritMembers bool
	UserID         int64
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Identifier == "" {
		return domain.Project{}, errors.New("identifier is required")
	}
	if opts.Name == "" {
		opts.Name = opts.Identifier
	}
	if opts.ParentID != nil {
		if _, err := e.Repo.GetProject(ctx, *opts.ParentID); err != nil {
			return domain.Project{}, fmt.Errorf("parent project %d: %w", *opts.ParentID, err)
		}
	}
	p := domain.Project{
		Identifier:     opts.Identifier,
		Name:           opts.Name,
		Description:    opts.Description,
		ParentID:       opts.ParentID,
		InheritMembers: opts.InheritMembers,
		Status:         "active",
		CreatedAt:      e.now().UTC().Format(time.RFC3339),
	}
	p, err := e.Repo.InsertProject(ctx, p)
	if err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if p.InheritMembers {
		if err := e.RebuildInheritedMemberships(ctx, p.ID); err != nil {
			return p, err
		}
	}
	if err := e.Events.Append(ctx, "project.created", p.ID, "project", p.Identifier, opts.UserID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, nil
}

// SetProjectParent re-parents a project and recomputes inherited memberships
// for its whole subtree.
func (e Engine) SetProjectParent(ctx context.Context, projectID int64, parentID *int64, userID int64) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if parentID != nil {
		if *parentID == projectID {
			return errors.New("project cannot be its own parent")
		}
		chain, err := e.Repo.ProjectAncestors(ctx, *parentID)
		if err != nil {
			return err
		}
		for _, a := range chain {
			if a.ID == projectID {
				return errors.New("project tree cycle detected")
			}
		}
	}
	if err := e.Repo.UpdateProject(ctx, projectID, repo.ProjectUpdate{ParentID: &parentID}); err != nil {
		return err
	}
	if err := e.RebuildInheritedMemberships(ctx, projectID); err != nil {
		return err
	}
	return e.Events.Append(ctx, "project.updated", projectID, "project", p.Identifier, userID, events.EventPayload{"parent_id": parentID})
}

// SetInheritMembers flips the inheritance policy flag and recomputes the
// materialized inherited rows below the project.
func (e Engine) SetInheritMembers(ctx context.Context, projectID int64, inherit bool, userID int64) error {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateProject(ctx, projectID, repo.ProjectUpdate{InheritMembers: &inherit}); err != nil {
		return err
	}
	if err := e.RebuildInheritedMemberships(ctx, projectID); err != nil {
		return err
	}
	return e.Events.Append(ctx, "project.updated", projectID, "project", p.Identifier, userID, events.EventPayload{"inherit_members": inherit})
}

// RebuildInheritedMemberships rematerializes inherited member_roles rows for
// a project and all of its descendants. Directly-granted rows are never
// touched; inherited rows are derived data and fully recomputed.
func (e Engine) RebuildInheritedMemberships(ctx context.Context, projectID int64) error {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteInheritedMemberRoles(ctx, projectID); err != nil {
		return err
	}
	cur := project
	for cur.InheritMembers && cur.ParentID != nil {
		parent, err := e.Repo.GetProject(ctx, *cur.ParentID)
		if err != nil {
			return err
		}
		users, err := e.Repo.DirectMembers(ctx, parent.ID)
		if err != nil {
			return err
		}
		for _, uid := range users {
			roleIDs, err := e.Repo.DirectRoleIDs(ctx, uid, parent.ID)
			if err != nil {
				return err
			}
			if len(roleIDs) == 0 {
				continue
			}
			membershipID, err := e.Repo.EnsureMembership(ctx, uid, projectID)
			if err != nil {
				return err
			}
			from := parent.ID
			for _, roleID := range roleIDs {
				if err := e.Repo.InsertMemberRole(ctx, membershipID, roleID, &from); err != nil {
					return err
				}
			}
		}
		cur = parent
	}
	if err := e.Repo.PruneEmptyMemberships(ctx, projectID); err != nil {
		return err
	}
	children, err := e.Repo.ListChildProjects(ctx, projectID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := e.RebuildInheritedMemberships(ctx, child.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- membership administration ---

func (e Engine) GrantRole(ctx context.Context, userID, projectID, roleID, actorID int64) error {
	if _, err := e.Repo.GetUser(ctx, userID); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return fmt.Errorf("project %d: %w", projectID, err)
	}
	role, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return fmt.Errorf("role %d: %w", roleID, err)
	}
	if !role.Assignable {
		return fmt.Errorf("role %s is not assignable", role.Name)
	}
	membershipID, err := e.Repo.EnsureMembership(ctx, userID, projectID)
	if err != nil {
		return err
	}
	if err := e.Repo.InsertMemberRole(ctx, membershipID, roleID, nil); err != nil {
		return err
	}
	if err := e.RebuildInheritedMemberships(ctx, projectID); err != nil {
		return err
	}
	return e.Events.Append(ctx, "member.granted", projectID, "membership", fmt.Sprintf("%d", userID), actorID, events.EventPayload{"role_id": roleID})
}

func (e Engine) RevokeRole(ctx context.Context, userID, projectID, roleID, actorID int64) error {
	if err := e.Repo.DeleteDirectMemberRole(ctx, userID, projectID, roleID); err != nil {
		return err
	}
	if err := e.Repo.PruneEmptyMemberships(ctx, projectID); err != nil {
		return err
	}
	if err := e.RebuildInheritedMemberships(ctx, projectID); err != nil {
		return err
	}
	return e.Events.Append(ctx, "member.revoked", projectID, "membership", fmt.Sprintf("%d", userID), actorID, events.EventPayload{"role_id": roleID})
}

// --- workflow rule administration ---

// AddTransitionRule validates and persists a transition rule, then drops the
// rule cache.
func (e Engine) AddTransitionRule(ctx context.Context, rule domain.TransitionRule, actorID int64) (domain.TransitionRule, error) {
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	if err := e.checkRuleRefs(ctx, rule.Tracker, rule.OldStatus, rule.Role); err != nil {
		return rule, err
	}
	if _, err := e.Repo.GetStatus(ctx, rule.NewStatusID); err != nil {
		return rule, fmt.Errorf("new status %d: %w", rule.NewStatusID, err)
	}
	rule, err := e.Repo.InsertTransitionRule(ctx, rule)
	if err != nil {
		return rule, err
	}
	e.Rules.Invalidate()
	err = e.Events.Append(ctx, "rule.created", 0, "rule", fmt.Sprintf("%d", rule.ID), actorID, events.EventPayload{
		"type":          domain.RuleTypeTransition,
		"new_status_id": rule.NewStatusID,
	})
	return rule, err
}

// AddFieldRule validates and persists a field rule, then drops the rule cache.
func (e Engine) AddFieldRule(ctx context.Context, rule domain.FieldRule, actorID int64) (domain.FieldRule, error) {
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	if err := e.checkRuleRefs(ctx, rule.Tracker, rule.Status, rule.Role); err != nil {
		return rule, err
	}
	rule, err := e.Repo.InsertFieldRule(ctx, rule)
	if err != nil {
		return rule, err
	}
	e.Rules.Invalidate()
	err = e.Events.Append(ctx, "rule.created", 0, "rule", fmt.Sprintf("%d", rule.ID), actorID, events.EventPayload{
		"type":   domain.RuleTypeField,
		"field":  rule.Field,
		"effect": rule.Effect.String(),
	})
	return rule, err
}

func (e Engine) DeleteRule(ctx context.Context, id int64, actorID int64) error {
	if err := e.Repo.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.Rules.Invalidate()
	return e.Events.Append(ctx, "rule.deleted", 0, "rule", fmt.Sprintf("%d", id), actorID, nil)
}

// checkRuleRefs verifies that concrete rule dimensions point at existing rows.
func (e Engine) checkRuleRefs(ctx context.Context, tracker, status, role domain.RuleScope) error {
	if !tracker.Any {
		if _, err := e.Repo.GetTracker(ctx, tracker.ID); err != nil {
			return fmt.Errorf("tracker %d: %w", tracker.ID, err)
		}
	}
	if !status.Any {
		if _, err := e.Repo.GetStatus(ctx, status.ID); err != nil {
			return fmt.Errorf("status %d: %w", status.ID, err)
		}
	}
	if !role.Any {
		if _, err := e.Repo.GetRole(ctx, role.ID); err != nil {
			return fmt.Errorf("role %d: %w", role.ID, err)
		}
	}
	return nil
}

// --- role administration ---

func (e Engine) CreateRole(ctx context.Context, role domain.Role, actorID int64) (domain.Role, error) {
	if role.Name == "" {
		return role, errors.New("role name is required")
	}
	if err := e.Config.CheckPermissions(role.Permissions); err != nil {
		return role, err
	}
	role, err := e.Repo.InsertRole(ctx, role)
	if err != nil {
		return role, err
	}
	err = e.Events.Append(ctx, "role.created", 0, "role", role.Name, actorID, events.EventPayload{"role_id": role.ID})
	return role, err
}

func (e Engine) UpdateRole(ctx context.Context, role domain.Role, actorID int64) error {
	if err := e.Config.CheckPermissions(role.Permissions); err != nil {
		return err
	}
	if err := e.Repo.UpdateRole(ctx, role); err != nil {
		return err
	}
	return e.Events.Append(ctx, "role.updated", 0, "role", role.Name, actorID, nil)
}

func (e Engine) DeleteRole(ctx context.Context, id int64, actorID int64) error {
	if err := e.Repo.DeleteRole(ctx, id); err != nil {
		return err
	}
	return e.Events.Append(ctx, "role.deleted", 0, "role", fmt.Sprintf("%d", id), actorID, nil)
}
