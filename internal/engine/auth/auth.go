package auth

import (
	"context"
	"fmt"

	"trackline/internal/domain"
	"trackline/internal/repo"
)

// ForbiddenError indicates a denied permission check. Distinct from
// repo.ErrNotFound: a missing user or project is never reported as denial.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves project memberships and evaluates permissions.
type Service struct {
	Repo repo.Repo
}

// EffectiveRoles computes the user's role set within a project: directly
// assigned roles plus roles inherited from ancestor projects. Inheritance is
// walked live from direct grants, one policy hop at a time: a project pulls
// its parent's membership only while its own inherit_members flag is set.
func (s Service) EffectiveRoles(ctx context.Context, userID, projectID int64) ([]domain.EffectiveRole, error) {
	if _, err := s.Repo.GetUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("user %d: %w", userID, err)
	}
	project, err := s.Repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %d: %w", projectID, err)
	}

	seen := map[int64]bool{}
	var effective []domain.EffectiveRole

	direct, err := s.Repo.DirectRoleIDs(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	for _, roleID := range direct {
		seen[roleID] = true
		effective = append(effective, domain.EffectiveRole{RoleID: roleID})
	}

	cur := project
	for cur.InheritMembers && cur.ParentID != nil {
		parent, err := s.Repo.GetProject(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		inherited, err := s.Repo.DirectRoleIDs(ctx, userID, parent.ID)
		if err != nil {
			return nil, err
		}
		for _, roleID := range inherited {
			if seen[roleID] {
				continue
			}
			seen[roleID] = true
			from := parent.ID
			effective = append(effective, domain.EffectiveRole{
				RoleID:        roleID,
				Inherited:     true,
				InheritedFrom: &from,
			})
		}
		cur = parent
	}

	for i := range effective {
		role, err := s.Repo.GetRole(ctx, effective[i].RoleID)
		if err != nil {
			return nil, err
		}
		effective[i].RoleName = role.Name
	}
	return effective, nil
}

// RoleIDs extracts the plain role id set from an effective role list.
func RoleIDs(roles []domain.EffectiveRole) []int64 {
	ids := make([]int64, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.RoleID)
	}
	return ids
}

// HasPermission evaluates a named permission for a user within a project.
// Administrators bypass every project and role check. A missing user or
// project surfaces as repo.ErrNotFound, never as a plain deny.
func (s Service) HasPermission(ctx context.Context, userID, projectID int64, perm string) (bool, error) {
	user, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("user %d: %w", userID, err)
	}
	if user.Admin {
		return true, nil
	}
	effective, err := s.EffectiveRoles(ctx, userID, projectID)
	if err != nil {
		return false, err
	}
	for _, er := range effective {
		role, err := s.Repo.GetRole(ctx, er.RoleID)
		if err != nil {
			return false, err
		}
		if role.HasPermission(perm) {
			return true, nil
		}
	}
	return false, nil
}

// RequirePermission is HasPermission with a typed error on deny.
func (s Service) RequirePermission(ctx context.Context, userID, projectID int64, perm string) error {
	ok, err := s.HasPermission(ctx, userID, projectID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// CanViewIssue layers per-issue visibility on top of the view_issues
// permission: a role scoped to "own" only reveals issues the user authored or
// is assigned to.
func (s Service) CanViewIssue(ctx context.Context, userID int64, issue domain.Issue) (bool, error) {
	user, err := s.Repo.GetUser(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("user %d: %w", userID, err)
	}
	if user.Admin {
		return true, nil
	}
	effective, err := s.EffectiveRoles(ctx, userID, issue.ProjectID)
	if err != nil {
		return false, err
	}
	isOwn := issue.AuthorID == userID || (issue.AssigneeID != nil && *issue.AssigneeID == userID)
	for _, er := range effective {
		role, err := s.Repo.GetRole(ctx, er.RoleID)
		if err != nil {
			return false, err
		}
		if !role.HasPermission(PermViewIssues) {
			continue
		}
		switch role.IssuesVisibility {
		case domain.VisibilityAll, domain.VisibilityDefault:
			return true, nil
		case domain.VisibilityOwn:
			if isOwn {
				return true, nil
			}
		}
	}
	return false, nil
}

// Permission keys checked by the engine. The full catalog lives in config;
// these are the ones with hardcoded call sites.
const (
	PermViewIssues    = "view_issues"
	PermAddIssues     = "add_issues"
	PermEditIssues    = "edit_issues"
	PermManageProject = "manage_project"
	PermManageMembers = "manage_members"
	PermManageRules   = "manage_workflow"
)
