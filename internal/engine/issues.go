package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trackline/internal/domain"
	"trackline/internal/engine/auth"
	"trackline/internal/events"
	"trackline/internal/repo"
)

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ProjectID   int64
	TrackerID   int64
	StatusID    int64
	Subject     string
	Description string
	AssigneeID  *int64
	DoneRatio   int
	UserID      int64
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if opts.Subject == "" {
		return domain.Issue{}, errors.New("subject is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Issue{}, fmt.Errorf("project %d: %w", opts.ProjectID, err)
	}
	tracker, err := e.Repo.GetTracker(ctx, opts.TrackerID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("tracker %d: %w", opts.TrackerID, err)
	}
	if err := e.Auth.RequirePermission(ctx, opts.UserID, opts.ProjectID, auth.PermAddIssues); err != nil {
		return domain.Issue{}, err
	}
	statusID := opts.StatusID
	if statusID == 0 {
		statusID = tracker.DefaultStatusID
	}
	status, err := e.Repo.GetStatus(ctx, statusID)
	if err != nil {
		return domain.Issue{}, fmt.Errorf("status %d: %w", statusID, err)
	}

	roleIDs, err := e.callerRoleIDs(ctx, opts.UserID, opts.ProjectID)
	if err != nil {
		return domain.Issue{}, err
	}
	effects, err := e.ResolveFieldEffects(ctx, opts.TrackerID, statusID, roleIDs)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := checkFieldWrite(effects, "description", opts.Description != ""); err != nil {
		return domain.Issue{}, err
	}
	if err := checkFieldWrite(effects, "assigned_to", opts.AssigneeID != nil); err != nil {
		return domain.Issue{}, err
	}
	if err := checkFieldWrite(effects, "done_ratio", opts.DoneRatio != 0); err != nil {
		return domain.Issue{}, err
	}

	if opts.AssigneeID != nil {
		if _, err := e.Repo.GetUser(ctx, *opts.AssigneeID); err != nil {
			return domain.Issue{}, fmt.Errorf("assignee %d: %w", *opts.AssigneeID, err)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	issue := domain.Issue{
		ProjectID:   opts.ProjectID,
		TrackerID:   opts.TrackerID,
		StatusID:    statusID,
		AuthorID:    opts.UserID,
		AssigneeID:  opts.AssigneeID,
		Subject:     opts.Subject,
		Description: opts.Description,
		DoneRatio:   opts.DoneRatio,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if status.IsClosed {
		issue.ClosedAt = &now
	}
	issue, err = e.Repo.InsertIssue(ctx, issue)
	if err != nil {
		return issue, err
	}
	err = e.Events.Append(ctx, "issue.created", issue.ProjectID, "issue", fmt.Sprintf("%d", issue.ID), opts.UserID, events.EventPayload{
		"subject":   issue.Subject,
		"status_id": issue.StatusID,
	})
	return issue, err
}

// IssueUpdateOptions encapsulates allowed updates. Nil pointers leave the
// field untouched; ExpectedLockVersion, when set, triggers the optimistic
// concurrency check against the stored row.
type IssueUpdateOptions struct {
	ID                  int64
	StatusID            int64
	Subject             *string
	Description         *string
	Assign              *int64
	Unassign            bool
	DoneRatio           *int
	ExpectedLockVersion *int64
	UserID              int64
}

// UpdateIssue runs the full authorization pipeline: edit permission, workflow
// transition with assignee/author restrictions, field rules for every field
// the caller touches, then the optimistic-locked write.
func (e Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, opts.ID)
	if err != nil {
		return issue, err
	}
	if err := e.Auth.RequirePermission(ctx, opts.UserID, issue.ProjectID, auth.PermEditIssues); err != nil {
		return issue, err
	}
	if opts.ExpectedLockVersion != nil && *opts.ExpectedLockVersion != issue.LockVersion {
		return issue, fmt.Errorf("issue %d: %w", issue.ID, repo.ErrStaleIssue)
	}
	user, err := e.Repo.GetUser(ctx, opts.UserID)
	if err != nil {
		return issue, fmt.Errorf("user %d: %w", opts.UserID, err)
	}
	roleIDs, err := e.callerRoleIDs(ctx, opts.UserID, issue.ProjectID)
	if err != nil {
		return issue, err
	}
	original := issue

	statusChanged := opts.StatusID != 0 && opts.StatusID != issue.StatusID
	if statusChanged && !user.Admin {
		rules, err := e.Rules.Rules(ctx)
		if err != nil {
			return issue, err
		}
		targets := resolveTransitions(rules.Transitions, issue.TrackerID, issue.StatusID, roleIDs)
		var target *domain.TransitionTarget
		for i := range targets {
			if targets[i].StatusID == opts.StatusID {
				target = &targets[i]
				break
			}
		}
		if target == nil {
			return issue, TransitionError{FromID: issue.StatusID, ToID: opts.StatusID}
		}
		isAssignee := issue.AssigneeID != nil && *issue.AssigneeID == opts.UserID
		isAuthor := issue.AuthorID == opts.UserID
		if !allowedTarget(*target, isAssignee, isAuthor) {
			return issue, TransitionError{FromID: issue.StatusID, ToID: opts.StatusID}
		}
	}

	// Field rules are evaluated against the issue's current status: they
	// gate what the caller may change on the way out of that status.
	effects, err := e.ResolveFieldEffects(ctx, issue.TrackerID, issue.StatusID, roleIDs)
	if err != nil {
		return issue, err
	}
	if opts.Subject != nil {
		if err := checkFieldChange(effects, "subject", *opts.Subject == ""); err != nil {
			return issue, err
		}
		issue.Subject = *opts.Subject
	}
	if opts.Description != nil {
		if err := checkFieldChange(effects, "description", *opts.Description == ""); err != nil {
			return issue, err
		}
		issue.Description = *opts.Description
	}
	if opts.Unassign {
		if err := checkFieldChange(effects, "assigned_to", true); err != nil {
			return issue, err
		}
		issue.AssigneeID = nil
	} else if opts.Assign != nil {
		if err := checkFieldChange(effects, "assigned_to", false); err != nil {
			return issue, err
		}
		if _, err := e.Repo.GetUser(ctx, *opts.Assign); err != nil {
			return issue, fmt.Errorf("assignee %d: %w", *opts.Assign, err)
		}
		issue.AssigneeID = opts.Assign
	}
	if opts.DoneRatio != nil {
		if err := checkFieldChange(effects, "done_ratio", *opts.DoneRatio == 0); err != nil {
			return issue, err
		}
		issue.DoneRatio = *opts.DoneRatio
	}

	now := e.now().UTC().Format(time.RFC3339)
	if statusChanged {
		status, err := e.Repo.GetStatus(ctx, opts.StatusID)
		if err != nil {
			return issue, fmt.Errorf("status %d: %w", opts.StatusID, err)
		}
		issue.StatusID = status.ID
		if status.IsClosed {
			issue.ClosedAt = &now
		} else {
			issue.ClosedAt = nil
		}
		if status.DefaultDoneRatio != nil && opts.DoneRatio == nil {
			issue.DoneRatio = *status.DefaultDoneRatio
		}
	}
	issue.UpdatedAt = now

	issue, err = e.Repo.UpdateIssue(ctx, issue)
	if err != nil {
		return issue, err
	}
	err = e.Events.Append(ctx, "issue.updated", issue.ProjectID, "issue", fmt.Sprintf("%d", issue.ID), opts.UserID, events.EventPayload{
		"from_status": original.StatusID,
		"to_status":   issue.StatusID,
	})
	return issue, err
}

// GetIssueForUser fetches an issue and enforces the caller's visibility.
func (e Engine) GetIssueForUser(ctx context.Context, issueID, userID int64) (domain.Issue, error) {
	issue, err := e.Repo.GetIssue(ctx, issueID)
	if err != nil {
		return issue, err
	}
	ok, err := e.Auth.CanViewIssue(ctx, userID, issue)
	if err != nil {
		return issue, err
	}
	if !ok {
		return domain.Issue{}, auth.ForbiddenError{Permission: auth.PermViewIssues}
	}
	return issue, nil
}

func (e Engine) callerRoleIDs(ctx context.Context, userID, projectID int64) ([]int64, error) {
	effective, err := e.Auth.EffectiveRoles(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	return auth.RoleIDs(effective), nil
}

// checkFieldWrite validates a field supplied on creation.
func checkFieldWrite(effects map[string]domain.FieldEffect, field string, supplied bool) error {
	switch effects[field] {
	case domain.FieldRequired:
		if !supplied {
			return FieldRuleError{Field: field, Effect: domain.FieldRequired}
		}
	case domain.FieldReadonly, domain.FieldHidden:
		if supplied {
			return FieldRuleError{Field: field, Effect: effects[field]}
		}
	}
	return nil
}

// checkFieldChange validates an explicit change on update; readonly and
// hidden reject any touch, required rejects clearing.
func checkFieldChange(effects map[string]domain.FieldEffect, field string, cleared bool) error {
	switch effects[field] {
	case domain.FieldRequired:
		if cleared {
			return FieldRuleError{Field: field, Effect: domain.FieldRequired}
		}
	case domain.FieldReadonly, domain.FieldHidden:
		return FieldRuleError{Field: field, Effect: effects[field]}
	}
	return nil
}
