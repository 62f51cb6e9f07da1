package server

import (
	"trackline/internal/domain"
)

// Requests use pointers for optional fields; nil means "leave alone" on
// updates and "wildcard" for rule scope dimensions.

type CreateProjectRequest struct {
	Identifier     string  `json:"identifier" example:"mobile-app"`
	Name           string  `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	ParentID       *int64  `json:"parent_id,omitempty"`
	InheritMembers bool    `json:"inherit_members,omitempty"`
}

type UpdateProjectRequest struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	Status         *string `json:"status,omitempty" enum:"active,closed,archived"`
	ParentID       *int64  `json:"parent_id,omitempty"`
	ClearParent    bool    `json:"clear_parent,omitempty"`
	InheritMembers *bool   `json:"inherit_members,omitempty"`
}

type CreateUserRequest struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

type CreateIssueRequest struct {
	TrackerID   int64  `json:"tracker_id"`
	StatusID    int64  `json:"status_id,omitempty"`
	Subject     string `json:"subject"`
	Description string `json:"description,omitempty"`
	AssigneeID  *int64 `json:"assignee_id,omitempty"`
	DoneRatio   int    `json:"done_ratio,omitempty"`
}

type UpdateIssueRequest struct {
	StatusID    int64   `json:"status_id,omitempty"`
	Subject     *string `json:"subject,omitempty"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *int64  `json:"assignee_id,omitempty"`
	Unassign    bool    `json:"unassign,omitempty"`
	DoneRatio   *int    `json:"done_ratio,omitempty"`
	LockVersion *int64  `json:"lock_version,omitempty"`
}

type GrantRoleRequest struct {
	UserID int64 `json:"user_id"`
	RoleID int64 `json:"role_id"`
}

type RoleRequest struct {
	Name             string   `json:"name"`
	Assignable       *bool    `json:"assignable,omitempty"`
	Permissions      []string `json:"permissions"`
	IssuesVisibility string   `json:"issues_visibility,omitempty" enum:"all,default,own"`
}

// Rule requests carry wildcard dimensions as absent fields, never as 0.

type TransitionRuleRequest struct {
	TrackerID       *int64 `json:"tracker_id,omitempty"`
	OldStatusID     *int64 `json:"old_status_id,omitempty"`
	RoleID          *int64 `json:"role_id,omitempty"`
	NewStatusID     int64  `json:"new_status_id"`
	RequireAssignee bool   `json:"require_assignee,omitempty"`
	RequireAuthor   bool   `json:"require_author,omitempty"`
}

type FieldRuleRequest struct {
	TrackerID *int64 `json:"tracker_id,omitempty"`
	StatusID  *int64 `json:"status_id,omitempty"`
	RoleID    *int64 `json:"role_id,omitempty"`
	Field     string `json:"field"`
	Effect    string `json:"effect" enum:"readonly,required,hidden"`
}

// RuleResponse is the wire form of either rule variant, discriminated by Type.
type RuleResponse struct {
	ID              int64  `json:"id"`
	Type            string `json:"type" enum:"transition,field"`
	TrackerID       *int64 `json:"tracker_id,omitempty"`
	OldStatusID     *int64 `json:"old_status_id,omitempty"`
	StatusID        *int64 `json:"status_id,omitempty"`
	RoleID          *int64 `json:"role_id,omitempty"`
	NewStatusID     int64  `json:"new_status_id,omitempty"`
	RequireAssignee bool   `json:"require_assignee,omitempty"`
	RequireAuthor   bool   `json:"require_author,omitempty"`
	Field           string `json:"field,omitempty"`
	Effect          string `json:"effect,omitempty"`
}

func scopeFromPtr(id *int64) domain.RuleScope {
	if id == nil {
		return domain.AnyScope()
	}
	return domain.ScopeOf(*id)
}

func scopeToPtr(s domain.RuleScope) *int64 {
	if s.Any {
		return nil
	}
	id := s.ID
	return &id
}

func transitionRuleResponse(r domain.TransitionRule) RuleResponse {
	return RuleResponse{
		ID:              r.ID,
		Type:            domain.RuleTypeTransition,
		TrackerID:       scopeToPtr(r.Tracker),
		OldStatusID:     scopeToPtr(r.OldStatus),
		RoleID:          scopeToPtr(r.Role),
		NewStatusID:     r.NewStatusID,
		RequireAssignee: r.RequireAssignee,
		RequireAuthor:   r.RequireAuthor,
	}
}

func fieldRuleResponse(r domain.FieldRule) RuleResponse {
	return RuleResponse{
		ID:        r.ID,
		Type:      domain.RuleTypeField,
		TrackerID: scopeToPtr(r.Tracker),
		StatusID:  scopeToPtr(r.Status),
		RoleID:    scopeToPtr(r.Role),
		Field:     r.Field,
		Effect:    r.Effect.String(),
	}
}

// FieldEffectsResponse maps overridden field names to their resolved effect.
type FieldEffectsResponse struct {
	TrackerID int64             `json:"tracker_id"`
	StatusID  int64             `json:"status_id"`
	Effects   map[string]string `json:"effects"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  int64          `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	UserID     int64          `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}
