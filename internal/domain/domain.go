package domain

type Project struct {
	ID             int64  `json:"id"`
	Identifier     string `json:"identifier"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ParentID       *int64 `json:"parent_id,omitempty"`
	InheritMembers bool   `json:"inherit_members"`
	Status         string `json:"status" enum:"active,closed,archived"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Tracker struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	DefaultStatusID int64  `json:"default_status_id"`
	Position        int    `json:"position"`
}

type IssueStatus struct {
	ID               int64  `json:"id"`
	Name             string `json:"name"`
	IsClosed         bool   `json:"is_closed"`
	DefaultDoneRatio *int   `json:"default_done_ratio,omitempty"`
	Position         int    `json:"position"`
}

// IssuesVisibility values for Role.
const (
	VisibilityAll     = "all"
	VisibilityDefault = "default"
	VisibilityOwn     = "own"
)

type Role struct {
	ID               int64    `json:"id"`
	Name             string   `json:"name"`
	Builtin          int      `json:"builtin"`
	Assignable       bool     `json:"assignable"`
	Position         int      `json:"position"`
	Permissions      []string `json:"permissions"`
	IssuesVisibility string   `json:"issues_visibility" enum:"all,default,own"`
}

// IsBuiltin reports whether the role is one of the fixed system roles whose
// name and builtin marker may not change after creation.
func (r Role) IsBuiltin() bool { return r.Builtin > 0 }

func (r Role) HasPermission(perm string) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type User struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name"`
	Admin     bool   `json:"admin"`
	Status    string `json:"status" enum:"active,locked"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Membership struct {
	ID        int64  `json:"id"`
	UserID    int64  `json:"user_id"`
	ProjectID int64  `json:"project_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// MemberRole ties a membership to a role. InheritedFrom records the ancestor
// project whose membership produced this role via descent; nil means the role
// was granted directly and must survive inheritance recomputation.
type MemberRole struct {
	ID            int64  `json:"id"`
	MembershipID  int64  `json:"membership_id"`
	RoleID        int64  `json:"role_id"`
	InheritedFrom *int64 `json:"inherited_from,omitempty"`
}

type Issue struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	TrackerID   int64   `json:"tracker_id"`
	StatusID    int64   `json:"status_id"`
	AuthorID    int64   `json:"author_id"`
	AssigneeID  *int64  `json:"assignee_id,omitempty"`
	Subject     string  `json:"subject"`
	Description string  `json:"description,omitempty"`
	DoneRatio   int     `json:"done_ratio"`
	LockVersion int64   `json:"lock_version"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    int64  `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  int64  `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	UserID     int64  `json:"user_id"`
	Payload    string `json:"payload_json"`
}

// EffectiveRole is one entry of a user's resolved role set within a project.
type EffectiveRole struct {
	RoleID        int64  `json:"role_id"`
	RoleName      string `json:"role_name"`
	Inherited     bool   `json:"inherited"`
	InheritedFrom *int64 `json:"inherited_from,omitempty"`
}
