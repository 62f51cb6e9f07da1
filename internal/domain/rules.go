package domain

import "fmt"

// RuleScope is one matching dimension of a workflow rule. The persistence
// layer stores "applies to any" as 0; the domain layer carries it explicitly
// so a real id can never be mistaken for the wildcard.
type RuleScope struct {
	ID  int64 `json:"id,omitempty"`
	Any bool  `json:"any,omitempty"`
}

func AnyScope() RuleScope        { return RuleScope{Any: true} }
func ScopeOf(id int64) RuleScope { return RuleScope{ID: id} }

// Matches reports whether the scope applies to the concrete id.
func (s RuleScope) Matches(id int64) bool { return s.Any || s.ID == id }

// MatchesAnyOf reports whether the scope applies to at least one of the ids.
// A wildcard scope matches even an empty set, matching the convention that
// role-wildcard rules apply to callers with no roles at all.
func (s RuleScope) MatchesAnyOf(ids []int64) bool {
	if s.Any {
		return true
	}
	for _, id := range ids {
		if s.ID == id {
			return true
		}
	}
	return false
}

// SentinelID returns the stored representation (0 for wildcard).
func (s RuleScope) SentinelID() int64 {
	if s.Any {
		return 0
	}
	return s.ID
}

// ScopeFromSentinel converts a stored column value to a RuleScope.
func ScopeFromSentinel(id int64) RuleScope {
	if id == 0 {
		return AnyScope()
	}
	return ScopeOf(id)
}

// Rule type discriminator values as stored in workflow_rules.type.
const (
	RuleTypeTransition = "transition"
	RuleTypeField      = "field"
)

// TransitionRule permits moving an issue from one status to another. The
// target status is always concrete; only the matching dimensions may be
// wildcards.
type TransitionRule struct {
	ID              int64     `json:"id"`
	Tracker         RuleScope `json:"tracker"`
	OldStatus       RuleScope `json:"old_status"`
	Role            RuleScope `json:"role"`
	NewStatusID     int64     `json:"new_status_id"`
	RequireAssignee bool      `json:"require_assignee"`
	RequireAuthor   bool      `json:"require_author"`
}

// FieldEffect is the resolved visibility of an issue field. Ordering matters:
// larger values are more restrictive, and merging multiple matching rules
// keeps the most restrictive one.
type FieldEffect int

const (
	FieldVisible FieldEffect = iota
	FieldReadonly
	FieldRequired
	FieldHidden
)

func (e FieldEffect) String() string {
	switch e {
	case FieldReadonly:
		return "readonly"
	case FieldRequired:
		return "required"
	case FieldHidden:
		return "hidden"
	default:
		return "visible"
	}
}

// ParseFieldEffect maps the stored rule column to a FieldEffect. Only the
// three override effects are persisted; "visible" is the absence of a rule.
func ParseFieldEffect(s string) (FieldEffect, error) {
	switch s {
	case "readonly":
		return FieldReadonly, nil
	case "required":
		return FieldRequired, nil
	case "hidden":
		return FieldHidden, nil
	}
	return FieldVisible, fmt.Errorf("unknown field rule effect %q", s)
}

// FieldRule overrides the visibility of a single issue field when the issue's
// tracker, status and the caller's role match.
type FieldRule struct {
	ID      int64       `json:"id"`
	Tracker RuleScope   `json:"tracker"`
	Status  RuleScope   `json:"status"`
	Role    RuleScope   `json:"role"`
	Field   string      `json:"field"`
	Effect  FieldEffect `json:"effect"`
}

// IssueFields lists the field names a field rule may govern.
var IssueFields = []string{
	"subject",
	"description",
	"assigned_to",
	"done_ratio",
	"priority",
	"category",
	"fixed_version",
	"start_date",
	"due_date",
	"estimated_hours",
}

// KnownIssueField reports whether name is a recognized issue field.
func KnownIssueField(name string) bool {
	for _, f := range IssueFields {
		if f == name {
			return true
		}
	}
	return false
}

// InvalidRuleError marks malformed rule data rejected at creation time.
// Evaluation never sees an invalid persisted rule.
type InvalidRuleError struct {
	Reason string
}

func (e InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid workflow rule: %s", e.Reason)
}

// Validate checks a transition rule before it is persisted.
func (r TransitionRule) Validate() error {
	if r.NewStatusID == 0 {
		return InvalidRuleError{Reason: "transition target status must be concrete"}
	}
	return nil
}

// Validate checks a field rule before it is persisted.
func (r FieldRule) Validate() error {
	if r.Field == "" {
		return InvalidRuleError{Reason: "field rule requires a field name"}
	}
	if !KnownIssueField(r.Field) {
		return InvalidRuleError{Reason: fmt.Sprintf("unknown issue field %q", r.Field)}
	}
	if r.Effect == FieldVisible {
		return InvalidRuleError{Reason: "field rule effect must be readonly, required or hidden"}
	}
	return nil
}

// TransitionTarget is one reachable status with its merged restrictions.
type TransitionTarget struct {
	StatusID        int64  `json:"status_id"`
	StatusName      string `json:"status_name"`
	IsClosed        bool   `json:"is_closed"`
	RequireAssignee bool   `json:"require_assignee"`
	RequireAuthor   bool   `json:"require_author"`
}
