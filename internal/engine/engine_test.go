package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Repo   repo.Repo
	Ctx    context.Context
	Admin  domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := app.Seed(ctx, r, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	admin, err := app.EnsureUser(ctx, r, "root", true)
	if err != nil {
		t.Fatalf("admin user: %v", err)
	}
	return testEnv{Engine: eng, Repo: r, Ctx: ctx, Admin: admin}
}

func (env testEnv) user(t *testing.T, login string) domain.User {
	t.Helper()
	u, err := app.EnsureUser(env.Ctx, env.Repo, login, false)
	if err != nil {
		t.Fatalf("user %s: %v", login, err)
	}
	return u
}

func (env testEnv) project(t *testing.T, identifier string, parentID *int64, inherit bool) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{
		Identifier:     identifier,
		ParentID:       parentID,
		InheritMembers: inherit,
		UserID:         env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("project %s: %v", identifier, err)
	}
	return p
}

func (env testEnv) roleID(t *testing.T, name string) int64 {
	t.Helper()
	role, err := env.Repo.GetRoleByName(env.Ctx, name)
	if err != nil {
		t.Fatalf("role %s: %v", name, err)
	}
	return role.ID
}

func (env testEnv) statusID(t *testing.T, name string) int64 {
	t.Helper()
	s, err := env.Repo.GetStatusByName(env.Ctx, name)
	if err != nil {
		t.Fatalf("status %s: %v", name, err)
	}
	return s.ID
}

func (env testEnv) trackerID(t *testing.T, name string) int64 {
	t.Helper()
	tr, err := env.Repo.GetTrackerByName(env.Ctx, name)
	if err != nil {
		t.Fatalf("tracker %s: %v", name, err)
	}
	return tr.ID
}

func (env testEnv) grant(t *testing.T, user domain.User, project domain.Project, roleName string) {
	t.Helper()
	if err := env.Engine.GrantRole(env.Ctx, user.ID, project.ID, env.roleID(t, roleName), env.Admin.ID); err != nil {
		t.Fatalf("grant %s on %s: %v", roleName, project.Identifier, err)
	}
}

func TestEffectiveRolesInheritance(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	a := env.project(t, "root-a", nil, false)
	b := env.project(t, "child-b", &a.ID, false) // does not pull from a
	c := env.project(t, "leaf-c", &b.ID, true)   // pulls from b

	env.grant(t, alice, a, "Developer")
	env.grant(t, alice, b, "Manager")

	roles, err := env.Engine.EffectiveRoles(env.Ctx, alice.ID, c.ID)
	if err != nil {
		t.Fatalf("effective roles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("expected one inherited role, got %+v", roles)
	}
	if roles[0].RoleName != "Manager" || !roles[0].Inherited {
		t.Fatalf("expected inherited Manager, got %+v", roles[0])
	}
	if roles[0].InheritedFrom == nil || *roles[0].InheritedFrom != b.ID {
		t.Fatalf("expected inheritance from project %d, got %+v", b.ID, roles[0])
	}

	// The walk stopped at b: a's Developer grant never reached c because b
	// itself does not inherit.

	// b itself has inherit off, so only the direct grant shows up there.
	roles, err = env.Engine.EffectiveRoles(env.Ctx, alice.ID, b.ID)
	if err != nil {
		t.Fatalf("effective roles on b: %v", err)
	}
	if len(roles) != 1 || roles[0].Inherited {
		t.Fatalf("expected single direct role on b, got %+v", roles)
	}
}

func TestEffectiveRolesDedup(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	parent := env.project(t, "parent", nil, false)
	child := env.project(t, "child", &parent.ID, true)

	env.grant(t, alice, parent, "Developer")
	env.grant(t, alice, child, "Developer")

	roles, err := env.Engine.EffectiveRoles(env.Ctx, alice.ID, child.ID)
	if err != nil {
		t.Fatalf("effective roles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("expected deduplicated role set, got %+v", roles)
	}
	if roles[0].Inherited {
		t.Fatalf("direct grant must win over the inherited copy: %+v", roles[0])
	}
}

func TestHasPermission(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	p := env.project(t, "perms", nil, false)
	env.grant(t, alice, p, "Reporter")

	ok, err := env.Engine.HasPermission(env.Ctx, alice.ID, p.ID, auth.PermViewIssues)
	if err != nil || !ok {
		t.Fatalf("reporter should view issues: ok=%v err=%v", ok, err)
	}

	// Deny is a clean false, not an error.
	ok, err = env.Engine.HasPermission(env.Ctx, alice.ID, p.ID, auth.PermManageProject)
	if err != nil {
		t.Fatalf("deny must not error: %v", err)
	}
	if ok {
		t.Fatal("reporter must not manage the project")
	}

	// Admins bypass membership entirely.
	ok, err = env.Engine.HasPermission(env.Ctx, env.Admin.ID, p.ID, auth.PermManageProject)
	if err != nil || !ok {
		t.Fatalf("admin bypass: ok=%v err=%v", ok, err)
	}

	// A missing user or project is NotFound, never a silent deny.
	if _, err = env.Engine.HasPermission(env.Ctx, 9999, p.ID, auth.PermViewIssues); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
	if _, err = env.Engine.HasPermission(env.Ctx, alice.ID, 9999, auth.PermViewIssues); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing project, got %v", err)
	}

	err = env.Engine.Auth.RequirePermission(env.Ctx, alice.ID, p.ID, auth.PermManageProject)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermManageProject {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
}

func TestIssueWorkflowPipeline(t *testing.T) {
	env := newTestEnv(t)
	bob := env.user(t, "bob")
	p := env.project(t, "tracker-app", nil, false)
	env.grant(t, bob, p, "Developer")

	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "crash on save",
		UserID:    bob.ID,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	if issue.StatusID != env.statusID(t, "New") {
		t.Fatalf("expected tracker default status, got %d", issue.StatusID)
	}

	targets, err := env.Engine.ResolveIssueTransitions(env.Ctx, issue.ID, bob.ID)
	if err != nil {
		t.Fatalf("resolve transitions: %v", err)
	}
	inProgress := env.statusID(t, "In Progress")
	closed := env.statusID(t, "Closed")
	var sawInProgress, sawClosed bool
	for _, tg := range targets {
		if tg.StatusID == inProgress {
			sawInProgress = true
		}
		if tg.StatusID == closed {
			sawClosed = true
		}
	}
	if !sawInProgress || sawClosed {
		t.Fatalf("developer from New should reach In Progress but not Closed: %+v", targets)
	}

	// Forbidden jump straight to Closed.
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, StatusID: closed, UserID: bob.ID})
	var te engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}

	issue, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, StatusID: inProgress, UserID: bob.ID})
	if err != nil {
		t.Fatalf("to In Progress: %v", err)
	}
	if issue.DoneRatio != 10 {
		t.Fatalf("expected status default done ratio 10, got %d", issue.DoneRatio)
	}

	resolved := env.statusID(t, "Resolved")
	issue, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, StatusID: resolved, UserID: bob.ID})
	if err != nil {
		t.Fatalf("to Resolved: %v", err)
	}

	// Resolved -> Closed is assignee-only for developers. Bob is the author
	// but not the assignee, so the move is refused until he is assigned.
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, StatusID: closed, UserID: bob.ID})
	if !errors.As(err, &te) {
		t.Fatalf("expected assignee-only refusal, got %v", err)
	}

	issue, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, Assign: &bob.ID, UserID: bob.ID})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	issue, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, StatusID: closed, UserID: bob.ID})
	if err != nil {
		t.Fatalf("to Closed as assignee: %v", err)
	}
	if issue.ClosedAt == nil {
		t.Fatal("closing status must set closed_at")
	}
	if issue.DoneRatio != 100 {
		t.Fatalf("expected Closed default done ratio 100, got %d", issue.DoneRatio)
	}
}

func TestIssuePermissionGates(t *testing.T) {
	env := newTestEnv(t)
	mallory := env.user(t, "mallory")
	p := env.project(t, "gated", nil, false)

	_, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "nope",
		UserID:    mallory.ID,
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermAddIssues {
		t.Fatalf("expected add_issues refusal, got %v", err)
	}

	// Reporter visibility "own": mallory sees her own report, not others'.
	bob := env.user(t, "bob")
	env.grant(t, bob, p, "Developer")
	env.grant(t, mallory, p, "Reporter")
	bobs, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "bob's issue",
		UserID:    bob.ID,
	})
	if err != nil {
		t.Fatalf("bob's issue: %v", err)
	}
	own, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "mallory's issue",
		UserID:    mallory.ID,
	})
	if err != nil {
		t.Fatalf("mallory's issue: %v", err)
	}
	if _, err := env.Engine.GetIssueForUser(env.Ctx, own.ID, mallory.ID); err != nil {
		t.Fatalf("own issue must be visible: %v", err)
	}
	if _, err := env.Engine.GetIssueForUser(env.Ctx, bobs.ID, mallory.ID); !errors.As(err, &fe) {
		t.Fatalf("expected visibility refusal, got %v", err)
	}
}

func TestFieldRulesGateWrites(t *testing.T) {
	env := newTestEnv(t)
	bob := env.user(t, "bob")
	p := env.project(t, "fields", nil, false)
	env.grant(t, bob, p, "Developer")
	devRole := env.roleID(t, "Developer")

	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "field rules",
		UserID:    bob.ID,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	if _, err := env.Engine.AddFieldRule(env.Ctx, domain.FieldRule{
		Tracker: domain.AnyScope(),
		Status:  domain.AnyScope(),
		Role:    domain.ScopeOf(devRole),
		Field:   "done_ratio",
		Effect:  domain.FieldReadonly,
	}, env.Admin.ID); err != nil {
		t.Fatalf("add field rule: %v", err)
	}

	ratio := 50
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, DoneRatio: &ratio, UserID: bob.ID})
	var fre engine.FieldRuleError
	if !errors.As(err, &fre) || fre.Field != "done_ratio" {
		t.Fatalf("expected readonly refusal, got %v", err)
	}

	// The rule is scoped to the Developer role. The admin holds no role in
	// the project, so it does not match.
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, DoneRatio: &ratio, UserID: env.Admin.ID}); err != nil {
		t.Fatalf("admin update: %v", err)
	}

	// Hidden blocks supplying the field on creation.
	if _, err := env.Engine.AddFieldRule(env.Ctx, domain.FieldRule{
		Tracker: domain.AnyScope(),
		Status:  domain.AnyScope(),
		Role:    domain.ScopeOf(devRole),
		Field:   "description",
		Effect:  domain.FieldHidden,
	}, env.Admin.ID); err != nil {
		t.Fatalf("add hidden rule: %v", err)
	}
	_, err = env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID:   p.ID,
		TrackerID:   env.trackerID(t, "Bug"),
		Subject:     "hidden description",
		Description: "should not pass",
		UserID:      bob.ID,
	})
	if !errors.As(err, &fre) || fre.Field != "description" {
		t.Fatalf("expected hidden refusal, got %v", err)
	}

	// Required rejects clearing.
	if _, err := env.Engine.AddFieldRule(env.Ctx, domain.FieldRule{
		Tracker: domain.AnyScope(),
		Status:  domain.AnyScope(),
		Role:    domain.ScopeOf(devRole),
		Field:   "subject",
		Effect:  domain.FieldRequired,
	}, env.Admin.ID); err != nil {
		t.Fatalf("add required rule: %v", err)
	}
	empty := ""
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issue.ID, Subject: &empty, UserID: bob.ID})
	if !errors.As(err, &fre) || fre.Field != "subject" {
		t.Fatalf("expected required refusal, got %v", err)
	}
}

func TestRuleCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	tracker := env.trackerID(t, "Bug")
	feedback := env.statusID(t, "Feedback")
	rejected := env.statusID(t, "Rejected")
	devRole := env.roleID(t, "Developer")

	targets, err := env.Engine.ResolveTransitions(env.Ctx, tracker, feedback, []int64{devRole})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	for _, tg := range targets {
		if tg.StatusID == rejected {
			t.Fatalf("premature target: %+v", targets)
		}
	}

	if _, err := env.Engine.AddTransitionRule(env.Ctx, domain.TransitionRule{
		Tracker:     domain.ScopeOf(tracker),
		OldStatus:   domain.ScopeOf(feedback),
		Role:        domain.ScopeOf(devRole),
		NewStatusID: rejected,
	}, env.Admin.ID); err != nil {
		t.Fatalf("add rule: %v", err)
	}

	// The write invalidated the cache; the next resolve sees the new rule.
	targets, err = env.Engine.ResolveTransitions(env.Ctx, tracker, feedback, []int64{devRole})
	if err != nil {
		t.Fatalf("resolve after write: %v", err)
	}
	found := false
	for _, tg := range targets {
		if tg.StatusID == rejected {
			found = true
		}
	}
	if !found {
		t.Fatalf("new rule not visible after invalidation: %+v", targets)
	}
}

func TestOptimisticLocking(t *testing.T) {
	env := newTestEnv(t)
	bob := env.user(t, "bob")
	p := env.project(t, "locks", nil, false)
	env.grant(t, bob, p, "Developer")

	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "concurrent edit",
		UserID:    bob.ID,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}

	subject := "first writer"
	lv := issue.LockVersion
	updated, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: issue.ID, Subject: &subject, ExpectedLockVersion: &lv, UserID: bob.ID,
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if updated.LockVersion != lv+1 {
		t.Fatalf("expected lock version bump, got %d", updated.LockVersion)
	}

	// Second writer still holds the old version.
	subject = "second writer"
	_, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: issue.ID, Subject: &subject, ExpectedLockVersion: &lv, UserID: bob.ID,
	})
	if !errors.Is(err, repo.ErrStaleIssue) {
		t.Fatalf("expected ErrStaleIssue, got %v", err)
	}
}

func TestRoleAdministration(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")
	p := env.project(t, "admin", nil, false)

	// Builtin roles cannot be granted or deleted.
	nonMember, err := env.Repo.GetRoleByName(env.Ctx, "Non member")
	if err != nil {
		t.Fatalf("builtin role: %v", err)
	}
	if err := env.Engine.GrantRole(env.Ctx, alice.ID, p.ID, nonMember.ID, env.Admin.ID); err == nil {
		t.Fatal("granting a non-assignable role must fail")
	}
	if err := env.Engine.DeleteRole(env.Ctx, nonMember.ID, env.Admin.ID); err == nil {
		t.Fatal("deleting a builtin role must fail")
	}

	// Unknown permission keys are rejected against the catalog.
	_, err = env.Engine.CreateRole(env.Ctx, domain.Role{
		Name:             "Auditor",
		Assignable:       true,
		Permissions:      []string{"view_issues", "launch_rockets"},
		IssuesVisibility: domain.VisibilityAll,
	}, env.Admin.ID)
	if err == nil {
		t.Fatal("unknown permission must be rejected")
	}

	if _, err := env.Engine.CreateRole(env.Ctx, domain.Role{
		Name:             "Auditor",
		Assignable:       true,
		Permissions:      []string{"view_issues"},
		IssuesVisibility: domain.VisibilityAll,
	}, env.Admin.ID); err != nil {
		t.Fatalf("create role: %v", err)
	}
	env.grant(t, alice, p, "Auditor")
	ok, err := env.Engine.HasPermission(env.Ctx, alice.ID, p.ID, auth.PermViewIssues)
	if err != nil || !ok {
		t.Fatalf("auditor should view issues: ok=%v err=%v", ok, err)
	}
}

func TestInvalidRulesRejectedAtCreation(t *testing.T) {
	env := newTestEnv(t)

	var ire domain.InvalidRuleError
	_, err := env.Engine.AddTransitionRule(env.Ctx, domain.TransitionRule{
		Tracker:   domain.AnyScope(),
		OldStatus: domain.AnyScope(),
		Role:      domain.AnyScope(),
		// NewStatusID zero: a wildcard target is meaningless.
	}, env.Admin.ID)
	if !errors.As(err, &ire) {
		t.Fatalf("expected InvalidRuleError, got %v", err)
	}

	_, err = env.Engine.AddFieldRule(env.Ctx, domain.FieldRule{
		Tracker: domain.AnyScope(),
		Status:  domain.AnyScope(),
		Role:    domain.AnyScope(),
		Field:   "no_such_field",
		Effect:  domain.FieldHidden,
	}, env.Admin.ID)
	if !errors.As(err, &ire) {
		t.Fatalf("expected InvalidRuleError for unknown field, got %v", err)
	}

	// Concrete dimensions must reference existing rows.
	_, err = env.Engine.AddTransitionRule(env.Ctx, domain.TransitionRule{
		Tracker:     domain.ScopeOf(9999),
		OldStatus:   domain.AnyScope(),
		Role:        domain.AnyScope(),
		NewStatusID: env.statusID(t, "New"),
	}, env.Admin.ID)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing tracker, got %v", err)
	}
}

func TestAdminBypassesWorkflow(t *testing.T) {
	env := newTestEnv(t)
	p := env.project(t, "bypass", nil, false)

	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		ProjectID: p.ID,
		TrackerID: env.trackerID(t, "Bug"),
		Subject:   "admin move",
		UserID:    env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	// Straight to Rejected, no rule required.
	issue, err = env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{
		ID: issue.ID, StatusID: env.statusID(t, "Rejected"), UserID: env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("admin transition: %v", err)
	}
	if issue.ClosedAt == nil {
		t.Fatal("Rejected is a closing status")
	}
}

func TestRebuildInheritedMemberships(t *testing.T) {
	env := newTestEnv(t)
	alice := env.user(t, "alice")

	parent := env.project(t, "org", nil, false)
	child := env.project(t, "team", &parent.ID, true)
	env.grant(t, alice, parent, "Developer")

	// The grant on the parent rematerialized the child's inherited rows.
	members, err := env.Repo.ListProjectMembers(env.Ctx, child.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 1 || len(members[0].Roles) != 1 {
		t.Fatalf("expected one inherited membership, got %+v", members)
	}
	if members[0].Roles[0].InheritedFrom == nil || *members[0].Roles[0].InheritedFrom != parent.ID {
		t.Fatalf("expected inherited marker from %d, got %+v", parent.ID, members[0].Roles[0])
	}

	// Turning inheritance off clears the derived rows.
	if err := env.Engine.SetInheritMembers(env.Ctx, child.ID, false, env.Admin.ID); err != nil {
		t.Fatalf("set inherit off: %v", err)
	}
	members, err = env.Repo.ListProjectMembers(env.Ctx, child.ID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected inherited rows pruned, got %+v", members)
	}
}
