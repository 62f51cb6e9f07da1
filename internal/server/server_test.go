package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"trackline/internal/app"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	if err := app.Seed(context.Background(), r, cfg); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:             "test-secret",
			EnableDevLogin:        true,
			AllowLegacyUserHeader: true,
			Logger:                log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) user(t *testing.T, login string, admin bool) domain.User {
	t.Helper()
	u, err := app.EnsureUser(context.Background(), s.Engine.Repo, login, admin)
	if err != nil {
		t.Fatalf("user %s: %v", login, err)
	}
	return u
}

func asUser(u domain.User) map[string]string {
	return map[string]string{"X-User-Id": fmt.Sprintf("%d", u.ID)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func (s *testServer) roleID(t *testing.T, client *http.Client, admin domain.User, name string) int64 {
	t.Helper()
	res, data := doJSON(t, client, http.MethodGet, s.URL+"/v0/roles", nil, asUser(admin))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list roles: %d %s", res.StatusCode, string(data))
	}
	var roles []domain.Role
	if err := json.Unmarshal(data, &roles); err != nil {
		t.Fatalf("unmarshal roles: %v", err)
	}
	for _, r := range roles {
		if r.Name == name {
			return r.ID
		}
	}
	t.Fatalf("role %s not found", name)
	return 0
}

func (s *testServer) statusID(t *testing.T, client *http.Client, u domain.User, name string) int64 {
	t.Helper()
	res, data := doJSON(t, client, http.MethodGet, s.URL+"/v0/statuses", nil, asUser(u))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list statuses: %d %s", res.StatusCode, string(data))
	}
	var statuses []domain.IssueStatus
	if err := json.Unmarshal(data, &statuses); err != nil {
		t.Fatalf("unmarshal statuses: %v", err)
	}
	for _, st := range statuses {
		if st.Name == name {
			return st.ID
		}
	}
	t.Fatalf("status %s not found", name)
	return 0
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health without auth: %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(data))
	}
}

func TestIssueLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := srv.user(t, "root", true)
	bob := srv.user(t, "bob", false)
	mallory := srv.user(t, "mallory", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"identifier": "mobile-app",
		"name":       "Mobile App",
	}, asUser(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var project domain.Project
	if err := json.Unmarshal(data, &project); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}

	devRole := srv.roleID(t, client, admin, "Developer")
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/members", srv.URL, project.ID), map[string]any{
		"user_id": bob.ID,
		"role_id": devRole,
	}, asUser(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/trackers", nil, asUser(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list trackers: %d %s", res.StatusCode, string(data))
	}
	var trackerList []domain.Tracker
	if err := json.Unmarshal(data, &trackerList); err != nil {
		t.Fatalf("unmarshal trackers: %v", err)
	}
	if len(trackerList) == 0 {
		t.Fatal("expected seeded trackers")
	}

	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/issues", srv.URL, project.ID), map[string]any{
		"tracker_id": trackerList[0].ID,
		"subject":    "crash on save",
	}, asUser(bob))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create issue: %d %s", res.StatusCode, string(data))
	}
	var issue domain.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}

	closed := srv.statusID(t, client, bob, "Closed")
	inProgress := srv.statusID(t, client, bob, "In Progress")

	// New -> Closed is not in the developer workflow.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), map[string]any{
		"status_id": closed,
	}, asUser(bob))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "transition_not_allowed" {
		t.Fatalf("expected transition_not_allowed, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), map[string]any{
		"status_id":    inProgress,
		"lock_version": issue.LockVersion,
	}, asUser(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("move to In Progress: %d %s", res.StatusCode, string(data))
	}
	var moved domain.Issue
	if err := json.Unmarshal(data, &moved); err != nil {
		t.Fatalf("unmarshal moved issue: %v", err)
	}
	if moved.StatusID != inProgress || moved.LockVersion != issue.LockVersion+1 {
		t.Fatalf("unexpected issue after move: %+v", moved)
	}

	// The first writer bumped the version; replaying the old one conflicts.
	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), map[string]any{
		"subject":      "stale write",
		"lock_version": issue.LockVersion,
	}, asUser(bob))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "stale_issue" {
		t.Fatalf("expected stale_issue, got %s", code)
	}

	// mallory holds no role in the project.
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/issues/%d", srv.URL, issue.ID), nil, asUser(mallory))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/issues/%d/transitions", srv.URL, issue.ID), nil, asUser(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transitions: %d %s", res.StatusCode, string(data))
	}
	var targets []domain.TransitionTarget
	if err := json.Unmarshal(data, &targets); err != nil {
		t.Fatalf("unmarshal transitions: %v", err)
	}
	for _, tg := range targets {
		if tg.StatusID == closed {
			t.Fatalf("Closed must not be reachable from In Progress for a developer: %+v", targets)
		}
	}
}

func TestPermissionProbe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := srv.user(t, "root", true)
	bob := srv.user(t, "bob", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"identifier": "probe",
	}, asUser(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", res.StatusCode, string(data))
	}
	var project domain.Project
	_ = json.Unmarshal(data, &project)

	reporter := srv.roleID(t, client, admin, "Reporter")
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/projects/%d/members", srv.URL, project.ID), map[string]any{
		"user_id": bob.ID,
		"role_id": reporter,
	}, asUser(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d/permissions/view_issues", srv.URL, project.ID), nil, asUser(bob))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d/permissions/manage_project", srv.URL, project.ID), nil, asUser(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	// An unknown project is 404, never a silent deny.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/9999/permissions/view_issues", nil, asUser(bob))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v0/projects/%d/me", srv.URL, project.ID), nil, asUser(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", res.StatusCode, string(data))
	}
	var who engine.WhoAmI
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.Admin || len(who.Roles) != 1 || who.Roles[0].RoleID != reporter {
		t.Fatalf("unexpected whoami %+v", who)
	}
}

func TestAdminOnlySurface(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	admin := srv.user(t, "root", true)
	bob := srv.user(t, "bob", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles", map[string]any{
		"name":        "Auditor",
		"permissions": []string{"view_issues"},
	}, asUser(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/users", nil, asUser(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for user list, got %d %s", res.StatusCode, string(data))
	}

	newStatus := srv.statusID(t, client, admin, "New")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/rules/transitions", map[string]any{
		"new_status_id": newStatus,
	}, asUser(admin))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add rule: %d %s", res.StatusCode, string(data))
	}
	var rule RuleResponse
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	if rule.Type != "transition" || rule.TrackerID != nil || rule.RoleID != nil {
		t.Fatalf("expected wildcard transition rule, got %+v", rule)
	}

	// A wildcard target is meaningless and rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow/rules/transitions", map[string]any{}, asUser(admin))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodDelete, fmt.Sprintf("%s/v0/workflow/rules/%d", srv.URL, rule.ID), nil, asUser(bob))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bob := srv.user(t, "bob", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"login": bob.Login,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &tok); err != nil || tok.Token == "" {
		t.Fatalf("expected token, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"Authorization": "Bearer " + tok.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bearer request: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"login": "ghost",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown login, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	bob := srv.user(t, "bob", false)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, asUser(bob))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil || key.Key == "" {
		t.Fatalf("expected plaintext key once, got %s (%v)", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key request: %d %s", res.StatusCode, string(data))
	}

	// Listing never echoes the plaintext back.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, asUser(bob))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing %+v", keys)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, map[string]string{
		"X-Api-Key": "bogus",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad key, got %d %s", res.StatusCode, string(data))
	}
}
