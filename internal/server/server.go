package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/engine/auth"
	"trackline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"permission edit_issues required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Trackline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Trackline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerMembers(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerWorkflow(group, cfg.Engine)
	registerRules(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerLookups(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var te engine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusUnprocessableEntity, "transition_not_allowed", err.Error(), map[string]any{
			"from_status_id": te.FromID,
			"to_status_id":   te.ToID,
		})
	}
	var fre engine.FieldRuleError
	if errors.As(err, &fre) {
		return newAPIError(http.StatusUnprocessableEntity, "field_rule_violation", err.Error(), map[string]any{
			"field":  fre.Field,
			"effect": fre.Effect.String(),
		})
	}
	var ire domain.InvalidRuleError
	if errors.As(err, &ire) {
		return newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrStaleIssue) {
		return newAPIError(http.StatusConflict, "stale_issue", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not assignable") || strings.Contains(lowered, "cycle"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requirePermission(ctx context.Context, e engine.Engine, projectID int64, perm string) error {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	return e.Auth.RequirePermission(ctx, userID, projectID, perm)
}

// requireAdmin gates the global administration surface: roles, workflow rules
// and user accounts have no project scope, so only administrators touch them.
func requireAdmin(ctx context.Context, e engine.Engine) (int64, error) {
	userID, authErr := userIDFromContext(ctx)
	if authErr != nil {
		return 0, authErr
	}
	user, err := e.Repo.GetUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("user %d: %w", userID, err)
	}
	if !user.Admin {
		return 0, auth.ForbiddenError{Permission: "admin"}
	}
	return userID, nil
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Trackline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Identifier == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identifier is required", nil)
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			Identifier:     input.Body.Identifier,
			Name:           input.Body.Name,
			Description:    desc,
			ParentID:       input.Body.ParentID,
			InheritMembers: input.Body.InheritMembers,
			UserID:         userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}",
		Summary:     "Update project",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64                `path:"project_id"`
		Body      UpdateProjectRequest `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermManageProject); err != nil {
			return nil, handleError(err)
		}
		u := repo.ProjectUpdate{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Status:      input.Body.Status,
		}
		if err := e.Repo.UpdateProject(ctx, input.ProjectID, u); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ClearParent {
			if err := e.SetProjectParent(ctx, input.ProjectID, nil, userID); err != nil {
				return nil, handleError(err)
			}
		} else if input.Body.ParentID != nil {
			if err := e.SetProjectParent(ctx, input.ProjectID, input.Body.ParentID, userID); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.InheritMembers != nil {
			if err := e.SetInheritMembers(ctx, input.ProjectID, *input.Body.InheritMembers, userID); err != nil {
				return nil, handleError(err)
			}
		}
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct{}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMembers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/members",
		Summary:       "Grant a role to a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64            `path:"project_id"`
		Body      GrantRoleRequest `json:"body"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermManageMembers); err != nil {
			return nil, handleError(err)
		}
		if err := e.GrantRole(ctx, input.Body.UserID, input.ProjectID, input.Body.RoleID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}/members/{user_id}/roles/{role_id}",
		Summary:     "Revoke a directly granted role",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		UserID    int64 `path:"user_id"`
		RoleID    int64 `path:"role_id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermManageMembers); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeRole(ctx, input.UserID, input.ProjectID, input.RoleID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members",
		Summary:     "List project members with roles",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body []repo.ProjectMember `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermViewIssues); err != nil {
			return nil, handleError(err)
		}
		members, err := e.Repo.ListProjectMembers(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []repo.ProjectMember `json:"body"`
		}{Body: members}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "effective-roles",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/members/{user_id}/effective-roles",
		Summary:     "Resolve a user's effective roles, inheritance included",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
		UserID    int64 `path:"user_id"`
	}) (*struct {
		Body []domain.EffectiveRole `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.EffectiveRoles(ctx, input.UserID, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EffectiveRole `json:"body"`
		}{Body: roles}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/me",
		Summary:     "Caller's roles and permissions within a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID int64 `path:"project_id"`
	}) (*struct {
		Body engine.WhoAmI `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		who, err := e.WhoAmI(ctx, input.ProjectID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.WhoAmI `json:"body"`
		}{Body: who}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "check-permission",
		Method:        http.MethodGet,
		Path:          "/projects/{project_id}/permissions/{permission}",
		Summary:       "Check one permission for the caller",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  int64  `path:"project_id"`
		Permission string `path:"permission"`
	}) (*struct{}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, input.Permission); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID int64              `path:"project_id"`
		Body      CreateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
			ProjectID:   input.ProjectID,
			TrackerID:   input.Body.TrackerID,
			StatusID:    input.Body.StatusID,
			Subject:     input.Body.Subject,
			Description: input.Body.Description,
			AssigneeID:  input.Body.AssigneeID,
			DoneRatio:   input.Body.DoneRatio,
			UserID:      userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  int64 `path:"project_id"`
		TrackerID  int64 `query:"tracker_id"`
		StatusID   int64 `query:"status_id"`
		AssigneeID int64 `query:"assignee_id"`
		Limit      int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		if err := requirePermission(ctx, e, input.ProjectID, auth.PermViewIssues); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListIssues(ctx, repo.IssueFilters{
			ProjectID:  input.ProjectID,
			TrackerID:  input.TrackerID,
			StatusID:   input.StatusID,
			AssigneeID: input.AssigneeID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID int64 `path:"issue_id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.GetIssueForUser(ctx, input.IssueID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{issue_id}",
		Summary:     "Update issue, status change included",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		IssueID int64              `path:"issue_id"`
		Body    UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.UpdateIssue(ctx, engine.IssueUpdateOptions{
			ID:                  input.IssueID,
			StatusID:            input.Body.StatusID,
			Subject:             input.Body.Subject,
			Description:         input.Body.Description,
			Assign:              input.Body.AssigneeID,
			Unassign:            input.Body.Unassign,
			DoneRatio:           input.Body.DoneRatio,
			ExpectedLockVersion: input.Body.LockVersion,
			UserID:              userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-transitions",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}/transitions",
		Summary:     "Statuses the caller may move the issue to",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID int64 `path:"issue_id"`
	}) (*struct {
		Body []domain.TransitionTarget `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		targets, err := e.ResolveIssueTransitions(ctx, input.IssueID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionTarget `json:"body"`
		}{Body: targets}, nil
	})
}

func parseRoleIDs(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid role id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func registerWorkflow(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-transitions",
		Method:      http.MethodGet,
		Path:        "/workflow/transitions",
		Summary:     "Resolve reachable statuses for a tracker, status and role set",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TrackerID int64  `query:"tracker_id"`
		StatusID  int64  `query:"status_id"`
		RoleIDs   string `query:"role_ids" example:"1,3"`
	}) (*struct {
		Body []domain.TransitionTarget `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roleIDs, err := parseRoleIDs(input.RoleIDs)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		targets, err := e.ResolveTransitions(ctx, input.TrackerID, input.StatusID, roleIDs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TransitionTarget `json:"body"`
		}{Body: targets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-fields",
		Method:      http.MethodGet,
		Path:        "/workflow/fields",
		Summary:     "Resolve field effects for a tracker, status and role set",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TrackerID int64  `query:"tracker_id"`
		StatusID  int64  `query:"status_id"`
		RoleIDs   string `query:"role_ids" example:"1,3"`
	}) (*struct {
		Body FieldEffectsResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roleIDs, err := parseRoleIDs(input.RoleIDs)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if _, err := e.Repo.GetTracker(ctx, input.TrackerID); err != nil {
			return nil, handleError(fmt.Errorf("tracker %d: %w", input.TrackerID, err))
		}
		if _, err := e.Repo.GetStatus(ctx, input.StatusID); err != nil {
			return nil, handleError(fmt.Errorf("status %d: %w", input.StatusID, err))
		}
		effects, err := e.ResolveFieldEffects(ctx, input.TrackerID, input.StatusID, roleIDs)
		if err != nil {
			return nil, handleError(err)
		}
		out := FieldEffectsResponse{
			TrackerID: input.TrackerID,
			StatusID:  input.StatusID,
			Effects:   map[string]string{},
		}
		for field, effect := range effects {
			out.Effects[field] = effect.String()
		}
		return &struct {
			Body FieldEffectsResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/workflow/rules",
		Summary:     "List workflow rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RuleResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rules, err := e.Repo.LoadRules(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RuleResponse, 0, len(rules.Transitions)+len(rules.Fields))
		for _, r := range rules.Transitions {
			out = append(out, transitionRuleResponse(r))
		}
		for _, r := range rules.Fields {
			out = append(out, fieldRuleResponse(r))
		}
		return &struct {
			Body []RuleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-transition-rule",
		Method:        http.MethodPost,
		Path:          "/workflow/rules/transitions",
		Summary:       "Add a transition rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body TransitionRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := e.AddTransitionRule(ctx, domain.TransitionRule{
			Tracker:         scopeFromPtr(input.Body.TrackerID),
			OldStatus:       scopeFromPtr(input.Body.OldStatusID),
			Role:            scopeFromPtr(input.Body.RoleID),
			NewStatusID:     input.Body.NewStatusID,
			RequireAssignee: input.Body.RequireAssignee,
			RequireAuthor:   input.Body.RequireAuthor,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: transitionRuleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-field-rule",
		Method:        http.MethodPost,
		Path:          "/workflow/rules/fields",
		Summary:       "Add a field rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body FieldRuleRequest `json:"body"`
	}) (*struct {
		Body RuleResponse `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		effect, err := domain.ParseFieldEffect(input.Body.Effect)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_rule", err.Error(), nil)
		}
		rule, err := e.AddFieldRule(ctx, domain.FieldRule{
			Tracker: scopeFromPtr(input.Body.TrackerID),
			Status:  scopeFromPtr(input.Body.StatusID),
			Role:    scopeFromPtr(input.Body.RoleID),
			Field:   input.Body.Field,
			Effect:  effect,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RuleResponse `json:"body"`
		}{Body: fieldRuleResponse(rule)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-rule",
		Method:      http.MethodDelete,
		Path:        "/workflow/rules/{rule_id}",
		Summary:     "Delete a workflow rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RuleID int64 `path:"rule_id"`
	}) (*struct{}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRule(ctx, input.RuleID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Create role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body RoleRequest `json:"body"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		assignable := true
		if input.Body.Assignable != nil {
			assignable = *input.Body.Assignable
		}
		visibility := input.Body.IssuesVisibility
		if visibility == "" {
			visibility = domain.VisibilityDefault
		}
		role, err := e.CreateRole(ctx, domain.Role{
			Name:             input.Body.Name,
			Assignable:       assignable,
			Permissions:      input.Body.Permissions,
			IssuesVisibility: visibility,
		}, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Role `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.Repo.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Role `json:"body"`
		}{Body: roles}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/roles/{role_id}",
		Summary:     "Get role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID int64 `path:"role_id"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		role, err := e.Repo.GetRole(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-role",
		Method:      http.MethodPatch,
		Path:        "/roles/{role_id}",
		Summary:     "Update role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID int64       `path:"role_id"`
		Body   RoleRequest `json:"body"`
	}) (*struct {
		Body domain.Role `json:"body"`
	}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		role, err := e.Repo.GetRole(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Name != "" {
			role.Name = input.Body.Name
		}
		if input.Body.Assignable != nil {
			role.Assignable = *input.Body.Assignable
		}
		if input.Body.Permissions != nil {
			role.Permissions = input.Body.Permissions
		}
		if input.Body.IssuesVisibility != "" {
			role.IssuesVisibility = input.Body.IssuesVisibility
		}
		if err := e.UpdateRole(ctx, role, userID); err != nil {
			return nil, handleError(err)
		}
		role, err = e.Repo.GetRole(ctx, input.RoleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Role `json:"body"`
		}{Body: role}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{role_id}",
		Summary:     "Delete role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoleID int64 `path:"role_id"`
	}) (*struct{}, error) {
		userID, err := requireAdmin(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRole(ctx, input.RoleID, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLookups(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trackers",
		Method:      http.MethodGet,
		Path:        "/trackers",
		Summary:     "List trackers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Tracker `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTrackers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Tracker `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/statuses",
		Summary:     "List issue statuses",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.IssueStatus `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListStatuses(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.IssueStatus `json:"body"`
		}{Body: items}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		if input.Body.Login == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "login is required", nil)
		}
		name := input.Body.Name
		if name == "" {
			name = input.Body.Login
		}
		user, err := e.Repo.InsertUser(ctx, domain.User{
			Login:     input.Body.Login,
			Name:      name,
			Admin:     input.Body.Admin,
			Status:    "active",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: user}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit     int    `query:"limit" default:"50"`
		ProjectID int64  `query:"project_id"`
		Type      string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requireAdmin(ctx, e); err != nil {
			return nil, handleError(err)
		}
		events, err := e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, "")
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(events))
		for _, ev := range events {
			resp := EventResponse{
				ID:         ev.ID,
				TS:         ev.TS,
				Type:       ev.Type,
				ProjectID:  ev.ProjectID,
				EntityKind: ev.EntityKind,
				EntityID:   ev.EntityID,
				UserID:     ev.UserID,
			}
			if ev.Payload != "" {
				_ = json.Unmarshal([]byte(ev.Payload), &resp.Payload)
			}
			out = append(out, resp)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key for the caller",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext := uuid.NewString() + uuid.NewString()
		key := domain.APIKey{
			ID:        uuid.NewString(),
			UserID:    userID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		// Plaintext is returned exactly once; only the hash is stored.
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, Key: plaintext, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, cfg AuthConfig) {
	if !cfg.EnableDevLogin {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Issue a short-lived dev token (local development only)",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Login string `json:"login"`
		} `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(cfg.JWTSecret) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "jwt secret not configured", nil)
		}
		if input.Body.Login == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "login is required", nil)
		}
		if _, err := e.Repo.GetUserByLogin(ctx, input.Body.Login); err != nil {
			return nil, handleError(err)
		}
		now := time.Now()
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   input.Body.Login,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(12 * time.Hour)),
		})
		signed, err := token.SignedString([]byte(cfg.JWTSecret))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"token": signed}}, nil
	})
}
