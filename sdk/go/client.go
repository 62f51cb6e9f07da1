package tracklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Trackline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model.
type Issue struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	TrackerID   int64  `json:"tracker_id"`
	StatusID    int64  `json:"status_id"`
	AuthorID    int64  `json:"author_id"`
	AssigneeID  *int64 `json:"assignee_id,omitempty"`
	Subject     string `json:"subject"`
	DoneRatio   int    `json:"done_ratio"`
	LockVersion int64  `json:"lock_version"`
}

// TransitionTarget is one status the caller may move an issue to.
type TransitionTarget struct {
	StatusID        int64  `json:"status_id"`
	StatusName      string `json:"status_name"`
	IsClosed        bool   `json:"is_closed"`
	RequireAssignee bool   `json:"require_assignee"`
	RequireAuthor   bool   `json:"require_author"`
}

// EffectiveRole is one resolved role grant, direct or inherited.
type EffectiveRole struct {
	RoleID        int64  `json:"role_id"`
	RoleName      string `json:"role_name"`
	Inherited     bool   `json:"inherited"`
	InheritedFrom *int64 `json:"inherited_from,omitempty"`
}

// WhoAmI summarizes the caller's standing within a project.
type WhoAmI struct {
	UserID      int64           `json:"user_id"`
	Admin       bool            `json:"admin"`
	Roles       []EffectiveRole `json:"roles"`
	Permissions []string        `json:"permissions"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue in a project.
func (c *Client) CreateIssue(ctx context.Context, projectID, trackerID int64, subject string) (Issue, error) {
	body := map[string]any{
		"tracker_id": trackerID,
		"subject":    subject,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/projects/%d/issues", projectID), body, &resp)
	return resp, err
}

// MoveIssue changes an issue's status, guarded by the lock version.
func (c *Client) MoveIssue(ctx context.Context, issueID, statusID, lockVersion int64) (Issue, error) {
	body := map[string]any{
		"status_id":    statusID,
		"lock_version": lockVersion,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("v0/issues/%d", issueID), body, &resp)
	return resp, err
}

// IssueTransitions returns the statuses the caller may move the issue to.
func (c *Client) IssueTransitions(ctx context.Context, issueID int64) ([]TransitionTarget, error) {
	var resp []TransitionTarget
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/issues/%d/transitions", issueID), nil, &resp)
	return resp, err
}

// EffectiveRoles resolves a user's role set within a project.
func (c *Client) EffectiveRoles(ctx context.Context, projectID, userID int64) ([]EffectiveRole, error) {
	var resp []EffectiveRole
	endpoint := fmt.Sprintf("v0/projects/%d/members/%d/effective-roles", projectID, userID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WhoAmI returns the caller's roles and permissions within a project.
func (c *Client) WhoAmI(ctx context.Context, projectID int64) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/projects/%d/me", projectID), nil, &resp)
	return resp, err
}

// CheckPermission reports whether the caller holds a permission in a project.
// Missing users or projects surface as *APIError with status 404.
func (c *Client) CheckPermission(ctx context.Context, projectID int64, perm string) (bool, error) {
	endpoint := fmt.Sprintf("v0/projects/%d/permissions/%s", projectID, url.PathEscape(perm))
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil)
	if err == nil {
		return true, nil
	}
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusForbidden {
		return false, nil
	}
	return false, err
}

func asAPIError(err error, target **APIError) bool {
	e, ok := err.(*APIError)
	if ok {
		*target = e
	}
	return ok
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
