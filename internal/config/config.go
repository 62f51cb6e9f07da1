package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config models trackline.yml: the permission catalog plus the default
// trackers, statuses, roles and workflow seeded into a fresh database.
type Config struct {
	Permissions map[string]Permission `yaml:"permissions"`
	Statuses    []Status              `yaml:"statuses"`
	Trackers    []TrackerDef          `yaml:"trackers"`
	Roles       map[string]RoleDef    `yaml:"roles"`
	Workflow    []TransitionDef       `yaml:"workflow"`
}

type Permission struct {
	Description string `yaml:"description"`
}

type Status struct {
	Name      string `yaml:"name"`
	IsClosed  bool   `yaml:"is_closed"`
	DoneRatio *int   `yaml:"done_ratio,omitempty"`
}

type TrackerDef struct {
	Name          string `yaml:"name"`
	DefaultStatus string `yaml:"default_status"`
}

type RoleDef struct {
	Builtin          int      `yaml:"builtin,omitempty"`
	Assignable       *bool    `yaml:"assignable,omitempty"`
	Permissions      []string `yaml:"permissions"`
	IssuesVisibility string   `yaml:"issues_visibility,omitempty"`
}

// TransitionDef is one seeded transition rule; empty tracker/old_status/role
// mean "any".
type TransitionDef struct {
	Tracker         string `yaml:"tracker,omitempty"`
	OldStatus       string `yaml:"old_status,omitempty"`
	NewStatus       string `yaml:"new_status"`
	Role            string `yaml:"role,omitempty"`
	RequireAssignee bool   `yaml:"require_assignee,omitempty"`
	RequireAuthor   bool   `yaml:"require_author,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run tl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "trackline.yml")
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultYAML returns the built-in template, suitable as a starter
// trackline.yml.
func DefaultYAML() []byte { return []byte(defaultTemplate) }

// Default returns the built-in default config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	if len(c.Permissions) == 0 {
		return fmt.Errorf("config.permissions is required")
	}
	if len(c.Statuses) == 0 {
		return fmt.Errorf("config.statuses is required")
	}
	statusNames := map[string]bool{}
	for _, s := range c.Statuses {
		if s.Name == "" {
			return fmt.Errorf("config.statuses contains an empty name")
		}
		if statusNames[s.Name] {
			return fmt.Errorf("duplicate status %s", s.Name)
		}
		statusNames[s.Name] = true
	}
	trackerNames := map[string]bool{}
	for _, t := range c.Trackers {
		if t.Name == "" {
			return fmt.Errorf("config.trackers contains an empty name")
		}
		if trackerNames[t.Name] {
			return fmt.Errorf("duplicate tracker %s", t.Name)
		}
		trackerNames[t.Name] = true
		if !statusNames[t.DefaultStatus] {
			return fmt.Errorf("tracker %s references unknown default status %s", t.Name, t.DefaultStatus)
		}
	}
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains an empty role name")
		}
		for _, perm := range role.Permissions {
			if _, ok := c.Permissions[perm]; !ok {
				return fmt.Errorf("role %s references unknown permission %s", name, perm)
			}
		}
		switch role.IssuesVisibility {
		case "", "all", "default", "own":
		default:
			return fmt.Errorf("role %s has invalid issues_visibility %s", name, role.IssuesVisibility)
		}
	}
	for i, w := range c.Workflow {
		if w.NewStatus == "" {
			return fmt.Errorf("workflow[%d] is missing new_status", i)
		}
		if !statusNames[w.NewStatus] {
			return fmt.Errorf("workflow[%d] references unknown status %s", i, w.NewStatus)
		}
		if w.OldStatus != "" && !statusNames[w.OldStatus] {
			return fmt.Errorf("workflow[%d] references unknown status %s", i, w.OldStatus)
		}
		if w.Tracker != "" && !trackerNames[w.Tracker] {
			return fmt.Errorf("workflow[%d] references unknown tracker %s", i, w.Tracker)
		}
		if w.Role != "" {
			if _, ok := c.Roles[w.Role]; !ok {
				return fmt.Errorf("workflow[%d] references unknown role %s", i, w.Role)
			}
		}
	}
	return nil
}

// CheckPermissions verifies that every key exists in the catalog.
func (c *Config) CheckPermissions(perms []string) error {
	for _, p := range perms {
		if _, ok := c.Permissions[p]; !ok {
			return fmt.Errorf("unknown permission %s", p)
		}
	}
	return nil
}

// PermissionKeys returns the sorted catalog keys.
func (c *Config) PermissionKeys() []string {
	keys := make([]string, 0, len(c.Permissions))
	for k := range c.Permissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

const defaultTemplate = `permissions:
  view_issues:
    description: "View issues in the project"
  add_issues:
    description: "Create issues"
  edit_issues:
    description: "Edit issues, including status changes"
  delete_issues:
    description: "Delete issues"
  manage_project:
    description: "Edit project settings and hierarchy"
  manage_members:
    description: "Grant and revoke project roles"
  manage_workflow:
    description: "Edit workflow and field rules"
  manage_roles:
    description: "Create and edit roles"

statuses:
  - name: New
  - name: In Progress
    done_ratio: 10
  - name: Resolved
    done_ratio: 90
  - name: Feedback
  - name: Closed
    is_closed: true
    done_ratio: 100
  - name: Rejected
    is_closed: true

trackers:
  - name: Bug
    default_status: New
  - name: Feature
    default_status: New
  - name: Support
    default_status: New

roles:
  Manager:
    permissions: [view_issues, add_issues, edit_issues, delete_issues, manage_project, manage_members, manage_workflow, manage_roles]
    issues_visibility: all
  Developer:
    permissions: [view_issues, add_issues, edit_issues]
    issues_visibility: default
  Reporter:
    permissions: [view_issues, add_issues]
    issues_visibility: own
  Non member:
    builtin: 1
    assignable: false
    permissions: [view_issues]
    issues_visibility: default
  Anonymous:
    builtin: 2
    assignable: false
    permissions: []
    issues_visibility: default

workflow:
  # Managers may move any issue anywhere.
  - role: Manager
    new_status: In Progress
  - role: Manager
    new_status: Resolved
  - role: Manager
    new_status: Feedback
  - role: Manager
    new_status: Closed
  - role: Manager
    new_status: Rejected
  - role: Manager
    new_status: New

  # Developers work the usual loop.
  - role: Developer
    old_status: New
    new_status: In Progress
  - role: Developer
    old_status: In Progress
    new_status: Resolved
  - role: Developer
    old_status: Feedback
    new_status: In Progress
  - role: Developer
    old_status: Resolved
    new_status: Closed
    require_assignee: true

  # Reporters may only close their own reports.
  - role: Reporter
    old_status: Resolved
    new_status: Closed
    require_author: true
  - role: Reporter
    old_status: Closed
    new_status: New
    require_author: true
`
