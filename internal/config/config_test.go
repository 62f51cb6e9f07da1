package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	if len(cfg.Workflow) == 0 {
		t.Fatal("default config ships a workflow")
	}
	if _, ok := cfg.Roles["Non member"]; !ok {
		t.Fatal("default config ships the builtin roles")
	}
}

func TestFromYAMLCrossReferences(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{
			"role with unknown permission",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
roles:
  Dev:
    permissions: [fly_spaceships]
`,
		},
		{
			"tracker with unknown default status",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
trackers:
  - name: Bug
    default_status: Missing
`,
		},
		{
			"workflow referencing unknown status",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
workflow:
  - new_status: Done
`,
		},
		{
			"workflow missing new_status",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
workflow:
  - old_status: New
`,
		},
		{
			"invalid issues_visibility",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
roles:
  Dev:
    permissions: [view_issues]
    issues_visibility: everything
`,
		},
		{
			"duplicate status",
			`permissions:
  view_issues: {description: view}
statuses:
  - name: New
  - name: New
`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFromYAMLMinimal(t *testing.T) {
	cfg, err := FromYAML([]byte(`permissions:
  view_issues: {description: view}
statuses:
  - name: Open
  - name: Done
    is_closed: true
    done_ratio: 100
trackers:
  - name: Task
    default_status: Open
roles:
  Member:
    permissions: [view_issues]
workflow:
  - role: Member
    old_status: Open
    new_status: Done
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Statuses[1].DoneRatio == nil || *cfg.Statuses[1].DoneRatio != 100 {
		t.Fatalf("expected done_ratio 100, got %+v", cfg.Statuses[1])
	}
	if cfg.Workflow[0].Role != "Member" || cfg.Workflow[0].Tracker != "" {
		t.Fatalf("unexpected workflow entry %+v", cfg.Workflow[0])
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file should fall back to defaults: %v", err)
	}
	if len(cfg.Permissions) == 0 {
		t.Fatal("expected default permission catalog")
	}

	// A present file overrides the defaults.
	custom := `permissions:
  view_issues: {description: view}
statuses:
  - name: Open
`
	if err := os.WriteFile(filepath.Join(dir, "trackline.yml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Statuses) != 1 || cfg.Statuses[0].Name != "Open" {
		t.Fatalf("expected custom statuses, got %+v", cfg.Statuses)
	}

	// A broken file is an error, not a silent fallback.
	if err := os.WriteFile(filepath.Join(dir, "trackline.yml"), []byte("statuses: {"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadOptional(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPermissionHelpers(t *testing.T) {
	cfg := Default()
	if err := cfg.CheckPermissions([]string{"view_issues", "manage_workflow"}); err != nil {
		t.Fatalf("known permissions: %v", err)
	}
	if err := cfg.CheckPermissions([]string{"view_issues", "nope"}); err == nil {
		t.Fatal("unknown permission must be rejected")
	}
	keys := cfg.PermissionKeys()
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys must be sorted, got %v", keys)
		}
	}
}
