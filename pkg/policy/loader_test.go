package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tmhk/dock/pkg/telemetry"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return NewLoader(logger)
}

const sampleRego = `# Blocks whisper sends entirely.
package dock.policies.nowhispers

import rego.v1

deny contains violation if {
	input.call.type == "SendStreamWhisper"
	violation := {
		"message": "whispers are disabled",
		"severity": "error",
	}
}
`

func TestLoadFromRegoFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-whispers.rego")
	if err := os.WriteFile(path, []byte(sampleRego), 0644); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t)
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	if len(policies) != 1 {
		t.Fatalf("len(policies) = %d, want 1", len(policies))
	}
	if policies[0].Name != "no-whispers" {
		t.Errorf("Name = %q, want no-whispers", policies[0].Name)
	}
	if policies[0].Description != "Blocks whisper sends entirely." {
		t.Errorf("Description = %q", policies[0].Description)
	}
	if !policies[0].Enabled {
		t.Error("Enabled = false, want true")
	}
}

func TestLoadFromDirectorySkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rule.rego"), []byte(sampleRego), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a policy"), 0644); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t)
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Errorf("len(policies) = %d, want 1", len(policies))
	}
}

func TestLoadFromJSONFile(t *testing.T) {
	dir := t.TempDir()
	content := `{
		"name": "json-rule",
		"description": "from json",
		"rego": "package dock.policies.jsonrule\n\nimport rego.v1\n",
		"severity": "critical",
		"enabled": true
	}`
	path := filepath.Join(dir, "rule.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	l := newTestLoader(t)
	policies, err := l.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}

	if len(policies) != 1 {
		t.Fatalf("len(policies) = %d, want 1", len(policies))
	}
	if policies[0].Severity != SeverityCritical {
		t.Errorf("Severity = %q, want critical", policies[0].Severity)
	}
}

func TestLoadFromMissingPath(t *testing.T) {
	l := newTestLoader(t)
	_, err := l.LoadFromPaths(context.Background(), []string{"/does/not/exist"})
	if err == nil {
		t.Fatal("LoadFromPaths() expected error for missing path")
	}
}

func TestFilePolicyOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	relaxed := `package dock.policies.state

import rego.v1

# Intentionally empty: overrides the built-in disabled-plugin policy.
`
	path := filepath.Join(dir, "disabled-plugin.rego")
	if err := os.WriteFile(path, []byte(relaxed), 0644); err != nil {
		t.Fatal(err)
	}

	e := newTestEngine(t)
	if err := e.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	result, err := e.Check(context.Background(), callInput("GetDisplayName", []any{"user"}, nil, false))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("Allowed = false, want true after override (violations: %+v)", result.Violations)
	}
}
