package plugins

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{
			name: "minimal valid",
			data: `{"name": "greeter", "author": "kim", "version": "1.0"}`,
		},
		{
			name: "full valid",
			data: `{
				"name": "greeter",
				"description": "greets chat",
				"author": "kim",
				"version": "2.1.3",
				"runtime": "starlark",
				"dock_version": "0.3",
				"debug": true,
				"protected_dirs": ["data"],
				"capabilities": ["currency", "messaging"],
				"ui_config": {"greeting": {"type": "textbox", "value": "hi"}}
			}`,
		},
		{
			name:    "not json",
			data:    `{"name": `,
			wantErr: true,
		},
		{
			name:    "missing name",
			data:    `{"author": "kim", "version": "1.0"}`,
			wantErr: true,
		},
		{
			name:    "empty name",
			data:    `{"name": "", "author": "kim", "version": "1.0"}`,
			wantErr: true,
		},
		{
			name:    "bad version",
			data:    `{"name": "greeter", "author": "kim", "version": "latest"}`,
			wantErr: true,
		},
		{
			name:    "unknown runtime",
			data:    `{"name": "greeter", "author": "kim", "version": "1.0", "runtime": "python"}`,
			wantErr: true,
		},
		{
			name:    "unknown capability",
			data:    `{"name": "greeter", "author": "kim", "version": "1.0", "capabilities": ["filesystem"]}`,
			wantErr: true,
		},
		{
			name:    "unknown top-level key",
			data:    `{"name": "greeter", "author": "kim", "version": "1.0", "entrypoint": "x.py"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("ParseManifest() expected error")
				}
				if !IsManifestError(err) {
					t.Errorf("error = %v, want a manifest error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if m.Name != "greeter" {
				t.Errorf("Name = %q, want greeter", m.Name)
			}
		})
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(t.TempDir())
	if err == nil {
		t.Fatal("LoadManifest() expected error for empty directory")
	}
}

func TestEnsureIdentity(t *testing.T) {
	dir := t.TempDir()

	id, err := EnsureIdentity(dir)
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("minted id %q is not a UUID", id)
	}

	again, err := EnsureIdentity(dir)
	if err != nil {
		t.Fatalf("EnsureIdentity() second call error = %v", err)
	}
	if again != id {
		t.Errorf("id changed across calls: %q then %q", id, again)
	}
}

func TestEnsureIdentityReplacesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, IdentityFile)
	if err := os.WriteFile(path, []byte("not-a-uuid\n"), 0644); err != nil {
		t.Fatal(err)
	}

	id, err := EnsureIdentity(dir)
	if err != nil {
		t.Fatalf("EnsureIdentity() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("replacement id %q is not a UUID", id)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != id {
		t.Error("replacement id was not persisted")
	}
}

func writeBundle(t *testing.T, manifest string, entrypoints ...string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	for _, name := range entrypoints {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestResolveBundle(t *testing.T) {
	t.Run("declared starlark", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0", "runtime": "starlark"}`, EntrypointStarlark)
		bundle, err := ResolveBundle(dir)
		if err != nil {
			t.Fatalf("ResolveBundle() error = %v", err)
		}
		if bundle.RuntimeName != RuntimeStarlark {
			t.Errorf("runtime = %q, want starlark", bundle.RuntimeName)
		}
		if bundle.EntryPath != filepath.Join(bundle.Dir, EntrypointStarlark) {
			t.Errorf("entrypoint = %q", bundle.EntryPath)
		}
	})

	t.Run("declared wasm missing entrypoint", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0", "runtime": "wasm"}`, EntrypointStarlark)
		if _, err := ResolveBundle(dir); err == nil {
			t.Fatal("ResolveBundle() accepted a wasm bundle without plugin.wasm")
		}
	})

	t.Run("detected wasm", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0"}`, EntrypointWASM)
		bundle, err := ResolveBundle(dir)
		if err != nil {
			t.Fatalf("ResolveBundle() error = %v", err)
		}
		if bundle.RuntimeName != RuntimeWASM {
			t.Errorf("runtime = %q, want wasm", bundle.RuntimeName)
		}
	})

	t.Run("starlark wins detection", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0"}`, EntrypointStarlark, EntrypointWASM)
		bundle, err := ResolveBundle(dir)
		if err != nil {
			t.Fatalf("ResolveBundle() error = %v", err)
		}
		if bundle.RuntimeName != RuntimeStarlark {
			t.Errorf("runtime = %q, want starlark", bundle.RuntimeName)
		}
	})

	t.Run("no entrypoint", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0"}`)
		if _, err := ResolveBundle(dir); err == nil {
			t.Fatal("ResolveBundle() accepted a bundle without an entrypoint")
		}
	})

	t.Run("identity stable across resolves", func(t *testing.T) {
		dir := writeBundle(t, `{"name": "a", "author": "b", "version": "1.0"}`, EntrypointStarlark)
		first, err := ResolveBundle(dir)
		if err != nil {
			t.Fatal(err)
		}
		second, err := ResolveBundle(dir)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID {
			t.Errorf("id changed: %q then %q", first.ID, second.ID)
		}
	})
}

func TestShimName(t *testing.T) {
	id := "5f2b8a1c-9d3e-4f6a-b7c8-0123456789ab"
	if got := ShimName(id); got != "dockmanaged@5f2b8a1c" {
		t.Errorf("ShimName() = %q, want dockmanaged@5f2b8a1c", got)
	}
	if got := ShimName("abc"); got != "dockmanaged@abc" {
		t.Errorf("ShimName() = %q, want dockmanaged@abc", got)
	}
}
