package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ManifestFile is the bundle manifest filename.
const ManifestFile = "plugin.json"

// IdentityFile persists a bundle's UUID across reloads and reinstalls.
const IdentityFile = ".dock-id"

// Runtime names accepted in manifests.
const (
	RuntimeStarlark = "starlark"
	RuntimeWASM     = "wasm"
)

// Entrypoint filenames per runtime.
const (
	EntrypointStarlark = "plugin.star"
	EntrypointWASM     = "plugin.wasm"
)

// Manifest is a parsed plugin.json.
type Manifest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Author      string `json:"author" validate:"required"`
	Version     string `json:"version" validate:"required"`

	// Runtime selects the execution runtime. Empty means detect from
	// the entrypoint file present in the bundle.
	Runtime string `json:"runtime,omitempty" validate:"omitempty,oneof=starlark wasm"`

	// DockVersion is the minimum daemon version the bundle needs.
	DockVersion string `json:"dock_version,omitempty"`

	// Debug adds a reload button to the generated shim UI.
	Debug bool `json:"debug,omitempty"`

	// ProtectedDirs are bundle-relative directories the updater must
	// leave alone (user data, downloads).
	ProtectedDirs []string `json:"protected_dirs,omitempty"`

	// Capabilities declares the host-API capability groups the bundle
	// needs. The policy gate refuses calls outside them.
	Capabilities []string `json:"capabilities,omitempty"`

	// UIConfig holds host UI widget definitions merged into the shim's
	// UI_Config.json, keyed by setting name.
	UIConfig map[string]json.RawMessage `json:"ui_config,omitempty"`
}

// manifestSchema constrains plugin.json beyond what decoding catches:
// version shape, runtime and capability enums, no unknown top-level
// keys.
const manifestSchema = `
#Manifest: {
	name:    string & !=""
	author:  string & !=""
	version: string & =~"^[0-9]+\\.[0-9]+(\\.[0-9]+)?([-+].*)?$"

	description?:    string
	runtime?:        "starlark" | "wasm"
	dock_version?:   string & =~"^[0-9]+\\.[0-9]+(\\.[0-9]+)?$"
	debug?:          bool
	protected_dirs?: [...string & !=""]
	capabilities?: [...("currency" | "messaging" | "events" | "viewers" | "media")]
	ui_config?: {[string]: _}
}
`

var (
	schemaOnce  sync.Once
	schemaValue cue.Value
	schemaCtx   *cue.Context
)

func manifestSchemaValue() (*cue.Context, cue.Value) {
	schemaOnce.Do(func() {
		schemaCtx = cuecontext.New()
		schemaValue = schemaCtx.CompileString(manifestSchema).LookupPath(cue.ParsePath("#Manifest"))
	})
	return schemaCtx, schemaValue
}

// LoadManifest reads and validates the manifest in the given bundle
// directory.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewManifestError(fmt.Sprintf("failed to read %s", ManifestFile), err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates raw manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	// Schema check first, against the raw document, so errors name the
	// offending key rather than a Go field.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewManifestError("manifest is not valid JSON", err)
	}

	ctx, schema := manifestSchemaValue()
	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return nil, NewManifestError("failed to encode manifest for validation", err)
	}
	if err := schema.Unify(doc).Validate(cue.Concrete(true)); err != nil {
		return nil, NewManifestError("manifest failed schema validation", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, NewManifestError("failed to decode manifest", err)
	}

	if err := validator.New().Struct(&m); err != nil {
		return nil, NewManifestError("manifest failed validation", err)
	}

	return &m, nil
}

// Bundle is a resolved plugin bundle: directory, manifest, persistent
// identity, and entrypoint.
type Bundle struct {
	// Dir is the absolute bundle directory.
	Dir string

	// ID is the plugin's persistent UUID.
	ID string

	// Manifest is the validated manifest.
	Manifest *Manifest

	// RuntimeName is the resolved runtime ("starlark" or "wasm").
	RuntimeName string

	// EntryPath is the absolute entrypoint path.
	EntryPath string
}

// ResolveBundle loads the manifest, resolves the identity file, and
// locates the entrypoint for the bundle in dir.
func ResolveBundle(dir string) (*Bundle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, NewManifestError("failed to resolve bundle directory", err)
	}

	m, err := LoadManifest(abs)
	if err != nil {
		return nil, err
	}

	id, err := EnsureIdentity(abs)
	if err != nil {
		return nil, err
	}

	runtimeName, entry, err := resolveEntrypoint(abs, m.Runtime)
	if err != nil {
		return nil, err
	}

	return &Bundle{
		Dir:         abs,
		ID:          id,
		Manifest:    m,
		RuntimeName: runtimeName,
		EntryPath:   entry,
	}, nil
}

// EnsureIdentity reads the bundle's identity file, minting and
// persisting a new UUID when none exists. Reloads and reinstalls keep
// the same id as long as the file travels with the bundle.
func EnsureIdentity(dir string) (string, error) {
	path := filepath.Join(dir, IdentityFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// A corrupt identity file gets replaced rather than failing
		// the load forever.
	} else if !os.IsNotExist(err) {
		return "", NewManifestError("failed to read identity file", err)
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", NewManifestError("failed to write identity file", err)
	}
	return id, nil
}

// resolveEntrypoint picks the runtime and entrypoint for a bundle. An
// explicit manifest runtime must have its entrypoint present; with no
// runtime declared, whichever entrypoint exists wins, Starlark first.
func resolveEntrypoint(dir, declared string) (string, string, error) {
	exists := func(name string) (string, bool) {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
		return "", false
	}

	switch declared {
	case RuntimeStarlark:
		if p, ok := exists(EntrypointStarlark); ok {
			return RuntimeStarlark, p, nil
		}
		return "", "", NewManifestError(fmt.Sprintf("manifest declares runtime %s but %s is missing", declared, EntrypointStarlark), nil)
	case RuntimeWASM:
		if p, ok := exists(EntrypointWASM); ok {
			return RuntimeWASM, p, nil
		}
		return "", "", NewManifestError(fmt.Sprintf("manifest declares runtime %s but %s is missing", declared, EntrypointWASM), nil)
	case "":
		if p, ok := exists(EntrypointStarlark); ok {
			return RuntimeStarlark, p, nil
		}
		if p, ok := exists(EntrypointWASM); ok {
			return RuntimeWASM, p, nil
		}
		return "", "", NewManifestError(fmt.Sprintf("bundle has neither %s nor %s", EntrypointStarlark, EntrypointWASM), nil)
	default:
		return "", "", NewManifestError(fmt.Sprintf("unknown runtime %q", declared), nil)
	}
}

// ShimName derives the host-side shim script name for a plugin id:
// "dockmanaged@" plus the first eight characters of the id.
func ShimName(id string) string {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return "dockmanaged@" + short
}
