package plugins

import (
	"context"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/telemetry"
)

// Hook names a runtime may register listeners for. Starlark bundles
// register by defining a global function named on_<hook>; WASM bundles
// by exporting a function of the same name.
const (
	HookMessage    = "message"
	HookRawMessage = "raw_message"
	HookParse      = "parse"
	HookEnable     = "enable"
	HookDisable    = "disable"
	HookSettings   = "settings"
	HookButton     = "button"
	HookUnload     = "unload"
	HookError      = "error"
)

// KnownHooks lists every hook name the dispatcher will ever invoke.
var KnownHooks = []string{
	HookMessage, HookRawMessage, HookParse, HookEnable, HookDisable,
	HookSettings, HookButton, HookUnload, HookError,
}

// Runtime executes a loaded bundle's hooks. Implementations live in the
// starrun and wasmrun subpackages.
type Runtime interface {
	// Hooks returns the hook names the bundle registered listeners for.
	Hooks() []string

	// HasHook reports whether the bundle registered the named hook.
	HasHook(name string) bool

	// CallHook invokes the named hook with keyword arguments and
	// returns its result converted to a Go value (nil for hooks that
	// return nothing).
	CallHook(ctx context.Context, name string, kwargs map[string]any) (any, error)

	// Close tears the runtime down. No hooks run after Close.
	Close(ctx context.Context) error
}

// RuntimeEnv is what a runtime factory gets to work with: the resolved
// bundle and the plugin's view of the host.
type RuntimeEnv struct {
	// Bundle is the resolved bundle being loaded.
	Bundle *Bundle

	// Bridge is the policy-guarded host bridge for this plugin.
	Bridge *host.Bridge

	// Notifier delivers @log notices the bundle emits.
	Notifier Notifier

	// Logger is scoped to the plugin.
	Logger *telemetry.Logger
}

// RuntimeFactory builds a runtime for a bundle. Factories are keyed by
// the manifest's runtime name ("starlark", "wasm").
type RuntimeFactory func(ctx context.Context, env *RuntimeEnv) (Runtime, error)
