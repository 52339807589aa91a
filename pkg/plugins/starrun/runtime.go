// Package starrun executes Starlark plugin bundles. The entrypoint runs
// once at load; its global functions named on_<hook> become the
// bundle's hook listeners.
package starrun

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/telemetry"
)

// defaultHookTimeout bounds a hook call when the caller's context has
// no deadline of its own.
const defaultHookTimeout = 10 * time.Second

// hookPrefix is what a global function must be named to register as a
// hook listener.
const hookPrefix = "on_"

// Runtime is a loaded Starlark bundle. Hook calls are serialized; the
// interpreter's globals are not safe for concurrent use.
type Runtime struct {
	mu      sync.Mutex
	hooks   map[string]starlark.Callable
	globals starlark.StringDict
	logger  *telemetry.Logger
	closed  bool
}

// New executes a bundle's entrypoint and collects its hook listeners.
// It is a plugins.RuntimeFactory.
func New(ctx context.Context, env *plugins.RuntimeEnv) (plugins.Runtime, error) {
	script, err := os.ReadFile(env.Bundle.EntryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read entrypoint: %w", err)
	}

	logger := env.Logger.NewComponentLogger("starlark")

	thread := &starlark.Thread{
		Name: env.Bundle.ID,
		Print: func(_ *starlark.Thread, msg string) {
			logger.WithField("script", true).Debug(msg)
		},
	}
	thread.SetLocal(ctxLocal, ctx)

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"parent": parentModule(env.Bundle.ID, env.Bridge, env.Notifier, logger),
	}

	globals, err := starlark.ExecFile(thread, env.Bundle.EntryPath, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("entrypoint execution failed: %w", err)
	}

	hooks := make(map[string]starlark.Callable)
	for _, name := range plugins.KnownHooks {
		val, ok := globals[hookPrefix+name]
		if !ok {
			continue
		}
		callable, ok := val.(starlark.Callable)
		if !ok {
			return nil, fmt.Errorf("global %s%s is %s, not a function", hookPrefix, name, val.Type())
		}
		hooks[name] = callable
	}

	return &Runtime{
		hooks:   hooks,
		globals: globals,
		logger:  logger,
	}, nil
}

// Hooks returns the registered hook names.
func (r *Runtime) Hooks() []string {
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	return names
}

// HasHook reports whether the bundle registered the named hook.
func (r *Runtime) HasHook(name string) bool {
	_, ok := r.hooks[name]
	return ok
}

// CallHook invokes a hook with keyword arguments. The call runs on its
// own goroutine so a runaway script can be cancelled at the deadline.
func (r *Runtime) CallHook(ctx context.Context, name string, kwargs map[string]any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("runtime is closed")
	}

	callable, ok := r.hooks[name]
	if !ok {
		return nil, fmt.Errorf("hook %s not registered", name)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHookTimeout)
		defer cancel()
	}

	starlarkKwargs := make([]starlark.Tuple, 0, len(kwargs))
	for key, val := range kwargs {
		sv, err := toStarlark(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %s: %w", key, err)
		}
		starlarkKwargs = append(starlarkKwargs, starlark.Tuple{starlark.String(key), sv})
	}

	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			r.logger.WithField("script", true).Debug(msg)
		},
	}
	thread.SetLocal(ctxLocal, ctx)

	type callResult struct {
		value starlark.Value
		err   error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		value, err := starlark.Call(thread, callable, nil, starlarkKwargs)
		resultCh <- callResult{value, err}
	}()

	select {
	case <-ctx.Done():
		// Cancel stops the interpreter at its next safepoint; the
		// goroutine then delivers the cancellation error and exits.
		thread.Cancel(ctx.Err().Error())
		res := <-resultCh
		if res.err != nil {
			return nil, fmt.Errorf("hook %s cancelled: %w", name, ctx.Err())
		}
		return fromStarlark(res.value)
	case res := <-resultCh:
		if res.err != nil {
			return nil, fmt.Errorf("hook %s failed: %w", name, res.err)
		}
		return fromStarlark(res.value)
	}
}

// Close tears the runtime down.
func (r *Runtime) Close(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.hooks = nil
	r.globals = nil
	return nil
}
