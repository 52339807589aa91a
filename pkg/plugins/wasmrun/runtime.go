// Package wasmrun executes WASM plugin bundles under wazero. A bundle
// exports reactor-style functions named on_<hook>; arguments and
// results cross the boundary as JSON in guest linear memory, and the
// guest reaches the host's Parent API through an imported host_call.
package wasmrun

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// defaultHookTimeout bounds a hook call when the caller's context has
// no deadline of its own.
const defaultHookTimeout = 10 * time.Second

// memoryLimitPages caps guest memory at 16 MiB (64 KiB pages).
const memoryLimitPages = 256

// hookPrefix is what a guest export must be named to register as a
// hook listener.
const hookPrefix = "on_"

// hostCallRequest is the JSON document a guest passes to host_call.
type hostCallRequest struct {
	Call string `json:"call"`
	Args []any  `json:"args"`
}

// callEnvelope carries a hook or host-call result back across the
// boundary. Exactly one of the fields is set.
type callEnvelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Runtime is a loaded WASM bundle. Hook calls are serialized; a guest
// instance has a single linear memory and no internal locking.
type Runtime struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	module   api.Module
	memory   api.Memory
	malloc   api.Function
	free     api.Function
	hooks    map[string]api.Function
	checksum string
	logger   *telemetry.Logger
	closed   bool
}

// New instantiates a bundle's WASM entrypoint and collects its hook
// exports. It is a plugins.RuntimeFactory.
func New(ctx context.Context, env *plugins.RuntimeEnv) (plugins.Runtime, error) {
	wasmBytes, err := os.ReadFile(env.Bundle.EntryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read entrypoint: %w", err)
	}

	logger := env.Logger.NewComponentLogger("wasm")

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := instantiateHostModule(ctx, runtime, env, logger); err != nil {
		runtime.Close(ctx)
		return nil, err
	}

	// Reactor convention: run the initializer, not a main.
	moduleConfig := wazero.NewModuleConfig().
		WithName(env.Bundle.ID).
		WithStartFunctions("_initialize")
	module, err := runtime.InstantiateWithConfig(ctx, wasmBytes, moduleConfig)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}

	memory := module.Memory()
	if memory == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module does not export memory")
	}

	malloc := module.ExportedFunction("malloc")
	if malloc == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module does not export malloc")
	}
	free := module.ExportedFunction("free")
	if free == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("module does not export free")
	}

	hooks := make(map[string]api.Function)
	for _, name := range plugins.KnownHooks {
		if fn := module.ExportedFunction(hookPrefix + name); fn != nil {
			hooks[name] = fn
		}
	}

	sum := sha256.Sum256(wasmBytes)

	return &Runtime{
		runtime:  runtime,
		module:   module,
		memory:   memory,
		malloc:   malloc,
		free:     free,
		hooks:    hooks,
		checksum: hex.EncodeToString(sum[:]),
		logger:   logger.WithPluginID(env.Bundle.ID),
	}, nil
}

// instantiateHostModule builds the "env" import module the guest links
// against.
func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, env *plugins.RuntimeEnv, logger *telemetry.Logger) error {
	pluginID := env.Bundle.ID
	bridge := env.Bridge
	notifier := env.Notifier

	builder := runtime.NewHostModuleBuilder("env")

	// host_call takes a JSON {"call": name, "args": [...]} document and
	// returns a packed pointer to a callEnvelope in guest memory.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return writeEnvelope(ctx, mod, envelopeError("host_call request out of bounds"))
			}
			var req hostCallRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return writeEnvelope(ctx, mod, envelopeError(fmt.Sprintf("malformed host_call request: %v", err)))
			}
			result, err := dispatchHostCall(ctx, bridge, &req)
			if err != nil {
				return writeEnvelope(ctx, mod, envelopeError(err.Error()))
			}
			return writeEnvelope(ctx, mod, callEnvelope{Result: result})
		}).
		Export("host_call")

	// host_log mirrors the Starlark parent.Log: journal the line and
	// surface it to the hub as a @log notice.
	builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, ptr, length uint32) {
			data, ok := mod.Memory().Read(ptr, length)
			if !ok {
				return
			}
			msg := string(data)
			logger.WithPluginID(pluginID).Info(msg)
			if notifier != nil {
				notifier.Notify(protocol.OutboundData{
					Type:     protocol.OutboundTypeLog,
					PluginID: pluginID,
					Message:  msg,
				})
			}
		}).
		Export("host_log")

	if _, err := builder.Instantiate(ctx); err != nil {
		return fmt.Errorf("failed to instantiate host module: %w", err)
	}
	return nil
}

// dispatchHostCall routes a named guest call through the bridge. The
// call name is the legacy Parent API name; the policy guard wrapped
// around the caller sees the same name and args a Starlark plugin
// would produce.
func dispatchHostCall(ctx context.Context, bridge *host.Bridge, req *hostCallRequest) (json.RawMessage, error) {
	if req.Call == "" {
		return nil, fmt.Errorf("host_call request has no call name")
	}
	return bridge.Raw(ctx, req.Call, req.Args...)
}

// Checksum returns the SHA-256 of the instantiated module bytes.
func (r *Runtime) Checksum() string {
	return r.checksum
}

// Hooks returns the registered hook names.
func (r *Runtime) Hooks() []string {
	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	return names
}

// HasHook reports whether the bundle exported the named hook.
func (r *Runtime) HasHook(name string) bool {
	_, ok := r.hooks[name]
	return ok
}

// CallHook invokes a hook export with keyword arguments encoded as a
// JSON object. WithCloseOnContextDone makes the deadline interrupt a
// runaway guest mid-execution.
func (r *Runtime) CallHook(ctx context.Context, name string, kwargs map[string]any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("runtime is closed")
	}

	fn, ok := r.hooks[name]
	if !ok {
		return nil, fmt.Errorf("hook %s not registered", name)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultHookTimeout)
		defer cancel()
	}

	if kwargs == nil {
		kwargs = map[string]any{}
	}
	argJSON, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hook arguments: %w", err)
	}

	argPtr, err := r.writeGuest(ctx, argJSON)
	if err != nil {
		return nil, err
	}
	defer r.freeGuest(ctx, argPtr)

	results, err := fn.Call(ctx, uint64(argPtr), uint64(len(argJSON)))
	if err != nil {
		return nil, fmt.Errorf("hook %s failed: %w", name, err)
	}
	if len(results) == 0 || results[0] == 0 {
		return nil, nil
	}

	retPtr, retLen := unpack(results[0])
	data, ok := r.memory.Read(retPtr, retLen)
	if !ok {
		return nil, fmt.Errorf("hook %s returned an out-of-bounds result", name)
	}
	// Copy before freeing; Read aliases guest memory.
	body := make([]byte, len(data))
	copy(body, data)
	r.freeGuest(ctx, retPtr)

	var envelope callEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("hook %s returned malformed result: %w", name, err)
	}
	if envelope.Error != "" {
		return nil, fmt.Errorf("hook %s failed: %s", name, envelope.Error)
	}
	if len(envelope.Result) == 0 {
		return nil, nil
	}
	var result any
	if err := json.Unmarshal(envelope.Result, &result); err != nil {
		return nil, fmt.Errorf("hook %s returned malformed result: %w", name, err)
	}
	return result, nil
}

// writeGuest allocates guest memory and copies data into it.
func (r *Runtime) writeGuest(ctx context.Context, data []byte) (uint32, error) {
	results, err := r.malloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("guest malloc failed: %w", err)
	}
	ptr := uint32(results[0])
	if !r.memory.Write(ptr, data) {
		return 0, fmt.Errorf("guest memory write out of bounds")
	}
	return ptr, nil
}

// freeGuest releases guest memory, tolerating a guest that already
// tore its allocator down.
func (r *Runtime) freeGuest(ctx context.Context, ptr uint32) {
	if ptr == 0 {
		return
	}
	if _, err := r.free.Call(ctx, uint64(ptr)); err != nil {
		r.logger.WithError(err).Debug("guest free failed")
	}
}

// Close closes the module and then the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.hooks = nil

	if r.module != nil {
		if err := r.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close module: %w", err)
		}
	}
	if r.runtime != nil {
		if err := r.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close runtime: %w", err)
		}
	}
	return nil
}

// writeEnvelope marshals an envelope into guest memory via the guest's
// own allocator and packs the location for return.
func writeEnvelope(ctx context.Context, mod api.Module, envelope callEnvelope) uint64 {
	data, err := json.Marshal(envelope)
	if err != nil {
		return 0
	}
	malloc := mod.ExportedFunction("malloc")
	if malloc == nil {
		return 0
	}
	results, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, data) {
		return 0
	}
	return pack(ptr, uint32(len(data)))
}

func envelopeError(msg string) callEnvelope {
	return callEnvelope{Error: msg}
}

// pack folds a guest pointer and length into the single u64 the ABI
// returns.
func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

func unpack(v uint64) (ptr, length uint32) {
	return uint32(v >> 32), uint32(v)
}
