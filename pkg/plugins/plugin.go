package plugins

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tmhk/dock/pkg/policy"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// Notifier delivers unsolicited notices to the hub. The outbound queue
// satisfies it.
type Notifier interface {
	Notify(data protocol.OutboundData)
}

// Plugin is a loaded bundle with its runtime and mutable state.
type Plugin struct {
	bundle   *Bundle
	runtime  Runtime
	logger   *telemetry.Logger
	notifier Notifier

	mu       sync.RWMutex
	enabled  bool
	settings json.RawMessage
	closed   bool
}

// NewPlugin wraps a bundle and its runtime. Plugins start enabled; the
// hub delivers the real state with an initial-state payload.
func NewPlugin(bundle *Bundle, runtime Runtime, notifier Notifier, logger *telemetry.Logger) *Plugin {
	return &Plugin{
		bundle:   bundle,
		runtime:  runtime,
		logger:   logger.WithPlugin(bundle.ID, bundle.Manifest.Name),
		notifier: notifier,
		enabled:  true,
	}
}

// ID returns the plugin's persistent UUID.
func (p *Plugin) ID() string { return p.bundle.ID }

// Name returns the manifest name.
func (p *Plugin) Name() string { return p.bundle.Manifest.Name }

// Bundle returns the resolved bundle.
func (p *Plugin) Bundle() *Bundle { return p.bundle }

// Manifest returns the validated manifest.
func (p *Plugin) Manifest() *Manifest { return p.bundle.Manifest }

// Enabled reports the plugin's current state.
func (p *Plugin) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.enabled
}

// Settings returns the last settings document delivered to the plugin.
func (p *Plugin) Settings() json.RawMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

func (p *Plugin) setEnabled(enabled bool) {
	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()
}

func (p *Plugin) setSettings(settings json.RawMessage) {
	p.mu.Lock()
	p.settings = settings
	p.mu.Unlock()
}

// policyInfo describes the plugin to the policy gate.
func (p *Plugin) policyInfo() *policy.PluginInfo {
	caps := p.bundle.Manifest.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return &policy.PluginInfo{
		ID:           p.bundle.ID,
		Name:         p.bundle.Manifest.Name,
		Enabled:      p.Enabled(),
		Capabilities: caps,
	}
}

// HasHook reports whether the bundle registered the named hook.
func (p *Plugin) HasHook(name string) bool {
	return p.runtime.HasHook(name)
}

// Invoke runs a hook. A missing hook is a silent no-op. Hook failures
// are routed to the bundle's own error hook; failures of the error hook
// itself, or a missing one, surface as an @error notice to the hub.
// The original error is still returned so callers can journal it.
func (p *Plugin) Invoke(ctx context.Context, hook string, kwargs map[string]any) (any, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, NewRuntimeError("plugin is closed", nil).WithPlugin(p.ID()).WithHook(hook)
	}

	if !p.runtime.HasHook(hook) {
		return nil, nil
	}

	var result any
	err := telemetry.RecordHookOperation(ctx, p.ID(), p.Name(), hook, func(ctx context.Context) error {
		var hookErr error
		result, hookErr = p.runtime.CallHook(ctx, hook, kwargs)
		return hookErr
	})
	if err == nil {
		return result, nil
	}

	wrapped := NewHookError("hook failed", err).WithPlugin(p.ID()).WithHook(hook)
	p.logger.WithError(err).WithField("hook", hook).Warn("hook failed")

	if hook != HookError {
		p.routeToErrorHook(ctx, hook, err)
	} else {
		p.reportError(err.Error())
	}

	return nil, wrapped
}

// routeToErrorHook delivers a hook failure to the bundle's error hook.
func (p *Plugin) routeToErrorHook(ctx context.Context, failedHook string, hookErr error) {
	if !p.runtime.HasHook(HookError) {
		p.reportError(hookErr.Error())
		return
	}

	kwargs := map[string]any{
		"hook":  failedHook,
		"error": hookErr.Error(),
	}
	err := telemetry.RecordHookOperation(ctx, p.ID(), p.Name(), HookError, func(ctx context.Context) error {
		_, callErr := p.runtime.CallHook(ctx, HookError, kwargs)
		return callErr
	})
	if err != nil {
		// The error handler itself blew up. Nothing left to do inside
		// the plugin; tell the hub.
		p.logger.WithError(err).Warn("error hook failed")
		p.reportError(err.Error())
	}
}

// reportError sends an @error notice upstream.
func (p *Plugin) reportError(message string) {
	if p.notifier == nil {
		return
	}
	p.notifier.Notify(protocol.OutboundData{
		Type:     protocol.OutboundTypeError,
		PluginID: p.ID(),
		Message:  message,
	})
}

// Close runs the unload hook and tears the runtime down. Safe to call
// more than once.
func (p *Plugin) Close(ctx context.Context) error {
	return p.shutdown(ctx, true)
}

// Evict tears the runtime down without running the unload hook, for a
// non-graceful kill where plugin code must not run again.
func (p *Plugin) Evict(ctx context.Context) error {
	return p.shutdown(ctx, false)
}

func (p *Plugin) shutdown(ctx context.Context, runUnload bool) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if runUnload && p.runtime.HasHook(HookUnload) {
		if _, err := p.runtime.CallHook(ctx, HookUnload, nil); err != nil {
			p.logger.WithError(err).Warn("unload hook failed")
		}
	}

	return p.runtime.Close(ctx)
}
