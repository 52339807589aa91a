package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/policy"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/store"
	"github.com/tmhk/dock/pkg/telemetry"
)

// ReloadButtonElement is the UI element name the generated debug shim
// wires to its reload button. Button payloads for it reload the plugin
// instead of reaching the bundle.
const ReloadButtonElement = "__dock_reload"

// Manager owns the loaded plugins: lifecycle, payload dispatch, and the
// registry bookkeeping around both. It implements the server's
// PluginManager interface.
type Manager struct {
	pluginsDir string
	caller     host.Caller
	notifier   Notifier
	engine     *policy.Engine
	registry   *store.SQLiteStore
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger

	factories map[string]RuntimeFactory

	mu      sync.RWMutex
	plugins map[string]*Plugin
}

// NewManager creates a plugin manager. registry may be nil, in which
// case nothing is persisted. Runtimes must be registered before any
// bundle using them loads.
func NewManager(pluginsDir string, caller host.Caller, notifier Notifier,
	engine *policy.Engine, registry *store.SQLiteStore, tel *telemetry.Telemetry) *Manager {
	return &Manager{
		pluginsDir: pluginsDir,
		caller:     caller,
		notifier:   notifier,
		engine:     engine,
		registry:   registry,
		tel:        tel,
		logger:     tel.Logger.NewComponentLogger("plugins"),
		factories:  make(map[string]RuntimeFactory),
		plugins:    make(map[string]*Plugin),
	}
}

// RegisterRuntime registers a runtime factory under its manifest name.
func (m *Manager) RegisterRuntime(name string, factory RuntimeFactory) {
	m.factories[name] = factory
}

// resolveDir turns a load request's directory into an absolute bundle
// path. Relative paths are anchored at the plugins dir.
func (m *Manager) resolveDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(m.pluginsDir, dir)
}

// Load loads the bundle in the given directory and returns its
// persistent id. Loading an already-loaded bundle tears the old
// instance down first.
func (m *Manager) Load(ctx context.Context, directory string) (string, error) {
	dir := m.resolveDir(directory)

	bundle, err := ResolveBundle(dir)
	if err != nil {
		m.journal(ctx, nil, store.EventLevelError, fmt.Sprintf("failed to resolve bundle in %s: %v", directory, err))
		return "", err
	}

	if existing := m.get(bundle.ID); existing != nil {
		m.logger.WithPluginID(bundle.ID).Debug("bundle already loaded, replacing")
		if err := m.Unload(ctx, bundle.ID); err != nil {
			m.logger.WithError(err).WithPluginID(bundle.ID).Warn("failed to unload previous instance")
		}
	}

	factory, ok := m.factories[bundle.RuntimeName]
	if !ok {
		err := NewManifestError(fmt.Sprintf("no runtime registered for %q", bundle.RuntimeName), nil).WithPlugin(bundle.ID)
		m.recordLoadFailure(ctx, bundle, err)
		return bundle.ID, err
	}

	plugin := NewPlugin(bundle, nil, m.notifier, m.tel.Logger)
	bridge := host.NewBridge(newGuardedCaller(m.caller, m.engine, plugin))

	runtime, err := factory(ctx, &RuntimeEnv{
		Bundle:   bundle,
		Bridge:   bridge,
		Notifier: m.notifier,
		Logger:   m.tel.Logger.WithPlugin(bundle.ID, bundle.Manifest.Name),
	})
	if err != nil {
		wrapped := NewRuntimeError("failed to initialize runtime", err).WithPlugin(bundle.ID)
		m.recordLoadFailure(ctx, bundle, wrapped)
		return bundle.ID, wrapped
	}
	plugin.runtime = runtime

	m.applyStoredState(ctx, plugin)

	m.mu.Lock()
	m.plugins[bundle.ID] = plugin
	count := len(m.plugins)
	m.mu.Unlock()
	m.tel.Metrics.SetPluginsLoaded(float64(count))

	m.persistLoad(ctx, plugin)
	m.journal(ctx, &bundle.ID, store.EventLevelInfo,
		fmt.Sprintf("loaded %s %s (%s)", bundle.Manifest.Name, bundle.Manifest.Version, bundle.RuntimeName))
	m.logger.WithPlugin(bundle.ID, bundle.Manifest.Name).
		WithField("runtime", bundle.RuntimeName).Info("plugin loaded")

	return bundle.ID, nil
}

// applyStoredState restores a plugin's enabled flag and redelivers its
// stored settings after a load.
func (m *Manager) applyStoredState(ctx context.Context, plugin *Plugin) {
	if m.registry == nil {
		return
	}
	rec, err := m.registry.GetPlugin(ctx, plugin.ID())
	if err != nil {
		return
	}

	plugin.setEnabled(rec.Enabled)

	if rec.Settings != nil && *rec.Settings != "" {
		raw := json.RawMessage(*rec.Settings)
		plugin.setSettings(raw)
		m.deliverSettings(ctx, plugin, raw)
	}
}

// deliverSettings decodes a settings document and invokes the settings
// hook with it.
func (m *Manager) deliverSettings(ctx context.Context, plugin *Plugin, raw json.RawMessage) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		m.logger.WithError(err).WithPluginID(plugin.ID()).Warn("settings document is not a JSON object")
		return
	}
	if _, err := plugin.Invoke(ctx, HookSettings, map[string]any{"settings": doc}); err != nil {
		m.journal(ctx, ptr(plugin.ID()), store.EventLevelError, fmt.Sprintf("settings hook failed: %v", err))
	}
}

// persistLoad upserts the registry row for a freshly loaded plugin,
// preserving onboarding fields the manager does not own.
func (m *Manager) persistLoad(ctx context.Context, plugin *Plugin) {
	if m.registry == nil {
		return
	}

	bundle := plugin.Bundle()
	now := time.Now().UTC()
	rec := &store.PluginRecord{
		ID:           bundle.ID,
		Name:         bundle.Manifest.Name,
		Version:      bundle.Manifest.Version,
		Author:       bundle.Manifest.Author,
		Description:  bundle.Manifest.Description,
		Directory:    bundle.Dir,
		ShimName:     ShimName(bundle.ID),
		Runtime:      bundle.RuntimeName,
		Enabled:      plugin.Enabled(),
		Protected:    len(bundle.Manifest.ProtectedDirs) > 0,
		LastLoadedAt: &now,
	}

	if existing, err := m.registry.GetPlugin(ctx, bundle.ID); err == nil {
		rec.ShimName = existing.ShimName
		rec.Settings = existing.Settings
	}

	if err := m.registry.UpsertPlugin(ctx, rec); err != nil {
		m.logger.WithError(err).WithPluginID(bundle.ID).Warn("failed to persist plugin record")
	}
}

// recordLoadFailure journals a failed load and stores the error against
// the registry row when one exists.
func (m *Manager) recordLoadFailure(ctx context.Context, bundle *Bundle, loadErr error) {
	m.logger.WithError(loadErr).WithPluginID(bundle.ID).Error("plugin load failed")
	m.journal(ctx, &bundle.ID, store.EventLevelError, fmt.Sprintf("load failed: %v", loadErr))

	if m.registry != nil {
		msg := loadErr.Error()
		if err := m.registry.SetPluginError(ctx, bundle.ID, &msg); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.WithError(err).Warn("failed to record load error")
		}
	}
}

// Reload tears a plugin down and loads it fresh from its directory. The
// identity file keeps the id stable across the round trip.
func (m *Manager) Reload(ctx context.Context, pluginID string) error {
	plugin := m.get(pluginID)
	if plugin == nil {
		return NewNotFoundError(pluginID)
	}
	dir := plugin.Bundle().Dir

	if err := m.Unload(ctx, pluginID); err != nil {
		return err
	}
	if _, err := m.Load(ctx, dir); err != nil {
		return err
	}
	return nil
}

// Unload runs the unload hook, tears the runtime down, and forgets the
// plugin. The registry row stays; the bundle is still installed.
func (m *Manager) Unload(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	plugin, ok := m.plugins[pluginID]
	if ok {
		delete(m.plugins, pluginID)
	}
	count := len(m.plugins)
	m.mu.Unlock()

	if !ok {
		return NewNotFoundError(pluginID)
	}

	m.tel.Metrics.SetPluginsLoaded(float64(count))
	err := plugin.Close(ctx)
	m.journal(ctx, &pluginID, store.EventLevelInfo, "plugin unloaded")
	if err != nil {
		return NewRuntimeError("unload failed", err).WithPlugin(pluginID)
	}
	return nil
}

// Close unloads every plugin, for graceful daemon shutdown. Unload
// hooks run.
func (m *Manager) Close(ctx context.Context) {
	m.drain(ctx, (*Plugin).Close)
}

// Evict drops every plugin without running unload hooks, for a
// non-graceful kill.
func (m *Manager) Evict(ctx context.Context) {
	m.drain(ctx, (*Plugin).Evict)
}

func (m *Manager) drain(ctx context.Context, stop func(*Plugin, context.Context) error) {
	m.mu.Lock()
	plugins := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		plugins = append(plugins, p)
	}
	m.plugins = make(map[string]*Plugin)
	m.mu.Unlock()

	for _, p := range plugins {
		if err := stop(p, ctx); err != nil {
			m.logger.WithError(err).WithPluginID(p.ID()).Warn("plugin close failed")
		}
	}
	m.tel.Metrics.SetPluginsLoaded(0)
}

// LoadTracked loads every bundle the registry knows at startup. Bundles
// that fail keep their error in the registry and do not stop the rest.
func (m *Manager) LoadTracked(ctx context.Context) {
	if m.registry == nil {
		return
	}
	records, err := m.registry.ListPlugins(ctx)
	if err != nil {
		m.logger.WithError(err).Error("failed to list tracked plugins")
		return
	}
	for _, rec := range records {
		if _, err := m.Load(ctx, rec.Directory); err != nil {
			m.logger.WithError(err).WithPluginID(rec.ID).Warn("tracked bundle failed to load")
		}
	}
}

// get returns a loaded plugin by id, or nil.
func (m *Manager) get(id string) *Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[id]
}

// Plugins returns the loaded plugins.
func (m *Manager) Plugins() []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, p)
	}
	return out
}

// enabledPlugins returns the loaded plugins that are currently enabled.
func (m *Manager) enabledPlugins() []*Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		if p.Enabled() {
			out = append(out, p)
		}
	}
	return out
}

// Dispatch routes an inbound payload. Payloads addressed to an unknown
// plugin are logged and discarded; the host must never see an error for
// them.
func (m *Manager) Dispatch(ctx context.Context, payload *protocol.InboundPayload) error {
	timer := telemetry.NewTimer()
	defer func() {
		m.tel.Metrics.RecordDispatch(payload.Type.String(), timer.Duration())
	}()

	switch payload.Type {
	case protocol.PayloadTypeExecute:
		return m.dispatchExecute(ctx, payload)
	case protocol.PayloadTypeParse:
		// Parse payloads normally arrive on the synchronous route; one
		// landing here runs the hook with the result discarded.
		plugin := m.get(payload.PluginID)
		if plugin == nil {
			m.dropUnknown(payload)
			return nil
		}
		var req protocol.Parse
		if err := protocol.DecodeData(payload.Data, &req); err != nil {
			return err
		}
		_, err := plugin.Invoke(ctx, HookParse, host.ParseRequestFromPayload(&req).Map())
		return err
	case protocol.PayloadTypeStateToggle, protocol.PayloadTypeInitialState:
		return m.dispatchStateToggle(ctx, payload)
	case protocol.PayloadTypeSettingsReload, protocol.PayloadTypeInitialSettings:
		return m.dispatchSettings(ctx, payload)
	case protocol.PayloadTypeButton:
		return m.dispatchButton(ctx, payload)
	default:
		return fmt.Errorf("unhandled payload type %d", payload.Type)
	}
}

// dispatchExecute fans a chat message or raw event out to its targets:
// the addressed plugin, or every enabled plugin for broadcasts.
func (m *Manager) dispatchExecute(ctx context.Context, payload *protocol.InboundPayload) error {
	var exec protocol.Execute
	if err := protocol.DecodeData(payload.Data, &exec); err != nil {
		return err
	}

	var targets []*Plugin
	if payload.PluginID == "" {
		targets = m.enabledPlugins()
	} else {
		plugin := m.get(payload.PluginID)
		if plugin == nil {
			m.dropUnknown(payload)
			return nil
		}
		targets = []*Plugin{plugin}
	}

	hook := HookMessage
	var kwargs map[string]any
	if raw, ok := host.RawEventFromExecute(&exec); ok {
		hook = HookRawMessage
		kwargs = raw.Map()
	} else if msg, ok := host.MessageFromExecute(&exec); ok {
		kwargs = msg.Map()
	} else {
		m.logger.Debug("execute payload is neither chat nor raw, dropped")
		m.tel.Metrics.RecordPayloadDropped("ambiguous-execute")
		return nil
	}

	var firstErr error
	for _, plugin := range targets {
		if payload.PluginID == "" && !plugin.Enabled() {
			continue
		}
		if _, err := plugin.Invoke(ctx, hook, kwargs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dispatchStateToggle flips a plugin's enabled state and fires the
// matching hook.
func (m *Manager) dispatchStateToggle(ctx context.Context, payload *protocol.InboundPayload) error {
	plugin := m.get(payload.PluginID)
	if plugin == nil {
		m.dropUnknown(payload)
		return nil
	}

	var toggle protocol.StateToggle
	if err := protocol.DecodeData(payload.Data, &toggle); err != nil {
		return err
	}

	plugin.setEnabled(toggle.State)
	if m.registry != nil {
		if err := m.registry.SetPluginEnabled(ctx, plugin.ID(), toggle.State); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.WithError(err).WithPluginID(plugin.ID()).Warn("failed to persist enabled state")
		}
	}

	hook := HookDisable
	if toggle.State {
		hook = HookEnable
	}
	_, err := plugin.Invoke(ctx, hook, nil)
	return err
}

// dispatchSettings stores and delivers a settings document.
func (m *Manager) dispatchSettings(ctx context.Context, payload *protocol.InboundPayload) error {
	plugin := m.get(payload.PluginID)
	if plugin == nil {
		m.dropUnknown(payload)
		return nil
	}

	plugin.setSettings(payload.Data)
	if m.registry != nil {
		if err := m.registry.SetPluginSettings(ctx, plugin.ID(), string(payload.Data)); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.WithError(err).WithPluginID(plugin.ID()).Warn("failed to persist settings")
		}
	}

	m.deliverSettings(ctx, plugin, payload.Data)
	return nil
}

// dispatchButton routes a UI button press, intercepting the debug
// reload button the shim generator adds.
func (m *Manager) dispatchButton(ctx context.Context, payload *protocol.InboundPayload) error {
	var click protocol.ButtonClick
	if err := protocol.DecodeData(payload.Data, &click); err != nil {
		return err
	}

	if click.Element == ReloadButtonElement {
		m.logger.WithPluginID(payload.PluginID).Info("reload button pressed")
		return m.Reload(ctx, payload.PluginID)
	}

	plugin := m.get(payload.PluginID)
	if plugin == nil {
		m.dropUnknown(payload)
		return nil
	}

	press := host.ButtonPress{Element: click.Element}
	_, err := plugin.Invoke(ctx, HookButton, press.Map())
	return err
}

// Parse runs a plugin's parse hook synchronously and returns the
// substituted string. A missing hook returns the input unchanged; so
// does an unknown plugin, since the host is mid-substitution and an
// error would eat the message.
func (m *Manager) Parse(ctx context.Context, pluginID string, req *protocol.Parse) (string, error) {
	plugin := m.get(pluginID)
	if plugin == nil {
		m.dropUnknownID(pluginID, protocol.PayloadTypeParse)
		return req.String, nil
	}
	if !plugin.HasHook(HookParse) {
		return req.String, nil
	}

	result, err := plugin.Invoke(ctx, HookParse, host.ParseRequestFromPayload(req).Map())
	if err != nil {
		return "", err
	}

	text, ok := result.(string)
	if !ok {
		return "", NewHookError(fmt.Sprintf("parse hook returned %T, want string", result), nil).
			WithPlugin(pluginID).WithHook(HookParse)
	}
	return text, nil
}

// dropUnknown logs and counts a payload addressed to an unknown plugin.
func (m *Manager) dropUnknown(payload *protocol.InboundPayload) {
	m.dropUnknownID(payload.PluginID, payload.Type)
}

func (m *Manager) dropUnknownID(pluginID string, pt protocol.PayloadType) {
	m.logger.WithPluginID(pluginID).
		WithField("payload_type", pt.String()).
		Warn("payload for unknown plugin dropped")
	m.tel.Metrics.RecordPayloadDropped("unknown-plugin")
}

// journal appends to the event journal, best effort.
func (m *Manager) journal(ctx context.Context, pluginID *string, level store.EventLevel, message string) {
	if m.registry == nil {
		return
	}
	event := &store.Event{
		PluginID: pluginID,
		Level:    level,
		Source:   "plugins",
		Message:  message,
	}
	if err := m.registry.AppendEvent(ctx, event); err != nil {
		m.logger.WithError(err).Warn("failed to journal event")
	}
}

func ptr[T any](v T) *T { return &v }
