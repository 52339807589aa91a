// Package onboard adopts plugin bundles dropped into the legacy host's
// Scripts directory. A bundle moves into the daemon's plugins dir, gets
// a generated shim script the host will load in its place, and lands in
// the registry so later daemon starts pick it up without the host's
// help.
package onboard

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/store"
	"github.com/tmhk/dock/pkg/telemetry"
)

//go:embed shim.py.tmpl
var shimFS embed.FS

const (
	// shimScriptName is the filename the legacy host expects for a
	// loadable script.
	shimScriptName = "DockShim_StreamlabsSystem.py"

	// uiConfigFile is the host's UI definition file inside a shim dir.
	uiConfigFile = "UI_Config.json"

	// settingsOutputFile is where the host writes the shim's settings.
	settingsOutputFile = "shim-ui-settings.json"

	// commonModule is the hub's shared IronPython module the shim
	// imports to reach the hub.
	commonModule = "dock_common"

	// shimPrefix marks generated shim directories so scans skip them.
	shimPrefix = "dockmanaged@"

	// settleDelay lets a copy-in-progress finish before a watch-mode
	// scan picks the directory up.
	settleDelay = 2 * time.Second
)

// debugReloadElement is the UI entry added to debug bundles. Its button
// presses never reach the bundle; the plugin manager intercepts the
// element name and reloads instead.
var debugReloadElement = map[string]any{
	"type":     "button",
	"label":    "Reload plugin",
	"tooltip":  "",
	"function": plugins.ReloadButtonElement,
	"wsevent":  "",
	"group":    "Dock Debug",
}

// Loader loads an onboarded bundle into the running daemon. The plugin
// manager satisfies it in-process; the CLI satisfies it over the wire.
type Loader interface {
	Load(ctx context.Context, directory string) (string, error)
}

// shimData feeds the shim template.
type shimData struct {
	Name         string
	Description  string
	Author       string
	Version      string
	ShimName     string
	CommonModule string
	SettingsFile string
}

// Onboarder scans for new bundles and adopts them.
type Onboarder struct {
	scriptsDir string
	pluginsDir string
	registry   *store.SQLiteStore
	loader     Loader
	logger     *telemetry.Logger
	tmpl       *template.Template
}

// New creates an onboarder. registry may be nil for a dry run; loader
// may be nil to adopt without loading.
func New(cfg *config.Config, registry *store.SQLiteStore, loader Loader, logger *telemetry.Logger) (*Onboarder, error) {
	tmpl, err := template.ParseFS(shimFS, "shim.py.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse shim template: %w", err)
	}
	return &Onboarder{
		scriptsDir: cfg.ScriptsDir,
		pluginsDir: cfg.PluginsDir,
		registry:   registry,
		loader:     loader,
		logger:     logger.NewComponentLogger("onboard"),
		tmpl:       tmpl,
	}, nil
}

// Scan walks the Scripts directory once and onboards every untracked
// bundle it finds. It returns the number of bundles adopted; individual
// failures are logged and skipped so one broken bundle cannot block the
// rest.
func (o *Onboarder) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(o.scriptsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read scripts directory: %w", err)
	}

	if err := os.MkdirAll(o.pluginsDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create plugins directory: %w", err)
	}

	adopted := 0
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), shimPrefix) {
			continue
		}
		src := filepath.Join(o.scriptsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(src, plugins.ManifestFile)); err != nil {
			continue
		}

		if err := o.onboardBundle(ctx, entry.Name()); err != nil {
			o.logger.WithError(err).WithField("bundle", entry.Name()).Warn("failed to onboard bundle")
			continue
		}
		adopted++
	}
	return adopted, nil
}

// onboardBundle moves one bundle out of the Scripts dir, generates its
// shim, records it, and loads it.
func (o *Onboarder) onboardBundle(ctx context.Context, dirname string) error {
	src := filepath.Join(o.scriptsDir, dirname)
	dest := filepath.Join(o.pluginsDir, dirname)

	if _, err := os.Stat(dest); err == nil {
		// An installed bundle with the same directory name. Updates go
		// through the updater, which honors protected_dirs; adopting
		// over it would clobber user data.
		return fmt.Errorf("bundle directory %s already installed", dirname)
	}

	// Validate before moving so a broken manifest leaves the source
	// where the user put it.
	if _, err := plugins.LoadManifest(src); err != nil {
		return err
	}

	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to move bundle: %w", err)
	}

	bundle, err := plugins.ResolveBundle(dest)
	if err != nil {
		return err
	}

	shimName := o.resolveShimName(ctx, bundle)

	if err := o.writeShim(bundle, shimName); err != nil {
		return err
	}

	o.record(ctx, bundle, shimName)

	if o.loader != nil {
		if _, err := o.loader.Load(ctx, dest); err != nil {
			// The bundle is adopted either way; the registry keeps the
			// load error for the status command.
			o.logger.WithError(err).WithPluginID(bundle.ID).Warn("adopted bundle failed to load")
		}
	}

	o.logger.WithPlugin(bundle.ID, bundle.Manifest.Name).
		WithField("shim", shimName).Info("bundle onboarded")
	return nil
}

// resolveShimName reuses a previously assigned shim name when the
// registry remembers the bundle, so reinstalls keep their shim binding.
func (o *Onboarder) resolveShimName(ctx context.Context, bundle *plugins.Bundle) string {
	if o.registry != nil {
		if rec, err := o.registry.GetPlugin(ctx, bundle.ID); err == nil && rec.ShimName != "" {
			return rec.ShimName
		}
	}
	return plugins.ShimName(bundle.ID)
}

// writeShim renders the shim directory the legacy host will load: the
// script itself plus a UI_Config.json when the bundle defines settings
// widgets or wants the debug reload button.
func (o *Onboarder) writeShim(bundle *plugins.Bundle, shimName string) error {
	shimDir := filepath.Join(o.scriptsDir, shimName)
	if err := os.MkdirAll(shimDir, 0755); err != nil {
		return fmt.Errorf("failed to create shim directory: %w", err)
	}

	var buf strings.Builder
	err := o.tmpl.Execute(&buf, shimData{
		Name:         bundle.Manifest.Name,
		Description:  bundle.Manifest.Description,
		Author:       bundle.Manifest.Author,
		Version:      bundle.Manifest.Version,
		ShimName:     shimName,
		CommonModule: commonModule,
		SettingsFile: settingsOutputFile,
	})
	if err != nil {
		return fmt.Errorf("failed to render shim: %w", err)
	}
	if err := os.WriteFile(filepath.Join(shimDir, shimScriptName), []byte(buf.String()), 0644); err != nil {
		return fmt.Errorf("failed to write shim script: %w", err)
	}

	if len(bundle.Manifest.UIConfig) == 0 && !bundle.Manifest.Debug {
		return nil
	}
	return o.writeUIConfig(shimDir, bundle.Manifest)
}

// writeUIConfig composes the host UI definition: the settings output
// file, the manifest's widgets, and the debug reload button.
func (o *Onboarder) writeUIConfig(shimDir string, m *plugins.Manifest) error {
	conf := map[string]any{"output_file": settingsOutputFile}
	for name, widget := range m.UIConfig {
		conf[name] = widget
	}
	if m.Debug {
		conf["@dock/debug-reload"] = debugReloadElement
	}

	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode UI config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(shimDir, uiConfigFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write UI config: %w", err)
	}
	return nil
}

// record upserts the registry row for an adopted bundle.
func (o *Onboarder) record(ctx context.Context, bundle *plugins.Bundle, shimName string) {
	if o.registry == nil {
		return
	}
	rec := &store.PluginRecord{
		ID:          bundle.ID,
		Name:        bundle.Manifest.Name,
		Version:     bundle.Manifest.Version,
		Author:      bundle.Manifest.Author,
		Description: bundle.Manifest.Description,
		Directory:   bundle.Dir,
		ShimName:    shimName,
		Runtime:     bundle.RuntimeName,
		Enabled:     true,
		Protected:   len(bundle.Manifest.ProtectedDirs) > 0,
	}
	if err := o.registry.UpsertPlugin(ctx, rec); err != nil {
		o.logger.WithError(err).WithPluginID(bundle.ID).Warn("failed to record onboarded bundle")
	}
}

// Watch onboards continuously: every create or rename in the Scripts
// directory schedules a rescan once the filesystem settles. It blocks
// until the context ends.
func (o *Onboarder) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(o.scriptsDir); err != nil {
		return fmt.Errorf("failed to watch scripts directory: %w", err)
	}

	if _, err := o.Scan(ctx); err != nil {
		o.logger.WithError(err).Warn("initial scan failed")
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(settleDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.logger.WithError(err).Warn("watcher error")
		case <-pending:
			pending = nil
			if n, err := o.Scan(ctx); err != nil {
				o.logger.WithError(err).Warn("scan failed")
			} else if n > 0 {
				o.logger.WithField("count", n).Info("bundles onboarded")
			}
		}
	}
}
