// Package commands implements the dockd CLI.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/daemon"
)

var (
	// Global flags
	configPath string
	scriptsDir string
	dataDir    string
	debug      bool
)

// build identity, handed down from main.
var buildVersion daemon.Version

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = parseVersion(version)
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dockd",
		Short: "The Dock - modern plugin runtime for a legacy chatbot host",
		Long: `The Dock runs chatbot plugins under a modern runtime on behalf of a
legacy scripting host that cannot. The host loads thin generated shim
scripts; a hub script polls this daemon over loopback HTTP, delivering
chat events inbound and executing the daemon's host-API calls outbound.

Plugins are bundles with a plugin.json manifest and a Starlark or WASM
entrypoint. The daemon onboards them out of the host's Scripts
directory, tracks them in a local registry, and gates their host-API
calls through policy.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "dock.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&scriptsDir, "scripts-dir", "", "legacy host Scripts directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "daemon state directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and shim debug buttons")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newPluginsCommand())
	rootCmd.AddCommand(newOnboardCommand())
	rootCmd.AddCommand(newKillCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))
	rootCmd.AddCommand(newDashCommand())

	return rootCmd
}

// loadConfig reads the config file and layers the global flags over it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if scriptsDir != "" {
		cfg.ScriptsDir = scriptsDir
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseVersion turns "maj.min.patch" into the wire version. Suffixes
// after a dash or plus are ignored for comparison.
func parseVersion(v string) daemon.Version {
	out := daemon.Version{String: v}

	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	for i, part := range strings.SplitN(core, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		out.Comparable[i] = n
	}
	return out
}
