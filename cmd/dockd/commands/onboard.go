package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/onboard"
	"github.com/tmhk/dock/pkg/store"
	"github.com/tmhk/dock/pkg/telemetry"
)

func newOnboardCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "onboard",
		Short: "Adopt plugin bundles from the host's Scripts directory",
		Long: `Scan the legacy host's Scripts directory for plugin bundles
(directories containing plugin.json), move them into the daemon's
plugins directory, generate their shim scripts, and record them in the
registry. A running daemon picks newly adopted bundles up through its
own watcher; otherwise they load at the next start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
			if err != nil {
				return err
			}

			registry, err := store.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}
			defer func() { _ = registry.Close() }()

			onboarder, err := onboard.New(cfg, registry, nil, logger)
			if err != nil {
				return err
			}

			if watch {
				fmt.Println("watching", cfg.ScriptsDir, "for new bundles (ctrl-c to stop)")
				return onboarder.Watch(cmd.Context())
			}

			n, err := onboarder.Scan(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("onboarded %d bundle(s)\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep watching the Scripts directory")

	return cmd
}
