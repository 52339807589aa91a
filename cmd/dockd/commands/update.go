package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/telemetry"
	"github.com/tmhk/dock/pkg/update"
)

func newUpdateCommand() *cobra.Command {
	var list bool

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Fetch and stage the latest release archive",
		Long: `Download the configured release branch archive, verify it, and unpack
it into the staging directory. Nothing is swapped in place; applying a
staged update is the installer's job.`,
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

			updater := update.NewUpdater(cfg, nil, logger)

			if list {
				staged, err := updater.Staged()
				if err != nil {
					return err
				}
				if len(staged) == 0 {
					fmt.Println("nothing staged")
					return nil
				}
				for _, s := range staged {
					fmt.Printf("%-14s %s  %d files  fetched %s\n",
						s.Ref, s.SHA256[:12], s.Files, s.FetchedAt.Format("2006-01-02 15:04"))
				}
				return nil
			}

			staged, err := updater.Stage(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("staged %s (%s, %d files) into %s\n",
				staged.Ref, staged.SHA256[:12], staged.Files, staged.Dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "list staged updates instead of fetching")

	return cmd
}
