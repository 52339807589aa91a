package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/store"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and plugin status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context())
		},
	}
}

func runStatus(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newClient()
	if v, err := fetchVersion(ctx, client, cfg); err != nil {
		fmt.Printf("daemon:  not running (%v)\n", err)
	} else {
		state, _ := fetchAuthState(ctx, client, cfg, "")
		fmt.Printf("daemon:  running %s on %s\n", v.Version, cfg.Addr)
		fmt.Printf("auth:    %s\n", state)
	}

	registry, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer func() { _ = registry.Close() }()

	records, err := registry.ListPlugins(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("plugins: %d tracked\n", len(records))
	for _, rec := range records {
		state := "enabled"
		if !rec.Enabled {
			state = "disabled"
		}
		if rec.LastError != nil {
			state = "failed: " + *rec.LastError
		}
		fmt.Printf("  %-36s %-20s %-8s %s\n", rec.ID, rec.Name, rec.Version, state)
	}

	events, err := registry.ListEvents(ctx, nil, nil, 5, 0)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("recent events:")
		for _, ev := range events {
			fmt.Printf("  %s [%s] %s\n", ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Level, ev.Message)
		}
	}

	return nil
}
