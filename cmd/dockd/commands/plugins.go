package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/store"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and manage tracked plugins",
	}
	cmd.AddCommand(newPluginsListCommand())
	cmd.AddCommand(newPluginsReloadCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracked plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			registry, err := store.Open(cmd.Context(), cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open registry: %w", err)
			}
			defer func() { _ = registry.Close() }()

			records, err := registry.ListPlugins(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no plugins tracked")
				return nil
			}

			fmt.Printf("%-36s  %-20s  %-8s  %-8s  %s\n", "ID", "NAME", "VERSION", "RUNTIME", "SHIM")
			for _, rec := range records {
				fmt.Printf("%-36s  %-20s  %-8s  %-8s  %s\n",
					rec.ID, rec.Name, rec.Version, rec.Runtime, rec.ShimName)
			}
			return nil
		},
	}
}

func newPluginsReloadCommand() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "reload <plugin-id>",
		Short: "Reload a plugin in the running daemon",
		Long: `Ask the running daemon to reload a plugin. Protected routes require
the hub's shared code in the Authorization header; pass it with --code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			body, err := json.Marshal(protocol.UnloadPluginRequest{PluginID: args[0]})
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
				daemonURL(cfg, "/inbound/reload-plugin"), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", code)

			resp, err := newClient().Do(req)
			if err != nil {
				return fmt.Errorf("daemon not reachable on %s: %w", cfg.Addr, err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNoContent:
				fmt.Println("reloaded", args[0])
				return nil
			case http.StatusUnauthorized:
				return fmt.Errorf("daemon refused the request; check --code and the handshake state")
			default:
				var lr protocol.LoadPluginResponse
				_ = json.NewDecoder(resp.Body).Decode(&lr)
				if lr.Error != "" {
					return fmt.Errorf("reload failed: %s", lr.Error)
				}
				return fmt.Errorf("reload failed with status %s", resp.Status)
			}
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "the hub's shared code")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}
