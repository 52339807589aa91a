package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newKillCommand() *cobra.Command {
	var (
		code     string
		graceful bool
	)

	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop the running daemon",
		Long: `Ask the running daemon to stop. The kill code is the handshake code
the hub established; the daemon refuses the request without it.

Kills are graceful by default: unload hooks run and a restart handoff
lets the next daemon start resume the authenticated session.
--graceful=false evicts plugins without their unload hooks and leaves
no handoff.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// The wire encodes non-graceful as graceful=0.
			g := "1"
			if !graceful {
				g = "0"
			}
			url := fmt.Sprintf("%s?code=%s&graceful=%s", daemonURL(cfg, "/kill"), code, g)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
			if err != nil {
				return err
			}

			resp, err := newClient().Do(req)
			if err != nil {
				return fmt.Errorf("daemon not reachable on %s: %w", cfg.Addr, err)
			}
			defer resp.Body.Close()

			switch resp.StatusCode {
			case http.StatusNoContent:
				fmt.Println("daemon stopping")
				return nil
			case http.StatusUnauthorized:
				return fmt.Errorf("kill code refused")
			default:
				return fmt.Errorf("kill failed with status %s", resp.Status)
			}
		},
	}

	cmd.Flags().StringVar(&code, "code", "", "kill code (the hub's handshake code)")
	cmd.Flags().BoolVar(&graceful, "graceful", true, "run unload hooks and write a restart handoff")
	_ = cmd.MarkFlagRequired("code")

	return cmd
}
