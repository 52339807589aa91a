package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/protocol"
)

// httpTimeout bounds CLI calls against a local daemon.
const httpTimeout = 5 * time.Second

func daemonURL(cfg *config.Config, path string) string {
	return "http://" + cfg.Addr + path
}

func newClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

// fetchVersion asks a running daemon for its version. An error means no
// daemon answered on the configured address.
func fetchVersion(ctx context.Context, client *http.Client, cfg *config.Config) (*protocol.VersionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, daemonURL(cfg, "/version"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable on %s: %w", cfg.Addr, err)
	}
	defer resp.Body.Close()

	var v protocol.VersionResponse
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("malformed version response: %w", err)
	}
	return &v, nil
}

// fetchAuthState reports the daemon's handshake state: "auth-ok" when
// the authcheck route answers 204, otherwise the state name from its
// error body. code may be empty; the daemon then refuses the check but
// still names the state, which is all the CLI needs.
func fetchAuthState(ctx context.Context, client *http.Client, cfg *config.Config, code string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, daemonURL(cfg, "/authcheck"), nil)
	if err != nil {
		return "", err
	}
	if code != "" {
		req.Header.Set("Authorization", code)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon not reachable on %s: %w", cfg.Addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return "auth-ok", nil
	}
	var e protocol.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return "not authenticated", nil
	}
	return e.Error, nil
}
