// Package main implements hubsim, a development stand-in for the hub
// script the legacy chatbot host runs. It performs the handshake
// against a local dockd, polls the outbound queue answering host-API
// calls with canned results, and turns stdin lines into inbound chat
// events, so plugins can be exercised without the legacy host.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tmhk/dock/pkg/protocol"
)

type hubsim struct {
	addr     string
	code     string
	client   *http.Client
	interval time.Duration
}

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:1006", "dockd address")
		code     = flag.String("code", "", "handshake code (random when empty)")
		interval = flag.Duration("interval", time.Second, "outbound poll interval")
	)
	flag.Parse()

	if *code == "" {
		*code = uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	h := &hubsim{
		addr:     *addr,
		code:     *code,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: *interval,
	}

	if err := h.run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (h *hubsim) url(path string) string {
	return "http://" + h.addr + path
}

func (h *hubsim) post(ctx context.Context, path string, body, target any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url(path), bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", h.code)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if target != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return resp.StatusCode, fmt.Errorf("malformed response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (h *hubsim) run(ctx context.Context) error {
	if err := h.handshake(ctx); err != nil {
		return err
	}
	fmt.Println("handshake complete, code:", h.code)
	fmt.Println("type a line to broadcast it as a chat message")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := h.poll(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "poll:", err)
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := h.sendChat(ctx, line); err != nil {
				fmt.Fprintln(os.Stderr, "send:", err)
			}
		}
	}
}

// handshake performs the auth and pingpong exchange.
func (h *hubsim) handshake(ctx context.Context) error {
	var auth protocol.AuthResponse
	status, err := h.post(ctx, "/auth", protocol.AuthRequest{Code: h.code}, &auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("auth refused with status %d", status)
	}

	status, err = h.post(ctx, "/pingpong", protocol.PingPongRequest{Challenge: auth.Challenge}, nil)
	if err != nil {
		return fmt.Errorf("pingpong: %w", err)
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("pingpong refused with status %d", status)
	}
	return nil
}

// poll drains the outbound queue, printing notices and acking calls
// with canned results.
func (h *hubsim) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url("/outbound"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", h.code)
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var entries []protocol.OutboundEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return fmt.Errorf("malformed outbound body: %w", err)
	}

	var acks []protocol.AckEntry
	for _, entry := range entries {
		if entry.Data.IsNotice() {
			fmt.Printf("[%s] %s: %s\n", entry.Data.Type, entry.Data.PluginID, entry.Data.Message)
			continue
		}
		fmt.Printf("[call] %s %v\n", entry.Data.Type, entry.Data.Args)
		acks = append(acks, protocol.AckEntry{
			Nonce:    entry.Nonce,
			Response: cannedResponse(entry.Data.Type),
		})
	}

	if len(acks) == 0 {
		return nil
	}
	_, err = h.post(ctx, "/inbound-ack", protocol.AckRequest{Response: acks}, nil)
	return err
}

// cannedResponse fakes what the legacy host's Parent API would return.
func cannedResponse(callType string) json.RawMessage {
	switch callType {
	case "GetCurrencyName":
		return json.RawMessage(`"Gold"`)
	case "GetPoints", "GetHours":
		return json.RawMessage(`100`)
	case "GetRank":
		return json.RawMessage(`"Viewer"`)
	case "AddPoints", "RemovePoints", "HasPermission", "IsLive", "PlaySound":
		return json.RawMessage(`true`)
	case "GetViewerList", "GetActiveViewers":
		return json.RawMessage(`["alice", "bob"]`)
	case "GetRandomActiveViewer", "GetDisplayName":
		return json.RawMessage(`"alice"`)
	case "GetStreamingService":
		return json.RawMessage(`"twitch"`)
	case "GetChannelName":
		return json.RawMessage(`"devchannel"`)
	default:
		return json.RawMessage(`null`)
	}
}

// sendChat broadcasts a chat message to every enabled plugin.
func (h *hubsim) sendChat(ctx context.Context, text string) error {
	exec, err := json.Marshal(protocol.Execute{
		UserID:   "sim-user",
		Username: "simulator",
		Message:  text,
		IsChat:   true,
		Source:   protocol.SourceTwitch,
	})
	if err != nil {
		return err
	}

	status, err := h.post(ctx, "/inbound", protocol.InboundPayload{
		Type: protocol.PayloadTypeExecute,
		Data: exec,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("inbound refused with status %d", status)
	}
	return nil
}
