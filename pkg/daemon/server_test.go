package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tmhk/dock/pkg/config"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

// fakeManager is a PluginManager test double.
type fakeManager struct {
	mu         sync.Mutex
	dispatched []*protocol.InboundPayload
	parseText  string
	parseErr   error
	loadID     string
	loadErr    error
	reloadErr  error
	unloadErr  error
}

func (f *fakeManager) Dispatch(_ context.Context, p *protocol.InboundPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, p)
	return nil
}

func (f *fakeManager) Parse(_ context.Context, _ string, _ *protocol.Parse) (string, error) {
	return f.parseText, f.parseErr
}

func (f *fakeManager) Load(_ context.Context, _ string) (string, error) {
	return f.loadID, f.loadErr
}

func (f *fakeManager) Reload(_ context.Context, _ string) error { return f.reloadErr }
func (f *fakeManager) Unload(_ context.Context, _ string) error { return f.unloadErr }

func (f *fakeManager) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatched)
}

type serverFixture struct {
	server  *Server
	ts      *httptest.Server
	auth    *Authenticator
	queue   *OutboundQueue
	manager *fakeManager
	stopped chan string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.ScriptsDir = t.TempDir()

	tel, err := telemetry.NewTelemetry(&telemetry.Config{
		ServiceName:    "dockd-test",
		ServiceVersion: "test",
		Logging: telemetry.LoggingConfig{
			Level:  "error",
			Format: "json",
			Output: "stderr",
		},
		Metrics: telemetry.MetricsConfig{Enabled: false},
	})
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	auth := NewAuthenticator("secret", tel.Logger, tel.Metrics)
	queue := NewOutboundQueue(time.Second, tel.Logger, tel.Metrics)
	manager := &fakeManager{}
	wd := NewWatchdog(cfg, queue, tel.Logger, func(string) {})

	stopped := make(chan string, 1)
	server := NewServer(cfg, Version{String: "1.2.3", Comparable: [3]int{1, 2, 3}},
		auth, queue, manager, wd, tel,
		func(_ bool, reason string) { stopped <- reason })

	ts := httptest.NewServer(server.routes())
	t.Cleanup(ts.Close)

	return &serverFixture{
		server:  server,
		ts:      ts,
		auth:    auth,
		queue:   queue,
		manager: manager,
		stopped: stopped,
	}
}

// do sends a request with an arbitrary Authorization header value; an
// empty header value sends no header at all.
func (f *serverFixture) do(t *testing.T, method, path, authHeader string, body any) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	return resp
}

// post and get carry the fixture's shared code, as the hub would.
func (f *serverFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return f.do(t, http.MethodPost, path, "secret", body)
}

func (f *serverFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return f.do(t, http.MethodGet, path, "secret", nil)
}

// handshake completes the auth flow over the wire.
func (f *serverFixture) handshake(t *testing.T) {
	t.Helper()

	resp := f.post(t, "/auth", protocol.AuthRequest{Code: "secret"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/auth status = %d, want 200", resp.StatusCode)
	}
	var authResp protocol.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}

	pp := f.post(t, "/pingpong", protocol.PingPongRequest{Challenge: authResp.Challenge})
	defer pp.Body.Close()
	if pp.StatusCode != http.StatusNoContent {
		t.Fatalf("/pingpong status = %d, want 204", pp.StatusCode)
	}
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestVersionRoute(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/version")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/version status = %d, want 200", resp.StatusCode)
	}
	v := decodeBody[protocol.VersionResponse](t, resp)
	if v.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", v.Version)
	}
	if v.ComparableVersion != [3]int{1, 2, 3} {
		t.Errorf("comparable = %v, want [1 2 3]", v.ComparableVersion)
	}
}

func TestProtectedRoutesRefusedBeforeHandshake(t *testing.T) {
	f := newServerFixture(t)

	resp := f.get(t, "/outbound")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/outbound status = %d before handshake, want 401", resp.StatusCode)
	}

	check := f.get(t, "/authcheck")
	check.Body.Close()
	if check.StatusCode != http.StatusUnauthorized {
		t.Errorf("/authcheck status = %d before handshake, want 401", check.StatusCode)
	}
}

func TestHandshakeOverWire(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	check := f.get(t, "/authcheck")
	check.Body.Close()
	if check.StatusCode != http.StatusNoContent {
		t.Errorf("/authcheck status = %d after handshake, want 204", check.StatusCode)
	}
}

func TestAuthorizationHeaderRequired(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	tests := []struct {
		name   string
		method string
		path   string
		header string
		want   int
	}{
		{name: "outbound no header", method: http.MethodGet, path: "/outbound", header: "", want: http.StatusUnauthorized},
		{name: "outbound wrong code", method: http.MethodGet, path: "/outbound", header: "not-the-code", want: http.StatusUnauthorized},
		{name: "outbound right code", method: http.MethodGet, path: "/outbound", header: "secret", want: http.StatusOK},
		{name: "authcheck no header", method: http.MethodGet, path: "/authcheck", header: "", want: http.StatusUnauthorized},
		{name: "authcheck wrong code", method: http.MethodGet, path: "/authcheck", header: "not-the-code", want: http.StatusUnauthorized},
		{name: "authcheck right code", method: http.MethodGet, path: "/authcheck", header: "secret", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.header, nil)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("%s %s status = %d, want %d", tt.method, tt.path, resp.StatusCode, tt.want)
			}
		})
	}
}

func TestAuthRefusedOnceChallenged(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/auth", protocol.AuthRequest{Code: "secret"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/auth status = %d, want 200", resp.StatusCode)
	}

	// The exchange happens once; a repeat is refused even with the
	// right code.
	again := f.post(t, "/auth", protocol.AuthRequest{Code: "secret"})
	again.Body.Close()
	if again.StatusCode != http.StatusUnauthorized {
		t.Errorf("second /auth status = %d, want 401", again.StatusCode)
	}
}

func TestAuthWrongCode(t *testing.T) {
	f := newServerFixture(t)

	resp := f.post(t, "/auth", protocol.AuthRequest{Code: "wrong"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/auth status = %d with wrong code, want 401", resp.StatusCode)
	}
}

func TestOutboundAckRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	resCh := make(chan json.RawMessage, 1)
	go func() {
		resp, err := f.queue.Call(context.Background(), "GetCurrencyName")
		if err != nil {
			resCh <- json.RawMessage(fmt.Sprintf("%q", err.Error()))
			return
		}
		resCh <- resp
	}()

	// Poll until the call shows up, ack it, and check the caller got
	// the response.
	var entries []protocol.OutboundEntry
	deadline := time.After(time.Second)
	for len(entries) == 0 {
		select {
		case <-deadline:
			t.Fatal("call never appeared on /outbound")
		default:
		}
		resp := f.get(t, "/outbound")
		entries = decodeBody[[]protocol.OutboundEntry](t, resp)
	}

	// The legacy hub acks over GET with a JSON body.
	ack := f.do(t, http.MethodGet, "/inbound-ack", "secret", protocol.AckRequest{
		Response: []protocol.AckEntry{{
			Nonce:    entries[0].Nonce,
			Response: json.RawMessage(`"Gold"`),
		}},
	})
	ack.Body.Close()
	if ack.StatusCode != http.StatusNoContent {
		t.Fatalf("/inbound-ack status = %d, want 204", ack.StatusCode)
	}

	if got := string(<-resCh); got != `"Gold"` {
		t.Errorf("call result = %s, want \"Gold\"", got)
	}
}

func TestAckRouteAcceptsPost(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	// Unknown nonces are dropped, not errors.
	resp := f.post(t, "/inbound-ack", protocol.AckRequest{
		Response: []protocol.AckEntry{{Nonce: "never-issued", Response: json.RawMessage(`null`)}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("POST /inbound-ack status = %d, want 204", resp.StatusCode)
	}
}

func TestInboundDispatchesAsync(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	payload := protocol.InboundPayload{
		Type: protocol.PayloadTypeExecute,
		Data: json.RawMessage(`{"username":"n","message":"hi","is_chat":true,"source":0}`),
	}
	resp := f.post(t, "/inbound", payload)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("/inbound status = %d, want 204", resp.StatusCode)
	}

	deadline := time.After(time.Second)
	for f.manager.dispatchCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("payload never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestInboundRejectsInvalidPayload(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	// A parse payload with no plugin id fails validation.
	resp := f.post(t, "/inbound", protocol.InboundPayload{
		Type: protocol.PayloadTypeParse,
		Data: json.RawMessage(`{}`),
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("/inbound status = %d for invalid payload, want 400", resp.StatusCode)
	}
}

func TestParseSyncResponse(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)
	f.manager.parseText = "$points resolved"

	resp := f.post(t, "/inbound/parse", protocol.InboundPayload{
		PluginID: "plug-1",
		Type:     protocol.PayloadTypeParse,
		Data:     json.RawMessage(`{"string":"$points","authorname":"n"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/inbound/parse status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[protocol.ParseResponse](t, resp)
	if body.Text != "$points resolved" {
		t.Errorf("text = %q, want %q", body.Text, "$points resolved")
	}
}

func TestParseErrorFallsBackToInput(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)
	f.manager.parseErr = fmt.Errorf("plugin hook exploded")

	resp := f.post(t, "/inbound/parse", protocol.InboundPayload{
		PluginID: "plug-1",
		Type:     protocol.PayloadTypeParse,
		Data:     json.RawMessage(`{"string":"$points untouched"}`),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/inbound/parse status = %d on hook error, want 200", resp.StatusCode)
	}
	body := decodeBody[protocol.ParseResponse](t, resp)
	if body.Text != "$points untouched" {
		t.Errorf("text = %q, want the untouched input", body.Text)
	}
}

func TestLoadPluginStatuses(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	f.manager.loadID = "plug-9"
	resp := f.post(t, "/inbound/load-plugin", protocol.LoadPluginRequest{Directory: "bundle"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/inbound/load-plugin status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[protocol.LoadPluginResponse](t, resp)
	if body.ID != "plug-9" || body.Error != "" {
		t.Errorf("body = %+v, want id plug-9 and no error", body)
	}

	f.manager.loadErr = fmt.Errorf("manifest is garbage")
	resp = f.post(t, "/inbound/load-plugin", protocol.LoadPluginRequest{Directory: "bundle"})
	if resp.StatusCode != http.StatusNonAuthoritativeInfo {
		t.Fatalf("/inbound/load-plugin status = %d on error, want 203", resp.StatusCode)
	}
	body = decodeBody[protocol.LoadPluginResponse](t, resp)
	if body.Error == "" {
		t.Error("error body empty on failed load")
	}
}

func TestReloadAndUnloadStatuses(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	resp := f.post(t, "/inbound/reload-plugin", protocol.UnloadPluginRequest{PluginID: "plug-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("/inbound/reload-plugin status = %d, want 204", resp.StatusCode)
	}

	f.manager.unloadErr = fmt.Errorf("no such plugin")
	resp = f.post(t, "/inbound/unload-plugin", protocol.UnloadPluginRequest{PluginID: "gone"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNonAuthoritativeInfo {
		t.Errorf("/inbound/unload-plugin status = %d on error, want 203", resp.StatusCode)
	}
}

func TestKillRequiresCode(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	resp := f.get(t, "/kill?code=wrong")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/kill status = %d with wrong code, want 401", resp.StatusCode)
	}
	select {
	case reason := <-f.stopped:
		t.Fatalf("daemon stopped (%s) on bad kill code", reason)
	case <-time.After(50 * time.Millisecond):
	}

	resp = f.get(t, "/kill?code=secret")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("/kill status = %d, want 204", resp.StatusCode)
	}
	select {
	case <-f.stopped:
	case <-time.After(time.Second):
		t.Fatal("stop callback never fired")
	}
}

func TestKillDefaultsToGraceful(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	// No graceful param at all: the wire treats absence as graceful,
	// so the handoff must be written.
	resp := f.get(t, "/kill?code=secret")
	resp.Body.Close()
	<-f.stopped

	wd := NewWatchdog(f.server.cfg, f.queue, f.server.logger, func(string) {})
	h := wd.ConsumeHandoff()
	if h == nil {
		t.Fatal("graceful kill left no handoff")
	}
	if !h.Auth || h.KillCode != "secret" {
		t.Errorf("handoff = %+v, want auth true and the shared code", h)
	}
}

func TestKillGracefulOneWritesHandoff(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	resp := f.get(t, "/kill?code=secret&graceful=1")
	resp.Body.Close()
	<-f.stopped

	wd := NewWatchdog(f.server.cfg, f.queue, f.server.logger, func(string) {})
	if wd.ConsumeHandoff() == nil {
		t.Fatal("graceful=1 kill left no handoff")
	}
}

func TestKillGracefulZeroLeavesNoHandoff(t *testing.T) {
	f := newServerFixture(t)
	f.handshake(t)

	// A stale handoff from an earlier graceful stop must not survive a
	// hard kill either.
	wd := NewWatchdog(f.server.cfg, f.queue, f.server.logger, func(string) {})
	if err := wd.WriteHandoff(true, "secret"); err != nil {
		t.Fatal(err)
	}

	resp := f.get(t, "/kill?code=secret&graceful=0")
	resp.Body.Close()
	<-f.stopped

	if h := wd.ConsumeHandoff(); h != nil {
		t.Errorf("hard kill left a handoff: %+v", h)
	}
}

func TestCORSHeadersPresent(t *testing.T) {
	f := newServerFixture(t)

	req, err := http.NewRequest(http.MethodOptions, f.ts.URL+"/version", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Origin", "null")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
