package starrun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/protocol"
	"github.com/tmhk/dock/pkg/telemetry"
)

type fakeCaller struct {
	lastType string
	lastArgs []any
	response json.RawMessage
}

func (f *fakeCaller) Call(_ context.Context, callType string, args ...any) (json.RawMessage, error) {
	f.lastType = callType
	f.lastArgs = args
	return f.response, nil
}

type fakeNotifier struct {
	notices []protocol.OutboundData
}

func (f *fakeNotifier) Notify(data protocol.OutboundData) {
	f.notices = append(f.notices, data)
}

func newTestRuntime(t *testing.T, script string, caller host.Caller) (plugins.Runtime, *fakeNotifier) {
	t.Helper()

	dir := t.TempDir()
	entry := filepath.Join(dir, plugins.EntrypointStarlark)
	if err := os.WriteFile(entry, []byte(script), 0644); err != nil {
		t.Fatal(err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	notifier := &fakeNotifier{}
	rt, err := New(context.Background(), &plugins.RuntimeEnv{
		Bundle: &plugins.Bundle{
			Dir:         dir,
			ID:          "plug-1",
			Manifest:    &plugins.Manifest{Name: "test", Author: "a", Version: "1.0"},
			RuntimeName: plugins.RuntimeStarlark,
			EntryPath:   entry,
		},
		Bridge:   host.NewBridge(caller),
		Notifier: notifier,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	return rt, notifier
}

func TestHooksCollected(t *testing.T) {
	script := `
def on_message(**kwargs):
    pass

def on_unload():
    pass

def helper():
    pass
`
	rt, _ := newTestRuntime(t, script, &fakeCaller{})

	if !rt.HasHook(plugins.HookMessage) {
		t.Error("message hook not registered")
	}
	if !rt.HasHook(plugins.HookUnload) {
		t.Error("unload hook not registered")
	}
	if rt.HasHook(plugins.HookParse) {
		t.Error("parse hook registered without an on_parse global")
	}
}

func TestCallHookReturnsValue(t *testing.T) {
	script := `
def on_parse(input = "", **kwargs):
    return input + "!"
`
	rt, _ := newTestRuntime(t, script, &fakeCaller{})

	result, err := rt.CallHook(context.Background(), plugins.HookParse, map[string]any{"input": "hi"})
	if err != nil {
		t.Fatalf("CallHook() error = %v", err)
	}
	if result != "hi!" {
		t.Errorf("result = %v, want hi!", result)
	}
}

func TestParentCallReachesBridge(t *testing.T) {
	script := `
def on_message(user_id = "", **kwargs):
    return parent.GetPoints(userid = user_id)
`
	caller := &fakeCaller{response: json.RawMessage(`42`)}
	rt, _ := newTestRuntime(t, script, caller)

	result, err := rt.CallHook(context.Background(), plugins.HookMessage, map[string]any{"user_id": "u-1"})
	if err != nil {
		t.Fatalf("CallHook() error = %v", err)
	}
	if result != int64(42) {
		t.Errorf("result = %v (%T), want 42", result, result)
	}
	if caller.lastType != "GetPoints" {
		t.Errorf("call type = %q, want GetPoints", caller.lastType)
	}
}

func TestParentLogEmitsNotice(t *testing.T) {
	script := `
def on_enable():
    parent.Log(message = "enabled")
`
	rt, notifier := newTestRuntime(t, script, &fakeCaller{})

	if _, err := rt.CallHook(context.Background(), plugins.HookEnable, nil); err != nil {
		t.Fatalf("CallHook() error = %v", err)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(notifier.notices))
	}
	notice := notifier.notices[0]
	if notice.Type != protocol.OutboundTypeLog {
		t.Errorf("notice type = %q, want @log", notice.Type)
	}
	if notice.Message != "enabled" || notice.PluginID != "plug-1" {
		t.Errorf("notice = %+v, want message enabled from plug-1", notice)
	}
}

func TestHookErrorSurfaced(t *testing.T) {
	script := `
def on_message(**kwargs):
    fail("deliberate")
`
	rt, _ := newTestRuntime(t, script, &fakeCaller{})

	_, err := rt.CallHook(context.Background(), plugins.HookMessage, nil)
	if err == nil {
		t.Fatal("CallHook() expected error")
	}
	if !strings.Contains(err.Error(), "deliberate") {
		t.Errorf("error = %v, want the script failure", err)
	}
}

func TestHookTimeout(t *testing.T) {
	script := `
def on_message(**kwargs):
    x = 0
    for i in range(1000000000):
        x += i
    return x
`
	rt, _ := newTestRuntime(t, script, &fakeCaller{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rt.CallHook(ctx, plugins.HookMessage, nil)
	if err == nil {
		t.Fatal("CallHook() expected cancellation")
	}
}

func TestEntrypointErrorFailsLoad(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, plugins.EntrypointStarlark)
	if err := os.WriteFile(entry, []byte("def broken(:\n"), 0644); err != nil {
		t.Fatal(err)
	}

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = New(context.Background(), &plugins.RuntimeEnv{
		Bundle: &plugins.Bundle{
			Dir:         dir,
			ID:          "plug-1",
			Manifest:    &plugins.Manifest{Name: "broken", Author: "a", Version: "1.0"},
			RuntimeName: plugins.RuntimeStarlark,
			EntryPath:   entry,
		},
		Bridge: host.NewBridge(&fakeCaller{}),
		Logger: logger,
	})
	if err == nil {
		t.Fatal("New() succeeded on a syntax error")
	}
}

func TestCallHookAfterClose(t *testing.T) {
	script := `
def on_message(**kwargs):
    pass
`
	rt, _ := newTestRuntime(t, script, &fakeCaller{})

	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := rt.CallHook(context.Background(), plugins.HookMessage, nil); err == nil {
		t.Error("CallHook() succeeded after Close")
	}
}
