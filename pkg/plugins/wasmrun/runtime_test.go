package wasmrun

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tmhk/dock/pkg/host"
	"github.com/tmhk/dock/pkg/plugins"
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

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	return logger
}

func TestPackUnpackRoundTrip(t *testing.T) {
	tests := []struct {
		ptr, length uint32
	}{
		{0, 0},
		{1024, 17},
		{0xFFFFFFFF, 0xFFFFFFFF},
	}
	for _, tt := range tests {
		ptr, length := unpack(pack(tt.ptr, tt.length))
		if ptr != tt.ptr || length != tt.length {
			t.Errorf("unpack(pack(%d, %d)) = (%d, %d)", tt.ptr, tt.length, ptr, length)
		}
	}
}

func TestDispatchHostCallRequiresName(t *testing.T) {
	caller := &fakeCaller{}
	bridge := host.NewBridge(caller)

	if _, err := dispatchHostCall(context.Background(), bridge, &hostCallRequest{}); err == nil {
		t.Error("dispatchHostCall() accepted an empty call name")
	}
}

func TestDispatchHostCallRoutesByName(t *testing.T) {
	caller := &fakeCaller{response: json.RawMessage(`42`)}
	bridge := host.NewBridge(caller)

	result, err := dispatchHostCall(context.Background(), bridge, &hostCallRequest{
		Call: "GetPoints",
		Args: []any{"u-1"},
	})
	if err != nil {
		t.Fatalf("dispatchHostCall() error = %v", err)
	}
	if string(result) != "42" {
		t.Errorf("result = %s, want 42", result)
	}
	if caller.lastType != "GetPoints" {
		t.Errorf("call type = %q, want GetPoints", caller.lastType)
	}
	if len(caller.lastArgs) != 1 || caller.lastArgs[0] != "u-1" {
		t.Errorf("args = %v, want [u-1]", caller.lastArgs)
	}
}

func TestNewRejectsInvalidModule(t *testing.T) {
	dir := t.TempDir()
	entry := filepath.Join(dir, plugins.EntrypointWASM)
	if err := os.WriteFile(entry, []byte("not a wasm binary"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := New(context.Background(), &plugins.RuntimeEnv{
		Bundle: &plugins.Bundle{
			Dir:         dir,
			ID:          "plug-1",
			Manifest:    &plugins.Manifest{Name: "bad", Author: "a", Version: "1.0", Runtime: plugins.RuntimeWASM},
			RuntimeName: plugins.RuntimeWASM,
			EntryPath:   entry,
		},
		Bridge: host.NewBridge(&fakeCaller{}),
		Logger: testLogger(t),
	})
	if err == nil {
		t.Fatal("New() accepted an invalid module")
	}
}

func TestNewMissingEntrypoint(t *testing.T) {
	dir := t.TempDir()

	_, err := New(context.Background(), &plugins.RuntimeEnv{
		Bundle: &plugins.Bundle{
			Dir:         dir,
			ID:          "plug-1",
			Manifest:    &plugins.Manifest{Name: "gone", Author: "a", Version: "1.0", Runtime: plugins.RuntimeWASM},
			RuntimeName: plugins.RuntimeWASM,
			EntryPath:   filepath.Join(dir, plugins.EntrypointWASM),
		},
		Bridge: host.NewBridge(&fakeCaller{}),
		Logger: testLogger(t),
	})
	if err == nil {
		t.Fatal("New() accepted a missing entrypoint")
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"result only", `{"result": "ok"}`, ""},
		{"error only", `{"error": "boom"}`, "boom"},
		{"empty", `{}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var envelope callEnvelope
			if err := json.Unmarshal([]byte(tt.body), &envelope); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if envelope.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", envelope.Error, tt.wantErr)
			}
		})
	}
}
