package policy

import (
	"context"
	"testing"

	"github.com/tmhk/dock/pkg/telemetry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}

	e, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func callInput(callType string, args []any, caps []string, enabled bool) *CallInput {
	return &CallInput{
		Plugin: &PluginInfo{
			ID:           "11111111-2222-3333-4444-555555555555",
			Name:         "test-plugin",
			Enabled:      enabled,
			Capabilities: caps,
		},
		Call: &CallInfo{Type: callType, Args: args},
	}
}

func TestCheckCapabilityGating(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		call        string
		args        []any
		caps        []string
		wantAllowed bool
	}{
		{
			name:        "currency call with capability",
			call:        "AddPoints",
			args:        []any{"user", "name", 100},
			caps:        []string{"currency"},
			wantAllowed: true,
		},
		{
			name:        "currency call without capability",
			call:        "AddPoints",
			args:        []any{"user", "name", 100},
			caps:        []string{"messaging"},
			wantAllowed: false,
		},
		{
			name:        "messaging call without capability",
			call:        "SendStreamMessage",
			args:        []any{"hello"},
			caps:        nil,
			wantAllowed: false,
		},
		{
			name:        "read-only call needs no capability",
			call:        "GetDisplayName",
			args:        []any{"user"},
			caps:        nil,
			wantAllowed: true,
		},
		{
			name:        "viewer list with capability",
			call:        "GetViewerList",
			args:        []any{},
			caps:        []string{"viewers"},
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(ctx, callInput(tt.call, tt.args, tt.caps, true))
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v (violations: %+v)",
					result.Allowed, tt.wantAllowed, result.Violations)
			}
		})
	}
}

func TestCheckDisabledPlugin(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Check(context.Background(), callInput("GetDisplayName", []any{"user"}, nil, false))
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed {
		t.Error("Allowed = true for disabled plugin, want false")
	}
}

func TestCheckChatMessageLimits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	long := make([]byte, 501)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name        string
		args        []any
		wantAllowed bool
	}{
		{name: "short message", args: []any{"hello chat"}, wantAllowed: true},
		{name: "oversized message", args: []any{string(long)}, wantAllowed: false},
		{name: "no arguments", args: []any{}, wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(ctx, callInput("SendStreamMessage", tt.args, []string{"messaging"}, true))
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
		})
	}
}

func TestCheckSoundVolume(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		volume      any
		wantAllowed bool
	}{
		{name: "valid volume", volume: 75, wantAllowed: true},
		{name: "volume over 100", volume: 150, wantAllowed: false},
		{name: "negative volume", volume: -5, wantAllowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Check(ctx, callInput("PlaySound", []any{"ding.mp3", tt.volume}, []string{"media"}, true))
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if result.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", result.Allowed, tt.wantAllowed)
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	input := callInput("AddPoints", []any{"user", "name", 100}, nil, true)

	result, err := e.Check(ctx, input)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if result.Allowed {
		t.Fatal("Allowed = true before disabling policy, want false")
	}

	if err := e.DisablePolicy("capability-gating"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}

	result, err = e.Check(ctx, input)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("Allowed = false after disabling policy, violations: %+v", result.Violations)
	}

	if err := e.DisablePolicy("no-such-policy"); err == nil {
		t.Error("DisablePolicy(unknown) expected error")
	}
}

func TestListPolicies(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Errorf("len(policies) = %d, want %d", len(policies), len(GetBuiltinPolicies()))
	}

	if _, err := e.GetPolicy("capability-gating"); err != nil {
		t.Errorf("GetPolicy(capability-gating) error = %v", err)
	}
}
