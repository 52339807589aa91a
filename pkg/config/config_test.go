package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.Timeouts.HostCall != 5*time.Second {
		t.Errorf("Timeouts.HostCall = %v, want 5s", cfg.Timeouts.HostCall)
	}
	if cfg.DBPath != filepath.Join("data", "registry.db") {
		t.Errorf("DBPath = %q, want derived from DataDir", cfg.DBPath)
	}
}

func TestLoadLayersFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dock.yaml")
	content := `
scripts_dir: /opt/chatbot/Scripts
debug: true
timeouts:
  host_call: 10s
liveness:
  stale_after: 45s
  dead_after: 90s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ScriptsDir != "/opt/chatbot/Scripts" {
		t.Errorf("ScriptsDir = %q", cfg.ScriptsDir)
	}
	if cfg.Timeouts.HostCall != 10*time.Second {
		t.Errorf("Timeouts.HostCall = %v, want 10s", cfg.Timeouts.HostCall)
	}
	// Untouched fields keep their defaults.
	if cfg.Timeouts.StartupAuth != 10*time.Second {
		t.Errorf("Timeouts.StartupAuth = %v, want 10s", cfg.Timeouts.StartupAuth)
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("Telemetry.Logging.Level = %q, want debug", cfg.Telemetry.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.ScriptsDir = "/opt/chatbot/Scripts"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing scripts dir",
			mutate:  func(c *Config) { c.ScriptsDir = "" },
			wantErr: true,
		},
		{
			name:    "non-loopback address",
			mutate:  func(c *Config) { c.Addr = "0.0.0.0:1006" },
			wantErr: true,
		},
		{
			name:    "address without port",
			mutate:  func(c *Config) { c.Addr = "127.0.0.1" },
			wantErr: true,
		},
		{
			name:    "dead before stale",
			mutate:  func(c *Config) { c.Liveness.DeadAfter = 10 * time.Second },
			wantErr: true,
		},
		{
			name:    "zero host call timeout",
			mutate:  func(c *Config) { c.Timeouts.HostCall = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
