package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tmhk/dock/pkg/telemetry"
)

// DefaultAddr is the loopback address the daemon listens on. The hub
// script inside the legacy host is hard-wired to the same port.
const DefaultAddr = "127.0.0.1:1006"

// Config is the daemon configuration, loaded from dock.yaml.
type Config struct {
	// Addr is the listen address. The daemon refuses to bind anything
	// but loopback; the wire protocol carries no transport security.
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// ScriptsDir is the legacy host's Scripts directory, scanned during
	// onboarding for plugin bundles dropped next to native scripts.
	ScriptsDir string `yaml:"scripts_dir" validate:"required"`

	// PluginsDir is where onboarded plugin bundles live.
	PluginsDir string `yaml:"plugins_dir" validate:"required"`

	// DataDir holds the daemon's runtime state: lockfiles, the client
	// stamp, the restart handoff, and the registry database.
	DataDir string `yaml:"data_dir" validate:"required"`

	// DBPath is the registry database path. Defaults to
	// DataDir/registry.db when empty.
	DBPath string `yaml:"db_path"`

	// Timeouts groups the protocol deadlines.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// Liveness groups the client liveness thresholds.
	Liveness LivenessConfig `yaml:"liveness"`

	// Update configures staged daemon updates.
	Update UpdateConfig `yaml:"update"`

	// Telemetry configures logging, tracing, and metrics.
	Telemetry *telemetry.Config `yaml:"telemetry"`

	// Debug enables debug affordances: reload buttons on plugin shims
	// and debug-level logging.
	Debug bool `yaml:"debug"`
}

// TimeoutConfig groups the protocol deadlines.
type TimeoutConfig struct {
	// HostCall bounds the round trip of an outbound host-API call from
	// enqueue to ack. Calls that miss it fail with a timeout error.
	HostCall time.Duration `yaml:"host_call" validate:"gt=0"`

	// StartupAuth bounds how long the daemon waits for the hub to
	// complete the auth handshake before giving up and exiting.
	StartupAuth time.Duration `yaml:"startup_auth" validate:"gt=0"`

	// Parse bounds the synchronous parse round trip. The hub blocks the
	// host's command pipeline while waiting, so this stays short.
	Parse time.Duration `yaml:"parse" validate:"gt=0"`
}

// LivenessConfig groups the thresholds the watchdog uses to decide the
// client is gone. The client renews a stamp file; the daemon must never
// outlive the desktop application it serves.
type LivenessConfig struct {
	// StaleAfter is the stamp age beyond which the client is suspect.
	StaleAfter time.Duration `yaml:"stale_after" validate:"gt=0"`

	// DeadAfter is the stamp age beyond which the client is considered
	// gone regardless of poll activity.
	DeadAfter time.Duration `yaml:"dead_after" validate:"gt=0"`

	// PollStaleAfter is the poll gap that, combined with a stale stamp,
	// marks the client gone before DeadAfter is reached.
	PollStaleAfter time.Duration `yaml:"poll_stale_after" validate:"gt=0"`

	// CheckInterval is the watchdog tick.
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`
}

// UpdateConfig configures staged daemon updates.
type UpdateConfig struct {
	// BaseURL is the release archive base URL.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Branch selects the release channel.
	Branch string `yaml:"branch"`
}

// Default returns a configuration with every field at its default.
// ScriptsDir has no sensible default and must come from the file or a
// flag.
func Default() *Config {
	return &Config{
		Addr:       DefaultAddr,
		PluginsDir: "plugins",
		DataDir:    "data",
		Timeouts: TimeoutConfig{
			HostCall:    5 * time.Second,
			StartupAuth: 10 * time.Second,
			Parse:       5 * time.Second,
		},
		Liveness: LivenessConfig{
			StaleAfter:     30 * time.Second,
			DeadAfter:      60 * time.Second,
			PollStaleAfter: 10 * time.Second,
			CheckInterval:  5 * time.Second,
		},
		Update: UpdateConfig{
			Branch: "master",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads the configuration file at path, layering it over the
// defaults. A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDerived()
	return cfg, nil
}

// applyDerived fills fields whose defaults depend on other fields.
func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "registry.db")
	}
	if c.Telemetry == nil {
		c.Telemetry = telemetry.DefaultConfig()
	}
	if c.Debug {
		c.Telemetry.Logging.Level = "debug"
	}
}

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	c.applyDerived()

	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	host, _, err := net.SplitHostPort(c.Addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Addr, err)
	}
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return fmt.Errorf("listen address %q is not loopback", c.Addr)
	}

	if c.Liveness.DeadAfter <= c.Liveness.StaleAfter {
		return fmt.Errorf("liveness dead_after (%s) must exceed stale_after (%s)",
			c.Liveness.DeadAfter, c.Liveness.StaleAfter)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}

	return nil
}

// LockPath returns the daemon lockfile path.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "dockd.lock")
}

// StampPath returns the client liveness stamp path.
func (c *Config) StampPath() string {
	return filepath.Join(c.DataDir, "client.stamp")
}

// HandoffPath returns the restart handoff file path.
func (c *Config) HandoffPath() string {
	return filepath.Join(c.DataDir, "restart.json")
}

// StagingDir returns the directory staged updates are unpacked into.
func (c *Config) StagingDir() string {
	return filepath.Join(c.DataDir, "staging")
}

// PoliciesDir returns the directory operator policy files load from.
func (c *Config) PoliciesDir() string {
	return filepath.Join(c.DataDir, "policies")
}
