package commands

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/tmhk/dock/pkg/daemon"
	"github.com/tmhk/dock/pkg/onboard"
	"github.com/tmhk/dock/pkg/plugins"
	"github.com/tmhk/dock/pkg/plugins/starrun"
	"github.com/tmhk/dock/pkg/plugins/wasmrun"
	"github.com/tmhk/dock/pkg/policy"
	"github.com/tmhk/dock/pkg/store"
	"github.com/tmhk/dock/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		authCode string
		noWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dock daemon",
		Long: `Start the daemon: bind the loopback listener, load tracked plugin
bundles, and serve the hub's poll loop until killed or until the
watchdog decides the host is gone.

The hub normally spawns this itself. Running it by hand is for
development; pass --auth-code to pin the handshake code instead of
adopting whatever the hub presents first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), authCode, !noWatch)
		},
	}

	cmd.Flags().StringVar(&authCode, "auth-code", "", "expected handshake code (empty adopts the hub's)")
	cmd.Flags().BoolVar(&noWatch, "no-onboard-watch", false, "do not watch the Scripts directory for new bundles")

	return cmd
}

func runDaemon(parent context.Context, authCode string, watchScripts bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir, cfg.PluginsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()
	logger := tel.Logger.NewComponentLogger("daemon")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	queue := daemon.NewOutboundQueue(cfg.Timeouts.HostCall, tel.Logger, tel.Metrics)
	auth := daemon.NewAuthenticator(authCode, tel.Logger, tel.Metrics)

	wd := daemon.NewWatchdog(cfg, queue, tel.Logger, func(reason string) {
		logger.WithField("reason", reason).Info("watchdog stopping daemon")
		cancel()
	})
	if err := wd.AcquireLock(); err != nil {
		return err
	}
	defer wd.ReleaseLock()

	// A host script reload hands the session over instead of starting
	// a fresh handshake.
	restored := false
	if h := wd.ConsumeHandoff(); h != nil && h.Auth {
		auth.Restore(h.KillCode)
		restored = true
		logger.Info("session restored from restart handoff")
	}

	registry, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer func() { _ = registry.Close() }()

	engine, err := policy.NewEngine(tel.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	if _, statErr := os.Stat(cfg.PoliciesDir()); statErr == nil {
		paths := []string{cfg.PoliciesDir()}
		if err := engine.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		loader := policy.NewLoader(tel.Logger)
		go func() {
			watchErr := loader.Watch(ctx, paths, func([]policy.Policy) error {
				return engine.LoadPolicies(ctx, paths)
			})
			if watchErr != nil {
				logger.WithError(watchErr).Warn("policy watch unavailable")
			}
		}()
	}

	manager := plugins.NewManager(cfg.PluginsDir, queue, queue, engine, registry, tel)
	manager.RegisterRuntime(plugins.RuntimeStarlark, starrun.New)
	manager.RegisterRuntime(plugins.RuntimeWASM, wasmrun.New)
	manager.LoadTracked(ctx)

	// A graceful stop runs unload hooks; a hard kill evicts the
	// runtimes without letting plugin code run again.
	var gracefulStop atomic.Bool
	gracefulStop.Store(true)
	defer func() {
		if gracefulStop.Load() {
			manager.Close(context.Background())
		} else {
			manager.Evict(context.Background())
		}
	}()

	if watchScripts {
		onboarder, err := onboard.New(cfg, registry, manager, tel.Logger)
		if err != nil {
			return err
		}
		go func() {
			if watchErr := onboarder.Watch(ctx); watchErr != nil {
				logger.WithError(watchErr).Warn("onboard watch unavailable")
			}
		}()
	}

	srv := daemon.NewServer(cfg, buildVersion, auth, queue, manager, wd, tel,
		func(graceful bool, reason string) {
			gracefulStop.Store(graceful)
			logger.WithField("graceful", graceful).WithField("reason", reason).Info("stopping")
			cancel()
		})

	go wd.Run(ctx)

	// The hub must complete the handshake promptly on a fresh start; a
	// daemon nobody authenticates to has no reason to linger.
	if !restored {
		go func() {
			waitCtx, waitCancel := context.WithTimeout(ctx, cfg.Timeouts.StartupAuth)
			defer waitCancel()
			if waitErr := auth.WaitAuthorized(waitCtx); waitErr != nil && ctx.Err() == nil {
				logger.Error("hub never completed the handshake, exiting")
				cancel()
			}
		}()
	}

	return srv.Run(ctx)
}
