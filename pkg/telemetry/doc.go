// Package telemetry provides observability instrumentation for the dock
// daemon.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and Prometheus metrics into a unified system. The daemon
// runs beside a desktop application on a single machine, so tracing is off
// by default and the metrics registry is served on the daemon's own
// loopback listener rather than a dedicated port.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// Component loggers carry the plugin and request identity through the
// dispatch path:
//
//	logger := tel.Logger.NewComponentLogger("daemon")
//	logger = logger.WithPluginID(id).WithRoute("/inbound")
//	logger.Info("dispatching payload")
//
// Metrics cover the poll loop (queue depth, poll gap), the outbound
// host-call round trip, and per-plugin hook activity. Mount the registry
// with tel.Metrics.Handler().
package telemetry
