package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the dock daemon. The daemon
// serves the registry on its own loopback listener, so Handler is the
// only exposure path.
type Metrics struct {
	config MetricsConfig

	// Inbound payload metrics
	inboundPayloads  *prometheus.CounterVec
	payloadsDropped  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Parse metrics
	parseRequests *prometheus.CounterVec
	parseDuration prometheus.Histogram

	// Outbound host-call metrics
	hostCalls        *prometheus.CounterVec
	hostCallDuration *prometheus.HistogramVec
	outboundDepth    prometheus.Gauge
	unknownAcks      prometheus.Counter

	// Poll metrics
	pollsServed prometheus.Counter
	pollGap     prometheus.Histogram

	// Plugin metrics
	pluginsLoaded    prometheus.Gauge
	pluginHookCalls  *prometheus.CounterVec
	pluginHookErrors *prometheus.CounterVec

	// Auth metrics
	authTransitions *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		inboundPayloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_payloads_total",
				Help:      "Total number of inbound payloads by type",
			},
			[]string{"type"},
		),
		payloadsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payloads_dropped_total",
				Help:      "Total number of inbound payloads dropped",
			},
			[]string{"reason"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Duration of payload dispatch to plugin hooks in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),

		parseRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_requests_total",
				Help:      "Total number of synchronous parse requests",
			},
			[]string{"status"},
		),
		parseDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "parse_duration_seconds",
				Help:      "Duration of synchronous parse handling in seconds",
				Buckets:   buckets,
			},
		),

		hostCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "host_calls_total",
				Help:      "Total number of outbound host-API calls by type and status",
			},
			[]string{"type", "status"},
		),
		hostCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "host_call_duration_seconds",
				Help:      "Round-trip duration of outbound host-API calls in seconds",
				Buckets:   buckets,
			},
			[]string{"type"},
		),
		outboundDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "outbound_queue_depth",
				Help:      "Current number of entries waiting in the outbound queue",
			},
		),
		unknownAcks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unknown_acks_total",
				Help:      "Total number of acks received for unknown nonces",
			},
		),

		pollsServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_served_total",
				Help:      "Total number of outbound polls served",
			},
		),
		pollGap: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_gap_seconds",
				Help:      "Time between consecutive outbound polls in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),

		pluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "plugins_loaded",
				Help:      "Current number of loaded plugins",
			},
		),
		pluginHookCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_hook_calls_total",
				Help:      "Total number of plugin hook invocations",
			},
			[]string{"plugin", "hook"},
		),
		pluginHookErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_hook_errors_total",
				Help:      "Total number of plugin hook invocations that returned an error",
			},
			[]string{"plugin", "hook"},
		),

		authTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_transitions_total",
				Help:      "Total number of auth state transitions",
			},
			[]string{"state"},
		),
	}

	registry.MustRegister(
		m.inboundPayloads,
		m.payloadsDropped,
		m.dispatchDuration,
		m.parseRequests,
		m.parseDuration,
		m.hostCalls,
		m.hostCallDuration,
		m.outboundDepth,
		m.unknownAcks,
		m.pollsServed,
		m.pollGap,
		m.pluginsLoaded,
		m.pluginHookCalls,
		m.pluginHookErrors,
		m.authTransitions,
	)

	return m, nil
}

// Inbound payload metrics

// RecordInboundPayload increments the counter for an inbound payload type.
func (m *Metrics) RecordInboundPayload(payloadType string) {
	if m.inboundPayloads == nil {
		return
	}
	m.inboundPayloads.WithLabelValues(payloadType).Inc()
}

// RecordPayloadDropped records a payload the daemon could not dispatch.
func (m *Metrics) RecordPayloadDropped(reason string) {
	if m.payloadsDropped == nil {
		return
	}
	m.payloadsDropped.WithLabelValues(reason).Inc()
}

// RecordDispatch records the duration of dispatching a payload to plugins.
func (m *Metrics) RecordDispatch(payloadType string, duration time.Duration) {
	if m.dispatchDuration == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(payloadType).Observe(duration.Seconds())
}

// Parse metrics

// RecordParse records a synchronous parse request with its outcome.
func (m *Metrics) RecordParse(status string, duration time.Duration) {
	if m.parseRequests == nil {
		return
	}
	m.parseRequests.WithLabelValues(status).Inc()
	m.parseDuration.Observe(duration.Seconds())
}

// Outbound host-call metrics

// RecordHostCall records a completed outbound host-API call.
func (m *Metrics) RecordHostCall(callType, status string, duration time.Duration) {
	if m.hostCalls == nil {
		return
	}
	m.hostCalls.WithLabelValues(callType, status).Inc()
	m.hostCallDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// SetOutboundDepth sets the current outbound queue depth.
func (m *Metrics) SetOutboundDepth(depth float64) {
	if m.outboundDepth == nil {
		return
	}
	m.outboundDepth.Set(depth)
}

// RecordUnknownAck records an ack whose nonce no waiter claimed.
func (m *Metrics) RecordUnknownAck() {
	if m.unknownAcks == nil {
		return
	}
	m.unknownAcks.Inc()
}

// Poll metrics

// RecordPoll records an outbound poll and the gap since the previous one.
func (m *Metrics) RecordPoll(sinceLast time.Duration) {
	if m.pollsServed == nil {
		return
	}
	m.pollsServed.Inc()
	if sinceLast > 0 {
		m.pollGap.Observe(sinceLast.Seconds())
	}
}

// Plugin metrics

// SetPluginsLoaded sets the current number of loaded plugins.
func (m *Metrics) SetPluginsLoaded(count float64) {
	if m.pluginsLoaded == nil {
		return
	}
	m.pluginsLoaded.Set(count)
}

// RecordHookCall records a plugin hook invocation.
func (m *Metrics) RecordHookCall(pluginName, hook string) {
	if m.pluginHookCalls == nil {
		return
	}
	m.pluginHookCalls.WithLabelValues(pluginName, hook).Inc()
}

// RecordHookError records a plugin hook invocation that failed.
func (m *Metrics) RecordHookError(pluginName, hook string) {
	if m.pluginHookErrors == nil {
		return
	}
	m.pluginHookErrors.WithLabelValues(pluginName, hook).Inc()
}

// Auth metrics

// RecordAuthTransition records an auth state machine transition.
func (m *Metrics) RecordAuthTransition(state string) {
	if m.authTransitions == nil {
		return
	}
	m.authTransitions.WithLabelValues(state).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
