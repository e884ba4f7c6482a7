package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the scene runtime.
// A nil *Metrics, or one created with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec

	handlerCalls   *prometheus.CounterVec
	policyDenials  *prometheus.CounterVec
	pluginWarnings prometheus.Counter
	auditFailures  prometheus.Counter
	activeRuns     prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of scene runs by terminal status",
			},
			[]string{"mode", "domain", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of scene runs",
				Buckets:   nodeBuckets,
			},
			[]string{"mode"},
		),
		nodesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_total",
				Help:      "Total number of plan nodes processed by status",
			},
			[]string{"node_type", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "node_duration_seconds",
				Help:      "Duration of plan node execution",
				Buckets:   nodeBuckets,
			},
			[]string{"node_type"},
		),
		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of binding handler calls",
			},
			[]string{"handler", "status"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of runs denied by the policy gate",
			},
			[]string{"domain"},
		),
		pluginWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plugin_warnings_total",
				Help:      "Total number of plugin loading warnings",
			},
		),
		auditFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_failures_total",
				Help:      "Total number of audit events that could not be written",
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs currently executing",
			},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.nodesExecuted,
		m.nodeDuration,
		m.handlerCalls,
		m.policyDenials,
		m.pluginWarnings,
		m.auditFailures,
		m.activeRuns,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordRunStarted marks a run as active.
func (m *Metrics) RecordRunStarted() {
	if !m.enabled() {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run.
func (m *Metrics) RecordRunCompleted(mode, domain, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(mode, domain, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordNode records a processed plan node.
func (m *Metrics) RecordNode(nodeType, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	m.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// RecordHandlerCall records one binding handler invocation.
func (m *Metrics) RecordHandlerCall(handler, status string) {
	if !m.enabled() {
		return
	}
	m.handlerCalls.WithLabelValues(handler, status).Inc()
}

// RecordPolicyDenial records a run denied by the policy gate.
func (m *Metrics) RecordPolicyDenial(domain string) {
	if !m.enabled() {
		return
	}
	m.policyDenials.WithLabelValues(domain).Inc()
}

// RecordPluginWarnings adds plugin loading warnings.
func (m *Metrics) RecordPluginWarnings(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.pluginWarnings.Add(float64(n))
}

// RecordAuditFailure records an audit event that was not written.
func (m *Metrics) RecordAuditFailure() {
	if !m.enabled() {
		return
	}
	m.auditFailures.Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint on addr until the server fails.
func (m *Metrics) Serve(addr string) *http.Server {
	path := "/metrics"
	if m != nil && m.config.Path != "" {
		path = m.config.Path
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
