package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the plugin system.
type Metrics struct {
	Registry *prometheus.Registry

	ValidationsTotal  *prometheus.CounterVec
	RiskScore         prometheus.Histogram
	FindingsTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	RegistryPlugins   *prometheus.GaugeVec
	WatchedProcesses  prometheus.Gauge
	OverLimitKills    prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	RequestDuration   *prometheus.HistogramVec
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "validations_total",
				Help:      "Total admission analyses by plugin kind and verdict.",
			},
			[]string{"kind", "verdict"},
		),

		RiskScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "risk_score",
				Help:      "Risk scores assigned by admission analysis.",
				Buckets:   prometheus.LinearBuckets(0, 10, 11),
			},
		),

		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "findings_total",
				Help:      "Total analysis findings by category.",
			},
			[]string{"category"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "executions_total",
				Help:      "Total plugin executions by backend and status.",
			},
			[]string{"backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "execution_duration_seconds",
				Help:      "Duration of plugin executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "execution_errors_total",
				Help:      "Total execution setup errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "warden",
				Name:      "active_executions",
				Help:      "Number of currently running plugin executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "security_events_total",
				Help:      "Total security events detected during execution.",
			},
			[]string{"type"},
		),

		RegistryPlugins: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "warden",
				Name:      "registry_plugins",
				Help:      "Number of registered plugins by lifecycle status.",
			},
			[]string{"status"},
		),

		WatchedProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "warden",
				Name:      "watched_processes",
				Help:      "Number of sandboxed processes currently tracked by the resource monitor.",
			},
		),

		OverLimitKills: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "warden",
				Name:      "over_limit_kills_total",
				Help:      "Total processes killed for exceeding their memory limit.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "warden",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		// Label names fixed by promhttp.InstrumentHandlerDuration.
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by method and response code.",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"code", "method"},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "warden",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ValidationsTotal,
		m.RiskScore,
		m.FindingsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.RegistryPlugins,
		m.WatchedProcesses,
		m.OverLimitKills,
		m.RequestsInFlight,
		m.RequestDuration,
		m.OutputSizeBytes,
	)

	return m
}

// RecordValidation records one admission analysis.
func (m *Metrics) RecordValidation(kind string, valid bool, score int) {
	verdict := "valid"
	if !valid {
		verdict = "invalid"
	}
	m.ValidationsTotal.WithLabelValues(kind, verdict).Inc()
	m.RiskScore.Observe(float64(score))
}

// RecordFinding records one analysis finding by category.
func (m *Metrics) RecordFinding(category string) {
	m.FindingsTotal.WithLabelValues(category).Inc()
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(backend, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
}

// RecordError records an execution setup error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// SetRegistryCounts refreshes the per-status registry gauge.
func (m *Metrics) SetRegistryCounts(counts map[string]int) {
	for status, n := range counts {
		m.RegistryPlugins.WithLabelValues(status).Set(float64(n))
	}
}
