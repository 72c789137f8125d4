package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the turn-engine counters and histograms.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	timer := prometheus.NewTimer(metrics.ProviderRequestDuration.WithLabelValues("anthropic", model))
//	defer timer.ObserveDuration()
type Metrics struct {
	// TurnCounter counts turns by terminal outcome.
	// Labels: outcome (completed|cancelled|exited|error)
	TurnCounter *prometheus.CounterVec

	// ProviderRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ProviderRequestDuration *prometheus.HistogramVec

	// ProviderRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	ProviderRequestCounter *prometheus.CounterVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output|cache_read)
	TokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|denied|skipped)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// PipelineRejections counts short-circuited pipeline stages.
	// Labels: stage (budget|schema|circuit|rate|loop|safety|permission)
	PipelineRejections *prometheus.CounterVec

	// SnapshotCounter counts checkpoint operations.
	// Labels: operation (create|restore|cleanup), status (success|error)
	SnapshotCounter *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the metric set on a private registry so tests can
// instantiate it repeatedly without duplicate-registration panics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TurnCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_turns_total",
			Help: "Turns by terminal outcome.",
		}, []string{"outcome"}),
		ProviderRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vtcode_provider_request_duration_seconds",
			Help:    "Provider call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		ProviderRequestCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_provider_requests_total",
			Help: "Provider calls by status.",
		}, []string{"provider", "model", "status"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_tokens_total",
			Help: "Token consumption by type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_tool_executions_total",
			Help: "Tool invocations by status.",
		}, []string{"tool", "status"}),
		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vtcode_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),
		PipelineRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_pipeline_rejections_total",
			Help: "Tool calls short-circuited before execution.",
		}, []string{"stage"}),
		SnapshotCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vtcode_snapshots_total",
			Help: "Checkpoint operations.",
		}, []string{"operation", "status"}),
	}

	registry.MustRegister(
		m.TurnCounter,
		m.ProviderRequestDuration,
		m.ProviderRequestCounter,
		m.TokensUsed,
		m.ToolExecutionCounter,
		m.ToolExecutionDuration,
		m.PipelineRejections,
		m.SnapshotCounter,
	)

	return m
}

// Registry exposes the underlying registry for an optional scrape
// endpoint or test gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
