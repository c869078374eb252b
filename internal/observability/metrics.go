package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application
// metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - turn throughput and latency
//   - tool execution counts, latency, and cache effectiveness
//   - LLM request performance by provider and model
//   - telemetry fabric health (events emitted, dropped, published)
//   - live SSE observer connections
type Metrics struct {
	// TurnCounter counts conversation turns by outcome.
	// Labels: status (success|failure)
	TurnCounter *prometheus.CounterVec

	// TurnDuration measures end-to-end turn latency in seconds.
	TurnDuration prometheus.Histogram

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool, status (success|error|denied), cache (hit|miss|none)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// CacheOperations counts cache layer outcomes.
	// Labels: module, outcome (hit|miss|error|invalidate)
	CacheOperations *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// TelemetryEvents counts telemetry fabric activity.
	// Labels: stage (emitted|dropped|consumed)
	TelemetryEvents *prometheus.CounterVec

	// ArtifactBytes tracks bytes offloaded to the artifact store.
	ArtifactBytes prometheus.Counter

	// SSEClients is a gauge of currently connected observer streams.
	SSEClients prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry creates metrics against a specific registry,
// which tests use to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_turns_total",
			Help: "Conversation turns by outcome.",
		}, []string{"status"}),

		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "harbor_turn_duration_seconds",
			Help:    "End-to-end turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_tool_executions_total",
			Help: "Tool invocations by tool, status, and cache outcome.",
		}, []string{"tool", "status", "cache"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harbor_tool_execution_duration_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		CacheOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_cache_operations_total",
			Help: "Cache layer outcomes by module.",
		}, []string{"module", "outcome"}),

		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harbor_llm_request_duration_seconds",
			Help:    "LLM API call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_llm_requests_total",
			Help: "LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		TelemetryEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "harbor_telemetry_events_total",
			Help: "Telemetry fabric activity by stage.",
		}, []string{"stage"}),

		ArtifactBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "harbor_artifact_bytes_total",
			Help: "Bytes offloaded to the artifact store.",
		}),

		SSEClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "harbor_sse_clients",
			Help: "Currently connected observer SSE streams.",
		}),
	}
}
