package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects daemon-wide Prometheus metrics.
//
// Tracked series:
//   - Inbound/outbound message flow per chat outcome
//   - Model request latency and status per provider and model
//   - Tool executions per tool and status
//   - Errors per component and code
//   - Active per-chat workers
type Metrics struct {
	// MessageCounter tracks messages by direction and outcome.
	// Labels: direction (inbound|outbound), outcome (ok|dropped|rate_limited|error)
	MessageCounter *prometheus.CounterVec

	// ModelRequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequestCounter counts provider calls.
	// Labels: provider, model, status (success|error)
	ModelRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool bus invocations, denials included.
	// Labels: tool, status (success|denied|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and code.
	// Labels: component (ingest|agent|toolbus|transport|store), code
	ErrorCounter *prometheus.CounterVec

	// ActiveChats gauges chats with an in-flight worker turn.
	ActiveChats prometheus.Gauge

	// SendDuration measures transport delivery latency in seconds.
	// Labels: kind (text|file)
	SendDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at daemon startup.
func NewMetrics() *Metrics {
	return &Metrics{
		MessageCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcode_messages_total",
				Help: "Messages seen by the ingestion pipeline.",
			},
			[]string{"direction", "outcome"},
		),
		ModelRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgcode_model_request_duration_seconds",
				Help:    "Model provider call latency.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ModelRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcode_model_requests_total",
				Help: "Model provider calls by status.",
			},
			[]string{"provider", "model", "status"},
		),
		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcode_tool_executions_total",
				Help: "Tool bus invocations, including policy denials.",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgcode_tool_execution_duration_seconds",
				Help:    "Tool execution time.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),
		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "msgcode_errors_total",
				Help: "Errors by component and code.",
			},
			[]string{"component", "code"},
		),
		ActiveChats: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "msgcode_active_chats",
				Help: "Chats with an in-flight worker turn.",
			},
		),
		SendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "msgcode_send_duration_seconds",
				Help:    "Transport delivery latency.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		),
	}
}
