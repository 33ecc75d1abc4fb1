package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_runs_total",
			Help: "Total number of workflow runs by terminal state",
		},
		[]string{"state", "reason"},
	)

	RunsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiflow_runs_active",
			Help: "Number of workflow runs currently executing",
		},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiflow_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"state"},
	)

	NodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_node_executions_total",
			Help: "Total number of node executions by kind and final state",
		},
		[]string{"kind", "state"},
	)

	NodeExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiflow_node_execution_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"kind"},
	)

	NodeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_node_retries_total",
			Help: "Total number of node retry attempts",
		},
		[]string{"kind", "error_kind"},
	)

	SandboxInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_sandbox_invocations_total",
			Help: "Sandbox invocations by outcome",
		},
		[]string{"outcome"},
	)

	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_llm_tokens_total",
			Help: "Tokens accounted for successful AI invocations",
		},
		[]string{"model", "type"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiflow_events_published_total",
			Help: "Run events published by type",
		},
		[]string{"event_type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiflow_events_dropped_total",
			Help: "Run events dropped by slow external sinks",
		},
	)
)

func RecordHTTPRequest(method, path, status string) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
}

func RecordRun(state, reason string, seconds float64) {
	RunsTotal.WithLabelValues(state, reason).Inc()
	RunDuration.WithLabelValues(state).Observe(seconds)
}

func RecordNodeExecution(kind, state string, seconds float64) {
	NodeExecutionsTotal.WithLabelValues(kind, state).Inc()
	NodeExecutionDuration.WithLabelValues(kind).Observe(seconds)
}

func RecordNodeRetry(kind, errorKind string) {
	NodeRetriesTotal.WithLabelValues(kind, errorKind).Inc()
}

func RecordSandbox(outcome string) {
	SandboxInvocationsTotal.WithLabelValues(outcome).Inc()
}

func RecordTokens(model string, prompt, completion int) {
	LLMTokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	LLMTokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

func RecordEvent(eventType string) {
	EventsPublished.WithLabelValues(eventType).Inc()
}
