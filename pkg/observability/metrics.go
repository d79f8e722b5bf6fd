package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	llmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_llm_calls_total",
		Help: "LLM calls by model and outcome.",
	}, []string{"model", "outcome"})

	llmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_llm_call_duration_seconds",
		Help:    "LLM call latency by model.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"model"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_llm_tokens_total",
		Help: "Token usage by model and direction.",
	}, []string{"model", "direction"})

	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_tool_executions_total",
		Help: "Tool executions by tool and outcome.",
	}, []string{"tool", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_tool_execution_duration_seconds",
		Help:    "Tool execution latency by tool.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"tool"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "copilot_http_requests_total",
		Help: "Inbound HTTP requests by route and status.",
	}, []string{"route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "copilot_http_request_duration_seconds",
		Help:    "Inbound HTTP request latency by route.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"route"})
)

func outcomeLabel(err bool) string {
	if err {
		return "error"
	}
	return "success"
}

// RecordLLMCall registers one model call with its latency and token usage.
func RecordLLMCall(model string, duration time.Duration, promptTokens, completionTokens int, failed bool) {
	llmCalls.WithLabelValues(model, outcomeLabel(failed)).Inc()
	llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		llmTokens.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		llmTokens.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution registers one tool invocation.
func RecordToolExecution(tool string, duration time.Duration, failed bool) {
	toolExecutions.WithLabelValues(tool, outcomeLabel(failed)).Inc()
	toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordHTTPRequest registers one inbound request.
func RecordHTTPRequest(route, status string, duration time.Duration) {
	httpRequests.WithLabelValues(route, status).Inc()
	httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}
