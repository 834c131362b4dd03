// Package metrics exposes Prometheus collectors for the agent loop. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/martinemde/patchpilot/unifiedllm"
)

type Metrics struct {
	executions     *prometheus.CounterVec
	iterations     *prometheus.CounterVec
	toolCalls      *prometheus.CounterVec
	cacheHits      prometheus.Counter
	checkpoints    *prometheus.CounterVec
	regressions    *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	streamFallback prometheus.Counter
	modelCalls     *prometheus.CounterVec
	modelLatency   *prometheus.HistogramVec
}

// New registers the collectors on registry. It returns nil when registry is
// nil so callers can pass the result around unconditionally.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_executions_total",
				Help: "Total number of finished executions by status",
			},
			[]string{"status"},
		),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_iterations_total",
				Help: "Total number of loop iterations by strategy",
			},
			[]string{"strategy"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_tool_calls_total",
				Help: "Total number of dispatched tool calls by tool, category and outcome",
			},
			[]string{"tool", "category", "outcome"},
		),
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patchpilot_lookup_cache_hits_total",
				Help: "Total number of lookups answered from the lookup cache",
			},
		),
		checkpoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_checkpoints_total",
				Help: "Total number of checkpoints written by reason",
			},
			[]string{"reason"},
		),
		regressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_verification_regressions_total",
				Help: "Total number of verification regressions by category and gate",
			},
			[]string{"category", "gate"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_escalations_total",
				Help: "Total number of escalations by kind",
			},
			[]string{"kind"},
		),
		streamFallback: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "patchpilot_stream_fallbacks_total",
				Help: "Total number of model calls that fell back to the non-streaming path",
			},
		),
		modelCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patchpilot_model_calls_total",
				Help: "Total number of provider calls by provider, call kind and outcome",
			},
			[]string{"provider", "kind", "outcome"},
		),
		modelLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patchpilot_model_call_seconds",
				Help:    "Provider call latency; for streams, the time until the stream opened",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
			},
			[]string{"provider", "kind"},
		),
	}

	registry.MustRegister(
		m.executions,
		m.iterations,
		m.toolCalls,
		m.cacheHits,
		m.checkpoints,
		m.regressions,
		m.escalations,
		m.streamFallback,
		m.modelCalls,
		m.modelLatency,
	)

	return m
}

func (m *Metrics) ExecutionFinished(status string) {
	if m != nil {
		m.executions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Iteration(strategy string) {
	if m != nil {
		m.iterations.WithLabelValues(strategy).Inc()
	}
}

func (m *Metrics) ToolCall(tool, category, outcome string) {
	if m != nil {
		m.toolCalls.WithLabelValues(tool, category, outcome).Inc()
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) Checkpoint(reason string) {
	if m != nil {
		m.checkpoints.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Regression(category, gate string) {
	if m != nil {
		m.regressions.WithLabelValues(category, gate).Inc()
	}
}

func (m *Metrics) Escalation(kind string) {
	if m != nil {
		m.escalations.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) StreamFallback() {
	if m != nil {
		m.streamFallback.Inc()
	}
}

// ModelCall records one provider call.
func (m *Metrics) ModelCall(provider, kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil && unifiedllm.IsRetryable(err):
		outcome = "retryable"
	case err != nil:
		outcome = "error"
	}
	m.modelCalls.WithLabelValues(provider, kind, outcome).Inc()
	m.modelLatency.WithLabelValues(provider, kind).Observe(elapsed.Seconds())
}

// Middleware times blocking provider calls.
func (m *Metrics) Middleware() unifiedllm.Middleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (*unifiedllm.Response, error)) (*unifiedllm.Response, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		m.ModelCall(req.Provider, "complete", err, time.Since(start))
		return resp, err
	}
}

// StreamMiddleware times how long a provider takes to open a stream.
func (m *Metrics) StreamMiddleware() unifiedllm.StreamMiddleware {
	return func(ctx context.Context, req unifiedllm.Request, next func(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)) (<-chan unifiedllm.StreamEvent, error) {
		start := time.Now()
		ch, err := next(ctx, req)
		m.ModelCall(req.Provider, "stream", err, time.Since(start))
		return ch, err
	}
}
