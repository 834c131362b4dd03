package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/martinemde/patchpilot/unifiedllm"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ToolCall("read_file", "lookup", "ok")
	m.CacheHit()
	m.Checkpoint("deadline")
	if New(nil) != nil {
		t.Fatal("New(nil) should return nil")
	}
}

func TestToolCallCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ToolCall("edit_file", "mutation", "ok")
	m.ToolCall("edit_file", "mutation", "ok")
	m.ToolCall("edit_file", "mutation", "error")

	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("edit_file", "mutation", "ok")); got != 2 {
		t.Errorf("ok count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.toolCalls.WithLabelValues("edit_file", "mutation", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

type staticAdapter struct {
	err error
}

func (a staticAdapter) Name() string { return "test" }

func (a staticAdapter) Complete(context.Context, unifiedllm.Request) (*unifiedllm.Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	return &unifiedllm.Response{Message: unifiedllm.AssistantMessage("ok")}, nil
}

func (a staticAdapter) Stream(context.Context, unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	ch := make(chan unifiedllm.StreamEvent)
	close(ch)
	return ch, a.err
}

func TestModelCallMiddleware(t *testing.T) {
	m := New(prometheus.NewRegistry())
	ok := unifiedllm.NewClient(
		unifiedllm.WithProvider("test", staticAdapter{}),
		unifiedllm.WithMiddleware(m.Middleware()),
		unifiedllm.WithStreamMiddleware(m.StreamMiddleware()),
	)
	req := unifiedllm.Request{Model: "m", Messages: []unifiedllm.Message{unifiedllm.UserMessage("hi")}}
	if _, err := ok.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := ok.Stream(context.Background(), req); err != nil {
		t.Fatalf("Stream: %v", err)
	}

	overloaded := &unifiedllm.ServerError{ProviderError: unifiedllm.ProviderError{
		SDKError:   unifiedllm.SDKError{Message: "overloaded"},
		StatusCode: 529,
		Retryable:  true,
	}}
	failing := unifiedllm.NewClient(
		unifiedllm.WithProvider("test", staticAdapter{err: overloaded}),
		unifiedllm.WithMiddleware(m.Middleware()),
	)
	if _, err := failing.Complete(context.Background(), req); !errors.Is(err, overloaded) {
		t.Fatalf("Complete error = %v", err)
	}

	for _, tc := range []struct {
		kind, outcome string
		want          float64
	}{
		{"complete", "ok", 1},
		{"stream", "ok", 1},
		{"complete", "retryable", 1},
		{"complete", "error", 0},
	} {
		got := testutil.ToFloat64(m.modelCalls.WithLabelValues("test", tc.kind, tc.outcome))
		if got != tc.want {
			t.Errorf("%s/%s = %v, want %v", tc.kind, tc.outcome, got, tc.want)
		}
	}
	if n := testutil.CollectAndCount(m.modelLatency); n != 2 {
		t.Errorf("latency series = %d, want 2", n)
	}
}
