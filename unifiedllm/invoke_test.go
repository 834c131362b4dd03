package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"
)

// stallingAdapter opens a stream that emits stream_start and then nothing
// until the context is cancelled.
type stallingAdapter struct {
	name     string
	response *Response
	streams  int
	calls    int
}

func (s *stallingAdapter) Name() string { return s.name }

func (s *stallingAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	s.calls++
	return s.response, nil
}

func (s *stallingAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	s.streams++
	ch := make(chan StreamEvent, 1)
	ch <- StreamEvent{Type: StreamStart}
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func toolCallResponse() *Response {
	return &Response{
		ID:    "resp_1",
		Model: "test-model",
		Message: Message{
			Role: RoleAssistant,
			Content: []ContentPart{
				TextPart("Changing the color."),
				ToolCallPart("call_1", "edit_file", json.RawMessage(`{"ref":"a.liquid"}`)),
			},
		},
		FinishReason: FinishReason{Reason: "tool_calls"},
		Usage:        Usage{InputTokens: 12, OutputTokens: 8, TotalTokens: 20},
	}
}

func eventTypes(events []StreamEvent) []StreamEventType {
	out := make([]StreamEventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestResponseEventsSequence(t *testing.T) {
	events := ResponseEvents(toolCallResponse())
	want := []StreamEventType{
		StreamStart, TextStart, TextDelta, TextEnd, ToolCallStart, ToolCallEnd, StreamFinish,
	}
	if got := eventTypes(events); !reflect.DeepEqual(got, want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	last := events[len(events)-1]
	if last.Usage == nil || last.Usage.TotalTokens != 20 {
		t.Errorf("finish usage = %+v, want total 20", last.Usage)
	}
	if last.FinishReason == nil || last.FinishReason.Reason != "tool_calls" {
		t.Errorf("finish reason = %+v, want tool_calls", last.FinishReason)
	}
}

func TestInvokerStreamsWhenHealthy(t *testing.T) {
	resp := toolCallResponse()
	mock := &mockAdapter{name: "test", events: ResponseEvents(resp)}
	inv := NewInvoker(NewClient(WithProvider("test", mock)), InvokerConfig{FirstByteTimeout: time.Second})

	var got []StreamEvent
	out, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, func(ev StreamEvent) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(eventTypes(got), eventTypes(ResponseEvents(resp))) {
		t.Errorf("streamed events = %v", eventTypes(got))
	}
	if len(out.ToolCalls()) != 1 {
		t.Errorf("expected 1 tool call, got %d", len(out.ToolCalls()))
	}
}

func TestInvokerFallsBackOnFirstByteTimeout(t *testing.T) {
	adapter := &stallingAdapter{name: "test", response: toolCallResponse()}
	health := NewStreamHealth(1, time.Hour)
	inv := NewInvoker(NewClient(WithProvider("test", adapter)), InvokerConfig{
		FirstByteTimeout: 20 * time.Millisecond,
		Health:           health,
	})

	var got []StreamEvent
	out, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, func(ev StreamEvent) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("expected 1 blocking completion, got %d", adapter.calls)
	}
	want := eventTypes(ResponseEvents(toolCallResponse()))
	if !reflect.DeepEqual(eventTypes(got), want) {
		t.Errorf("fallback events = %v, want %v", eventTypes(got), want)
	}
	if out.Text() != "Changing the color." {
		t.Errorf("text = %q", out.Text())
	}
	if health.Healthy() {
		t.Error("expected streaming to be disabled after threshold timeouts")
	}

	// While unhealthy, no stream is opened at all.
	if _, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.streams != 1 {
		t.Errorf("expected 1 stream attempt, got %d", adapter.streams)
	}
}

func TestInvokerNonRetryableStreamError(t *testing.T) {
	authErr := &AuthenticationError{ProviderError: ProviderError{SDKError: SDKError{Message: "bad key"}}}
	mock := &mockAdapter{name: "test", err: authErr}
	inv := NewInvoker(NewClient(WithProvider("test", mock)), InvokerConfig{})

	_, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsRetryable(err) {
		t.Errorf("expected non-retryable error, got %T", err)
	}
}

// flakyAdapter cannot stream and fails its first completions.
type flakyAdapter struct {
	failures int
	calls    int
}

func (f *flakyAdapter) Name() string { return "test" }

func (f *flakyAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &ServerError{ProviderError{Provider: "test", StatusCode: 529}}
	}
	return toolCallResponse(), nil
}

func (f *flakyAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	return nil, &ServerError{ProviderError{Provider: "test", StatusCode: 503}}
}

func TestInvokerRetriesFallbackCompletion(t *testing.T) {
	adapter := &flakyAdapter{failures: 2}
	fallbacks := 0
	inv := NewInvoker(NewClient(WithProvider("test", adapter)), InvokerConfig{
		Retry:      &RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		OnFallback: func() { fallbacks++ },
	})

	out, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adapter.calls != 3 || fallbacks != 1 {
		t.Errorf("calls = %d, fallbacks = %d", adapter.calls, fallbacks)
	}
	if out.Text() != "Changing the color." {
		t.Errorf("text = %q", out.Text())
	}
}

func TestInvokerEmptyRetryPolicyTriesOnce(t *testing.T) {
	adapter := &flakyAdapter{failures: 1}
	inv := NewInvoker(NewClient(WithProvider("test", adapter)), InvokerConfig{Retry: &RetryPolicy{}})

	_, err := inv.Invoke(context.Background(), Request{Model: "test-model"}, nil)
	var server *ServerError
	if !errors.As(err, &server) {
		t.Fatalf("err = %T %v, want *ServerError", err, err)
	}
	if adapter.calls != 1 {
		t.Errorf("calls = %d, want 1", adapter.calls)
	}
}

func TestStreamHealthCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := NewStreamHealth(2, time.Minute)
	h.now = func() time.Time { return now }

	h.RecordTimeout()
	if !h.Healthy() {
		t.Fatal("one timeout should not disable streaming")
	}
	h.RecordSuccess()
	h.RecordTimeout()
	if !h.Healthy() {
		t.Fatal("success should reset the consecutive count")
	}
	h.RecordTimeout()
	if h.Healthy() {
		t.Fatal("expected unhealthy after two consecutive timeouts")
	}
	now = now.Add(2 * time.Minute)
	if !h.Healthy() {
		t.Fatal("expected healthy after cooldown")
	}
}

func TestExtractJSON(t *testing.T) {
	in := "```json\n{\"approved\": true}\n```"
	if got := extractJSON(in); got != `{"approved": true}` {
		t.Errorf("extractJSON = %q", got)
	}
	if got := extractJSON(` {"a":1} `); got != `{"a":1}` {
		t.Errorf("extractJSON = %q", got)
	}
}
