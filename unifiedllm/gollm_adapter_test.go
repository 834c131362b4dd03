package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/llm"
)

// fakeLLM answers every call with text, split into tokens when streaming.
type fakeLLM struct {
	gollm.LLM
	text      string
	tokens    []string
	err       error
	streaming bool
	prompts   []*gollm.Prompt
	options   map[string]interface{}
}

func (f *fakeLLM) Generate(_ context.Context, p *gollm.Prompt, _ ...llm.GenerateOption) (string, error) {
	f.prompts = append(f.prompts, p)
	return f.text, f.err
}

func (f *fakeLLM) Stream(_ context.Context, p *gollm.Prompt, _ ...llm.StreamOption) (gollm.TokenStream, error) {
	f.prompts = append(f.prompts, p)
	if f.err != nil {
		return nil, f.err
	}
	return &fakeTokens{tokens: f.tokens}, nil
}

func (f *fakeLLM) SupportsStreaming() bool { return f.streaming }

func (f *fakeLLM) SetOption(key string, value interface{}) {
	if f.options == nil {
		f.options = map[string]interface{}{}
	}
	f.options[key] = value
}

type fakeTokens struct {
	tokens []string
	closed bool
}

func (s *fakeTokens) Next(context.Context) (*gollm.StreamToken, error) {
	if len(s.tokens) == 0 {
		return nil, io.EOF
	}
	tok := &gollm.StreamToken{Text: s.tokens[0], Type: "text"}
	s.tokens = s.tokens[1:]
	return tok, nil
}

func (s *fakeTokens) Close() error {
	s.closed = true
	return nil
}

func collect(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestGollmAdapterCompleteSplitsFunctionCalls(t *testing.T) {
	fake := &fakeLLM{text: `Reading the button first.` + "\n" +
		`<function_call>{"name":"read_file","arguments":{"path":"src/Button.tsx"}}</function_call>`}
	a := NewGollmAdapterFromLLM("anthropic", fake)

	resp, err := a.Complete(context.Background(), Request{Model: "claude-haiku-4-5", Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text() != "Reading the button first." {
		t.Errorf("text = %q", resp.Text())
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Fatalf("calls = %+v", calls)
	}
	var args struct{ Path string }
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args.Path != "src/Button.tsx" {
		t.Errorf("arguments = %s", calls[0].Arguments)
	}
	if !strings.HasPrefix(calls[0].ID, "call_") {
		t.Errorf("id = %q", calls[0].ID)
	}
	if resp.FinishReason.Reason != "tool_calls" {
		t.Errorf("finish = %q", resp.FinishReason.Reason)
	}
	if resp.Model != "claude-haiku-4-5" || resp.Provider != "anthropic" {
		t.Errorf("model/provider = %q/%q", resp.Model, resp.Provider)
	}
	if fake.options["model"] != "claude-haiku-4-5" {
		t.Errorf("model option = %v", fake.options["model"])
	}
}

func TestGollmAdapterStreamEmitsToolCallEvents(t *testing.T) {
	fake := &fakeLLM{
		streaming: true,
		tokens: []string{
			"Looking. ",
			`<function_call>{"name":"search_code","arguments":{"query":"cart"}}</function_call>`,
		},
	}
	a := NewGollmAdapterFromLLM("anthropic", fake)

	ch, err := a.Stream(context.Background(), Request{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)

	want := []StreamEventType{StreamStart, TextStart, TextDelta, TextDelta, TextEnd, ToolCallStart, ToolCallEnd, StreamFinish}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	start, end := events[5].ToolCall, events[6].ToolCall
	if start.Name != "search_code" || start.Arguments != nil {
		t.Errorf("start = %+v", start)
	}
	if end.ID != start.ID || string(end.Arguments) != `{"query":"cart"}` {
		t.Errorf("end = %+v", end)
	}
	finish := events[7]
	if finish.FinishReason.Reason != "tool_calls" || finish.Response.Text() != "Looking." {
		t.Errorf("finish = %+v", finish.Response)
	}

	acc := NewStreamAccumulator()
	for _, ev := range events {
		acc.Process(ev)
	}
	if calls := acc.Response().ToolCalls(); len(calls) != 1 || calls[0].ID != end.ID {
		t.Errorf("accumulated calls = %+v", calls)
	}
}

func TestGollmAdapterStreamWithoutStreamingSupport(t *testing.T) {
	fake := &fakeLLM{text: "done"}
	a := NewGollmAdapterFromLLM("openai", fake)

	ch, err := a.Stream(context.Background(), Request{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Type != StreamFinish || last.Response.Text() != "done" {
		t.Errorf("last event = %+v", last)
	}
	if last.Response.Model != "gpt-4.1" {
		t.Errorf("model = %q, want the catalog default", last.Response.Model)
	}
}

func TestGollmAdapterStreamReportsGenerateFailure(t *testing.T) {
	fake := &fakeLLM{err: errors.New("API error: status code 503")}
	a := NewGollmAdapterFromLLM("openai", fake)

	ch, err := a.Stream(context.Background(), Request{Messages: []Message{UserMessage("go")}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	events := collect(t, ch)
	if len(events) != 2 || events[1].Type != StreamError {
		t.Fatalf("events = %v", eventTypes(events))
	}
	var server *ServerError
	if !errors.As(events[1].Error, &server) || server.StatusCode != 503 {
		t.Errorf("error = %#v", events[1].Error)
	}
}

func TestBuildPromptMapsCacheHints(t *testing.T) {
	stable := SystemMessage("You edit frontend code.")
	stable.CacheHint = true
	history := UserMessage("Make the button blue")
	history.CacheHint = true

	p := buildPrompt(Request{Messages: []Message{
		stable,
		SystemMessage("Project: shop"),
		history,
		{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Reading."),
			ToolCallPart("call_1", "read_file", json.RawMessage(`{"path":"a.ts"}`)),
		}},
		ToolResultMessage("call_1", "export const a = 1", false),
		ToolResultMessage("call_2", "no such file", true),
	}})

	if p.SystemPrompt != "You edit frontend code.\n\nProject: shop" {
		t.Errorf("system = %q", p.SystemPrompt)
	}
	if p.SystemCacheType != gollm.CacheTypeEphemeral {
		t.Errorf("system cache = %q", p.SystemCacheType)
	}
	if len(p.Messages) != 4 {
		t.Fatalf("messages = %+v", p.Messages)
	}
	if p.Messages[0].Role != "user" || p.Messages[0].CacheType != gollm.CacheTypeEphemeral {
		t.Errorf("user message = %+v", p.Messages[0])
	}
	if p.Messages[1].CacheType != "" {
		t.Errorf("unhinted message cached: %+v", p.Messages[1])
	}
	if !strings.Contains(p.Messages[1].Content, `<function_call>{"arguments":{"path":"a.ts"},"name":"read_file"}</function_call>`) {
		t.Errorf("assistant content = %q", p.Messages[1].Content)
	}
	if p.Messages[2].Content != "[call_1 result] export const a = 1" || p.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool result = %+v", p.Messages[2])
	}
	if p.Messages[3].Content != "[call_2 error] no such file" {
		t.Errorf("tool error = %+v", p.Messages[3])
	}
}

func TestBuildPromptWithoutCacheHints(t *testing.T) {
	p := buildPrompt(Request{Messages: []Message{SystemMessage("sys"), UserMessage("hi")}})
	if p.SystemCacheType != "" {
		t.Errorf("system cache = %q", p.SystemCacheType)
	}
	for _, m := range p.Messages {
		if m.CacheType != "" {
			t.Errorf("message cache = %+v", m)
		}
	}
}

func TestBuildPromptTools(t *testing.T) {
	p := buildPrompt(Request{
		Messages: []Message{UserMessage("hi")},
		Tools: []ToolDefinition{{
			Name:        "read_file",
			Description: "Read a file",
			Parameters:  map[string]interface{}{"type": "object"},
		}},
		ToolChoice: &ToolChoice{Mode: "auto"},
	})
	if len(p.Tools) != 1 || p.Tools[0].Function.Name != "read_file" || p.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", p.Tools)
	}
	if p.ToolChoice["type"] != "auto" {
		t.Errorf("tool choice = %v", p.ToolChoice)
	}

	bare := buildPrompt(Request{Messages: []Message{UserMessage("hi")}, ToolChoice: &ToolChoice{Mode: "auto"}})
	if len(bare.Tools) != 0 || bare.ToolChoice != nil {
		t.Errorf("tool choice without tools: %+v", bare.ToolChoice)
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	a := &GollmAdapter{provider: "openai"}
	tests := []struct {
		msg       string
		status    int
		retryable bool
		check     func(error) bool
	}{
		{"API error: status code 401", 401, false, func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"API error: status code 404", 404, false, func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{"API error: status code 429", 429, true, func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"API error: status code 529", 529, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"rate limit exceeded", 429, true, func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"prompt exceeds context length", 413, false, func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{"content filter triggered", 0, false, func(err error) bool { var e *ContentFilterError; return errors.As(err, &e) }},
		{"failed to generate after 1 attempts", 0, true, func(err error) bool { var e *ProviderError; return errors.As(err, &e) }},
	}
	for _, tt := range tests {
		err := a.translateError(errors.New(tt.msg))
		if !tt.check(err) {
			t.Errorf("%q: got %T", tt.msg, err)
			continue
		}
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%q: IsRetryable = %v", tt.msg, !tt.retryable)
		}
		if tt.status != 0 && !strings.Contains(err.Error(), "(status "+strconv.Itoa(tt.status)+")") {
			t.Errorf("%q: error %q lacks status %d", tt.msg, err, tt.status)
		}
	}

	timeout := a.translateError(errors.New("request timeout"))
	var rt *RequestTimeoutError
	if !errors.As(timeout, &rt) || !IsRetryable(timeout) {
		t.Errorf("timeout = %T", timeout)
	}
	cancelled := a.translateError(context.Canceled)
	var abort *AbortError
	if !errors.As(cancelled, &abort) || IsRetryable(cancelled) {
		t.Errorf("cancelled = %T", cancelled)
	}
}
