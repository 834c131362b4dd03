package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
	"github.com/teilomillet/gollm/utils"
)

// GollmAdapter serves one provider through a gollm.LLM.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.apiKey = key }
}

// WithModel overrides the catalog default model.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions passes extra configuration straight to gollm.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates an adapter for provider. An empty apiKey lets gollm
// read the key from the environment.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{apiKey: apiKey, maxTokens: 8192, temperature: 0.2}
	for _, opt := range opts {
		opt(cfg)
	}
	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("no default model for provider %q", provider)}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		// Retries happen in Invoker so that they are counted and logged once.
		gollm.SetMaxRetries(0),
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", provider, err)
	}
	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: DefaultModel(provider)}
}

func (a *GollmAdapter) Name() string {
	return a.provider
}

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, buildPrompt(req))
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream forwards gollm tokens as text deltas. Tool calls only become known
// once the text is complete, so their events follow TextEnd.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	a.applyRequestOptions(req)
	prompt := buildPrompt(req)
	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamStart}
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			for _, ev := range ResponseEvents(a.buildResponse(req, text)) {
				ch <- ev
			}
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}
	go func() {
		defer close(ch)
		defer stream.Close()

		ch <- StreamEvent{Type: StreamStart}
		id := textID(0)
		var text strings.Builder
		for {
			tok, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Error: a.translateError(err)}
				return
			}
			if tok == nil || tok.Text == "" {
				continue
			}
			if text.Len() == 0 {
				ch <- StreamEvent{Type: TextStart, TextID: id}
			}
			text.WriteString(tok.Text)
			ch <- StreamEvent{Type: TextDelta, Delta: tok.Text, TextID: id}
		}
		if text.Len() > 0 {
			ch <- StreamEvent{Type: TextEnd, TextID: id}
		}

		resp := a.buildResponse(req, text.String())
		for _, call := range resp.ToolCalls() {
			ch <- StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}}
			ch <- StreamEvent{Type: ToolCallEnd, ToolCall: &call}
		}
		ch <- StreamEvent{
			Type:         StreamFinish,
			FinishReason: &resp.FinishReason,
			Usage:        &resp.Usage,
			Response:     resp,
		}
	}()
	return ch, nil
}

// buildPrompt flattens a conversation into a gollm prompt. System messages
// are joined into the system prompt; the rest become prompt messages. A
// CacheHint marks its message, or the system prompt, ephemeral.
func buildPrompt(req Request) *gollm.Prompt {
	var (
		system      []string
		systemCache gollm.CacheType
		messages    []gollm.PromptMessage
	)
	for _, msg := range req.Messages {
		var cache gollm.CacheType
		if msg.CacheHint {
			cache = gollm.CacheTypeEphemeral
		}
		switch msg.Role {
		case RoleSystem:
			system = append(system, msg.TextContent())
			if cache != "" {
				systemCache = cache
			}
		case RoleUser:
			messages = append(messages, gollm.PromptMessage{Role: "user", Content: msg.TextContent(), CacheType: cache})
		case RoleAssistant:
			lines := []string{}
			if text := msg.TextContent(); text != "" {
				lines = append(lines, text)
			}
			for _, call := range msg.ToolCalls() {
				lines = append(lines, formatCall(call))
			}
			messages = append(messages, gollm.PromptMessage{Role: "assistant", Content: strings.Join(lines, "\n"), CacheType: cache})
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				status := "result"
				if part.ToolResult.IsError {
					status = "error"
				}
				messages = append(messages, gollm.PromptMessage{
					Role:       "tool",
					Content:    fmt.Sprintf("[%s %s] %s", part.ToolResult.ToolCallID, status, part.ToolResult.Text()),
					CacheType:  cache,
					ToolCallID: part.ToolResult.ToolCallID,
				})
			}
		}
	}

	opts := []gollm.PromptOption{gollm.WithMessages(messages)}
	if len(system) > 0 {
		opts = append(opts, gollm.WithSystemPrompt(strings.Join(system, "\n\n"), systemCache))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type:     "function",
				Function: gollm.Function{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
		if req.ToolChoice != nil {
			opts = append(opts, gollm.WithToolChoice(req.ToolChoice.Mode))
		}
	}
	return gollm.NewPrompt("", opts...)
}

// formatCall renders a call the way gollm reports calls back to us, so the
// model sees its earlier turns in the shape it produced them.
func formatCall(call ToolCallData) string {
	var args interface{} = json.RawMessage(call.Arguments)
	if len(call.Arguments) == 0 {
		args = map[string]interface{}{}
	}
	s, err := utils.FormatFunctionCall(call.Name, args)
	if err != nil {
		return fmt.Sprintf("%s %s", call.Name, call.Arguments)
	}
	return s
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse splits gollm's <function_call> blocks out of text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}
	cleaned, rawCalls, _ := utils.CleanResponse(text)

	var content []ContentPart
	if cleaned = strings.TrimSpace(cleaned); cleaned != "" {
		content = append(content, TextPart(cleaned))
	}
	for _, raw := range rawCalls {
		var call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(raw), &call); err != nil || call.Name == "" {
			content = append(content, TextPart(raw))
			continue
		}
		content = append(content, ToolCallPart("call_"+uuid.NewString()[:8], call.Name, call.Arguments))
	}

	resp := &Response{
		ID:           "resp_" + uuid.NewString()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: FinishReason{Reason: "stop"},
	}
	if len(resp.ToolCalls()) > 0 {
		resp.FinishReason = FinishReason{Reason: "tool_calls"}
	}
	// gollm does not report usage.
	in := approxTokens(req)
	out := (len(text) + 3) / 4
	resp.Usage = Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	return resp
}

var statusPattern = regexp.MustCompile(`status code (\d{3})`)

// translateError classifies a gollm error by the HTTP status in its message,
// falling back to keywords when there is none.
func (a *GollmAdapter) translateError(err error) error {
	if errors.Is(err, context.Canceled) {
		return &AbortError{SDKError{Message: "request cancelled", Cause: err}}
	}
	msg := err.Error()
	pe := ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		return statusError(code, pe)
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "rate limit"):
		return statusError(429, pe)
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		return statusError(413, pe)
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(lower, "timeout"):
		return statusError(408, pe)
	case strings.Contains(lower, "content filter"):
		return &ContentFilterError{pe}
	}
	pe.Retryable = true
	return &pe
}

func approxTokens(req Request) int {
	chars := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				chars += len(part.Text)
			case ContentToolCall:
				chars += len(part.ToolCall.Arguments)
			case ContentToolResult:
				chars += len(part.ToolResult.Content)
			}
		}
	}
	return (chars + 3) / 4
}
