package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// GenerateOptions configures a structured GenerateObject call.
type GenerateOptions struct {
	Model       string
	Prompt      string    // simple text prompt (mutually exclusive with Messages)
	Messages    []Message // full conversation (mutually exclusive with Prompt)
	System      string
	Temperature *float64
	MaxTokens   *int
	Provider    string
	MaxRetries  int // default 2
	Client      *Client
}

// GenerateObject asks the model for a single JSON object matching schema and
// decodes it into GenerateResult.Output. Retryable provider errors are
// retried with the default policy.
func GenerateObject(ctx context.Context, opts GenerateOptions, schema map[string]interface{}) (*GenerateResult, error) {
	if opts.Prompt != "" && len(opts.Messages) > 0 {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "cannot specify both prompt and messages",
		}}
	}
	if opts.Client == nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "generate requires a client",
		}}
	}

	policy := DefaultRetryPolicy()
	policy.MaxRetries = 2
	if opts.MaxRetries > 0 {
		policy.MaxRetries = opts.MaxRetries
	}

	// Providers without native structured output only see the instruction.
	schemaJSON, _ := json.MarshalIndent(schema, "", "  ")
	system := strings.TrimSpace(opts.System + fmt.Sprintf(
		"\nYou must respond with valid JSON matching this schema:\n```json\n%s\n```\nRespond ONLY with the JSON object, no other text.",
		string(schemaJSON),
	))

	messages := opts.Messages
	if opts.Prompt != "" {
		messages = []Message{UserMessage(opts.Prompt)}
	}
	req := Request{
		Model:       opts.Model,
		Provider:    opts.Provider,
		Messages:    append([]Message{SystemMessage(system)}, messages...),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		ResponseFormat: &ResponseFormat{
			Type:       "json_schema",
			JSONSchema: schema,
		},
	}

	resp, err := Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return opts.Client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	result := &GenerateResult{
		Text:     resp.Text(),
		Usage:    resp.Usage,
		Response: *resp,
	}
	var output interface{}
	if err := json.Unmarshal([]byte(extractJSON(result.Text)), &output); err != nil {
		return result, &NoObjectGeneratedError{SDKError: SDKError{
			Message: fmt.Sprintf("failed to parse structured output: %v", err),
			Cause:   err,
		}}
	}
	result.Output = output
	return result, nil
}

// extractJSON strips a surrounding markdown code fence, if present.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

// StreamAccumulator collects stream events into a complete Response.
// Text segments keep the order in which their ids first appeared.
type StreamAccumulator struct {
	textOrder    []string
	textParts    map[string]*strings.Builder
	toolCalls    []ToolCall
	finishReason *FinishReason
	usage        *Usage
	response     *Response
	err          error
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{
		textParts: make(map[string]*strings.Builder),
	}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		id := event.TextID
		if id == "" {
			id = "default"
		}
		b, ok := sa.textParts[id]
		if !ok {
			b = &strings.Builder{}
			sa.textParts[id] = b
			sa.textOrder = append(sa.textOrder, id)
		}
		b.WriteString(event.Delta)
	case ToolCallEnd:
		if event.ToolCall != nil {
			sa.toolCalls = append(sa.toolCalls, *event.ToolCall)
		}
	case StreamFinish:
		sa.finishReason = event.FinishReason
		sa.usage = event.Usage
		sa.response = event.Response
	case StreamError:
		sa.err = event.Error
	}
}

// Err returns the error carried by a stream_error event, if any.
func (sa *StreamAccumulator) Err() error {
	return sa.err
}

// Finished reports whether a finish event has been processed.
func (sa *StreamAccumulator) Finished() bool {
	return sa.finishReason != nil || sa.response != nil
}

// Response returns the accumulated response.
func (sa *StreamAccumulator) Response() *Response {
	if sa.response != nil {
		return sa.response
	}
	var content []ContentPart
	for _, id := range sa.textOrder {
		content = append(content, TextPart(sa.textParts[id].String()))
	}
	for _, tc := range sa.toolCalls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	fr := FinishReason{Reason: "stop"}
	if sa.finishReason != nil {
		fr = *sa.finishReason
	} else if len(sa.toolCalls) > 0 {
		fr = FinishReason{Reason: "tool_calls"}
	}

	usage := Usage{}
	if sa.usage != nil {
		usage = *sa.usage
	}

	return &Response{
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: fr,
		Usage:        usage,
	}
}
