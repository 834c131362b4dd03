package agentloop

import (
	"strings"
	"time"

	"github.com/martinemde/patchpilot/dispatch"
	"github.com/martinemde/patchpilot/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnSystem      TurnKind = "system"
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
	TurnAnchor      TurnKind = "anchor"
)

// Turn is a single entry in the conversation log.
type Turn struct {
	Kind      TurnKind              `json:"kind"`
	Timestamp time.Time             `json:"timestamp"`
	Content   string                `json:"content,omitempty"`
	ToolCalls []unifiedllm.ToolCall `json:"tool_calls,omitempty"`
	Results   []ToolOutput          `json:"results,omitempty"`
	Usage     unifiedllm.Usage      `json:"usage"`

	// Pinned turns are never compressed.
	Pinned bool `json:"pinned,omitempty"`
	// CacheHint marks the end of the stable prompt prefix.
	CacheHint  bool `json:"cache_hint,omitempty"`
	Compressed bool `json:"compressed,omitempty"`
}

// ToolOutput is the model-facing part of one tool result.
type ToolOutput struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// NewSystemTurn creates a pinned system turn that ends the cached prefix.
func NewSystemTurn(content string) Turn {
	return Turn{Kind: TurnSystem, Timestamp: time.Now(), Content: content, Pinned: true, CacheHint: true}
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), Content: content}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []unifiedllm.ToolCall, usage unifiedllm.Usage) Turn {
	return Turn{Kind: TurnAssistant, Timestamp: time.Now(), Content: content, ToolCalls: toolCalls, Usage: usage}
}

// NewToolResultsTurn creates a Turn from dispatched results, in call order.
func NewToolResultsTurn(results []dispatch.ToolResult) Turn {
	out := make([]ToolOutput, len(results))
	for i, r := range results {
		out[i] = ToolOutput{CallID: r.CallID, Name: r.Name, Content: r.Content, IsError: r.IsError}
	}
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), Results: out}
}

// NewSteeringTurn creates a Turn wrapping an injected instruction.
func NewSteeringTurn(content string) Turn {
	return Turn{Kind: TurnSteering, Timestamp: time.Now(), Content: content}
}

// NewAnchorTurn creates a pinned memory anchor.
func NewAnchorTurn(content string) Turn {
	return Turn{Kind: TurnAnchor, Timestamp: time.Now(), Content: content, Pinned: true}
}

// TextContent returns the text of a turn regardless of its kind. Tool
// results are joined in call order.
func (t Turn) TextContent() string {
	if t.Kind != TurnToolResults {
		return t.Content
	}
	parts := make([]string, len(t.Results))
	for i, r := range t.Results {
		parts[i] = r.Content
	}
	return strings.Join(parts, "\n")
}

// ConvertHistoryToMessages converts the turn log into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnSystem:
			msg := unifiedllm.SystemMessage(turn.Content)
			msg.CacheHint = turn.CacheHint
			messages = append(messages, msg)
		case TurnUser:
			messages = append(messages, unifiedllm.UserMessage(turn.Content))
		case TurnAssistant:
			msg := unifiedllm.AssistantMessage(turn.Content)
			if turn.Content == "" {
				msg.Content = nil
			}
			for _, tc := range turn.ToolCalls {
				msg.Content = append(msg.Content,
					unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, msg)
		case TurnToolResults:
			for _, r := range turn.Results {
				messages = append(messages,
					unifiedllm.ToolResultMessage(r.CallID, r.Content, r.IsError))
			}
		case TurnSteering, TurnAnchor:
			// Sent as user messages so the model treats them as instructions.
			messages = append(messages, unifiedllm.UserMessage(turn.Content))
		}
	}
	return messages
}
