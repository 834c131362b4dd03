package agentloop

import (
	"sync"
	"time"

	"github.com/martinemde/patchpilot/dispatch"
)

// EventKind identifies the type of execution event.
type EventKind string

const (
	EventExecutionStart EventKind = "execution_start"
	EventExecutionEnd   EventKind = "execution_end"
	EventProgress       EventKind = "progress"
	EventContent        EventKind = "content"
	EventToolStart      EventKind = "tool_start"
	EventToolResult     EventKind = "tool_result"
	EventToolError      EventKind = "tool_error"
	EventSteering       EventKind = "steering_injected"
	EventLoopDetection  EventKind = "loop_detection"
	EventCheckpoint     EventKind = "checkpoint"
	EventWarning        EventKind = "warning"
	EventError          EventKind = "error"
)

// Progress reports where an execution is.
type Progress struct {
	Phase     Phase  `json:"phase"`
	SubPhase  string `json:"sub_phase,omitempty"`
	Label     string `json:"label"`
	Iteration int    `json:"iteration"`
}

// Callbacks are the channels an execution reports through. Any of them
// may be nil. They are called from the execution's goroutine, except Tool
// which parallel tool calls may invoke concurrently.
type Callbacks struct {
	Progress func(Progress)
	Content  func(delta string)
	Tool     func(dispatch.ToolEvent)
}

func (c Callbacks) progress(p Progress) {
	if c.Progress != nil {
		c.Progress(p)
	}
}

func (c Callbacks) content(delta string) {
	if c.Content != nil && delta != "" {
		c.Content(delta)
	}
}

func (c Callbacks) tool(ev dispatch.ToolEvent) {
	if c.Tool != nil {
		c.Tool(ev)
	}
}

// Event is a typed event delivered through an EventEmitter.
type Event struct {
	Kind        EventKind              `json:"kind"`
	Timestamp   time.Time              `json:"timestamp"`
	ExecutionID string                 `json:"execution_id"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a channel.
type EventEmitter struct {
	executionID string
	ch          chan Event
	closed      bool
	mu          sync.Mutex
}

// NewEventEmitter creates a new EventEmitter with a buffered channel.
func NewEventEmitter(executionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		executionID: executionID,
		ch:          make(chan Event, bufferSize),
	}
}

// Emit sends an event to the channel. If the emitter is closed, the event
// is silently dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:        kind,
		Timestamp:   time.Now(),
		ExecutionID: e.executionID,
		Data:        data,
	}
	select {
	case e.ch <- event:
	default:
		// Channel full; drop event to avoid blocking the agent loop.
	}
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Callbacks returns callbacks that forward everything to the emitter.
func (e *EventEmitter) Callbacks() Callbacks {
	return Callbacks{
		Progress: func(p Progress) {
			e.Emit(EventProgress, map[string]interface{}{
				"phase":     string(p.Phase),
				"sub_phase": p.SubPhase,
				"label":     p.Label,
				"iteration": p.Iteration,
			})
		},
		Content: func(delta string) {
			e.Emit(EventContent, map[string]interface{}{"delta": delta})
		},
		Tool: func(ev dispatch.ToolEvent) {
			kind := EventToolStart
			switch ev.Kind {
			case dispatch.EventToolResult:
				kind = EventToolResult
			case dispatch.EventToolError:
				kind = EventToolError
			}
			data := map[string]interface{}{
				"call_id":   ev.CallID,
				"tool_name": ev.Name,
				"category":  string(ev.Category),
			}
			if ev.Kind != dispatch.EventToolStart {
				data["output"] = ev.Content
				data["duration_ms"] = ev.Duration.Milliseconds()
			}
			e.Emit(kind, data)
		},
	}
}
