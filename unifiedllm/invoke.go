package unifiedllm

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// DefaultFirstByteTimeout bounds the wait for the first stream event.
const DefaultFirstByteTimeout = 20 * time.Second

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	FirstByteTimeout time.Duration
	// Retry applies to completions without streaming. Nil means
	// DefaultRetryPolicy.
	Retry  *RetryPolicy
	Health *StreamHealth
	Logger *slog.Logger
	// OnFallback is called each time a request is completed without
	// streaming after a stream was attempted or skipped.
	OnFallback func()
}

// Invoker sends a request and delivers its events to a callback. Streaming is
// attempted first; if no event arrives within the first-byte timeout the
// stream is abandoned and the request is completed without streaming. Both
// paths deliver the same event sequence.
type Invoker struct {
	client *Client
	cfg    InvokerConfig
}

// NewInvoker creates an Invoker around client.
func NewInvoker(client *Client, cfg InvokerConfig) *Invoker {
	if cfg.FirstByteTimeout <= 0 {
		cfg.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if cfg.Retry == nil {
		p := DefaultRetryPolicy()
		cfg.Retry = &p
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{client: client, cfg: cfg}
}

// Client returns the underlying client.
func (i *Invoker) Client() *Client {
	return i.client
}

// Invoke runs req and calls onEvent for every event in order. The returned
// response is the accumulated result of those events.
func (i *Invoker) Invoke(ctx context.Context, req Request, onEvent func(StreamEvent)) (*Response, error) {
	if onEvent == nil {
		onEvent = func(StreamEvent) {}
	}
	if i.cfg.Health != nil && !i.cfg.Health.Healthy() {
		return i.complete(ctx, req, onEvent)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := i.client.Stream(streamCtx, req)
	if err != nil {
		if !IsRetryable(err) {
			return nil, err
		}
		i.cfg.Logger.Debug("stream open failed, completing without stream", "error", err)
		return i.complete(ctx, req, onEvent)
	}

	timer := time.NewTimer(i.cfg.FirstByteTimeout)
	defer timer.Stop()

	// stream_start is emitted before the provider answers; the first byte is
	// the first event after it.
	var pending []StreamEvent
	var first StreamEvent
wait:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return i.complete(ctx, req, onEvent)
			}
			if ev.Type == StreamStart {
				pending = append(pending, ev)
				continue
			}
			first = ev
			break wait
		case <-timer.C:
			cancel()
			drain(ch)
			if i.cfg.Health != nil {
				i.cfg.Health.RecordTimeout()
			}
			i.cfg.Logger.Warn("first byte timeout, completing without stream",
				"timeout", i.cfg.FirstByteTimeout, "model", req.Model)
			return i.complete(ctx, req, onEvent)
		case <-ctx.Done():
			cancel()
			drain(ch)
			return nil, &AbortError{SDKError{Message: "invocation cancelled", Cause: ctx.Err()}}
		}
	}

	if first.Type == StreamError {
		drain(ch)
		if !IsRetryable(first.Error) {
			return nil, first.Error
		}
		return i.complete(ctx, req, onEvent)
	}
	if i.cfg.Health != nil {
		i.cfg.Health.RecordSuccess()
	}

	acc := NewStreamAccumulator()
	deliver := func(ev StreamEvent) {
		acc.Process(ev)
		onEvent(ev)
	}
	if len(pending) == 0 {
		pending = append(pending, StreamEvent{Type: StreamStart})
	}
	deliver(pending[0])
	deliver(first)
	for ev := range ch {
		deliver(ev)
		if ev.Type == StreamError {
			drain(ch)
			return nil, ev.Error
		}
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}
	return acc.Response(), nil
}

func (i *Invoker) complete(ctx context.Context, req Request, onEvent func(StreamEvent)) (*Response, error) {
	if i.cfg.OnFallback != nil {
		i.cfg.OnFallback()
	}
	resp, err := Retry(ctx, *i.cfg.Retry, func(ctx context.Context) (*Response, error) {
		return i.client.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range ResponseEvents(resp) {
		onEvent(ev)
	}
	return resp, nil
}

func drain(ch <-chan StreamEvent) {
	go func() {
		for range ch {
		}
	}()
}

// ResponseEvents renders a complete response as the event sequence a
// streaming transport would have produced for it.
func ResponseEvents(resp *Response) []StreamEvent {
	events := []StreamEvent{{Type: StreamStart}}
	if resp == nil {
		return events
	}
	textIdx := 0
	for _, part := range resp.Message.Content {
		if part.Kind != ContentText || part.Text == "" {
			continue
		}
		id := textID(textIdx)
		textIdx++
		events = append(events,
			StreamEvent{Type: TextStart, TextID: id},
			StreamEvent{Type: TextDelta, Delta: part.Text, TextID: id},
			StreamEvent{Type: TextEnd, TextID: id},
		)
	}
	for _, tc := range resp.ToolCalls() {
		call := tc
		events = append(events,
			StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: call.ID, Name: call.Name}},
			StreamEvent{Type: ToolCallEnd, ToolCall: &call},
		)
	}
	fr := resp.FinishReason
	usage := resp.Usage
	events = append(events, StreamEvent{
		Type:         StreamFinish,
		FinishReason: &fr,
		Usage:        &usage,
		Response:     resp,
	})
	return events
}

func textID(n int) string {
	return "text_" + strconv.Itoa(n)
}
