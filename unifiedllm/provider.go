package unifiedllm

import "context"

// ProviderAdapter is a model backend. Client routes to adapters by Name.
// An adapter that holds resources may also implement Close() error.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
	// Stream returns a channel that carries StreamStart first and ends with
	// StreamFinish or StreamError before it is closed.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}
