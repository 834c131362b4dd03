package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Middleware wraps a blocking model call.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming model call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters through middleware.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string

	middleware  []Middleware
	streamMW    []StreamMiddleware
	adapterOpts []GollmAdapterOption
}

type ClientOption func(*Client)

func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware. The first registered runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithStreamMiddleware appends stream middleware. The first registered runs
// outermost.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

// WithAdapterOptions sets the options NewClientFromEnv passes to every
// GollmAdapter it creates.
func WithAdapterOptions(opts ...GollmAdapterOption) ClientOption {
	return func(c *Client) { c.adapterOpts = append(c.adapterOpts, opts...) }
}

// NewClient creates a client. A single registered provider becomes the
// default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// NewClientFromEnv registers a GollmAdapter for every provider whose API
// key gollm finds in the environment.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	for _, provider := range []string{"anthropic", "openai"} {
		adapter, err := NewGollmAdapter(provider, "", c.adapterOpts...)
		if err != nil {
			continue
		}
		c.mu.Lock()
		c.providers[provider] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = provider
		}
		c.mu.Unlock()
	}
	return c
}

// HasProvider reports whether an adapter is registered under name.
func (c *Client) HasProvider(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.providers[name]
	return ok
}

// resolve picks the adapter for req: its Provider, then the default, then
// the provider the catalog lists for its model.
func (c *Client) resolve(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError{Message: "no provider given and no default provider configured"}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	return adapter, nil
}

// chain wraps call in mws so that mws[0] runs first.
func chain[T any, M ~func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)](call func(context.Context, Request) (T, error), mws []M) func(context.Context, Request) (T, error) {
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], call
		call = func(ctx context.Context, r Request) (T, error) { return mw(ctx, r, next) }
	}
	return call
}

// Complete sends a blocking request.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return chain(adapter.Complete, c.middleware)(ctx, req)
}

// Stream sends a streaming request.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	return chain(adapter.Stream, c.streamMW)(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
