// Package unifiedllm provides a unified LLM client SDK that wraps the gollm
// library (github.com/teilomillet/gollm) to present a provider-agnostic
// interface to the agent loop.
//
// Requests are provider-neutral; a Client routes each one to a
// ProviderAdapter and runs it through the configured middleware. Invoker and
// GenerateObject build on the Client.
//
// # Quick Start
//
// The Client routes a request to the adapter registered for its provider:
//
//	client := unifiedllm.NewClientFromEnv(
//	    unifiedllm.WithAdapterOptions(unifiedllm.WithMaxTokens(8192)),
//	)
//	resp, _ := client.Complete(ctx, unifiedllm.Request{
//	    Model:    "claude-sonnet-4-5",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	fmt.Println(resp.Text())
//
// GenerateObject asks for one JSON object matching a schema:
//
//	res, err := unifiedllm.GenerateObject(ctx, unifiedllm.GenerateOptions{
//	    Client: client,
//	    Model:  "claude-sonnet-4-5",
//	    Prompt: "Review this diff: ...",
//	}, schema)
//
// # GollmAdapter
//
// GollmAdapter serves a provider through gollm.LLM. Tool calls come back from
// gollm as <function_call> blocks in the response text and are split into
// tool call parts. A message with CacheHint set is sent with gollm's
// ephemeral cache type.
//
// # Tool Calling
//
// Tools are declared with a JSON Schema for their parameters. The client
// never executes them: tool calls come back in the response and the caller
// dispatches them.
//
// # Streaming With Fallback
//
// Invoker streams a request and falls back to a blocking completion when
// the first byte does not arrive in time. The fallback response is replayed
// as the same event sequence a stream would have produced:
//
//	inv := unifiedllm.NewInvoker(client, unifiedllm.InvokerConfig{FirstByteTimeout: 20 * time.Second})
//	resp, err := inv.Invoke(ctx, req, func(ev unifiedllm.StreamEvent) { ... })
//
// # Model Catalog
//
// The catalog lists the models tiers are configured with, their aliases, and
// their context windows:
//
//	info := unifiedllm.GetModelInfo("haiku")
//	window := unifiedllm.ContextWindowFor("claude-sonnet-4-5")
package unifiedllm
