// Package llm provides chat clients for the model providers that back
// the decision source.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends one non-streaming chat completion request. Tools use
	// the OpenAI function format: {"type":"function","function":{...}}.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
