package llm

import "context"

// ProviderAdapter is the interface every provider backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic", "gollm").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a request and returns a channel of stream events. The
	// channel is closed after a terminal StreamFinish or StreamError event.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)
}

// Optional methods that adapters may implement.

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Initializer is implemented by adapters that need startup validation.
type Initializer interface {
	Initialize() error
}
