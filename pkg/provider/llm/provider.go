// Package llm defines the Provider interface for Large Language Model backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic Claude, or a
// local Ollama instance) and exposes a uniform interface for plain completion
// and tool-calling completion, so the agent loop and the orchestrator never
// couple to a specific SDK or wire format.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// CompletionRequest carries a plain (no tools) completion request.
type CompletionRequest struct {
	// Prompt is the user text that drives the response.
	Prompt string

	// SystemPrompt is an optional high-priority instruction. Providers that do
	// not support a dedicated system field prepend it to the prompt.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero requests the
	// provider default.
	Temperature float64

	// MaxTokens caps completion tokens. Zero means provider default.
	MaxTokens int
}

// ToolCompletionRequest carries a tool-calling completion request over a full
// conversation history.
type ToolCompletionRequest struct {
	// Messages is the ordered conversation history. Must be non-empty and must
	// honor the tool-call/tool-result pairing invariant documented on [Message].
	Messages []Message

	// Tools is the set of tool definitions offered to the model. May be empty,
	// in which case the model can only answer with text.
	Tools []ToolDefinition

	// SystemPrompt, Temperature, and MaxTokens behave as in [CompletionRequest].
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// Provider is the abstraction over any LLM backend.
//
// The concrete variant is selected once at construction time via the config
// registry; callers never inspect the runtime type. Each method must propagate
// context cancellation promptly.
type Provider interface {
	// Complete sends a plain completion request and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*Reply, error)

	// CompleteWithTools sends the conversation history with tool definitions
	// and returns the normalized reply. When the reply's StopReason is
	// [StopToolUse] the caller must execute the requested calls and append
	// their results to the history before calling again.
	CompleteWithTools(ctx context.Context, req ToolCompletionRequest) (*Reply, error)

	// HealthCheck verifies the backend is reachable with the configured
	// credentials. Implementations should use the cheapest probe the vendor
	// offers.
	HealthCheck(ctx context.Context) error

	// Name returns the provider's registry name ("openai", "anthropic",
	// "ollama").
	Name() string

	// Close releases any held resources. The provider must not be used after
	// Close returns.
	Close() error
}
