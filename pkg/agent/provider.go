package agent

import (
	"context"
	"fmt"
)

// LLMProvider is the LLM capability boundary: send messages plus tool
// definitions, receive a response.
type LLMProvider interface {
	// Call makes a single non-streaming LLM API call.
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name.
	Provider() string
}

// StreamingProvider is the optional streaming variant: text deltas are
// forwarded to onDelta as they arrive and the accumulated response is
// returned once the stream ends.
type StreamingProvider interface {
	LLMProvider
	CallStream(ctx context.Context, request LLMRequest, onDelta func(delta string)) (*LLMResponse, error)
}

// ToolSpec is a provider-neutral tool definition.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// LLMRequest contains the request parameters for an LLM call.
type LLMRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolSpec
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
}

// LLMResponse contains the model's reply.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// NewProvider creates an LLM provider by name.
func NewProvider(name, apiKey string) (LLMProvider, error) {
	switch name {
	case "anthropic":
		return NewAnthropicProvider(apiKey), nil
	case "openai":
		return NewOpenAIProvider(apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}
