package models

import "context"

// LLMClient is the model-call adapter every provider integration implements.
// Never call a provider's HTTP API directly, always inject this interface.
type LLMClient interface {
	// Call sends one prompt to the model and returns the generated text.
	Call(ctx context.Context, req CallRequest) (CallResult, error)
	// Name returns the provider family identifier (e.g. "openai", "ollama").
	Name() string
}

// CallRequest is the input to a single model call.
type CallRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Usage reports the token accounting of one call, as the provider saw it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CallResult is the output of a single model call.
type CallResult struct {
	Text  string
	Usage Usage
}
