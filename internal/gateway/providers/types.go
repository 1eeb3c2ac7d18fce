package providers

import (
	"context"
)

// GenerateRequest is the single upstream operation: generate text from a
// prompt, optionally tuned by a provider-specific generation config.
type GenerateRequest struct {
	Prompt           string         `json:"prompt"`
	GenerationConfig map[string]any `json:"generationConfig,omitempty"`
}

// Usage represents token usage
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Completion is a successful upstream result.
type Completion struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	FinishReason string `json:"finishReason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Upstream is implemented by every text-generation backend. Implementations
// return a *Failure for HTTP-level and decoding errors and a plain error for
// transport errors.
type Upstream interface {
	Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Completion, error)
	GetProviderName() string
}
