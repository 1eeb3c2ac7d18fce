package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider serves the generate operation from an OpenAI-compatible
// chat completions endpoint.
type OpenAIProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider. An empty baseURL selects
// the library default.
func NewOpenAIProvider(baseURL, model string, httpClient *http.Client) *OpenAIProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &OpenAIProvider{
		baseURL:    baseURL,
		model:      model,
		httpClient: httpClient,
	}
}

func (p *OpenAIProvider) client(apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	cfg.HTTPClient = p.httpClient
	return openai.NewClientWithConfig(cfg)
}

// Generate makes a chat completion request to OpenAI
func (p *OpenAIProvider) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Completion, error) {
	resp, err := p.client(apiKey).CreateChatCompletion(ctx, p.convertRequest(req))
	if err != nil {
		return nil, p.convertError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, &Failure{Kind: KindMalformed, Status: http.StatusOK, Message: "response contained no choice text"}
	}

	choice := resp.Choices[0]
	return &Completion{
		Text:         choice.Message.Content,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// convertRequest maps the Gemini-style generation config onto the
// equivalent chat completion parameters. Unknown keys are ignored.
func (p *OpenAIProvider) convertRequest(req GenerateRequest) openai.ChatCompletionRequest {
	openaiReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}

	gc := req.GenerationConfig
	if v, ok := number(gc["temperature"]); ok {
		openaiReq.Temperature = float32(v)
	}
	if v, ok := number(gc["topP"]); ok {
		openaiReq.TopP = float32(v)
	}
	if v, ok := number(gc["maxOutputTokens"]); ok {
		openaiReq.MaxTokens = int(v)
	}
	if stops, ok := gc["stopSequences"].([]any); ok {
		for _, s := range stops {
			if str, ok := s.(string); ok {
				openaiReq.Stop = append(openaiReq.Stop, str)
			}
		}
	}

	return openaiReq
}

func (p *OpenAIProvider) convertError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Failure{
			Kind:    Classify(apiErr.HTTPStatusCode, apiErr.Message),
			Status:  apiErr.HTTPStatusCode,
			Message: apiErr.Message,
			Err:     err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode >= 200 && reqErr.HTTPStatusCode <= 299 {
			return &Failure{Kind: KindMalformed, Status: reqErr.HTTPStatusCode, Message: "failed to parse response", Err: err}
		}
		return &Failure{
			Kind:    Classify(reqErr.HTTPStatusCode, reqErr.Error()),
			Status:  reqErr.HTTPStatusCode,
			Message: reqErr.Error(),
			Err:     err,
		}
	}

	return fmt.Errorf("OpenAI API error: %w", err)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// GetProviderName returns the provider name
func (p *OpenAIProvider) GetProviderName() string {
	return "openai"
}
