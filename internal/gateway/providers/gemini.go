package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	maxErrorBody         = 64 << 10
)

// GeminiProvider handles Google Gemini API requests
type GeminiProvider struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// GeminiRequest represents a request to Gemini's API
type GeminiRequest struct {
	Contents         []GeminiContent `json:"contents"`
	GenerationConfig map[string]any  `json:"generationConfig,omitempty"`
}

// GeminiContent represents content in Gemini format
type GeminiContent struct {
	Role  string       `json:"role"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart represents a part of the content
type GeminiPart struct {
	Text string `json:"text"`
}

// GeminiResponse represents a response from Gemini API
type GeminiResponse struct {
	Candidates    []GeminiCandidate `json:"candidates"`
	UsageMetadata GeminiUsage       `json:"usageMetadata"`
}

// GeminiCandidate represents a candidate response
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
	Index        int           `json:"index"`
}

// GeminiUsage represents token usage
type GeminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

// NewGeminiProvider creates a new Gemini provider. An empty baseURL selects
// the public endpoint. Timeouts are enforced per attempt by the caller's
// context, so the HTTP client carries none of its own.
func NewGeminiProvider(baseURL, model string, httpClient *http.Client) *GeminiProvider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &GeminiProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: httpClient,
	}
}

// Generate makes a generateContent request to Gemini
func (p *GeminiProvider) Generate(ctx context.Context, apiKey string, req GenerateRequest) (*Completion, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)

	reqBody, err := json.Marshal(p.convertRequest(req))
	if err != nil {
		return nil, &Failure{Kind: KindRejected, Message: "failed to encode request", Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("Gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Gemini API error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := geminiErrorMessage(body, resp.Status)
		return nil, &Failure{
			Kind:    Classify(resp.StatusCode, msg),
			Status:  resp.StatusCode,
			Message: msg,
		}
	}

	var geminiResp GeminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, &Failure{Kind: KindMalformed, Status: resp.StatusCode, Message: "failed to parse response", Err: err}
	}

	completion, ok := p.convertResponse(geminiResp)
	if !ok {
		return nil, &Failure{Kind: KindMalformed, Status: resp.StatusCode, Message: "response contained no candidate text"}
	}
	return completion, nil
}

// convertRequest converts to Gemini format
func (p *GeminiProvider) convertRequest(req GenerateRequest) GeminiRequest {
	return GeminiRequest{
		Contents: []GeminiContent{{
			Role:  "user",
			Parts: []GeminiPart{{Text: req.Prompt}},
		}},
		GenerationConfig: req.GenerationConfig,
	}
}

// convertResponse joins the first candidate's text parts.
func (p *GeminiProvider) convertResponse(resp GeminiResponse) (*Completion, bool) {
	if len(resp.Candidates) == 0 {
		return nil, false
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	for _, part := range candidate.Content.Parts {
		content.WriteString(part.Text)
	}
	if content.Len() == 0 {
		return nil, false
	}

	return &Completion{
		Text:         content.String(),
		Model:        p.model,
		FinishReason: candidate.FinishReason,
		Usage: Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, true
}

func geminiErrorMessage(body []byte, fallback string) string {
	var eb geminiErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error.Message == "" {
		return fallback
	}
	msg := eb.Error.Message
	for _, d := range eb.Error.Details {
		if d.Reason != "" {
			msg += " (" + d.Reason + ")"
		}
	}
	return msg
}

// GetProviderName returns the provider name
func (p *GeminiProvider) GetProviderName() string {
	return "google"
}
