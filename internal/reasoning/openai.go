package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const openaiDefaultBaseURL = "https://api.openai.com/v1"

// OpenAIOption configures an OpenAIBackend.
type OpenAIOption func(*OpenAIBackend)

// WithOpenAIBaseURL points the backend at an OpenAI-compatible endpoint.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *OpenAIBackend) { o.baseURL = url }
}

// WithOpenAIHTTPClient replaces the HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIBackend) { o.client = c }
}

// WithOpenAITemperature sets the sampling temperature.
func WithOpenAITemperature(t float64) OpenAIOption {
	return func(o *OpenAIBackend) { o.temperature = &t }
}

// OpenAIBackend calls the Chat Completions API (or a compatible server).
type OpenAIBackend struct {
	apiKey      string
	model       string
	baseURL     string
	temperature *float64
	client      *http.Client
}

// NewOpenAIBackend creates a backend for model.
func NewOpenAIBackend(apiKey, model string, opts ...OpenAIOption) *OpenAIBackend {
	o := &OpenAIBackend{
		apiKey:  apiKey,
		model:   model,
		baseURL: openaiDefaultBaseURL,
		client:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type openaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (o *OpenAIBackend) Ask(ctx context.Context, req Request) (string, error) {
	messages := make([]Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	body := map[string]any{
		"model":    o.model,
		"messages": messages,
		"stream":   false,
	}
	if o.temperature != nil {
		body["temperature"] = *o.temperature
	}
	if req.JSON {
		body["response_format"] = map[string]any{"type": "json_object"}
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("openai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai: API returned status %d: %s", resp.StatusCode, preview(string(respBody)))
	}

	var apiResp openaiChatResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("openai: unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("openai: response has no choices")
	}
	return apiResp.Choices[0].Message.Content, nil
}
