package reasoning

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// GeminiOption configures a GeminiBackend.
type GeminiOption func(*genai.ClientConfig)

// WithGeminiBaseURL overrides the API endpoint.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// GeminiBackend uses the genai SDK against the Gemini API.
type GeminiBackend struct {
	model  string
	config genai.ClientConfig

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiBackend creates a backend for model. The SDK client is built on first use.
func NewGeminiBackend(apiKey, model string, opts ...GeminiOption) *GeminiBackend {
	cfg := genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &GeminiBackend{model: model, config: cfg}
}

func (g *GeminiBackend) ensureClient(ctx context.Context) error {
	g.once.Do(func() {
		cfg := g.config
		g.client, g.initErr = genai.NewClient(ctx, &cfg)
	})
	return g.initErr
}

func (g *GeminiBackend) Ask(ctx context.Context, req Request) (string, error) {
	if err := g.ensureClient(ctx); err != nil {
		return "", fmt.Errorf("gemini: client init failed: %w", err)
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return resp.Text(), nil
}
