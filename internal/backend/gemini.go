package backend

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"patchbridge/internal/logging"
)

// GeminiClient implements Client on the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGeminiClient creates a Gemini-backed client.
func NewGeminiClient(ctx context.Context, config GeminiConfig) (*GeminiClient, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	model := config.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: config.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GeminiClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt, opts)
}

// CompleteWithSystem sends a prompt with a system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	opts = opts.Clamp()

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if opts.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxOutputTokens)
	}
	if opts.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(opts.Temperature))
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("%w: gemini: %v", ErrFault, err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("%w: gemini returned no text", ErrFault)
	}
	logging.BackendDebug("gemini completion: model=%s prompt=%d bytes reply=%d bytes", c.model, len(userPrompt), len(text))
	return strings.TrimSpace(text), nil
}
