package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"patchbridge/internal/logging"
)

// ChatClient implements Client against an OpenAI-compatible chat
// completions endpoint.
type ChatClient struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	mu          sync.Mutex
	lastRequest time.Time
}

// ChatConfig holds configuration for ChatClient.
type ChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultChatConfig returns sensible defaults.
func DefaultChatConfig(apiKey string) ChatConfig {
	return ChatConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
		Timeout: 120 * time.Second,
	}
}

// NewChatClient creates a chat client with custom config.
func NewChatClient(config ChatConfig) *ChatClient {
	if config.BaseURL == "" {
		config.BaseURL = DefaultChatConfig("").BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	return &ChatClient{
		apiKey:  config.APIKey,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		model:   config.Model,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt and returns the completion.
func (c *ChatClient) Complete(ctx context.Context, prompt string, opts Options) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt, opts)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *ChatClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: API key not configured", ErrFault)
	}
	opts = opts.Clamp()

	// Keep at least 600ms between requests.
	c.mu.Lock()
	elapsed := time.Since(c.lastRequest)
	if elapsed < 600*time.Millisecond {
		time.Sleep(600*time.Millisecond - elapsed)
	}
	c.lastRequest = time.Now()
	c.mu.Unlock()

	messages := make([]chatMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	reqBody := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxOutputTokens,
		Temperature: opts.Temperature,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	// Retry loop for rate limiting.
	maxRetries := 3
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s.
			time.Sleep(time.Duration(1<<uint(i-1)) * time.Second)
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return "", fmt.Errorf("%w: create request: %v", ErrFault, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			logging.BackendDebug("chat backend 429, retry %d/%d", i+1, maxRetries)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("%w: status %d: %s", ErrFault, resp.StatusCode, truncate(string(body), 500))
		}

		var chat chatResponse
		if err := json.Unmarshal(body, &chat); err != nil {
			return "", fmt.Errorf("%w: parse response: %v", ErrFault, err)
		}
		if chat.Error != nil {
			return "", fmt.Errorf("%w: %s", ErrFault, chat.Error.Message)
		}
		if len(chat.Choices) == 0 {
			return "", fmt.Errorf("%w: no completion returned", ErrFault)
		}
		return strings.TrimSpace(chat.Choices[0].Message.Content), nil
	}
	return "", fmt.Errorf("%w: max retries exceeded: %v", ErrFault, lastErr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
