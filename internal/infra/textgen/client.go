// Package textgen talks to an OpenAI-compatible chat completions endpoint.
// Every call goes through a circuit breaker so a dead provider fails fast
// instead of stalling task retries and repair cycles.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/infra/healing"
	"github.com/cerebrum-dev/cerebrum/internal/infra/metrics"
)

// Config configures the client.
type Config struct {
	BaseURL     string // e.g. https://api.openai.com
	APIKey      string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
	System      string // default system prompt when the caller supplies none
}

// Client implements domain.TextGenerator.
type Client struct {
	config  Config
	http    *http.Client
	breaker *healing.Breaker
}

// New creates a client. breaker may be nil.
func New(cfg Config, breaker *healing.Breaker) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	User        string        `json:"user,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends prompt as a single user turn and returns the assistant text.
func (c *Client) Complete(ctx context.Context, prompt string, gc domain.GenerationContext) (string, error) {
	var out string
	call := func(ctx context.Context) error {
		var err error
		out, err = c.complete(ctx, prompt, gc)
		return err
	}
	if c.breaker == nil {
		return out, call(ctx)
	}
	return out, c.breaker.Do(ctx, call)
}

func (c *Client) complete(ctx context.Context, prompt string, gc domain.GenerationContext) (string, error) {
	system := gc.System
	if system == "" {
		system = c.config.System
	}
	req := chatRequest{
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		User:        gc.UserID,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	metrics.GenerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGeneration, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrGeneration, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrGeneration, resp.StatusCode, truncate(string(raw), 300))
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrGeneration, err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("%w: %s", domain.ErrGeneration, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", domain.ErrGeneration)
	}
	return cr.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
