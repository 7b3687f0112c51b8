// Package openai generates code with an OpenAI-compatible chat completions API.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/retry"
)

// Config holds the client configuration.
type Config struct {
	Token       string        `env:"TOKEN"`       // required
	BaseURL     string        `env:"BASE_URL"`    // default: "https://aipipe.org/openai/v1"
	Model       string        `env:"MODEL"`       // default: "gpt-4o-mini"
	MaxTokens   int           `env:"MAX_TOKENS"`  // default: 4000
	Temperature float64       `env:"TEMPERATURE"` // default: 0.7
	Timeout     time.Duration `env:"TIMEOUT"`     // default: 2m
}

func (c *Config) baseURL() string {
	u := c.BaseURL
	if u == "" {
		u = "https://aipipe.org/openai/v1"
	}
	return strings.TrimSuffix(u, "/")
}

func (c *Config) model() string {
	m := c.Model
	if m == "" {
		m = "gpt-4o-mini"
	}
	return m
}

func (c *Config) maxTokens() int {
	n := c.MaxTokens
	if n == 0 {
		n = 4000
	}
	return n
}

func (c *Config) temperature() float64 {
	t := c.Temperature
	if t == 0 {
		t = 0.7
	}
	return t
}

func (c *Config) timeout() time.Duration {
	t := c.Timeout
	if t == 0 {
		t = 2 * time.Minute
	}
	return t
}

// Client calls POST {BaseURL}/chat/completions.
type Client struct {
	config     *Config       // required
	httpClient *http.Client  // required
	limiter    *rate.Limiter // optional
}

// NewClient returns a new Client.
// limiter may be nil to disable client-side rate limiting.
func NewClient(cfg *Config, limiter *rate.Limiter) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.timeout()},
		limiter:    limiter,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Generate sends the prompt and returns the generated HTML.
func (c *Client) Generate(ctx context.Context, prompt *codegen.Prompt) (string, error) {
	if c.config.Token == "" {
		return "", retry.Permanent(errors.New("openai: token is not configured"))
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("openai: %w", err)
		}
	}

	reqBody := chatRequest{
		Model: c.config.model(),
		Messages: []message{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		MaxTokens:   c.config.maxTokens(),
		Temperature: c.config.temperature(),
	}
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(reqBody); err != nil {
		return "", retry.Permanent(fmt.Errorf("openai: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.baseURL()+"/chat/completions", body)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("openai: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &retry.StatusError{Service: "openai", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	var chatResp chatResponse
	if err = json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", retry.Permanent(errors.New("openai: no choices in response"))
	}

	html, err := codegen.ExtractHTML(chatResp.Choices[0].Message.Content)
	if err != nil {
		return "", retry.Permanent(err)
	}
	return html, nil
}
