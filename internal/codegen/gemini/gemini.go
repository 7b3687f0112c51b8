// Package gemini generates code with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/k11v/appbuild/internal/codegen"
	"github.com/k11v/appbuild/internal/retry"
)

// Config holds the client configuration.
type Config struct {
	APIKey      string  `env:"API_KEY"`     // required
	Model       string  `env:"MODEL"`       // default: "gemini-2.5-flash"
	MaxTokens   int32   `env:"MAX_TOKENS"`  // default: 8192
	Temperature float32 `env:"TEMPERATURE"` // default: 0.7
	BaseURL     string  `env:"BASE_URL"`    // optional, overrides the API endpoint
}

func (c *Config) model() string {
	m := c.Model
	if m == "" {
		m = "gemini-2.5-flash"
	}
	return m
}

func (c *Config) maxTokens() int32 {
	n := c.MaxTokens
	if n == 0 {
		n = 8192
	}
	return n
}

func (c *Config) temperature() float32 {
	t := c.Temperature
	if t == 0 {
		t = 0.7
	}
	return t
}

// Client wraps a genai.Client.
type Client struct {
	config  *Config       // required
	client  *genai.Client // required
	limiter *rate.Limiter // optional
}

// NewClient returns a new Client.
// limiter may be nil to disable client-side rate limiting.
func NewClient(ctx context.Context, cfg *Config, limiter *rate.Limiter) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is not configured")
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}

	return &Client{config: cfg, client: client, limiter: limiter}, nil
}

// Generate sends the prompt and returns the generated HTML.
func (c *Client) Generate(ctx context.Context, prompt *codegen.Prompt) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("gemini: %w", err)
		}
	}

	resp, err := c.client.Models.GenerateContent(ctx,
		c.config.model(),
		genai.Text(prompt.User),
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(prompt.System, genai.RoleUser),
			Temperature:       genai.Ptr(c.config.temperature()),
			MaxOutputTokens:   c.config.maxTokens(),
		},
	)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", mapError(err))
	}

	html, err := codegen.ExtractHTML(resp.Text())
	if err != nil {
		return "", retry.Permanent(err)
	}
	return html, nil
}

// mapError turns API errors into *retry.StatusError so that they are classified like HTTP errors.
func mapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &retry.StatusError{
			Service:    "gemini",
			StatusCode: apiErr.Code,
			Body:       strings.TrimSpace(apiErr.Message),
		}
	}
	return err
}
