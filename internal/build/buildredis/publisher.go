// Package buildredis publishes completion events to a Redis pub/sub channel.
package buildredis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/k11v/appbuild/internal/build"
	"github.com/k11v/appbuild/internal/retry"
)

const (
	DefaultChannel = "appbuild:events"
	DefaultTimeout = 5 * time.Second
	DefaultRetries = 3
)

type Config struct {
	URL     string        `env:"URL"`     // required, redis://[:password@]host:port[/db]
	Channel string        `env:"CHANNEL"` // default: DefaultChannel
	Timeout time.Duration `env:"TIMEOUT"` // default: DefaultTimeout
	Retries int           `env:"RETRIES"` // default: DefaultRetries
}

type Publisher struct {
	channel string
	client  *goredis.Client
	policy  *retry.Policy
}

func NewPublisher(cfg *Config) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("buildredis: URL is not configured")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("buildredis: invalid URL: %w", err)
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("buildredis: retries must be >= 0, got %d", cfg.Retries)
	}

	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.Retries
	if retries == 0 {
		retries = DefaultRetries
	}

	return &Publisher{
		channel: channel,
		client:  goredis.NewClient(opts),
		policy: &retry.Policy{
			MaxAttempts:    1 + retries,
			BaseDelay:      500 * time.Millisecond,
			MaxDelay:       4 * time.Second,
			AttemptTimeout: timeout,
		},
	}, nil
}

// PublishEvent sends e as JSON to the channel.
func (p *Publisher) PublishEvent(ctx context.Context, e *build.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("buildredis: %w", err)
	}

	err = p.policy.Do(ctx, func(ctx context.Context) error {
		return p.client.Publish(ctx, p.channel, body).Err()
	})
	if err != nil {
		return fmt.Errorf("buildredis: publish: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
