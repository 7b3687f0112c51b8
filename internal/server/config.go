package server

import (
	"time"
)

// Config holds the server configuration.
type Config struct {
	Host              string        `env:"HOST"`                // default: "0.0.0.0"
	Port              int           `env:"PORT"`                // default: 10000
	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT"` // default: 10s
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES"`      // default: 32 MiB
}

func (c *Config) host() string {
	h := c.Host
	if h == "" {
		h = "0.0.0.0"
	}
	return h
}

func (c *Config) port() int {
	p := c.Port
	if p == 0 {
		p = 10000
	}
	return p
}

func (c *Config) readHeaderTimeout() time.Duration {
	t := c.ReadHeaderTimeout
	if t == 0 {
		t = 10 * time.Second
	}
	return t
}

func (c *Config) maxBodyBytes() int64 {
	n := c.MaxBodyBytes
	if n <= 0 {
		n = 32 << 20
	}
	return n
}
