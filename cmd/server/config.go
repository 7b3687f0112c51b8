package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/appbuild/internal/build/buildredis"
	"github.com/k11v/appbuild/internal/codegen/gemini"
	"github.com/k11v/appbuild/internal/codegen/openai"
	"github.com/k11v/appbuild/internal/logging"
	"github.com/k11v/appbuild/internal/repository/githubrepo"
	"github.com/k11v/appbuild/internal/server"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"

	providerOpenAI = "openai"
	providerGemini = "gemini"
)

// config holds the application configuration.
type config struct {
	Development bool   `env:"APPBUILD_DEVELOPMENT"`
	Secret      string `env:"APPBUILD_SECRET"` // required

	Log      logging.Config    `envPrefix:"APPBUILD_LOG_"`
	Server   server.Config     `envPrefix:"APPBUILD_SERVER_"`
	Records  recordsConfig     `envPrefix:"APPBUILD_RECORDS_"`
	Postgres postgresConfig    `envPrefix:"APPBUILD_POSTGRES_"`
	SQLite   sqliteConfig      `envPrefix:"APPBUILD_SQLITE_"`
	S3       s3Config          `envPrefix:"APPBUILD_S3_"`
	AMQP     amqpConfig        `envPrefix:"APPBUILD_AMQP_"`
	Redis    buildredis.Config `envPrefix:"APPBUILD_REDIS_"`
	Codegen  codegenConfig     `envPrefix:"APPBUILD_CODEGEN_"`
	OpenAI   openai.Config     `envPrefix:"APPBUILD_OPENAI_"`
	Gemini   gemini.Config     `envPrefix:"APPBUILD_GEMINI_"`
	GitHub   githubConfig      `envPrefix:"APPBUILD_GITHUB_"`
	Pipeline pipelineConfig    `envPrefix:"APPBUILD_PIPELINE_"`

	AttachmentMaxSize int64         `env:"APPBUILD_ATTACHMENT_MAX_SIZE"` // default: 10 MiB
	ShutdownTimeout   time.Duration `env:"APPBUILD_SHUTDOWN_TIMEOUT"`    // default: 5m
}

type recordsConfig struct {
	Driver string `env:"DRIVER"` // default: "postgres", one of postgres, sqlite
}

func (c *recordsConfig) driver() string {
	d := c.Driver
	if d == "" {
		d = driverPostgres
	}
	return d
}

type postgresConfig struct {
	DSN     string `env:"DSN"`     // required with the postgres driver
	Migrate bool   `env:"MIGRATE"` // apply migrations on start
}

type sqliteConfig struct {
	Path string `env:"PATH"` // default: "appbuild.db"
}

func (c *sqliteConfig) path() string {
	p := c.Path
	if p == "" {
		p = "appbuild.db"
	}
	return p
}

type s3Config struct {
	ConnectionString string `env:"CONNECTION_STRING"` // optional, enables artifact archiving
	Bucket           string `env:"BUCKET"`            // default: "appbuild"
}

func (c *s3Config) bucket() string {
	b := c.Bucket
	if b == "" {
		b = "appbuild"
	}
	return b
}

type amqpConfig struct {
	URL   string `env:"URL"`   // optional, enables event publishing
	Queue string `env:"QUEUE"` // default: buildamqp.DefaultQueue
}

type codegenConfig struct {
	Provider      string  `env:"PROVIDER"`        // default: "openai", one of openai, gemini
	RatePerSecond float64 `env:"RATE_PER_SECOND"` // default: 1
	Burst         int     `env:"BURST"`           // default: 2
}

func (c *codegenConfig) provider() string {
	p := c.Provider
	if p == "" {
		p = providerOpenAI
	}
	return p
}

type githubConfig struct {
	githubrepo.Config

	RatePerSecond float64 `env:"RATE_PER_SECOND"` // default: 1
	Burst         int     `env:"BURST"`           // default: 5
}

type pipelineConfig struct {
	ConcurrentRounds bool `env:"CONCURRENT_ROUNDS"`

	GenerateAttempts int           `env:"GENERATE_ATTEMPTS"` // default: 3
	GenerateTimeout  time.Duration `env:"GENERATE_TIMEOUT"`  // default: 120s
	CommitAttempts   int           `env:"COMMIT_ATTEMPTS"`   // default: 4
	CommitTimeout    time.Duration `env:"COMMIT_TIMEOUT"`    // default: 60s
	DeployAttempts   int           `env:"DEPLOY_ATTEMPTS"`   // default: 4
	DeployTimeout    time.Duration `env:"DEPLOY_TIMEOUT"`    // default: 60s
}

func (c *config) shutdownTimeout() time.Duration {
	t := c.ShutdownTimeout
	if t == 0 {
		t = 5 * time.Minute
	}
	return t
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}
	cfg.Log.Development = cfg.Development

	if err = cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *config) validate() error {
	var errs []error
	if c.Secret == "" {
		errs = append(errs, errors.New("APPBUILD_SECRET is required"))
	}
	switch c.Records.driver() {
	case driverPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("APPBUILD_POSTGRES_DSN is required with the postgres records driver"))
		}
	case driverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown APPBUILD_RECORDS_DRIVER %q", c.Records.Driver))
	}
	switch c.Codegen.provider() {
	case providerOpenAI:
		if c.OpenAI.Token == "" {
			errs = append(errs, errors.New("APPBUILD_OPENAI_TOKEN is required with the openai provider"))
		}
	case providerGemini:
		if c.Gemini.APIKey == "" {
			errs = append(errs, errors.New("APPBUILD_GEMINI_API_KEY is required with the gemini provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown APPBUILD_CODEGEN_PROVIDER %q", c.Codegen.Provider))
	}
	if c.GitHub.Token == "" || c.GitHub.Owner == "" {
		errs = append(errs, errors.New("APPBUILD_GITHUB_TOKEN and APPBUILD_GITHUB_OWNER are required"))
	}
	return errors.Join(errs...)
}
