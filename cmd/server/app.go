package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/k11v/appbuild/internal/attachment"
	"github.com/k11v/appbuild/internal/build/buildamqp"
	"github.com/k11v/appbuild/internal/build/buildpg"
	"github.com/k11v/appbuild/internal/build/buildredis"
	"github.com/k11v/appbuild/internal/build/builds3"
	"github.com/k11v/appbuild/internal/build/buildsqlite"
	"github.com/k11v/appbuild/internal/codegen/gemini"
	"github.com/k11v/appbuild/internal/codegen/openai"
	"github.com/k11v/appbuild/internal/metrics"
	"github.com/k11v/appbuild/internal/notify"
	"github.com/k11v/appbuild/internal/orchestrator"
	"github.com/k11v/appbuild/internal/postgresprovision"
	"github.com/k11v/appbuild/internal/repository/githubrepo"
	"github.com/k11v/appbuild/internal/retry"
	"github.com/k11v/appbuild/internal/run/runpg"
	"github.com/k11v/appbuild/internal/run/runs3"
	"github.com/k11v/appbuild/internal/status"
)

// app holds the wired orchestrator and everything that must be closed after it.
type app struct {
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
	log          *slog.Logger
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("failed to close", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config, log *slog.Logger) (_ *app, err error) {
	a := &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	records, err := a.newRecords(ctx, cfg)
	if err != nil {
		return nil, err
	}

	generator, err := newGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repository, err := githubrepo.NewManager(&cfg.GitHub.Config, newLimiter(cfg.GitHub.RatePerSecond, cfg.GitHub.Burst, 5))
	if err != nil {
		return nil, err
	}

	deps := orchestrator.Deps{
		Generator:  generator,
		Repository: repository,
		Records:    records,
		Notifier:   notify.NewNotifier(nil, nil),
		Status:     status.NewStore(0),
		Resolver:   &attachment.Resolver{MaxSize: cfg.AttachmentMaxSize},
		Log:        log,
	}

	if cfg.S3.ConnectionString != "" {
		client, err := runs3.NewClient(cfg.S3.ConnectionString)
		if err != nil {
			return nil, err
		}
		if err = runs3.Setup(ctx, client, cfg.S3.bucket()); err != nil {
			return nil, err
		}
		deps.Artifacts = builds3.NewArchive(client, cfg.S3.bucket())
		log.Info("archiving artifacts", "bucket", cfg.S3.bucket())
	}

	var events orchestrator.EventPublishers
	if cfg.AMQP.URL != "" {
		events = append(events, buildamqp.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue))
	}
	if cfg.Redis.URL != "" {
		p, err := buildredis.NewPublisher(&cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		events = append(events, p)
	}
	if len(events) > 0 {
		deps.Events = events
	}

	pipeline, err := metrics.NewPipeline()
	if err != nil {
		return nil, err
	}
	deps.Metrics = pipeline

	a.orchestrator = orchestrator.New(&orchestrator.Config{
		Secret:           cfg.Secret,
		ConcurrentRounds: cfg.Pipeline.ConcurrentRounds,
		GeneratePolicy:   retry.Policy{MaxAttempts: cfg.Pipeline.GenerateAttempts, AttemptTimeout: cfg.Pipeline.GenerateTimeout},
		CommitPolicy:     retry.Policy{MaxAttempts: cfg.Pipeline.CommitAttempts, AttemptTimeout: cfg.Pipeline.CommitTimeout},
		DeployPolicy:     retry.Policy{MaxAttempts: cfg.Pipeline.DeployAttempts, AttemptTimeout: cfg.Pipeline.DeployTimeout},
	}, deps)

	return a, nil
}

func (a *app) newRecords(ctx context.Context, cfg *config) (orchestrator.RecordStore, error) {
	switch cfg.Records.driver() {
	case driverPostgres:
		if cfg.Postgres.Migrate {
			if err := postgresprovision.Setup(cfg.Postgres.DSN); err != nil {
				return nil, err
			}
		}
		pool, err := runpg.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		return buildpg.NewStore(pool), nil
	case driverSQLite:
		store, err := buildsqlite.Open(ctx, cfg.SQLite.path())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown records driver %q", cfg.Records.Driver)
	}
}

func newGenerator(ctx context.Context, cfg *config) (orchestrator.Generator, error) {
	limiter := newLimiter(cfg.Codegen.RatePerSecond, cfg.Codegen.Burst, 2)
	switch cfg.Codegen.provider() {
	case providerOpenAI:
		return openai.NewClient(&cfg.OpenAI, limiter), nil
	case providerGemini:
		client, err := gemini.NewClient(ctx, &cfg.Gemini, limiter)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown codegen provider %q", cfg.Codegen.Provider)
	}
}

// newLimiter returns a limiter allowing perSecond events, 1 by default.
func newLimiter(perSecond float64, burst, defaultBurst int) *rate.Limiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
