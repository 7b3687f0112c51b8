package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/appbuild/internal/logging"
	"github.com/k11v/appbuild/internal/metrics"
	"github.com/k11v/appbuild/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	run := func() int {
		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		log, syncLog := logging.New(&cfg.Log, os.Stderr)
		defer func() {
			_ = syncLog()
		}()
		slog.SetDefault(log)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err = serve(ctx, cfg, log); err != nil {
			log.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
	os.Exit(run())
}

// serve runs the HTTP server until ctx is done and then drains running jobs.
func serve(ctx context.Context, cfg *config, log *slog.Logger) error {
	metricsHandler, shutdownMetrics, err := metrics.Init()
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shut down metrics", "error", err)
		}
	}()

	app, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	srv := server.New(&cfg.Server, &server.Params{
		Orchestrator: app.orchestrator,
		Metrics:      metricsHandler,
		Development:  cfg.Development,
		Version:      version,
		Log:          log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "addr", srv.Addr, "records", cfg.Records.driver(), "codegen", cfg.Codegen.provider())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout())
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server: %w", err))
		}
		if err := app.orchestrator.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
