package main

import (
	"context"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/appbuild/internal/postgresprovision"
	"github.com/k11v/appbuild/internal/run/runs3"
)

// config holds the setup configuration.
type config struct {
	PostgresDSN        string `env:"APPBUILD_POSTGRES_DSN"`        // optional, applies migrations
	S3ConnectionString string `env:"APPBUILD_S3_CONNECTION_STRING"` // optional, creates the bucket
	S3Bucket           string `env:"APPBUILD_S3_BUCKET"`            // default: "appbuild"
}

func main() {
	run := func() int {
		ctx := context.Background()

		var cfg config
		err := env.ParseWithOptions(&cfg, env.Options{
			Environment: env.ToMap(os.Environ()),
		})
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

		if cfg.PostgresDSN != "" {
			if err = postgresprovision.Setup(cfg.PostgresDSN); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
		}

		if cfg.S3ConnectionString != "" {
			bucket := cfg.S3Bucket
			if bucket == "" {
				bucket = "appbuild"
			}
			client, err := runs3.NewClient(cfg.S3ConnectionString)
			if err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
			if err = runs3.Setup(ctx, client, bucket); err != nil {
				_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
				return 1
			}
		}

		return 0
	}
	os.Exit(run())
}
