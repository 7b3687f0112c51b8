// Package runpg opens the PostgreSQL pool of the records store.
package runpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns    = 10
	defaultPingTimeout = 10 * time.Second
)

// NewPool returns a pool connected to connectionString.
// The pool is pinged once so that a wrong DSN fails at startup.
// pool_max_conns in connectionString overrides the default of 10.
func NewPool(ctx context.Context, connectionString string) (*pgxpool.Pool, error) {
	pgxConf, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("runpg: %w", err)
	}
	if pgxConf.ConnConfig.RuntimeParams["application_name"] == "" {
		pgxConf.ConnConfig.RuntimeParams["application_name"] = "appbuild"
	}
	if !strings.Contains(connectionString, "pool_max_conns") && pgxConf.MaxConns < defaultMaxConns {
		pgxConf.MaxConns = defaultMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxConf)
	if err != nil {
		return nil, fmt.Errorf("runpg: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err = pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("runpg: ping: %w", err)
	}

	return pool, nil
}
