package dbpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stagepass/lifecycle/internal/platform/env"
)

const (
	defaultMinConns = 2
	defaultMaxConns = 20
)

func New(ctx context.Context, cfg env.DB) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	minConns := cfg.MinConns
	maxConns := cfg.MaxConns
	if minConns < 0 {
		minConns = defaultMinConns
	}
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	if minConns > maxConns {
		minConns = maxConns
	}

	poolCfg.MinConns = int32(minConns)
	poolCfg.MaxConns = int32(maxConns)
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckPeriod > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	}

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// SchemaEnsurer is implemented by every repository that owns tables.
type SchemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// WaitReady pings the pool and applies every schema, retrying with
// exponential backoff until timeout elapses.
func WaitReady(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger, timeout time.Duration, schemas ...SchemaEnsurer) error {
	operation := func() (struct{}, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := pool.Ping(attemptCtx); err != nil {
			logger.Warn("waiting for postgres readiness", "error", err)
			return struct{}{}, err
		}
		for _, s := range schemas {
			if err := s.EnsureSchema(attemptCtx); err != nil {
				logger.Warn("waiting for schema readiness", "error", err)
				return struct{}{}, err
			}
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(timeout),
	)
	return err
}
