// Package db provides PostgreSQL connectivity, migrations and the
// persistence layer for annotation records and the audit log.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrParseConfig    = errors.New("db: failed to parse database configuration")
	ErrOpenConnection = errors.New("db: failed to open database connection")
)

// Config holds Postgres connection parameters.
type Config struct {
	URL string

	// Pool sizing
	MaxConns int32
	MinConns int32

	// Startup retry for transient network failures
	RetryAttempts int
	RetryInterval time.Duration

	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

// DefaultConfig returns a Config with production defaults for the given URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxConns:        10,
		MinConns:        2,
		RetryAttempts:   3,
		RetryInterval:   2 * time.Second,
		MaxConnIdleTime: 10 * time.Minute,
		MaxConnLifetime: 30 * time.Minute,
	}
}

// Connect establishes a pgx connection pool, retrying with a growing delay
// so multiple processes restarting together do not hammer the database.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrParseConfig, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	attempts := max(cfg.RetryAttempts, 1)
	for i := range attempts {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				return pool, nil
			}
			pool.Close()
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrOpenConnection, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}

	return nil, ErrOpenConnection
}
