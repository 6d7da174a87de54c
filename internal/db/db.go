package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// DefaultMaxConns caps the pool when Options leaves it unset.
const DefaultMaxConns = 10

// Options tunes the pool built by Connect.
type Options struct {
	MaxConns    int32
	PingTimeout time.Duration
}

// Connect establishes a connection pool to the database and returns the pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	return ConnectWithOptions(ctx, dsn, Options{})
}

// ConnectWithOptions is Connect with explicit pool settings.
func ConnectWithOptions(ctx context.Context, dsn string, opts Options) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database DSN")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = DefaultMaxConns
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pingTimeout := opts.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	ctxPing, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Schema returns the DDL applied by Migrate.
func Schema() string { return schemaSQL }

// Migrate creates the harborrelay schema and its tables if they are missing.
// Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
