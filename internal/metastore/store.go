// Package metastore owns the relational metadata: documents, users, the
// credit ledger, query logs, feedback and the maintenance flag.
//
// Each entity gets typed operations; no SQL leaks upward. Transactions stay
// short-lived and never span an external API call. Credit mutations take a
// per-user advisory lock so the append-only ledger and the denormalized
// balance always agree.
package metastore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
)

const instrumentationName = "github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when the referenced row does not exist.
var ErrNotFound = errors.New("metastore: not found")

// Config configures the postgres connection.
type Config struct {
	// DSN is the full connection string.
	DSN string

	// MaxConns bounds the pool.
	MaxConns int32
}

// Store is the postgres-backed metadata store.
type Store struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
	tracer trace.Tracer
}

// New connects to postgres and verifies reachability.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.New("metastore: dsn is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("metastore: parsing dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("metastore: creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metastore: ping failed: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// HealthCheck verifies the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("metastore: ping failed: %w", err)
	}
	return nil
}

// Migrate applies pending schema migrations.
func Migrate(dsn string) error {
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("metastore: parsing dsn: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("metastore: setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("metastore: applying migrations: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("metastore: beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("metastore: committing transaction: %w", err)
	}
	return nil
}
