// Package hosted is the PostgreSQL pagegen.Backend. Configurations, history
// records and image bytes all live in one database; image bytes are stored
// in the image_objects table.
package hosted

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mhpenta/pagegen"
)

var tracer = otel.Tracer("pagegen/storage/hosted")

const (
	DefaultMaxConns       = 10
	DefaultConnectTimeout = 10 * time.Second
)

// Config holds the connection settings.
type Config struct {
	DSN             string
	MaxConns        int32
	ConnectTimeout  time.Duration
	MaxConnLifetime time.Duration
}

// Backend is the PostgreSQL backend.
type Backend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ pagegen.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// Open connects, verifies the connection and applies pending migrations.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("hosted backend: empty dsn")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	poolCfg.MaxConns = DefaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	poolCfg.ConnConfig.ConnectTimeout = timeout

	b := &Backend{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(connectCtx, pool, b.logger); err != nil {
		pool.Close()
		return nil, err
	}

	b.pool = pool
	b.logger.Info("hosted backend opened", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return b, nil
}

func (b *Backend) Kind() pagegen.BackendKind {
	return pagegen.BackendHosted
}

// Ping runs a listing round-trip, which also proves the schema is present.
func (b *Backend) Ping(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "postgres.Ping")
	defer span.End()

	var n int
	err := b.pool.QueryRow(ctx, `SELECT count(*) FROM capability_state`).Scan(&n)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// inTx runs fn in a transaction, committing on nil.
// readSnapshot is a transaction whose queries all see one snapshot.
var readSnapshot = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (b *Backend) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	return b.inTxWith(ctx, pgx.TxOptions{}, fn)
}

func (b *Backend) inTxWith(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := b.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// fail records err on span and returns it.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	return err
}
