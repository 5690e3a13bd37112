// Package storage provides the PostgreSQL storage layer for Kokoro.
//
// It manages connection pooling (via pgxpool through PgBouncer),
// a dedicated connection for LISTEN/NOTIFY (direct to Postgres),
// and query methods for users, sessions, and supporting tables.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kokoro/internal/telemetry"
)

// DB wraps a pgxpool.Pool for normal queries (via PgBouncer)
// and a dedicated pgx.Conn for LISTEN/NOTIFY (direct to Postgres).
type DB struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
}

// New opens the query pool on poolDSN and, when notifyDSN is non-empty, a
// dedicated LISTEN/NOTIFY connection. poolDSN may point at PgBouncer;
// notifyDSN must reach Postgres directly (see Listen).
func New(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// Register pgvector types on each new connection so embedding columns
	// scan into pgvector.Vector. On a fresh database the extension does not
	// exist until migrations run; connections opened before that just miss
	// the types, and later ones pick them up.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("storage: connect notify: %w", err)
		}
	}

	return &DB{
		pool:       pool,
		notifyConn: notifyConn,
		logger:     logger,
	}, nil
}

// Pool exposes the underlying pgx pool for callers that need raw access,
// such as the embedding worker's transactions and the readiness probe.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// NotifyConn returns the dedicated LISTEN/NOTIFY connection, nil when none
// was configured.
func (db *DB) NotifyConn() *pgx.Conn {
	return db.notifyConn
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close releases the pool and the notify connection.
func (db *DB) Close(ctx context.Context) {
	db.pool.Close()
	if db.notifyConn != nil {
		if err := db.notifyConn.Close(ctx); err != nil {
			db.logger.Warn("storage: close notify connection", "error", err)
		}
	}
}

// RegisterPoolMetrics registers observable OTEL gauges over the connection
// pool. Call after telemetry is initialized; with no exporter configured the
// gauges are no-ops.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kokoro/storage")

	_, _ = meter.Int64ObservableGauge("kokoro.db_pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kokoro.db_pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kokoro.db_pool.total_conns",
		metric.WithDescription("Total connections managed by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
}
