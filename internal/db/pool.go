// Package db builds the PostgreSQL connection pools the evaluator service
// needs: a reader pool (property/cohort/flag lookups) and a writer pool
// (hash-key-override inserts, spec.md §4.6/§5 — "the only database object the
// core ever writes").
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolConfig tunes one role's connection pool.
type PoolConfig struct {
	MaxConns          int32
	MinConns          int32
	HealthCheckPeriod time.Duration
}

// DefaultReaderConfig mirrors the teacher's single-pool defaults: enough
// headroom for concurrent request fan-out without exhausting Postgres.
func DefaultReaderConfig() PoolConfig {
	return PoolConfig{MaxConns: 20, MinConns: 2, HealthCheckPeriod: 30 * time.Second}
}

// DefaultWriterConfig is deliberately smaller: the writer pool only ever
// serves hash-key-override inserts, a low-volume path (spec.md §4.6).
func DefaultWriterConfig() PoolConfig {
	return PoolConfig{MaxConns: 5, MinConns: 1, HealthCheckPeriod: 30 * time.Second}
}

// NewPool creates a PostgreSQL connection pool for dsn with the given
// per-role tuning. The pool is not validated against the live database at
// creation time; call pool.Ping(ctx) once construction succeeds.
func NewPool(ctx context.Context, dsn string, pc PoolConfig) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}
	cfg.MaxConns = pc.MaxConns
	cfg.MinConns = pc.MinConns
	cfg.HealthCheckPeriod = pc.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection pool: %w", err)
	}
	return pool, nil
}

// Pools bundles the reader and writer roles the evaluator's collaborators
// (internal/flagstore, internal/cohortcache, internal/matching's
// HashKeyOverrideReader/Writer) are built against.
type Pools struct {
	Reader *pgxpool.Pool
	Writer *pgxpool.Pool
}

// NewPools opens the reader pool against readerDSN and the writer pool
// against writerDSN. When the two DSNs are identical, separate pools are
// still created (distinct pool sizing per role, per spec.md §5's resource
// model), but they may point at the same physical database or a read
// replica depending on deployment.
func NewPools(ctx context.Context, readerDSN, writerDSN string) (*Pools, error) {
	reader, err := NewPool(ctx, readerDSN, DefaultReaderConfig())
	if err != nil {
		return nil, fmt.Errorf("reader pool: %w", err)
	}
	writer, err := NewPool(ctx, writerDSN, DefaultWriterConfig())
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("writer pool: %w", err)
	}
	return &Pools{Reader: reader, Writer: writer}, nil
}

// Close releases both pools.
func (p *Pools) Close() {
	if p.Reader != nil {
		p.Reader.Close()
	}
	if p.Writer != nil {
		p.Writer.Close()
	}
}
