// Package db wraps a pgx connection pool for the controller
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailganti/opsconductor/common/config"
	"github.com/mailganti/opsconductor/common/logger"
)

// DB wraps a pgxpool.Pool
type DB struct {
	Pool *pgxpool.Pool
	log  *logger.Logger
}

// New creates a connection pool from config and verifies connectivity
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.Database.MaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to database",
		"host", cfg.Database.Host,
		"database", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns,
	)

	return &DB{Pool: pool, log: log}, nil
}

// Close releases the pool
func (d *DB) Close() {
	d.Pool.Close()
}

// Migrate applies the schema DDL. Statements are idempotent
// (CREATE TABLE IF NOT EXISTS) so startup can always run them.
func (d *DB) Migrate(ctx context.Context) error {
	if err := ApplySchema(ctx, d.Pool); err != nil {
		return err
	}
	d.log.Info("schema applied", "statements", len(schemaStatements))
	return nil
}

// ApplySchema runs the schema DDL against a pool
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
