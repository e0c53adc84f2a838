// Package database persists orders, recovery chains, profit pyramids and
// safety state to PostgreSQL for exact-once recovery after restart.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"signal-engine/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDB connects the pool and verifies the connection.
func NewDB(cfg config.DatabaseConfig, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	maxConns := int32(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Msg("connected to PostgreSQL")
	return &DB{Pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations creates the schema if it does not exist.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			broker_id TEXT NOT NULL DEFAULT '',
			chain_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			family TEXT NOT NULL,
			lot_size DOUBLE PRECISION NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			sl_price DOUBLE PRECISION NOT NULL,
			tp_price DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
			trailing BOOLEAN NOT NULL DEFAULT FALSE,
			state TEXT NOT NULL,
			opened_at TIMESTAMPTZ,
			closed_at TIMESTAMPTZ,
			close_reason TEXT NOT NULL DEFAULT '',
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_state ON orders(state)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_chain ON orders(chain_id)`,

		`CREATE TABLE IF NOT EXISTS reentry_chains (
			id TEXT PRIMARY KEY,
			root_order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			family TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 0,
			trigger_type TEXT NOT NULL,
			status TEXT NOT NULL,
			last_risk DOUBLE PRECISION NOT NULL DEFAULT 0,
			active_order TEXT NOT NULL DEFAULT '',
			status_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reentry_chains_status ON reentry_chains(status)`,

		`CREATE TABLE IF NOT EXISTS profit_chains (
			id TEXT PRIMARY KEY,
			root_order_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			direction TEXT NOT NULL,
			family TEXT NOT NULL,
			seed_risk DOUBLE PRECISION NOT NULL DEFAULT 0,
			target DOUBLE PRECISION NOT NULL DEFAULT 0,
			levels JSONB NOT NULL DEFAULT '[]',
			total_orders INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profit_chains_status ON profit_chains(status)`,

		`CREATE TABLE IF NOT EXISTS safety_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			day_realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			day_peak_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			day_trade_count INTEGER NOT NULL DEFAULT 0,
			concurrent_open_count INTEGER NOT NULL DEFAULT 0,
			lifetime_realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			lockout_until TIMESTAMPTZ,
			day_start TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	db.logger.Info().Int("statements", len(migrations)).Msg("migrations applied")
	return nil
}
