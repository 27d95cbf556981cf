package storage

import (
	"context"
	"fmt"

	"github.com/fundarb/harvester/internal/database"
)

// schemaDDL creates every harvester table. All statements are idempotent
// so the bootstrap can run on every start.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS raw_metrics (
		id BIGSERIAL PRIMARY KEY,
		endpoint TEXT NOT NULL,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		collected_at TIMESTAMPTZ NOT NULL,
		UNIQUE (endpoint, coin, exchange, timeframe, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS market_ohlc (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		open NUMERIC(32, 12) NOT NULL,
		high NUMERIC(32, 12) NOT NULL,
		low NUMERIC(32, 12) NOT NULL,
		close NUMERIC(32, 12) NOT NULL,
		volume NUMERIC(32, 12) NOT NULL,
		UNIQUE (coin, exchange, timeframe, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS order_books (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		bid_qty NUMERIC(32, 12) NOT NULL,
		ask_qty NUMERIC(32, 12) NOT NULL,
		UNIQUE (coin, exchange, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS funding_rates (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		rate NUMERIC(18, 10) NOT NULL,
		next_funding_time TIMESTAMPTZ,
		UNIQUE (coin, exchange, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS open_interest (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		value NUMERIC(32, 12) NOT NULL,
		UNIQUE (coin, exchange, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS liquidations (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		long_qty NUMERIC(32, 12) NOT NULL,
		short_qty NUMERIC(32, 12) NOT NULL,
		UNIQUE (coin, exchange, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS trades (
		id BIGSERIAL PRIMARY KEY,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		price NUMERIC(32, 12) NOT NULL,
		qty NUMERIC(32, 12) NOT NULL,
		side TEXT NOT NULL DEFAULT '',
		UNIQUE (coin, exchange, ts)
	)`,
	`CREATE TABLE IF NOT EXISTS generic_metrics (
		id BIGSERIAL PRIMARY KEY,
		endpoint TEXT NOT NULL,
		coin TEXT NOT NULL,
		exchange TEXT NOT NULL DEFAULT '',
		timeframe TEXT NOT NULL DEFAULT '',
		ts TIMESTAMPTZ NOT NULL,
		value NUMERIC(32, 12) NOT NULL,
		UNIQUE (endpoint, coin, exchange, timeframe, ts)
	)`,
}

// EnsureSchema creates the harvester tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *database.PostgresDB) error {
	for _, ddl := range schemaDDL {
		if _, err := db.Pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
