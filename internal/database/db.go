package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
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
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Orders mirror of the exchange, keyed by exchange order id.
		// parent_order_id links a protective order to its filled entry,
		// oco_group_id pairs the stop-loss with its take-profit.
		`CREATE TABLE IF NOT EXISTS orders (
			exchange_order_id VARCHAR(64) PRIMARY KEY,
			client_oid VARCHAR(64) NOT NULL DEFAULT '',
			symbol VARCHAR(24) NOT NULL,
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(24) NOT NULL,
			role VARCHAR(16) NOT NULL DEFAULT '',
			status VARCHAR(20) NOT NULL,
			price DECIMAL(30, 12) NOT NULL DEFAULT 0,
			trigger_price DECIMAL(30, 12) NOT NULL DEFAULT 0,
			avg_price DECIMAL(30, 12) NOT NULL DEFAULT 0,
			quantity DECIMAL(30, 12) NOT NULL DEFAULT 0,
			cumulative_quantity DECIMAL(30, 12) NOT NULL DEFAULT 0,
			cumulative_value DECIMAL(30, 12) NOT NULL DEFAULT 0,
			parent_order_id VARCHAR(64) NOT NULL DEFAULT '',
			oco_group_id VARCHAR(64) NOT NULL DEFAULT '',
			source VARCHAR(10) NOT NULL DEFAULT 'auto',
			status_reason VARCHAR(64) NOT NULL DEFAULT '',
			is_margin BOOLEAN NOT NULL DEFAULT FALSE,
			leverage INT NOT NULL DEFAULT 0,
			exchange_create_time TIMESTAMPTZ NOT NULL,
			exchange_update_time TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_side_create_time ON orders(side, exchange_create_time)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_oco_group ON orders(oco_group_id) WHERE oco_group_id <> ''`,
		`CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_order_id) WHERE parent_order_id <> ''`,

		// Watchlist drives the monitor loop; rows are re-read every cycle.
		`CREATE TABLE IF NOT EXISTS watchlist_items (
			id SERIAL PRIMARY KEY,
			symbol VARCHAR(24) NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			trade_amount_usd DECIMAL(20, 8) NOT NULL DEFAULT 0,
			protection_mode VARCHAR(16) NOT NULL DEFAULT 'conservative',
			sl_percentage DECIMAL(10, 4),
			tp_percentage DECIMAL(10, 4),
			min_price_change_pct DECIMAL(10, 4),
			buy_target DECIMAL(30, 12),
			purchase_price DECIMAL(30, 12),
			strategy_type VARCHAR(24) NOT NULL DEFAULT '',
			risk_approach VARCHAR(24) NOT NULL DEFAULT '',
			use_margin BOOLEAN NOT NULL DEFAULT FALSE,
			leverage INT NOT NULL DEFAULT 0,
			alerts_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			skip_protection_reminder BOOLEAN NOT NULL DEFAULT FALSE,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			notes TEXT,
			added_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_watchlist_items_enabled ON watchlist_items(enabled) WHERE NOT is_deleted`,

		// Audit trail of every signal decision the monitor makes.
		`CREATE TABLE IF NOT EXISTS signal_events (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(24) NOT NULL,
			direction VARCHAR(4) NOT NULL,
			price DECIMAL(30, 12) NOT NULL DEFAULT 0,
			action VARCHAR(40) NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_events_symbol ON signal_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_events_created_at ON signal_events(created_at DESC)`,

		// Outbound Telegram log, kept for the dashboard and debugging.
		`CREATE TABLE IF NOT EXISTS telegram_messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id VARCHAR(32) NOT NULL,
			kind VARCHAR(40) NOT NULL,
			body TEXT NOT NULL,
			buttons JSONB,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_telegram_messages_created_at ON telegram_messages(created_at DESC)`,

		// Key/value runtime settings, re-read by loops on every cycle so
		// operators can change behavior without a restart.
		`CREATE TABLE IF NOT EXISTS trading_settings (
			key VARCHAR(64) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// updated_at trigger
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_orders_updated_at ON orders`,
		`CREATE TRIGGER update_orders_updated_at BEFORE UPDATE ON orders
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_watchlist_items_updated_at ON watchlist_items`,
		`CREATE TRIGGER update_watchlist_items_updated_at BEFORE UPDATE ON watchlist_items
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
