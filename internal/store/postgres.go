package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	*sqlStore
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{sqlStore: newSQLStore(db, dialect{name: "postgres", positional: true})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			contact TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			price NUMERIC NOT NULL DEFAULT 0,
			seed_grams NUMERIC NOT NULL DEFAULT 0,
			substrate TEXT NOT NULL DEFAULT '',
			stages TEXT NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			recur_unit TEXT NOT NULL,
			recur_every INTEGER NOT NULL,
			anchor_date DATE NOT NULL,
			anchor_step INTEGER NOT NULL DEFAULT 0,
			end_date DATE,
			max_occurrences INTEGER NOT NULL DEFAULT 0,
			next_step INTEGER NOT NULL DEFAULT 0,
			template TEXT NOT NULL DEFAULT '[]',
			half_channel BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_skips (
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			PRIMARY KEY (subscription_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			delivery_date DATE NOT NULL,
			subscription_id TEXT,
			step_index INTEGER,
			override BOOLEAN NOT NULL DEFAULT FALSE,
			half_channel BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_subscription_step ON orders(subscription_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_delivery_date ON orders(delivery_date)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			unit_price NUMERIC NOT NULL,
			quantity NUMERIC NOT NULL,
			production_date DATE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_production_date ON order_items(production_date)`,
		`CREATE TABLE IF NOT EXISTS order_item_transfers (
			order_item_id TEXT NOT NULL REFERENCES order_items(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			stage TEXT NOT NULL,
			transfer_date DATE NOT NULL,
			PRIMARY KEY (order_item_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_date ON order_item_transfers(transfer_date)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}
