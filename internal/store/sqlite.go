package store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLite creates a new SQLite store and runs migrations.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// For in-memory databases, use shared cache so all connections in the pool
	// see the same data.
	if dsn == ":memory:" || dsn == "" {
		dsn = "file::memory:?cache=shared"
	}
	dsn = withPragmas(dsn)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers anyway; one connection keeps transactions and
	// the reads they issue on the same handle.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{sqlStore: newSQLStore(db, dialect{name: "sqlite"})}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// withPragmas appends the connection pragmas modernc.org/sqlite applies to
// every new connection.
func withPragmas(dsn string) string {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)"}
	if !strings.Contains(dsn, "memory") {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(pragmas, "&")
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			contact TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			price TEXT NOT NULL DEFAULT '0',
			seed_grams TEXT NOT NULL DEFAULT '0',
			substrate TEXT NOT NULL DEFAULT '',
			stages TEXT NOT NULL DEFAULT '[]',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			recur_unit TEXT NOT NULL,
			recur_every INTEGER NOT NULL,
			anchor_date TEXT NOT NULL,
			anchor_step INTEGER NOT NULL DEFAULT 0,
			end_date TEXT,
			max_occurrences INTEGER NOT NULL DEFAULT 0,
			next_step INTEGER NOT NULL DEFAULT 0,
			template TEXT NOT NULL DEFAULT '[]',
			half_channel INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS subscription_skips (
			subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			PRIMARY KEY (subscription_id, step_index)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			delivery_date TEXT NOT NULL,
			subscription_id TEXT,
			step_index INTEGER,
			override INTEGER NOT NULL DEFAULT 0,
			half_channel INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_subscription_step ON orders(subscription_id, step_index)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_delivery_date ON orders(delivery_date)`,
		`CREATE TABLE IF NOT EXISTS order_items (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			item_id TEXT NOT NULL,
			item_name TEXT NOT NULL,
			unit_price TEXT NOT NULL,
			quantity TEXT NOT NULL,
			production_date TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_items_production_date ON order_items(production_date)`,
		`CREATE TABLE IF NOT EXISTS order_item_transfers (
			order_item_id TEXT NOT NULL REFERENCES order_items(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			stage TEXT NOT NULL,
			transfer_date TEXT NOT NULL,
			PRIMARY KEY (order_item_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfers_date ON order_item_transfers(transfer_date)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			order_id TEXT NOT NULL DEFAULT '',
			subscription_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
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
