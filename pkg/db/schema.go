package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS order_dumps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    broker TEXT NOT NULL,
    order_id TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    qty INTEGER NOT NULL,
    filled_qty INTEGER DEFAULT 0,
    avg_price REAL DEFAULT 0,
    error_reason TEXT DEFAULT '',
    is_canceled INTEGER DEFAULT 0,
    is_pending_cancel INTEGER DEFAULT 0,
    dumped_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_dumps_instance ON order_dumps(instance_id, dumped_at);
CREATE INDEX IF NOT EXISTS idx_order_dumps_order ON order_dumps(instance_id, order_id);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS order_dumps (
    id BIGSERIAL PRIMARY KEY,
    instance_id TEXT NOT NULL,
    broker TEXT NOT NULL,
    order_id TEXT NOT NULL,
    currency TEXT NOT NULL DEFAULT '',
    qty BIGINT NOT NULL,
    filled_qty BIGINT DEFAULT 0,
    avg_price DOUBLE PRECISION DEFAULT 0,
    error_reason TEXT DEFAULT '',
    is_canceled BOOLEAN DEFAULT FALSE,
    is_pending_cancel BOOLEAN DEFAULT FALSE,
    dumped_at BIGINT NOT NULL
);

ALTER TABLE order_dumps ADD COLUMN IF NOT EXISTS is_completed BOOLEAN DEFAULT FALSE;

CREATE INDEX IF NOT EXISTS idx_order_dumps_instance ON order_dumps(instance_id, dumped_at);
CREATE INDEX IF NOT EXISTS idx_order_dumps_order ON order_dumps(instance_id, order_id);
`

// ApplyMigrations creates the schema and adds columns introduced later.
func ApplyMigrations(d *Database) error {
	if d.Dialect == Postgres {
		if _, err := d.DB.Exec(postgresSchema); err != nil {
			return fmt.Errorf("apply postgres schema: %w", err)
		}
		return nil
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := ensureColumn(d.DB, "order_dumps", "is_completed", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
