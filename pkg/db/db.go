// Package db stores order snapshots dumped by broker instances in SQLite or,
// when given a postgres:// DSN, in PostgreSQL.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

const memoryPath = ":memory:"

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB      *sql.DB
	Dialect Dialect
}

// Open picks the driver from target: a postgres:// DSN connects lazily to
// PostgreSQL, anything else is an SQLite path.
func Open(target string) (*Database, error) {
	if !IsPostgresDSN(target) {
		return New(target)
	}
	db, err := sql.Open("pgx", target)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)
	return &Database{DB: db, Dialect: Postgres}, nil
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	if path != memoryPath {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db, Dialect: SQLite}, nil
}

// Queries returns the order dump queries bound to this database.
func (d *Database) Queries() *OrderQueries {
	return NewOrderQueries(d.DB, d.Dialect)
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}
