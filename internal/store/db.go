package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for Postgres (pgx) or SQLite.
type DB struct {
	Client *sql.DB
	Driver string
}

// NewDB creates a Postgres connection with sane defaults.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	return open(ctx, "pgx", connString, 10)
}

// NewSQLite opens a SQLite database file. SQLite allows one writer at a
// time, so the pool is limited to a single connection.
func NewSQLite(ctx context.Context, path string) (*DB, error) {
	return open(ctx, "sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL", 1)
}

func open(ctx context.Context, driver, dsn string, maxOpen int) (*DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &DB{Client: db, Driver: driver}, nil
}

// Healthy verifies the connection is still usable.
func (d *DB) Healthy(ctx context.Context) bool {
	if d == nil || d.Client == nil {
		return false
	}
	return d.Client.PingContext(ctx) == nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	if d == nil || d.Client == nil {
		return nil
	}
	return d.Client.Close()
}
