// Package db opens the journal's database handles: SQLite in WAL mode with a
// single writer, or PostgreSQL via the pgx stdlib driver.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DriverSQLite is the sqlx driver name for SQLite handles.
	DriverSQLite = "sqlite3"

	defaultBusyTimeout = 5 * time.Second

	// WAL allows many readers alongside the single writer; four read
	// connections cover the HTTP surface comfortably.
	defaultSQLiteReaderConns = 4
)

// OpenSQLite opens the write handle: one connection, WAL journal, so writes
// serialize without SQLITE_BUSY.
func OpenSQLite(dbPath string) (*sqlx.DB, error) {
	normalized := normalizeSQLitePath(dbPath)
	if err := ensureSQLiteDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	handle, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	handle.SetMaxOpenConns(1)
	handle.SetMaxIdleConns(1)
	return handle, nil
}

// OpenSQLiteReader opens a read-only pool over the same file. Readers see
// WAL snapshots and never block the writer.
func OpenSQLiteReader(dbPath string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizeSQLitePath(dbPath),
		int(defaultBusyTimeout/time.Millisecond),
	)
	handle, err := sqlx.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	handle.SetMaxOpenConns(defaultSQLiteReaderConns)
	handle.SetMaxIdleConns(defaultSQLiteReaderConns)
	return handle, nil
}

func ensureSQLiteDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizeSQLitePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
