package db

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// DriverPostgres is the sqlx driver name for PostgreSQL handles.
const DriverPostgres = "pgx"

// OpenPostgres opens a PostgreSQL pool via the pgx stdlib driver. maxConns
// defaults to 25 when zero.
func OpenPostgres(dsn string, maxConns int) (*sqlx.DB, error) {
	handle, err := sqlx.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	handle.SetMaxOpenConns(maxConns)
	handle.SetMaxIdleConns(maxConns / 5)

	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return handle, nil
}

// IsPostgres reports whether the driver name is the PostgreSQL driver.
func IsPostgres(driver string) bool {
	return driver == DriverPostgres
}
