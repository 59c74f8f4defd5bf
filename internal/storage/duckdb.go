package storage

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the "duckdb" driver
)

// DuckDBStore is the default Backend, a single-file DuckDB database.
type DuckDBStore struct {
	*sqlStore
}

var _ Backend = (*DuckDBStore)(nil)

// NewDuckDBStore opens the database at path; an empty path or ":memory:"
// selects an in-memory database.
func NewDuckDBStore(path string, logger *slog.Logger) (*DuckDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == ":memory:" {
		path = ""
	}
	if err := ensureDir(path); err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows one writer; a single connection also keeps an
	// in-memory database shared across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStore{sqlStore: newSQLStore(db, "duckdb", path, logger)}, nil
}
