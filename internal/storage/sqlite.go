package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// SQLiteStore is a Backend on a SQLite database file.
type SQLiteStore struct {
	*sqlStore
}

var _ Backend = (*SQLiteStore)(nil)

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA synchronous = NORMAL",
}

// NewSQLiteStore opens (or creates) a SQLite database at path.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = ":memory:"
	}
	if err := ensureDir(path); err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to create database directory: %w", err))
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range sqlitePragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			db.Close()
			return nil, NewStorageError("open", "", fmt.Errorf("%s: %w", pragma, err))
		}
	}

	return &SQLiteStore{sqlStore: newSQLStore(db, "sqlite", path, logger)}, nil
}
