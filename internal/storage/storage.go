// Package storage persists candles into one physical table per
// (instrument, resolution) partition and tracks, per partition, the newest
// open time collected.
//
// Backends implement Backend. The Router sits in front of a Backend, caches
// partition handles and is the only entry point the collector uses.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/config"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Partition is the physical location of one unit's candles.
type Partition struct {
	Key   models.Unit
	Table string
}

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]`)

// TableName returns the table holding unit's candles, e.g. "candles_btcusdt_1h".
// Resolution slugs keep 1m and 1M apart in case-insensitive SQL identifiers.
func TableName(unit models.Unit) string {
	symbol := unsafeIdent.ReplaceAllString(strings.ToLower(unit.Symbol), "_")
	return "candles_" + symbol + "_" + unit.Resolution.Slug()
}

// NewPartition computes the partition handle for unit.
func NewPartition(unit models.Unit) *Partition {
	return &Partition{Key: unit, Table: TableName(unit)}
}

// CollectionStatus is the newest collected open time of one unit.
type CollectionStatus struct {
	Symbol        string            `json:"symbol"`
	Resolution    models.Resolution `json:"resolution"`
	LastCollected int64             `json:"last_collected_timestamp"`
	LastUpdated   time.Time         `json:"last_updated"`
}

// Unit returns the unit the status belongs to.
func (s CollectionStatus) Unit() models.Unit {
	return models.Unit{Symbol: s.Symbol, Resolution: s.Resolution}
}

// Backend is a storage engine.
//
// Upsert must be atomic: the candle rows and the collection status either
// both become visible or neither does. Re-upserting a candle with an existing
// timestamp replaces it, and the status only ever moves forward.
type Backend interface {
	// Initialize prepares the schema; safe to call on an existing database.
	Initialize(ctx context.Context) error

	// EnsurePartition creates the partition's table and registers it.
	EnsurePartition(ctx context.Context, p *Partition) error

	// Upsert writes candles and advances the unit's status to
	// max(existing, newest candle) in one transaction.
	Upsert(ctx context.Context, p *Partition, candles []models.Candle) error

	// LastCollected returns the unit's status; ok is false when nothing
	// was ever stored for it.
	LastCollected(ctx context.Context, unit models.Unit) (ts int64, ok bool, err error)

	// Query returns the candles in r, ascending.
	Query(ctx context.Context, p *Partition, r models.TimeRange) ([]models.Candle, error)

	// Count returns the number of candles in the partition.
	Count(ctx context.Context, p *Partition) (int64, error)

	// Statuses returns every collection status.
	Statuses(ctx context.Context) ([]CollectionStatus, error)

	// Partitions returns every registered partition.
	Partitions(ctx context.Context) ([]Partition, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "upsert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// Open creates the backend named by cfg.Type and initializes its schema.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(cfg.Type) {
	case "", "duckdb":
		backend, err = NewDuckDBStore(cfg.Path, logger)
	case "sqlite":
		backend, err = NewSQLiteStore(cfg.Path, logger)
	case "memory":
		backend = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := backend.Initialize(ctx); err != nil {
		backend.Close()
		return nil, err
	}
	return backend, nil
}

// ensureDir creates the parent directory of a database file.
func ensureDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, "file:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// dedupe returns candles sorted by timestamp, keeping the last occurrence of
// each timestamp.
func dedupe(candles []models.Candle) []models.Candle {
	byTS := make(map[int64]int, len(candles))
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if i, ok := byTS[c.Timestamp]; ok {
			out[i] = c
			continue
		}
		byTS[c.Timestamp] = len(out)
		out = append(out, c)
	}
	sortCandles(out)
	return out
}
