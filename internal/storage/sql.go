package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// sqlStore implements Backend over database/sql. The statements below are
// accepted unchanged by DuckDB and SQLite.
type sqlStore struct {
	db     *sql.DB
	driver string
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

const candleColumns = "timestamp, close_time, open, high, low, close, volume"

func newSQLStore(db *sql.DB, driver, path string, logger *slog.Logger) *sqlStore {
	return &sqlStore{db: db, driver: driver, path: path, logger: logger}
}

// Initialize implements Backend.
func (s *sqlStore) Initialize(ctx context.Context) error {
	s.logger.Info("initializing storage", "driver", s.driver, "path", s.path)
	if err := NewMigrationManager(s.db, s.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", err)
	}
	return nil
}

// EnsurePartition implements Backend.
func (s *sqlStore) EnsurePartition(ctx context.Context, p *Partition) error {
	create := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp BIGINT PRIMARY KEY,
			close_time BIGINT NOT NULL,
			open VARCHAR NOT NULL,
			high VARCHAR NOT NULL,
			low VARCHAR NOT NULL,
			close VARCHAR NOT NULL,
			volume VARCHAR NOT NULL
		)`, p.Table)
	if _, err := s.db.ExecContext(ctx, create); err != nil {
		return NewStorageError("create_partition", p.Table, err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO partitions (table_name, symbol, resolution, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name) DO NOTHING`,
		p.Table, p.Key.Symbol, string(p.Key.Resolution), time.Now().UnixMilli())
	if err != nil {
		return NewStorageError("register_partition", p.Table, err)
	}
	return nil
}

// Upsert implements Backend.
func (s *sqlStore) Upsert(ctx context.Context, p *Partition, candles []models.Candle) (err error) {
	if len(candles) == 0 {
		return nil
	}
	candles = dedupe(candles)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return NewStorageError("begin", p.Table, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (timestamp) DO UPDATE SET
			close_time = excluded.close_time,
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume`, p.Table, candleColumns))
	if err != nil {
		return NewStorageError("prepare_upsert", p.Table, err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err = stmt.ExecContext(ctx, c.Timestamp, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return NewStorageError("upsert", p.Table, err)
		}
	}

	batchMax := candles[len(candles)-1].Timestamp
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collection_status (symbol, resolution, last_collected_timestamp, last_updated)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (symbol, resolution) DO UPDATE SET
			last_collected_timestamp = CASE
				WHEN excluded.last_collected_timestamp > last_collected_timestamp
				THEN excluded.last_collected_timestamp
				ELSE last_collected_timestamp
			END,
			last_updated = excluded.last_updated`,
		p.Key.Symbol, string(p.Key.Resolution), batchMax, time.Now().UnixMilli())
	if err != nil {
		return NewStorageError("update_status", "collection_status", err)
	}

	if err = tx.Commit(); err != nil {
		return NewStorageError("commit", p.Table, err)
	}
	return nil
}

// LastCollected implements Backend.
func (s *sqlStore) LastCollected(ctx context.Context, unit models.Unit) (int64, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_collected_timestamp FROM collection_status WHERE symbol = ? AND resolution = ?",
		unit.Symbol, string(unit.Resolution)).Scan(&ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, NewStorageError("last_collected", "collection_status", err)
	}
	return ts, true, nil
}

// Query implements Backend.
func (s *sqlStore) Query(ctx context.Context, p *Partition, r models.TimeRange) ([]models.Candle, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp",
		candleColumns, p.Table), r.Start, r.End)
	if err != nil {
		return nil, NewStorageError("query", p.Table, err)
	}
	defer rows.Close()

	candles := make([]models.Candle, 0)
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(&c.Timestamp, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, NewStorageError("scan", p.Table, err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("query", p.Table, err)
	}
	return candles, nil
}

// Count implements Backend.
func (s *sqlStore) Count(ctx context.Context, p *Partition) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+p.Table).Scan(&n); err != nil {
		return 0, NewStorageError("count", p.Table, err)
	}
	return n, nil
}

// Statuses implements Backend.
func (s *sqlStore) Statuses(ctx context.Context) ([]CollectionStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol, resolution, last_collected_timestamp, last_updated
		FROM collection_status ORDER BY symbol, resolution`)
	if err != nil {
		return nil, NewStorageError("statuses", "collection_status", err)
	}
	defer rows.Close()

	var out []CollectionStatus
	for rows.Next() {
		var (
			st      CollectionStatus
			res     string
			updated int64
		)
		if err := rows.Scan(&st.Symbol, &res, &st.LastCollected, &updated); err != nil {
			return nil, NewStorageError("scan", "collection_status", err)
		}
		st.Resolution = models.Resolution(res)
		st.LastUpdated = time.UnixMilli(updated).UTC()
		out = append(out, st)
	}
	return out, rows.Err()
}

// Partitions implements Backend.
func (s *sqlStore) Partitions(ctx context.Context) ([]Partition, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT table_name, symbol, resolution FROM partitions ORDER BY table_name")
	if err != nil {
		return nil, NewStorageError("partitions", "partitions", err)
	}
	defer rows.Close()

	var out []Partition
	for rows.Next() {
		var (
			p   Partition
			res string
		)
		if err := rows.Scan(&p.Table, &p.Key.Symbol, &res); err != nil {
			return nil, NewStorageError("scan", "partitions", err)
		}
		p.Key.Resolution = models.Resolution(res)
		out = append(out, p)
	}
	return out, rows.Err()
}

// HealthCheck implements Backend.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%s storage is closed", s.driver)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return NewStorageError("health_check", "", err)
	}
	return nil
}

// Close implements Backend.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("closing storage", "driver", s.driver)
	return s.db.Close()
}
