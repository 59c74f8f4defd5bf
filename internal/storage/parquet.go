package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parquet-go/parquet-go"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// KlineRecord is the Parquet schema of exported candles. Prices stay decimal
// strings so the export is exact.
type KlineRecord struct {
	Symbol     string `parquet:"symbol"`
	Resolution string `parquet:"resolution"`
	Timestamp  int64  `parquet:"timestamp"` // Unix ms
	CloseTime  int64  `parquet:"close_time"`
	Open       string `parquet:"open"`
	High       string `parquet:"high"`
	Low        string `parquet:"low"`
	Close      string `parquet:"close"`
	Volume     string `parquet:"volume"`
}

// CandleReader reads a unit's candles in a time range.
type CandleReader interface {
	Query(ctx context.Context, unit models.Unit, r models.TimeRange) ([]models.Candle, error)
}

// ExportParquet writes unit's candles in r to <dir>/<table>.parquet and
// returns the file path and row count.
func ExportParquet(ctx context.Context, reader CandleReader, unit models.Unit, r models.TimeRange, dir string) (string, int, error) {
	candles, err := reader.Query(ctx, unit, r)
	if err != nil {
		return "", 0, err
	}

	records := make([]KlineRecord, 0, len(candles))
	for _, c := range candles {
		records = append(records, KlineRecord{
			Symbol:     unit.Symbol,
			Resolution: string(unit.Resolution),
			Timestamp:  c.Timestamp,
			CloseTime:  c.CloseTime,
			Open:       c.Open,
			High:       c.High,
			Low:        c.Low,
			Close:      c.Close,
			Volume:     c.Volume,
		})
	}

	path := filepath.Join(dir, TableName(unit)+".parquet")
	if err := writeParquetFile(path, records); err != nil {
		return "", 0, fmt.Errorf("writing parquet for %s: %w", unit.ID(), err)
	}
	return path, len(records), nil
}

// ReadParquet reads a file written by ExportParquet.
func ReadParquet(path string) ([]KlineRecord, error) {
	return parquet.ReadFile[KlineRecord](path)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
