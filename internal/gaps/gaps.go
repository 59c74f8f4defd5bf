// Package gaps finds the part of a unit's history that is not yet stored:
// the trailing range after the last collected candle and, optionally, the
// interior holes between stored candles.
package gaps

import (
	"context"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// DefaultHistory is how far back a unit with no stored data is collected.
const DefaultHistory = 1095 * 24 * time.Hour

// StatusReader exposes the per-unit collection status kept by storage.
type StatusReader interface {
	// LastCollected returns the open time of the newest stored candle of
	// unit. ok is false when nothing was ever stored for it.
	LastCollected(ctx context.Context, unit models.Unit) (ts int64, ok bool, err error)
}

// CandleReader reads stored candles of a unit.
type CandleReader interface {
	// Query returns the stored candles of unit in r, ascending by timestamp.
	Query(ctx context.Context, unit models.Unit, r models.TimeRange) ([]models.Candle, error)
}

// Report describes the missing trailing range of one unit.
type Report struct {
	Unit models.Unit `json:"unit"`

	// HasStatus is false when the unit has never been collected.
	HasStatus     bool  `json:"has_status"`
	LastCollected int64 `json:"last_collected,omitempty"`

	// Missing is false when the unit is up to date, i.e. the remaining
	// range holds no closed bucket.
	Missing  bool             `json:"missing"`
	Range    models.TimeRange `json:"range"`
	Expected int64            `json:"expected_candles"`
}
