// Package collector drives a backfill run: it selects the units still to be
// collected, splits each unit's missing range into provider-sized windows,
// and records every unit's outcome in the checkpoint.
package collector

import (
	"context"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// WindowFetcher returns every candle of a unit in [start, end).
// Implemented by *exchange.Fetcher.
type WindowFetcher interface {
	Fetch(ctx context.Context, unit models.Unit, start, end int64) (*exchange.FetchResult, error)

	// Limit is the per-call record cap used to size windows.
	Limit() int
}

// CandleStore persists candles and advances the unit's collection status.
// Implemented by *storage.Router.
type CandleStore interface {
	Store(ctx context.Context, unit models.Unit, candles []models.Candle) (int, error)
}

// Checkpoint records per-unit progress across runs.
// Implemented by *checkpoint.Store.
type Checkpoint interface {
	Begin(runID string, instruments, resolutions int) error
	MarkInProgress(worker string, unit models.Unit) error
	MarkCompleted(worker string, unit models.Unit) error
	MarkFailed(worker string, unit models.Unit, msg string) error
	Release(worker string, unit models.Unit) error

	// Pending returns all minus completed and failed units, in input order.
	Pending(all []models.Unit) []models.Unit
	State(unit models.Unit) models.UnitState
}

// RangeDetector computes the range of a unit still to be collected.
// Implemented by *gaps.Detector.
type RangeDetector interface {
	History() time.Duration
	HistoryRange(res models.Resolution, history time.Duration) models.TimeRange
	MissingRangeWithin(ctx context.Context, unit models.Unit, history time.Duration) (models.TimeRange, bool, error)
}

// UnitCollector collects one range of one unit. Implemented by *Scheduler.
type UnitCollector interface {
	Collect(ctx context.Context, unit models.Unit, r models.TimeRange) (CollectResult, error)
}

// UnitRecorder receives unit outcomes, typically a metrics collector.
type UnitRecorder interface {
	RecordUnitCompleted()
	RecordUnitFailed()
	RecordUnitDeferred()
	RecordUnitSkipped()
}

type nopUnitRecorder struct{}

func (nopUnitRecorder) RecordUnitCompleted() {}
func (nopUnitRecorder) RecordUnitFailed()    {}
func (nopUnitRecorder) RecordUnitDeferred()  {}
func (nopUnitRecorder) RecordUnitSkipped()   {}
