package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// BatchWidth is the time span one window covers: limit buckets of res.
func BatchWidth(res models.Resolution, limit int) time.Duration {
	return time.Duration(limit) * res.Duration()
}

// CollectResult summarizes one Collect.
type CollectResult struct {
	Windows int
	Calls   int
	Rows    int
	// Last is the newest open time stored by this collect, 0 if none.
	Last int64
}

func (r *CollectResult) add(o CollectResult) {
	r.Windows += o.Windows
	r.Calls += o.Calls
	r.Rows += o.Rows
	if o.Last > r.Last {
		r.Last = o.Last
	}
}

// Scheduler walks a range window by window, handing each window's candles to
// storage before fetching the next, so a failure loses at most one window.
type Scheduler struct {
	fetcher WindowFetcher
	store   CandleStore
	logger  *slog.Logger
}

// NewScheduler creates a scheduler fetching through fetcher into store.
func NewScheduler(fetcher WindowFetcher, store CandleStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		fetcher: fetcher,
		store:   store,
		logger:  logger.With("component", "scheduler"),
	}
}

// Collect fetches and stores unit's candles in r. Windows run sequentially;
// candles at or below the newest one already stored by this call are dropped.
// Windows stored before a failure stay stored.
func (s *Scheduler) Collect(ctx context.Context, unit models.Unit, r models.TimeRange) (CollectResult, error) {
	var result CollectResult
	width := BatchWidth(unit.Resolution, s.fetcher.Limit()).Milliseconds()
	if width <= 0 {
		return result, fmt.Errorf("invalid batch width for %s", unit.ID())
	}

	highest, stored := int64(0), false
	for start := r.Start; start < r.End; start += width {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + width
		if end > r.End {
			end = r.End
		}

		fetched, err := s.fetcher.Fetch(ctx, unit, start, end)
		if fetched != nil {
			result.Calls += fetched.Calls
		}
		if err != nil {
			return result, fmt.Errorf("fetching window %s of %s: %w", models.TimeRange{Start: start, End: end}, unit.ID(), err)
		}
		result.Windows++

		candles := fetched.Candles
		if stored {
			candles = dropThrough(candles, highest)
		}
		if len(candles) == 0 {
			continue
		}

		n, err := s.store.Store(ctx, unit, candles)
		if err != nil {
			return result, fmt.Errorf("storing window %s of %s: %w", models.TimeRange{Start: start, End: end}, unit.ID(), err)
		}
		result.Rows += n
		for _, c := range candles {
			if c.Timestamp > highest {
				highest = c.Timestamp
			}
		}
		stored = true
	}

	result.Last = highest
	s.logger.Debug("Range collected",
		"unit", unit.ID(),
		"range", r.String(),
		"windows", result.Windows,
		"calls", result.Calls,
		"rows", result.Rows,
	)
	return result, nil
}

// dropThrough returns the candles with a timestamp above ts.
func dropThrough(candles []models.Candle, ts int64) []models.Candle {
	out := candles[:0:0]
	for _, c := range candles {
		if c.Timestamp > ts {
			out = append(out, c)
		}
	}
	return out
}
