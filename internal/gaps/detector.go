package gaps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// holeChunkBuckets bounds how many buckets FindHoles reads per query.
const holeChunkBuckets = 50_000

// Detector computes missing ranges from collection statuses.
type Detector struct {
	status  StatusReader
	history time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector reading statuses from status. A
// non-positive history falls back to DefaultHistory.
func NewDetector(status StatusReader, history time.Duration, logger *slog.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if history <= 0 {
		history = DefaultHistory
	}
	d := &Detector{
		status:  status,
		history: history,
		now:     time.Now,
		logger:  logger.With("component", "gap_detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// History returns the default lookback for never-collected units.
func (d *Detector) History() time.Duration {
	return d.history
}

// Now returns the detector's current time in epoch milliseconds.
func (d *Detector) Now() int64 {
	return d.now().UnixMilli()
}

// MissingRange returns the range of unit still to be collected:
// [now-history, open) for a unit with no status, [T+1, open) once candles up
// to open time T are stored, where open is the open time of the bucket still
// forming at now. ok is false when the range holds no closed bucket.
func (d *Detector) MissingRange(ctx context.Context, unit models.Unit) (models.TimeRange, bool, error) {
	return d.MissingRangeWithin(ctx, unit, d.history)
}

// MissingRangeWithin is MissingRange with an explicit lookback for units
// that have no status yet.
func (d *Detector) MissingRangeWithin(ctx context.Context, unit models.Unit, history time.Duration) (models.TimeRange, bool, error) {
	report, err := d.inspect(ctx, unit, history)
	if err != nil {
		return models.TimeRange{}, false, err
	}
	return report.Range, report.Missing, nil
}

// HistoryRange returns [now-history, open) for res, the range refetched by a
// forced collection regardless of stored status. It ends where the bucket
// forming at now opens.
func (d *Detector) HistoryRange(res models.Resolution, history time.Duration) models.TimeRange {
	if history <= 0 {
		history = d.history
	}
	now := d.Now()
	return models.TimeRange{Start: now - history.Milliseconds(), End: res.Truncate(now)}
}

// Scan reports the missing range of every unit, in input order.
func (d *Detector) Scan(ctx context.Context, units []models.Unit) ([]Report, error) {
	reports := make([]Report, 0, len(units))
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := d.inspect(ctx, unit, d.history)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}

	missing := 0
	for _, r := range reports {
		if r.Missing {
			missing++
		}
	}
	d.logger.Info("Gap scan completed", "units", len(reports), "missing", missing)
	return reports, nil
}

func (d *Detector) inspect(ctx context.Context, unit models.Unit, history time.Duration) (Report, error) {
	if history <= 0 {
		history = d.history
	}
	report := Report{Unit: unit}

	last, ok, err := d.status.LastCollected(ctx, unit)
	if err != nil {
		return report, fmt.Errorf("reading collection status of %s: %w", unit.ID(), err)
	}

	now := d.Now()
	open := unit.Resolution.Truncate(now)
	if ok {
		report.HasStatus = true
		report.LastCollected = last
		report.Range = models.TimeRange{Start: last + 1, End: open}
	} else {
		report.Range = models.TimeRange{Start: now - history.Milliseconds(), End: open}
	}
	if report.Range.Start > open {
		report.Range.Start = open
	}

	// only closed buckets count; the one forming at now is left for a
	// later run
	first := unit.Resolution.Ceil(report.Range.Start)
	report.Missing = first < open
	if report.Missing {
		report.Expected = (open - first) / unit.Resolution.Millis()
		if report.Expected == 0 {
			report.Expected = 1
		}
	}

	d.logger.Debug("Missing range computed",
		"unit", unit.ID(),
		"has_status", report.HasStatus,
		"range", report.Range.String(),
		"missing", report.Missing,
	)
	return report, nil
}

// FindHoles scans the stored candles of unit in r and returns every interior
// hole: wherever two consecutive stored timestamps are more than 1.5 buckets
// apart, the hole is [prev+bucket, next). Leading and trailing missing data
// are not holes.
func FindHoles(ctx context.Context, reader CandleReader, unit models.Unit, r models.TimeRange) ([]models.TimeRange, error) {
	bucket := unit.Resolution.Millis()
	threshold := bucket + bucket/2
	chunk := bucket * holeChunkBuckets

	var (
		holes   []models.TimeRange
		prev    int64
		hasPrev bool
	)
	for start := r.Start; start < r.End; start += chunk {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + chunk
		if end > r.End {
			end = r.End
		}

		candles, err := reader.Query(ctx, unit, models.TimeRange{Start: start, End: end})
		if err != nil {
			return nil, fmt.Errorf("scanning %s for holes: %w", unit.ID(), err)
		}
		for _, c := range candles {
			if hasPrev && c.Timestamp-prev > threshold {
				holes = append(holes, models.TimeRange{Start: prev + bucket, End: c.Timestamp})
			}
			prev = c.Timestamp
			hasPrev = true
		}
	}
	return holes, nil
}
