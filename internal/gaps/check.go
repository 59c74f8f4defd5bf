package gaps

import (
	"context"
	"fmt"

	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/validator"
)

// maxViolations caps how many validation failures one UnitCheck lists.
const maxViolations = 5

// Health grades the stored data of a unit.
type Health string

const (
	HealthOK      Health = "OK"
	HealthWarning Health = "WARNING"
	HealthError   Health = "ERROR"
)

// StoreInspector is the storage surface Check reads.
type StoreInspector interface {
	CandleReader
	// Count returns the number of stored candles of unit.
	Count(ctx context.Context, unit models.Unit) (int64, error)
}

// UnitCheck is the integrity report of one stored unit.
type UnitCheck struct {
	Unit models.Unit `json:"unit"`

	// Rows counts every stored candle; Scanned only those inside the
	// lookback that Check read back.
	Rows    int64 `json:"rows"`
	Scanned int64 `json:"scanned"`

	HasStatus     bool  `json:"has_status"`
	LastCollected int64 `json:"last_collected,omitempty"`
	Newest        int64 `json:"newest,omitempty"`

	Holes      []models.TimeRange `json:"holes,omitempty"`
	Violations []string           `json:"violations,omitempty"`
	Warnings   []string           `json:"warnings,omitempty"`
	Health     Health             `json:"health"`
}

func (c *UnitCheck) warn(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
	if c.Health == HealthOK {
		c.Health = HealthWarning
	}
}

func (c *UnitCheck) violate(msg string) {
	if len(c.Violations) < maxViolations {
		c.Violations = append(c.Violations, msg)
	}
	c.Health = HealthError
}

// Check reads back the stored candles of unit within the lookback and grades
// them: every page must pass validator.ValidateSequence with alignment
// checks, the collection status must name the newest stored row, and the
// newest row must be a closed bucket. Interior holes are listed as warnings.
func (d *Detector) Check(ctx context.Context, store StoreInspector, unit models.Unit) (UnitCheck, error) {
	check := UnitCheck{Unit: unit, Health: HealthOK}

	rows, err := store.Count(ctx, unit)
	if err != nil {
		return check, fmt.Errorf("counting rows of %s: %w", unit.ID(), err)
	}
	check.Rows = rows

	last, ok, err := d.status.LastCollected(ctx, unit)
	if err != nil {
		return check, fmt.Errorf("reading collection status of %s: %w", unit.ID(), err)
	}
	check.HasStatus = ok
	check.LastCollected = last

	if rows == 0 {
		if ok {
			check.violate("collection status is set but no rows are stored")
		}
		return check, nil
	}
	if !ok {
		check.warn("%d rows stored without a collection status", rows)
	}

	now := d.Now()
	bucket := unit.Resolution.Millis()
	r := models.TimeRange{Start: now - d.history.Milliseconds(), End: now + bucket}
	cfg := validator.NewValidationConfig()
	cfg.CheckAlignment = true

	var prev *models.Candle
	for start := r.Start; start < r.End; start += bucket * holeChunkBuckets {
		if err := ctx.Err(); err != nil {
			return check, err
		}
		end := start + bucket*holeChunkBuckets
		if end > r.End {
			end = r.End
		}

		candles, err := store.Query(ctx, unit, models.TimeRange{Start: start, End: end})
		if err != nil {
			return check, fmt.Errorf("reading %s: %w", unit.ID(), err)
		}
		if len(candles) == 0 {
			continue
		}
		check.Scanned += int64(len(candles))

		// the previous page's last candle carries the ordering check across pages
		page := candles
		if prev != nil {
			page = append([]models.Candle{*prev}, candles...)
		}
		if err := validator.ValidateSequence(page, unit.Resolution, cfg); err != nil {
			check.violate(err.Error())
		}

		tail := candles[len(candles)-1]
		prev = &tail
		check.Newest = tail.Timestamp
	}

	if check.Scanned > 0 {
		switch {
		case ok && last > check.Newest:
			check.violate(fmt.Sprintf("collection status %d is past the newest stored row %d", last, check.Newest))
		case ok && last < check.Newest:
			check.warn("collection status %d is behind the newest stored row %d", last, check.Newest)
		}
		if unit.Resolution.Next(check.Newest) > now {
			check.warn("newest row %d has not closed yet; its values may be partial", check.Newest)
		}
	}

	holes, err := FindHoles(ctx, store, unit, r)
	if err != nil {
		return check, err
	}
	check.Holes = holes
	if len(holes) > 0 {
		check.warn("%d interior hole(s)", len(holes))
	}

	d.logger.Debug("Unit checked",
		"unit", unit.ID(),
		"rows", check.Rows,
		"scanned", check.Scanned,
		"holes", len(check.Holes),
		"health", string(check.Health),
	)
	return check, nil
}
