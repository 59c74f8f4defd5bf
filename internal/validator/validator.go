// Package validator checks pages of candles returned by the provider before
// they reach storage.
//
// Per-candle rules live on models.Candle.Validate. This package adds the
// sequence rules that only make sense across a page: strictly ascending open
// times, no duplicates and, optionally, alignment to the resolution's bucket.
package validator

import (
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// ValidationConfig configures which checks ValidateSequence performs.
type ValidationConfig struct {
	// EnableLogicalChecks runs Candle.Validate on every candle
	EnableLogicalChecks bool

	// EnableTimestampChecks requires strictly ascending, duplicate-free open times
	EnableTimestampChecks bool

	// CheckAlignment requires open times to be multiples of the bucket.
	// Only applied to resolutions of one day or less; weekly and monthly
	// buckets open on calendar boundaries.
	CheckAlignment bool
}

// NewValidationConfig returns the configuration used by the fetcher.
func NewValidationConfig() ValidationConfig {
	return ValidationConfig{
		EnableLogicalChecks:   true,
		EnableTimestampChecks: true,
	}
}

// ValidationError describes the first rule a page violated.
type ValidationError struct {
	CandleIndex int
	Timestamp   int64
	Field       string
	Message     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("candle %d (ts=%d) %s: %s", e.CandleIndex, e.Timestamp, e.Field, e.Message)
}

// ValidateSequence returns the first violation in candles, or nil.
func ValidateSequence(candles []models.Candle, res models.Resolution, cfg ValidationConfig) error {
	bucket := res.Millis()
	align := cfg.CheckAlignment && res.FixedWidth() && res.Duration() <= models.Resolution1d.Duration()

	for i := range candles {
		c := &candles[i]

		if cfg.EnableLogicalChecks {
			if err := c.Validate(); err != nil {
				return &ValidationError{CandleIndex: i, Timestamp: c.Timestamp, Field: "candle", Message: err.Error()}
			}
		}

		if align && bucket > 0 && c.Timestamp%bucket != 0 {
			return &ValidationError{
				CandleIndex: i,
				Timestamp:   c.Timestamp,
				Field:       "timestamp",
				Message:     fmt.Sprintf("not aligned to %s bucket", res),
			}
		}

		if cfg.EnableTimestampChecks && i > 0 {
			prev := candles[i-1].Timestamp
			switch {
			case c.Timestamp == prev:
				return &ValidationError{CandleIndex: i, Timestamp: c.Timestamp, Field: "timestamp", Message: "duplicate open time"}
			case c.Timestamp < prev:
				return &ValidationError{
					CandleIndex: i,
					Timestamp:   c.Timestamp,
					Field:       "timestamp",
					Message:     fmt.Sprintf("out of order after %d", prev),
				}
			}
		}
	}

	return nil
}

// OHLCVValidator binds a configuration and logs rejected pages.
type OHLCVValidator struct {
	config ValidationConfig
	logger *slog.Logger
}

// NewOHLCVValidator creates a validator with the given configuration.
func NewOHLCVValidator(cfg ValidationConfig, logger *slog.Logger) *OHLCVValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &OHLCVValidator{config: cfg, logger: logger}
}

// Validate runs ValidateSequence with the bound configuration.
func (v *OHLCVValidator) Validate(unit models.Unit, candles []models.Candle) error {
	if err := ValidateSequence(candles, unit.Resolution, v.config); err != nil {
		v.logger.Warn("rejected candle page",
			"unit", unit.ID(),
			"count", len(candles),
			"error", err)
		return err
	}
	return nil
}

// GetConfig returns the current validation configuration.
func (v *OHLCVValidator) GetConfig() ValidationConfig {
	return v.config
}
