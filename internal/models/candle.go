// Package models provides the core data types of the kline backfill pipeline:
// candles, resolutions, collection units and time ranges.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV record for an instrument at one resolution.
// Timestamp is the bucket open time in epoch milliseconds and is the natural
// key of the candle within its (instrument, resolution) partition.
// Prices and volume are carried as decimal strings so no precision is lost
// between the provider and storage.
type Candle struct {
	Timestamp int64  `json:"timestamp" db:"timestamp"`
	CloseTime int64  `json:"close_time" db:"close_time"`
	Open      string `json:"open" db:"open"`
	High      string `json:"high" db:"high"`
	Low       string `json:"low" db:"low"`
	Close     string `json:"close" db:"close"`
	Volume    string `json:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that all price fields parse as decimals, that nothing is
// negative, and that the OHLC relationships hold:
// high >= max(open, close) and low <= min(open, close).
func (c *Candle) Validate() error {
	if c.Timestamp <= 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp must be a positive epoch millisecond value"}
	}
	if c.CloseTime != 0 && c.CloseTime < c.Timestamp {
		return &ValidationError{Field: "close_time", Message: fmt.Sprintf("close time %d precedes open time %d", c.CloseTime, c.Timestamp)}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	closePrice, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	for field, v := range map[string]decimal.Decimal{"open": open, "high": high, "low": low, "close": closePrice, "volume": volume} {
		if v.IsNegative() {
			return &ValidationError{Field: field, Message: field + " must not be negative"}
		}
	}

	maxOpenClose := decimal.Max(open, closePrice)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, closePrice)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	return nil
}

// OpenTime returns the candle's open time in UTC.
func (c *Candle) OpenTime() time.Time {
	return FromMillis(c.Timestamp)
}

// String implements fmt.Stringer.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.OpenTime().Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// MaxTimestamp returns the largest open time in candles, or 0 for an empty slice.
func MaxTimestamp(candles []Candle) int64 {
	var max int64
	for i := range candles {
		if candles[i].Timestamp > max {
			max = candles[i].Timestamp
		}
	}
	return max
}

// Millis converts t to epoch milliseconds.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts epoch milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
