package models

import (
	"fmt"
	"strings"
)

// UnitState is the lifecycle state of a collection unit:
// PENDING -> IN_PROGRESS -> COMPLETED | FAILED.
type UnitState string

const (
	UnitPending    UnitState = "PENDING"
	UnitInProgress UnitState = "IN_PROGRESS"
	UnitCompleted  UnitState = "COMPLETED"
	UnitFailed     UnitState = "FAILED"
)

// Unit is one (instrument, resolution) pair, the atomic granularity of
// scheduling, checkpointing and physical storage.
type Unit struct {
	Symbol     string     `json:"symbol"`
	Resolution Resolution `json:"resolution"`
}

// NewUnit validates its inputs and returns a Unit with an upper-cased symbol.
func NewUnit(symbol string, resolution string) (Unit, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return Unit{}, fmt.Errorf("symbol cannot be empty")
	}
	if strings.ContainsAny(symbol, ": \t") {
		return Unit{}, fmt.Errorf("invalid symbol %q", symbol)
	}
	res, err := ParseResolution(resolution)
	if err != nil {
		return Unit{}, err
	}
	return Unit{Symbol: symbol, Resolution: res}, nil
}

// ID returns the stable checkpoint key of the unit, e.g. "BTCUSDT:1h".
func (u Unit) ID() string {
	return u.Symbol + ":" + string(u.Resolution)
}

func (u Unit) String() string {
	return u.ID()
}

// ParseUnitID is the inverse of Unit.ID.
func ParseUnitID(id string) (Unit, error) {
	symbol, res, ok := strings.Cut(id, ":")
	if !ok {
		return Unit{}, fmt.Errorf("malformed unit id %q", id)
	}
	return NewUnit(symbol, res)
}

// Units returns the cross product of symbols and resolutions, symbol-major.
func Units(symbols []string, resolutions []Resolution) []Unit {
	units := make([]Unit, 0, len(symbols)*len(resolutions))
	for _, s := range symbols {
		for _, r := range resolutions {
			units = append(units, Unit{Symbol: s, Resolution: r})
		}
	}
	return units
}

// TimeRange is a half-open interval [Start, End) of epoch milliseconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Millis returns the length of the range, or 0 if it is empty or inverted.
func (r TimeRange) Millis() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range contains no instant.
func (r TimeRange) Empty() bool {
	return r.End <= r.Start
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", FromMillis(r.Start).Format("2006-01-02T15:04:05Z"), FromMillis(r.End).Format("2006-01-02T15:04:05Z"))
}
