package models

import (
	"fmt"
	"strings"
	"time"
)

// Resolution is the bucket size of a candle series, using the provider's
// interval notation ("1m", "4h", "1M", ...).
type Resolution string

const (
	Resolution1m  Resolution = "1m"
	Resolution3m  Resolution = "3m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution30m Resolution = "30m"
	Resolution1h  Resolution = "1h"
	Resolution2h  Resolution = "2h"
	Resolution4h  Resolution = "4h"
	Resolution6h  Resolution = "6h"
	Resolution8h  Resolution = "8h"
	Resolution12h Resolution = "12h"
	Resolution1d  Resolution = "1d"
	Resolution3d  Resolution = "3d"
	Resolution1w  Resolution = "1w"
	Resolution1M  Resolution = "1M"
)

const day = 24 * time.Hour

// MonthDuration is the nominal bucket length used for the monthly resolution.
// Calendar months vary, so anything that needs exact month boundaries must not
// rely on it.
const MonthDuration = 30 * day

var resolutionDurations = map[Resolution]time.Duration{
	Resolution1m:  time.Minute,
	Resolution3m:  3 * time.Minute,
	Resolution5m:  5 * time.Minute,
	Resolution15m: 15 * time.Minute,
	Resolution30m: 30 * time.Minute,
	Resolution1h:  time.Hour,
	Resolution2h:  2 * time.Hour,
	Resolution4h:  4 * time.Hour,
	Resolution6h:  6 * time.Hour,
	Resolution8h:  8 * time.Hour,
	Resolution12h: 12 * time.Hour,
	Resolution1d:  day,
	Resolution3d:  3 * day,
	Resolution1w:  7 * day,
	Resolution1M:  MonthDuration,
}

// allResolutions is ordered finest to coarsest.
var allResolutions = []Resolution{
	Resolution1m, Resolution3m, Resolution5m, Resolution15m, Resolution30m,
	Resolution1h, Resolution2h, Resolution4h, Resolution6h, Resolution8h, Resolution12h,
	Resolution1d, Resolution3d, Resolution1w, Resolution1M,
}

// AllResolutions returns every supported resolution, finest first.
func AllResolutions() []Resolution {
	out := make([]Resolution, len(allResolutions))
	copy(out, allResolutions)
	return out
}

// ParseResolution validates s and returns the matching Resolution.
// "1month" is accepted as an alias of "1M".
func ParseResolution(s string) (Resolution, error) {
	s = strings.TrimSpace(s)
	if s == "1month" || s == "1mo" {
		return Resolution1M, nil
	}
	r := Resolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unsupported resolution %q", s)
	}
	return r, nil
}

// ParseResolutions parses a list of resolution ids. An empty list yields all resolutions.
func ParseResolutions(ids []string) ([]Resolution, error) {
	if len(ids) == 0 {
		return AllResolutions(), nil
	}
	out := make([]Resolution, 0, len(ids))
	for _, id := range ids {
		r, err := ParseResolution(id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Valid reports whether r is one of the supported resolutions.
func (r Resolution) Valid() bool {
	_, ok := resolutionDurations[r]
	return ok
}

// Duration returns the bucket length of r, or 0 if r is unknown.
func (r Resolution) Duration() time.Duration {
	return resolutionDurations[r]
}

// Millis returns the bucket length in milliseconds.
func (r Resolution) Millis() int64 {
	return r.Duration().Milliseconds()
}

// Truncate returns the open time of the bucket of r containing ms. Weekly
// buckets open on Monday and monthly ones on the first of the UTC month; the
// others are aligned to the epoch.
func (r Resolution) Truncate(ms int64) int64 {
	switch r {
	case Resolution1M:
		t := time.UnixMilli(ms).UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	case Resolution1w:
		return floorTo(ms-weekOffset, r.Millis()) + weekOffset
	}
	if b := r.Millis(); b > 0 {
		return floorTo(ms, b)
	}
	return ms
}

// Ceil returns the open time of the first bucket of r at or after ms.
func (r Resolution) Ceil(ms int64) int64 {
	t := r.Truncate(ms)
	if t == ms {
		return t
	}
	return r.Next(t)
}

// Next returns the open time of the bucket following the one opening at ts.
func (r Resolution) Next(ts int64) int64 {
	if r == Resolution1M {
		return time.UnixMilli(ts).UTC().AddDate(0, 1, 0).UnixMilli()
	}
	return ts + r.Millis()
}

// weekOffset moves the epoch (a Thursday) to the following Monday.
const weekOffset = int64(4 * 24 * 60 * 60 * 1000)

func floorTo(ms, step int64) int64 {
	return ms - ((ms%step)+step)%step
}

// FixedWidth reports whether every bucket of r has the same length.
func (r Resolution) FixedWidth() bool {
	return r != Resolution1M
}

// Slug returns an identifier-safe token for r. SQL identifiers are case
// insensitive, so the monthly resolution maps to "1mo" to stay distinct from "1m".
func (r Resolution) Slug() string {
	if r == Resolution1M {
		return "1mo"
	}
	return string(r)
}

func (r Resolution) String() string {
	return string(r)
}
