package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func validCandle() Candle {
	ts := Millis(testTime)
	return Candle{
		Timestamp: ts,
		CloseTime: ts + time.Minute.Milliseconds() - 1,
		Open:      "100.00",
		High:      "105.50",
		Low:       "99.25",
		Close:     "104.00",
		Volume:    "1500.75",
	}
}

func TestCandle_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Candle)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Candle) {}},
		{name: "zero_volume", mutate: func(c *Candle) { c.Volume = "0" }},
		{name: "high_precision", mutate: func(c *Candle) {
			c.Open, c.High, c.Low, c.Close = "0.000012345", "0.000012400", "0.000012300", "0.000012390"
		}},
		{name: "missing_timestamp", mutate: func(c *Candle) { c.Timestamp = 0 }, wantErr: "timestamp"},
		{name: "close_before_open", mutate: func(c *Candle) { c.CloseTime = c.Timestamp - 1 }, wantErr: "close_time"},
		{name: "bad_open", mutate: func(c *Candle) { c.Open = "abc" }, wantErr: "open"},
		{name: "negative_volume", mutate: func(c *Candle) { c.Volume = "-1" }, wantErr: "volume"},
		{name: "high_below_close", mutate: func(c *Candle) { c.High = "103" }, wantErr: "high"},
		{name: "low_above_open", mutate: func(c *Candle) { c.Low = "100.5" }, wantErr: "low"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCandle()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantErr, verr.Field)
		})
	}
}

func TestMaxTimestamp(t *testing.T) {
	assert.Equal(t, int64(0), MaxTimestamp(nil))

	candles := []Candle{{Timestamp: 3}, {Timestamp: 9}, {Timestamp: 5}}
	assert.Equal(t, int64(9), MaxTimestamp(candles))
}

func TestMillisRoundTrip(t *testing.T) {
	ms := Millis(testTime)
	assert.Equal(t, testTime, FromMillis(ms))
	c := validCandle()
	assert.Equal(t, testTime, c.OpenTime())
}
