package models

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllResolutions(t *testing.T) {
	all := AllResolutions()
	require.Len(t, all, 15)

	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Duration(), all[i].Duration(), "%s should be finer than %s", all[i-1], all[i])
	}

	// callers must not be able to mutate the package ordering
	all[0] = "bogus"
	assert.Equal(t, Resolution1m, AllResolutions()[0])
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{in: "1m", want: Resolution1m},
		{in: "4h", want: Resolution4h},
		{in: "1M", want: Resolution1M},
		{in: "1month", want: Resolution1M},
		{in: " 1d ", want: Resolution1d},
		{in: "2m", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseResolution(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResolutions_EmptyMeansAll(t *testing.T) {
	got, err := ParseResolutions(nil)
	require.NoError(t, err)
	assert.Equal(t, AllResolutions(), got)

	_, err = ParseResolutions([]string{"1h", "7m"})
	assert.Error(t, err)
}

func TestResolution_Duration(t *testing.T) {
	assert.Equal(t, time.Minute, Resolution1m.Duration())
	assert.Equal(t, int64(60_000), Resolution1m.Millis())
	assert.Equal(t, 7*24*time.Hour, Resolution1w.Duration())
	assert.Equal(t, MonthDuration, Resolution1M.Duration())
	assert.Equal(t, time.Duration(0), Resolution("9y").Duration())
	assert.False(t, Resolution1M.FixedWidth())
	assert.True(t, Resolution1w.FixedWidth())
}

func TestResolution_SlugIsCaseInsensitiveUnique(t *testing.T) {
	seen := make(map[string]Resolution)
	for _, r := range AllResolutions() {
		slug := strings.ToLower(r.Slug())
		if prev, ok := seen[slug]; ok {
			t.Fatalf("slug %q shared by %s and %s", slug, prev, r)
		}
		seen[slug] = r
	}
	assert.Equal(t, "1mo", Resolution1M.Slug())
}

func TestResolution_Truncate(t *testing.T) {
	ts := time.Date(2024, 2, 14, 13, 47, 30, 0, time.UTC).UnixMilli()
	at := func(y int, m time.Month, d, h, min int) int64 {
		return time.Date(y, m, d, h, min, 0, 0, time.UTC).UnixMilli()
	}

	tests := []struct {
		res      Resolution
		truncate int64
		ceil     int64
	}{
		{Resolution1m, at(2024, 2, 14, 13, 47), at(2024, 2, 14, 13, 48)},
		{Resolution15m, at(2024, 2, 14, 13, 45), at(2024, 2, 14, 14, 0)},
		{Resolution4h, at(2024, 2, 14, 12, 0), at(2024, 2, 14, 16, 0)},
		{Resolution1d, at(2024, 2, 14, 0, 0), at(2024, 2, 15, 0, 0)},
		{Resolution1w, at(2024, 2, 12, 0, 0), at(2024, 2, 19, 0, 0)},
		{Resolution1M, at(2024, 2, 1, 0, 0), at(2024, 3, 1, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(string(tt.res), func(t *testing.T) {
			assert.Equal(t, tt.truncate, tt.res.Truncate(ts))
			assert.Equal(t, tt.ceil, tt.res.Ceil(ts))
			assert.Equal(t, tt.truncate, tt.res.Truncate(tt.truncate))
			assert.Equal(t, tt.truncate, tt.res.Ceil(tt.truncate))
		})
	}

	assert.Equal(t, time.Monday, time.UnixMilli(Resolution1w.Truncate(0)).UTC().Weekday())
	assert.Equal(t, at(2024, 3, 1, 0, 0), Resolution1M.Next(at(2024, 2, 1, 0, 0)))
}
