package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitID_RoundTrip(t *testing.T) {
	u, err := NewUnit("btcusdt", "1h")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT:1h", u.ID())

	parsed, err := ParseUnitID(u.ID())
	require.NoError(t, err)
	assert.Equal(t, u, parsed)
}

func TestNewUnit_Invalid(t *testing.T) {
	_, err := NewUnit("", "1h")
	assert.Error(t, err)

	_, err = NewUnit("BTC:USDT", "1h")
	assert.Error(t, err)

	_, err = NewUnit("BTCUSDT", "7h")
	assert.Error(t, err)

	_, err = ParseUnitID("BTCUSDT")
	assert.Error(t, err)
}

func TestUnits_CrossProduct(t *testing.T) {
	units := Units([]string{"BTCUSDT", "ETHUSDT"}, []Resolution{Resolution1m, Resolution1d})
	require.Len(t, units, 4)
	assert.Equal(t, Unit{Symbol: "BTCUSDT", Resolution: Resolution1m}, units[0])
	assert.Equal(t, Unit{Symbol: "ETHUSDT", Resolution: Resolution1d}, units[3])
}

func TestTimeRange(t *testing.T) {
	r := TimeRange{Start: 1000, End: 1000 + time.Hour.Milliseconds()}
	assert.False(t, r.Empty())
	assert.Equal(t, time.Hour.Milliseconds(), r.Millis())

	inverted := TimeRange{Start: 10, End: 5}
	assert.True(t, inverted.Empty())
	assert.Equal(t, int64(0), inverted.Millis())
}
