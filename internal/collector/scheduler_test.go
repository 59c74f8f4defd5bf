package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

const minute = int64(60_000)

// MockFetcher is a mock implementation of WindowFetcher
type MockFetcher struct {
	mock.Mock
	limit int
}

func (m *MockFetcher) Fetch(ctx context.Context, unit models.Unit, start, end int64) (*exchange.FetchResult, error) {
	args := m.Called(ctx, unit, start, end)
	res, _ := args.Get(0).(*exchange.FetchResult)
	return res, args.Error(1)
}

func (m *MockFetcher) Limit() int { return m.limit }

// MockStore is a mock implementation of CandleStore
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Store(ctx context.Context, unit models.Unit, candles []models.Candle) (int, error) {
	args := m.Called(ctx, unit, candles)
	return args.Int(0), args.Error(1)
}

func minuteCandles(start int64, n int) []models.Candle {
	out := make([]models.Candle, n)
	for i := range out {
		ts := start + int64(i)*minute
		out[i] = models.Candle{Timestamp: ts, CloseTime: ts + minute - 1, Open: "1", High: "1", Low: "1", Close: "1", Volume: "1"}
	}
	return out
}

func TestBatchWidth(t *testing.T) {
	assert.Equal(t, 1000*time.Minute, BatchWidth(models.Resolution1m, 1000))
	assert.Equal(t, 500*time.Hour, BatchWidth(models.Resolution1h, 500))
	assert.Equal(t, 1000*models.MonthDuration, BatchWidth(models.Resolution1M, 1000))
}

func TestScheduler_Windows(t *testing.T) {
	unit := models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)
	r := models.TimeRange{Start: start, End: start + 25*minute}

	fetcher := &MockFetcher{limit: 10}
	fetcher.On("Fetch", mock.Anything, unit, start, start+10*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start, 10), Calls: 1}, nil)
	fetcher.On("Fetch", mock.Anything, unit, start+10*minute, start+20*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start+10*minute, 10), Calls: 2}, nil)
	fetcher.On("Fetch", mock.Anything, unit, start+20*minute, start+25*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start+20*minute, 5), Calls: 1}, nil)

	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.Anything).Return(10, nil).Twice()
	store.On("Store", mock.Anything, unit, mock.Anything).Return(5, nil).Once()

	res, err := NewScheduler(fetcher, store, nil).Collect(context.Background(), unit, r)
	require.NoError(t, err)
	assert.Equal(t, CollectResult{Windows: 3, Calls: 4, Rows: 25, Last: start + 24*minute}, res)
	fetcher.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestScheduler_DropsAlreadyStored(t *testing.T) {
	unit := models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)

	fetcher := &MockFetcher{limit: 5}
	fetcher.On("Fetch", mock.Anything, unit, start, start+5*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start, 5), Calls: 1}, nil)
	// the provider repeats two candles of the previous window
	fetcher.On("Fetch", mock.Anything, unit, start+5*minute, start+10*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start+3*minute, 7), Calls: 1}, nil)

	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 5 && c[0].Timestamp == start
	})).Return(5, nil).Once()
	store.On("Store", mock.Anything, unit, mock.MatchedBy(func(c []models.Candle) bool {
		return len(c) == 5 && c[0].Timestamp == start+5*minute
	})).Return(5, nil).Once()

	res, err := NewScheduler(fetcher, store, nil).Collect(context.Background(), unit, models.TimeRange{Start: start, End: start + 10*minute})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Rows)
	store.AssertExpectations(t)
}

func TestScheduler_EmptyWindowIsNotStored(t *testing.T) {
	unit := models.Unit{Symbol: "NEWUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)

	fetcher := &MockFetcher{limit: 5}
	fetcher.On("Fetch", mock.Anything, unit, start, start+5*minute).
		Return(&exchange.FetchResult{Calls: 1}, nil)
	fetcher.On("Fetch", mock.Anything, unit, start+5*minute, start+10*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start+8*minute, 2), Calls: 1}, nil)

	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.Anything).Return(2, nil).Once()

	res, err := NewScheduler(fetcher, store, nil).Collect(context.Background(), unit, models.TimeRange{Start: start, End: start + 10*minute})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Windows)
	assert.Equal(t, 2, res.Rows)
	store.AssertExpectations(t)
}

func TestScheduler_FetchFailureKeepsEarlierWindows(t *testing.T) {
	unit := models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)
	boom := errors.New("provider down")

	fetcher := &MockFetcher{limit: 5}
	fetcher.On("Fetch", mock.Anything, unit, start, start+5*minute).
		Return(&exchange.FetchResult{Candles: minuteCandles(start, 5), Calls: 1}, nil)
	fetcher.On("Fetch", mock.Anything, unit, start+5*minute, start+10*minute).
		Return(&exchange.FetchResult{Calls: 3}, boom)

	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.Anything).Return(5, nil).Once()

	res, err := NewScheduler(fetcher, store, nil).Collect(context.Background(), unit, models.TimeRange{Start: start, End: start + 15*minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Windows)
	assert.Equal(t, 4, res.Calls)
	assert.Equal(t, 5, res.Rows)
	fetcher.AssertNumberOfCalls(t, "Fetch", 2)
}

func TestScheduler_StoreFailure(t *testing.T) {
	unit := models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)

	fetcher := &MockFetcher{limit: 5}
	fetcher.On("Fetch", mock.Anything, unit, mock.Anything, mock.Anything).
		Return(&exchange.FetchResult{Candles: minuteCandles(start, 5), Calls: 1}, nil)
	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.Anything).Return(0, errors.New("disk full"))

	_, err := NewScheduler(fetcher, store, nil).Collect(context.Background(), unit, models.TimeRange{Start: start, End: start + 15*minute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestScheduler_ChecksContextBeforeEachWindow(t *testing.T) {
	unit := models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}
	start := int64(1_699_999_980_000)
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &MockFetcher{limit: 5}
	fetcher.On("Fetch", mock.Anything, unit, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(&exchange.FetchResult{Candles: minuteCandles(start, 5), Calls: 1}, nil)
	store := new(MockStore)
	store.On("Store", mock.Anything, unit, mock.Anything).Return(5, nil)

	res, err := NewScheduler(fetcher, store, nil).Collect(ctx, unit, models.TimeRange{Start: start, End: start + 15*minute})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, res.Windows)
	fetcher.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestScheduler_EmptyRange(t *testing.T) {
	fetcher := &MockFetcher{limit: 5}
	store := new(MockStore)

	res, err := NewScheduler(fetcher, store, nil).Collect(context.Background(),
		models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}, models.TimeRange{Start: 10, End: 10})
	require.NoError(t, err)
	assert.Zero(t, res)
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
