package exchange

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/config"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/exchange/exchangetest"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

type clientFunc func(ctx context.Context, req KlineRequest) ([]models.Candle, error)

func (f clientFunc) Klines(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
	return f(ctx, req)
}

func fastPolicy() config.RetryPolicyConfig {
	return config.RetryPolicyConfig{
		MaxAttempts:       3,
		InitialDelay:      "1ms",
		MaxDelay:          "2ms",
		Multiplier:        2,
		RateLimitCooldown: "1ms",
		MaxCooldowns:      2,
	}
}

func newTestFetcher(client Client, limit int) (*Fetcher, *countingRecorder) {
	recorder := &countingRecorder{}
	retrier := apperrors.NewRetrier(fastPolicy(), nil)
	return NewFetcher(client, NewSharedLimiter(0, 1, recorder), retrier, limit, nil, WithRecorder(recorder)), recorder
}

var btc1m = models.Unit{Symbol: "BTCUSDT", Resolution: models.Resolution1m}

func TestFetcher_Paginates(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()

	fetcher, recorder := newTestFetcher(newTestClient(fake.URL), 1000)
	start := testNow - 2500*60_000

	result, err := fetcher.Fetch(context.Background(), btc1m, start, testNow)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Calls)
	assert.Equal(t, 3, fake.Calls("BTCUSDT"))
	require.Len(t, result.Candles, 2500)
	assert.Equal(t, start, result.Candles[0].Timestamp)
	assert.Equal(t, testNow-60_000, result.Candles[2499].Timestamp)
	for i := 1; i < len(result.Candles); i++ {
		require.Equal(t, result.Candles[i-1].Timestamp+60_000, result.Candles[i].Timestamp)
	}
	assert.Equal(t, int64(3), recorder.requests.Load())
	assert.Equal(t, int64(2500), recorder.fetched.Load())
}

func TestFetcher_UnalignedRange(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	start := testNow - 1000*60_000 + 30_000

	result, err := fetcher.Fetch(context.Background(), btc1m, start, testNow+30_000)
	require.NoError(t, err)

	// The aligned open times in [start, end) that exist before now; the
	// second call finds the cursor at now and gets an empty page.
	assert.Len(t, result.Candles, 999)
	assert.Equal(t, 2, result.Calls)
	assert.Equal(t, start+30_000, result.Candles[0].Timestamp)
}

func TestFetcher_EmptyRangeMakesNoCalls(t *testing.T) {
	calls := 0
	fetcher, _ := newTestFetcher(clientFunc(func(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
		calls++
		return nil, nil
	}), 1000)

	result, err := fetcher.Fetch(context.Background(), btc1m, testNow, testNow)
	require.NoError(t, err)
	assert.Empty(t, result.Candles)
	assert.Zero(t, calls)
}

func TestFetcher_StopsOnEmptyPage(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	fake.ListedAt = testNow + 60_000
	defer fake.Close()

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-5000*60_000, testNow)
	require.NoError(t, err)
	assert.Empty(t, result.Candles)
	assert.Equal(t, 1, result.Calls)
}

func TestFetcher_RetriesNetworkErrors(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()
	fake.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		if call == 1 {
			exchangetest.WriteStatus(w, http.StatusInternalServerError, "")
			return true
		}
		return false
	})

	fetcher, recorder := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-10*60_000, testNow)
	require.NoError(t, err)
	assert.Len(t, result.Candles, 10)
	assert.Equal(t, 2, result.Calls)
	assert.Equal(t, int64(1), recorder.errors.Load())
}

func TestFetcher_NetworkErrorsExhaustAttempts(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()
	fake.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		exchangetest.WriteStatus(w, http.StatusServiceUnavailable, "")
		return true
	})

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-10*60_000, testNow)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeNetwork, apperrors.GetErrorType(err))
	assert.Equal(t, 3, result.Calls)
}

func TestFetcher_RateLimitCooldownsExhausted(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()
	fake.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		exchangetest.WriteStatus(w, http.StatusTooManyRequests, "")
		return true
	})

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-10*60_000, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)
	// first attempt plus MaxCooldowns retries
	assert.Equal(t, 3, result.Calls)
}

func TestFetcher_RateLimitRecovers(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()
	fake.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		if call <= 2 {
			exchangetest.WriteStatus(w, http.StatusTooManyRequests, "0")
			return true
		}
		return false
	})

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-10*60_000, testNow)
	require.NoError(t, err)
	assert.Len(t, result.Candles, 10)
	assert.Equal(t, 3, result.Calls)
}

func TestFetcher_DataErrorNotRetried(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()
	fake.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		exchangetest.WriteStatus(w, http.StatusBadRequest, "")
		return true
	})

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, testNow-10*60_000, testNow)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrData)
	assert.Equal(t, 1, result.Calls)
}

func TestFetcher_FiltersOutOfWindowCandles(t *testing.T) {
	client := clientFunc(func(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
		return []models.Candle{
			exchangetest.CandleAt(req.StartTime-60_000, 60_000),
			exchangetest.CandleAt(req.StartTime, 60_000),
			exchangetest.CandleAt(req.EndTime+1, 60_000),
		}, nil
	})

	fetcher, _ := newTestFetcher(client, 1000)
	result, err := fetcher.Fetch(context.Background(), btc1m, 600_000, 660_000)
	require.NoError(t, err)
	require.Len(t, result.Candles, 1)
	assert.Equal(t, int64(600_000), result.Candles[0].Timestamp)
	assert.Equal(t, 1, result.Calls)
}

func TestFetcher_CursorMustAdvance(t *testing.T) {
	client := clientFunc(func(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
		return []models.Candle{exchangetest.CandleAt(60_000, 60_000)}, nil
	})

	fetcher, _ := newTestFetcher(client, 1000)
	_, err := fetcher.Fetch(context.Background(), btc1m, 600_000, 6_000_000)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeData, apperrors.GetErrorType(err))
}

func TestFetcher_Canceled(t *testing.T) {
	fake := exchangetest.NewServer(fixedNow)
	defer fake.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher, _ := newTestFetcher(newTestClient(fake.URL), 1000)
	_, err := fetcher.Fetch(ctx, btc1m, testNow-10*60_000, testNow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.TotalCalls())
}

func TestNewFetcher_Defaults(t *testing.T) {
	fetcher := NewFetcher(clientFunc(func(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
		return nil, nil
	}), nil, nil, 0, nil)
	assert.Equal(t, MaxLimit, fetcher.Limit())

	_, err := fetcher.Fetch(context.Background(), btc1m, 0, time.Hour.Milliseconds())
	assert.NoError(t, err)
}
