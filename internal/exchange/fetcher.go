package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/config"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// FetchResult is the outcome of one Fetch.
type FetchResult struct {
	Candles []models.Candle
	// Calls counts provider calls, retries included.
	Calls int
}

// Fetcher paginates a window through the shared limiter and the retry policy.
type Fetcher struct {
	client   Client
	limiter  *SharedLimiter
	retrier  *apperrors.Retrier
	limit    int
	recorder Recorder
	logger   *slog.Logger
}

// FetcherOption customizes a Fetcher.
type FetcherOption func(*Fetcher)

// WithRecorder reports request measurements to r.
func WithRecorder(r Recorder) FetcherOption {
	return func(f *Fetcher) {
		if r != nil {
			f.recorder = r
		}
	}
}

// NewFetcher creates a fetcher asking for at most limit candles per call.
func NewFetcher(client Client, limiter *SharedLimiter, retrier *apperrors.Retrier, limit int, logger *slog.Logger, opts ...FetcherOption) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 || limit > MaxLimit {
		limit = MaxLimit
	}
	if limiter == nil {
		limiter = NewSharedLimiter(0, 1, nil)
	}
	if retrier == nil {
		retrier = apperrors.NewRetrier(config.DefaultConfig().Exchange.RetryPolicy, logger)
	}
	f := &Fetcher{
		client:   client,
		limiter:  limiter,
		retrier:  retrier,
		limit:    limit,
		recorder: nopRecorder{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Limit returns the per-call record cap.
func (f *Fetcher) Limit() int {
	return f.limit
}

// Fetch returns every candle of unit whose open time lies in [start, end),
// ascending. It stops on an empty page or once the cursor reaches end.
func (f *Fetcher) Fetch(ctx context.Context, unit models.Unit, start, end int64) (*FetchResult, error) {
	result := &FetchResult{}
	cursor := start

	for cursor < end {
		req := KlineRequest{
			Symbol:     unit.Symbol,
			Resolution: unit.Resolution,
			StartTime:  cursor,
			EndTime:    end - 1,
			Limit:      f.limit,
		}

		var page []models.Candle
		err := f.retrier.Do(ctx, component, "fetch", func(ctx context.Context) error {
			if err := f.limiter.Wait(ctx); err != nil {
				return err
			}
			result.Calls++
			began := time.Now()
			candles, err := f.client.Klines(ctx, req)
			f.recorder.RecordRequest(time.Since(began), err)
			if err != nil {
				return err
			}
			page = candles
			return nil
		})
		if err != nil {
			return result, err
		}
		if len(page) == 0 {
			break
		}
		f.recorder.RecordCandlesFetched(len(page))

		for _, c := range page {
			if c.Timestamp >= cursor && c.Timestamp < end {
				result.Candles = append(result.Candles, c)
			}
		}

		last := page[len(page)-1]
		next := last.CloseTime + 1
		if last.CloseTime == 0 {
			next = last.Timestamp + unit.Resolution.Millis()
		}
		if next <= cursor {
			return result, apperrors.NewDataError(component, "fetch",
				fmt.Errorf("cursor did not advance past %d for %s", cursor, unit.ID()))
		}
		cursor = next
	}

	f.logger.Debug("window fetched",
		"unit", unit.ID(),
		"start", start,
		"end", end,
		"calls", result.Calls,
		"candles", len(result.Candles))

	return result, nil
}
