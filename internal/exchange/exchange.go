// Package exchange fetches klines from the market data provider.
//
// The package is layered:
//   - Client performs exactly one provider call and classifies its failure.
//   - SharedLimiter is the process-wide request ceiling every worker waits on.
//   - Fetcher paginates one window of one unit through the limiter and the
//     retry policy, and returns the candles in ascending order.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/config"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// MaxLimit is the largest number of candles the provider returns per call.
const MaxLimit = 1000

// KlineRequest asks for candles of one unit whose open time lies in the
// inclusive range [StartTime, EndTime], in epoch milliseconds.
type KlineRequest struct {
	Symbol     string
	Resolution models.Resolution
	StartTime  int64
	EndTime    int64
	Limit      int
}

// Validate checks the request parameters before any call is made.
func (r KlineRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if !r.Resolution.Valid() {
		return fmt.Errorf("unsupported resolution %q", r.Resolution)
	}
	if r.EndTime < r.StartTime {
		return fmt.Errorf("end time %d precedes start time %d", r.EndTime, r.StartTime)
	}
	if r.Limit <= 0 || r.Limit > MaxLimit {
		return fmt.Errorf("limit must be between 1 and %d, got %d", MaxLimit, r.Limit)
	}
	return nil
}

// Client performs a single provider call.
//
// Implementations return candles in the order the provider sent them and
// classify failures with the constructors of the errors package, so the
// retry policy can tell throttling from transport and data problems.
type Client interface {
	Klines(ctx context.Context, req KlineRequest) ([]models.Candle, error)
}

// HealthChecker is implemented by clients that can probe the provider.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Recorder receives request-level measurements, typically a metrics collector.
type Recorder interface {
	RecordRequest(d time.Duration, err error)
	RecordCandlesFetched(n int)
	RecordLimiterWait()
}

type nopRecorder struct{}

func (nopRecorder) RecordRequest(time.Duration, error) {}
func (nopRecorder) RecordCandlesFetched(int)           {}
func (nopRecorder) RecordLimiterWait()                 {}

// NewClient builds the provider client named by cfg.Type.
func NewClient(cfg config.ExchangeConfig, logger *slog.Logger) (Client, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "binance":
		return NewBinanceClient(cfg.BaseURL, cfg.APIKey, cfg.HTTPTimeout(), logger), nil
	default:
		return nil, apperrors.NewConfigurationError("exchange", "new_client",
			fmt.Errorf("unsupported exchange type %q", cfg.Type))
	}
}
