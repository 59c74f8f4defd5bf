package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/validator"
)

const (
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint = "/api/v3/klines"
	pingEndpoint   = "/api/v3/ping"

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second

	// Responses larger than this are rejected rather than buffered.
	maxResponseBytes = 8 << 20

	component = "exchange"
)

// BinanceClient implements Client for the Binance spot klines endpoint.
type BinanceClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	validator  *validator.OHLCVValidator
	logger     *slog.Logger
}

// NewBinanceClient creates a client. An empty baseURL selects the public
// Binance endpoint and a non-positive timeout selects the default.
func NewBinanceClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *BinanceClient {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	if timeout <= 0 {
		timeout = requestTimeout
	}
	return &BinanceClient{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:   baseURL,
		apiKey:    apiKey,
		validator: validator.NewOHLCVValidator(validator.NewValidationConfig(), logger),
		logger:    logger,
	}
}

// binanceError is the error body Binance returns with 4xx responses.
type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Klines implements Client.
func (c *BinanceClient) Klines(ctx context.Context, req KlineRequest) ([]models.Candle, error) {
	if err := req.Validate(); err != nil {
		return nil, apperrors.NewDataError(component, "klines", fmt.Errorf("invalid request: %w", err))
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", string(req.Resolution))
	params.Set("startTime", strconv.FormatInt(req.StartTime, 10))
	params.Set("endTime", strconv.FormatInt(req.EndTime, 10))
	params.Set("limit", strconv.Itoa(req.Limit))

	body, err := c.get(ctx, klinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	candles, err := decodeKlines(body)
	if err != nil {
		return nil, apperrors.NewDataError(component, "decode", err)
	}

	unit := models.Unit{Symbol: req.Symbol, Resolution: req.Resolution}
	if err := c.validator.Validate(unit, candles); err != nil {
		return nil, apperrors.NewDataError(component, "validate", err)
	}

	c.logger.Debug("fetched klines",
		"symbol", req.Symbol,
		"resolution", req.Resolution,
		"start", req.StartTime,
		"end", req.EndTime,
		"count", len(candles))

	return candles, nil
}

// HealthCheck pings the provider.
func (c *BinanceClient) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, err := c.get(healthCtx, pingEndpoint); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// get issues one GET and maps the outcome onto the error taxonomy:
// 429/418 are rate limits, 5xx and transport failures are network errors,
// any other non-2xx status is a data error.
func (c *BinanceClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.NewDataError(component, "request", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "go-kline-backfill/1.0")
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewNetworkError(component, "request", fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.NewNetworkError(component, "read_body", fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("rate limited by provider", "status", resp.StatusCode, "retry_after", retryAfter)
		return nil, apperrors.NewRateLimitError(component, "request", resp.StatusCode, retryAfter,
			fmt.Errorf("rate limited (status %d): %s", resp.StatusCode, errorMessage(body)))
	case resp.StatusCode >= 500:
		return nil, apperrors.NewServerError(component, "request", resp.StatusCode,
			fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(body)))
	case resp.StatusCode >= 400:
		ce := apperrors.NewDataError(component, "request",
			fmt.Errorf("client error %d: %s", resp.StatusCode, errorMessage(body)))
		ce.StatusCode = resp.StatusCode
		return nil, ce
	}

	return body, nil
}

func errorMessage(body []byte) string {
	var be binanceError
	if err := json.Unmarshal(body, &be); err == nil && (be.Code != 0 || be.Msg != "") {
		return fmt.Sprintf("code %d: %s", be.Code, be.Msg)
	}
	if len(body) > 256 {
		body = body[:256]
	}
	return string(body)
}

// parseRetryAfter accepts delta-seconds or an HTTP date; zero means no hint.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// decodeKlines decodes rows of
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func decodeKlines(body []byte) ([]models.Candle, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for i, raw := range rows {
		var cols []json.RawMessage
		if err := json.Unmarshal(raw, &cols); err != nil {
			return nil, fmt.Errorf("row %d: expected array: %w", i, err)
		}
		if len(cols) < 7 {
			return nil, fmt.Errorf("row %d: expected at least 7 columns, got %d", i, len(cols))
		}

		var c models.Candle
		if err := decodeInt(cols[0], &c.Timestamp); err != nil {
			return nil, fmt.Errorf("row %d open time: %w", i, err)
		}
		fields := []*string{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume}
		for j, dst := range fields {
			if err := decodeDecimal(cols[j+1], dst); err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i, j+1, err)
			}
		}
		if err := decodeInt(cols[6], &c.CloseTime); err != nil {
			return nil, fmt.Errorf("row %d close time: %w", i, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func decodeInt(raw json.RawMessage, dst *int64) error {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("expected integer, got %s", raw)
	}
	v, err := n.Int64()
	if err != nil {
		return fmt.Errorf("expected integer, got %s", raw)
	}
	*dst = v
	return nil
}

// decodeDecimal accepts the provider's quoted decimals and, leniently, bare numbers.
func decodeDecimal(raw json.RawMessage, dst *string) error {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		*dst = s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return errors.New("expected decimal string, got " + string(raw))
	}
	*dst = n.String()
	return nil
}
