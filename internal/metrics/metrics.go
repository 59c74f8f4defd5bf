// Package metrics keeps the run counters of the backfill pipeline and can
// expose them, together with a health probe, over HTTP.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/config"
)

// HealthChecker interface for components that provide health status
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// MetricsCollector accumulates pipeline counters. All recording methods are
// safe for concurrent use and cheap enough to call on every request.
type MetricsCollector struct {
	config    config.MetricsConfig
	logger    *slog.Logger
	startTime time.Time

	requests        atomic.Int64
	requestErrors   atomic.Int64
	requestNanos    atomic.Int64
	maxRequestNanos atomic.Int64
	rateLimitHits   atomic.Int64
	limiterWaits    atomic.Int64
	candlesFetched  atomic.Int64
	candlesStored   atomic.Int64
	storeBatches    atomic.Int64
	unitsCompleted  atomic.Int64
	unitsFailed     atomic.Int64
	unitsDeferred   atomic.Int64
	unitsSkipped    atomic.Int64

	mu      sync.Mutex
	retries map[string]int64
	health  []HealthChecker
	server  *http.Server
	addr    string
}

// MetricsSnapshot represents all counters at a point in time
type MetricsSnapshot struct {
	Timestamp          time.Time        `json:"timestamp"`
	Uptime             time.Duration    `json:"uptime"`
	Requests           int64            `json:"requests"`
	RequestErrors      int64            `json:"request_errors"`
	AvgRequestLatency  time.Duration    `json:"avg_request_latency"`
	MaxRequestLatency  time.Duration    `json:"max_request_latency"`
	RequestsPerSecond  float64          `json:"requests_per_second"`
	RateLimitHits      int64            `json:"rate_limit_hits"`
	LimiterWaits       int64            `json:"limiter_waits"`
	Retries            map[string]int64 `json:"retries"`
	CandlesFetched     int64            `json:"candles_fetched"`
	CandlesStored      int64            `json:"candles_stored"`
	StoreBatches       int64            `json:"store_batches"`
	UnitsCompleted     int64            `json:"units_completed"`
	UnitsFailed        int64            `json:"units_failed"`
	UnitsDeferred      int64            `json:"units_deferred"`
	UnitsSkipped       int64            `json:"units_skipped"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg config.MetricsConfig, logger *slog.Logger) *MetricsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &MetricsCollector{
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
		retries:   make(map[string]int64),
	}
}

// RecordRequest records one provider call and its latency.
func (mc *MetricsCollector) RecordRequest(d time.Duration, err error) {
	mc.requests.Add(1)
	if err != nil {
		mc.requestErrors.Add(1)
	}
	n := d.Nanoseconds()
	mc.requestNanos.Add(n)
	for {
		cur := mc.maxRequestNanos.Load()
		if n <= cur || mc.maxRequestNanos.CompareAndSwap(cur, n) {
			break
		}
	}
}

// RecordRetry implements errors.RetryObserver.
func (mc *MetricsCollector) RecordRetry(errorType string) {
	mc.mu.Lock()
	mc.retries[errorType]++
	mc.mu.Unlock()
}

// RecordRateLimitHit implements errors.RetryObserver.
func (mc *MetricsCollector) RecordRateLimitHit() {
	mc.rateLimitHits.Add(1)
}

// RecordLimiterWait counts a request that had to wait for a limiter token.
func (mc *MetricsCollector) RecordLimiterWait() {
	mc.limiterWaits.Add(1)
}

// RecordCandlesFetched counts candles returned by the provider.
func (mc *MetricsCollector) RecordCandlesFetched(n int) {
	mc.candlesFetched.Add(int64(n))
}

// RecordCandlesStored counts candles durably upserted in one batch.
func (mc *MetricsCollector) RecordCandlesStored(n int) {
	mc.candlesStored.Add(int64(n))
	mc.storeBatches.Add(1)
}

// RecordUnitCompleted, RecordUnitFailed, RecordUnitDeferred and RecordUnitSkipped
// count orchestrator outcomes.
func (mc *MetricsCollector) RecordUnitCompleted() { mc.unitsCompleted.Add(1) }
func (mc *MetricsCollector) RecordUnitFailed()    { mc.unitsFailed.Add(1) }
func (mc *MetricsCollector) RecordUnitDeferred()  { mc.unitsDeferred.Add(1) }
func (mc *MetricsCollector) RecordUnitSkipped()   { mc.unitsSkipped.Add(1) }

// RegisterHealthChecker registers a component probed by /health.
func (mc *MetricsCollector) RegisterHealthChecker(checker HealthChecker) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.health = append(mc.health, checker)
}

// GetSnapshot returns the current counters.
func (mc *MetricsCollector) Snapshot() MetricsSnapshot {
	now := time.Now()
	uptime := now.Sub(mc.startTime)
	requests := mc.requests.Load()

	snap := MetricsSnapshot{
		Timestamp:         now,
		Uptime:            uptime,
		Requests:          requests,
		RequestErrors:     mc.requestErrors.Load(),
		MaxRequestLatency: time.Duration(mc.maxRequestNanos.Load()),
		RateLimitHits:     mc.rateLimitHits.Load(),
		LimiterWaits:      mc.limiterWaits.Load(),
		CandlesFetched:    mc.candlesFetched.Load(),
		CandlesStored:     mc.candlesStored.Load(),
		StoreBatches:      mc.storeBatches.Load(),
		UnitsCompleted:    mc.unitsCompleted.Load(),
		UnitsFailed:       mc.unitsFailed.Load(),
		UnitsDeferred:     mc.unitsDeferred.Load(),
		UnitsSkipped:      mc.unitsSkipped.Load(),
		Retries:           make(map[string]int64),
	}
	if requests > 0 {
		snap.AvgRequestLatency = time.Duration(mc.requestNanos.Load() / requests)
	}
	if secs := uptime.Seconds(); secs > 0 {
		snap.RequestsPerSecond = float64(requests) / secs
	}

	mc.mu.Lock()
	for k, v := range mc.retries {
		snap.Retries[k] = v
	}
	mc.mu.Unlock()

	return snap
}

// Start serves the metrics and health endpoints when metrics are enabled.
// It returns once the listener is bound.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	if !mc.config.Enabled {
		mc.logger.Debug("metrics endpoint disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc(mc.config.Path, mc.handleMetrics)
	mux.HandleFunc("/health", mc.handleHealth)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", mc.config.Port))
	if err != nil {
		return fmt.Errorf("failed to start metrics HTTP server: %w", err)
	}

	mc.mu.Lock()
	mc.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	mc.addr = listener.Addr().String()
	server := mc.server
	mc.mu.Unlock()

	go func() {
		mc.logger.Info("metrics HTTP server starting", "addr", listener.Addr().String(), "path", mc.config.Path)
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			mc.logger.Error("metrics HTTP server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, empty when not serving.
func (mc *MetricsCollector) Addr() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.addr
}

// Stop gracefully shuts down the HTTP server, if running.
func (mc *MetricsCollector) Stop(ctx context.Context) error {
	mc.mu.Lock()
	server := mc.server
	mc.server = nil
	mc.addr = ""
	mc.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func (mc *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mc.Snapshot())
}

func (mc *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"uptime":    time.Since(mc.startTime).String(),
	}

	mc.mu.Lock()
	checkers := append([]HealthChecker(nil), mc.health...)
	mc.mu.Unlock()

	code := http.StatusOK
	for _, checker := range checkers {
		if err := checker.HealthCheck(r.Context()); err != nil {
			status["status"] = "unhealthy"
			status["error"] = err.Error()
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
