package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/config"
)

type stubHealth struct{ err error }

func (s stubHealth) HealthCheck(ctx context.Context) error { return s.err }

func TestMetricsCollector_Counters(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i == 0 {
				err = errors.New("boom")
			}
			mc.RecordRequest(time.Duration(i+1)*time.Millisecond, err)
			mc.RecordCandlesFetched(100)
		}(i)
	}
	wg.Wait()

	mc.RecordCandlesStored(400)
	mc.RecordRetry("network")
	mc.RecordRetry("network")
	mc.RecordRateLimitHit()
	mc.RecordLimiterWait()
	mc.RecordUnitCompleted()
	mc.RecordUnitFailed()
	mc.RecordUnitDeferred()
	mc.RecordUnitSkipped()

	snap := mc.Snapshot()
	assert.Equal(t, int64(10), snap.Requests)
	assert.Equal(t, int64(1), snap.RequestErrors)
	assert.Equal(t, 10*time.Millisecond, snap.MaxRequestLatency)
	assert.Equal(t, 5500*time.Microsecond, snap.AvgRequestLatency)
	assert.Equal(t, int64(1000), snap.CandlesFetched)
	assert.Equal(t, int64(400), snap.CandlesStored)
	assert.Equal(t, int64(1), snap.StoreBatches)
	assert.Equal(t, int64(2), snap.Retries["network"])
	assert.Equal(t, int64(1), snap.RateLimitHits)
	assert.Equal(t, int64(1), snap.LimiterWaits)
	assert.Equal(t, int64(1), snap.UnitsCompleted)
	assert.Equal(t, int64(1), snap.UnitsFailed)
	assert.Equal(t, int64(1), snap.UnitsDeferred)
	assert.Equal(t, int64(1), snap.UnitsSkipped)
}

func TestMetricsCollector_Handlers(t *testing.T) {
	mc := NewMetricsCollector(config.MetricsConfig{Enabled: true, Path: "/metrics"}, nil)
	mc.RecordCandlesStored(7)

	rec := httptest.NewRecorder()
	mc.handleMetrics(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(7), snap.CandlesStored)

	rec = httptest.NewRecorder()
	mc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	mc.RegisterHealthChecker(stubHealth{err: errors.New("database is closed")})
	rec = httptest.NewRecorder()
	mc.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is closed")
}

func TestMetricsCollector_StartStop(t *testing.T) {
	disabled := NewMetricsCollector(config.MetricsConfig{Enabled: false}, nil)
	require.NoError(t, disabled.Start(context.Background()))
	assert.Empty(t, disabled.Addr())
	require.NoError(t, disabled.Stop(context.Background()))

	mc := NewMetricsCollector(config.MetricsConfig{Enabled: true, Port: 0, Path: "/metrics"}, nil)
	require.NoError(t, mc.Start(context.Background()))
	addr := mc.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, mc.Stop(context.Background()))
	assert.Empty(t, mc.Addr())
}
