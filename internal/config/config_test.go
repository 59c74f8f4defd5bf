package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "kline-backfill", config.AppName)
	assert.Len(t, config.Universe.Symbols, 50)
	assert.Equal(t, 1095, config.Universe.HistoryDays)
	assert.Equal(t, "binance", config.Exchange.Type)
	assert.Equal(t, 10.0, config.Exchange.RequestsPerSecond)
	assert.Equal(t, 1000, config.Exchange.MaxCandlesPerRequest)
	assert.Equal(t, 3, config.Exchange.RetryPolicy.MaxAttempts)
	assert.Equal(t, 8, config.Collector.WorkerCount)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, "info", config.Logging.Level)
	assert.False(t, config.Metrics.Enabled)

	units, err := config.Units()
	require.NoError(t, err)
	assert.Len(t, units, 50*15)
}

func TestConfigValidation(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	t.Run("valid config passes validation", func(t *testing.T) {
		assert.NoError(t, cm.validateConfig(DefaultConfig()))
	})

	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		want   string
	}{
		{"empty universe", func(c *AppConfig) { c.Universe.Symbols = nil }, "universe.symbols or universe.file is required"},
		{"bad resolution", func(c *AppConfig) { c.Universe.Resolutions = []string{"7m"} }, "universe.resolutions"},
		{"zero history", func(c *AppConfig) { c.Universe.HistoryDays = 0 }, "universe.history_days must be greater than 0"},
		{"unknown exchange", func(c *AppConfig) { c.Exchange.Type = "coinbase" }, "exchange.type must be: binance"},
		{"zero rate", func(c *AppConfig) { c.Exchange.RequestsPerSecond = 0 }, "exchange.requests_per_second must be greater than 0"},
		{"cap too large", func(c *AppConfig) { c.Exchange.MaxCandlesPerRequest = 1500 }, "exchange.max_candles_per_request must be between 1 and 1000"},
		{"bad timeout", func(c *AppConfig) { c.Exchange.Timeout = "soon" }, "exchange.timeout is not a valid duration"},
		{"bad cooldown", func(c *AppConfig) { c.Exchange.RetryPolicy.RateLimitCooldown = "x" }, "rate_limit_cooldown is not a valid duration"},
		{"zero attempts", func(c *AppConfig) { c.Exchange.RetryPolicy.MaxAttempts = 0 }, "max_attempts must be greater than 0"},
		{"zero workers", func(c *AppConfig) { c.Collector.WorkerCount = 0 }, "collector.worker_count must be greater than 0"},
		{"negative memory limit", func(c *AppConfig) { c.Collector.MemoryLimitMB = -1 }, "collector.memory_limit_mb cannot be negative"},
		{"unknown storage", func(c *AppConfig) { c.Storage.Type = "postgresql" }, "storage.type must be one of"},
		{"missing storage path", func(c *AppConfig) { c.Storage.Path = "" }, "storage.path is required"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level must be one of"},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "file" }, "logging.file_path is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := cm.validateConfig(config)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("memory storage needs no path", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.Path = ""
		assert.NoError(t, cm.validateConfig(config))
	})

	t.Run("collects every error", func(t *testing.T) {
		config := DefaultConfig()
		config.Collector.WorkerCount = 0
		config.Logging.Format = "xml"
		err := cm.validateConfig(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "collector.worker_count")
		assert.Contains(t, err.Error(), "logging.format")
	})
}

func TestLoadConfigFromFile(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "test_config.json")

	testConfig := DefaultConfig()
	testConfig.AppName = "test-app"
	testConfig.Universe.Symbols = []string{"BTCUSDT", "ETHUSDT"}
	testConfig.Universe.Resolutions = []string{"1h", "1d"}
	testConfig.Storage.Type = "sqlite"
	testConfig.Storage.Path = filepath.Join(tempDir, "klines.db")
	testConfig.Collector.WorkerCount = 2

	configData, err := json.MarshalIndent(testConfig, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(configPath, configData, 0644))

	t.Run("loads config from file", func(t *testing.T) {
		cm := NewConfigManager(configPath, slog.Default()).WithEnvFile("")
		loaded, err := cm.LoadConfig(context.Background())
		require.NoError(t, err)

		assert.Equal(t, "test-app", loaded.AppName)
		assert.Equal(t, "sqlite", loaded.Storage.Type)
		assert.Equal(t, 2, loaded.Collector.WorkerCount)
		assert.Same(t, loaded, cm.GetConfig())

		units, err := loaded.Units()
		require.NoError(t, err)
		assert.Equal(t, []models.Unit{
			{Symbol: "BTCUSDT", Resolution: models.Resolution1h},
			{Symbol: "BTCUSDT", Resolution: models.Resolution1d},
			{Symbol: "ETHUSDT", Resolution: models.Resolution1h},
			{Symbol: "ETHUSDT", Resolution: models.Resolution1d},
		}, units)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		partial := filepath.Join(tempDir, "partial.json")
		require.NoError(t, os.WriteFile(partial, []byte(`{"collector":{"worker_count":3}}`), 0644))

		loaded, err := NewConfigManager(partial, nil).WithEnvFile("").LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 3, loaded.Collector.WorkerCount)
		assert.Equal(t, 1095, loaded.Universe.HistoryDays)
	})

	t.Run("handles invalid json file", func(t *testing.T) {
		invalidPath := filepath.Join(tempDir, "invalid.json")
		require.NoError(t, os.WriteFile(invalidPath, []byte("invalid json"), 0644))

		_, err := NewConfigManager(invalidPath, nil).WithEnvFile("").LoadConfig(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})

	t.Run("handles non-existent file gracefully", func(t *testing.T) {
		config, err := NewConfigManager(filepath.Join(tempDir, "missing.json"), nil).WithEnvFile("").LoadConfig(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "kline-backfill", config.AppName)
	})
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	cm := NewConfigManager("", slog.Default())

	envVars := map[string]string{
		"SYMBOLS":                 "btcusdt, ethusdt",
		"RESOLUTIONS":             "1m,1h",
		"HISTORY_DAYS":            "30",
		"EXCHANGE_BASE_URL":       "http://localhost:9999",
		"API_KEY":                 "secret-key",
		"RATE_LIMIT_RPS":          "5.5",
		"RATE_LIMIT_BURST":        "2",
		"MAX_CANDLES_PER_REQUEST": "500",
		"RETRY_ATTEMPTS":          "4",
		"WORKER_COUNT":            "3",
		"CHECKPOINT_PATH":         "/tmp/progress.json",
		"STORAGE_TYPE":            "sqlite",
		"STORAGE_PATH":            "/tmp/klines.db",
		"LOG_LEVEL":               "debug",
		"METRICS_ENABLED":         "true",
		"METRICS_PORT":            "8081",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	t.Run("loads config from environment", func(t *testing.T) {
		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))

		assert.Equal(t, []string{"btcusdt", "ethusdt"}, config.Universe.Symbols)
		assert.Equal(t, []string{"1m", "1h"}, config.Universe.Resolutions)
		assert.Equal(t, 30, config.Universe.HistoryDays)
		assert.Equal(t, "http://localhost:9999", config.Exchange.BaseURL)
		assert.Equal(t, 5.5, config.Exchange.RequestsPerSecond)
		assert.Equal(t, 2, config.Exchange.Burst)
		assert.Equal(t, 500, config.Exchange.MaxCandlesPerRequest)
		assert.Equal(t, 4, config.Exchange.RetryPolicy.MaxAttempts)
		assert.Equal(t, 3, config.Collector.WorkerCount)
		assert.Equal(t, "/tmp/progress.json", config.Checkpoint.Path)
		assert.Equal(t, "sqlite", config.Storage.Type)
		assert.Equal(t, "debug", config.Logging.Level)
		assert.True(t, config.Metrics.Enabled)
		assert.Equal(t, 8081, config.Metrics.Port)

		symbols, err := config.Symbols()
		require.NoError(t, err)
		assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
	})

	t.Run("handles invalid numeric values", func(t *testing.T) {
		t.Setenv("WORKER_COUNT", "not-a-number")

		config := DefaultConfig()
		require.NoError(t, cm.loadFromEnv(config))
		assert.Equal(t, 8, config.Collector.WorkerCount)
	})
}

func TestLoadConfig_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("WORKER_COUNT=5\nHISTORY_DAYS=90\n"), 0644))

	// real environment wins over the dotenv file
	t.Setenv("HISTORY_DAYS", "10")
	// godotenv.Load sets process env; make sure it is cleaned up afterwards
	t.Setenv("WORKER_COUNT", "")
	require.NoError(t, os.Unsetenv("WORKER_COUNT"))

	config, err := NewConfigManager("", nil).WithEnvFile(envFile).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, config.Collector.WorkerCount)
	assert.Equal(t, 10, config.Universe.HistoryDays)
}

func TestSaveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "save_test.json")
	cm := NewConfigManager(configPath, slog.Default()).WithEnvFile("")

	assert.Error(t, cm.SaveConfig(context.Background()), "nothing loaded yet")

	_, err := cm.LoadConfig(context.Background())
	require.NoError(t, err)
	cm.GetConfig().Collector.WorkerCount = 6
	require.NoError(t, cm.SaveConfig(context.Background()))

	reloaded, err := NewConfigManager(configPath, nil).WithEnvFile("").LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, reloaded.Collector.WorkerCount)
}

func TestConfigString_RedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Exchange.APIKey = "super-secret"

	out := config.String()
	assert.NotContains(t, out, "super-secret")
	assert.Contains(t, out, "[REDACTED]")
	assert.Equal(t, "super-secret", config.Exchange.APIKey, "original must be untouched")
}

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultConfig().Exchange.RetryPolicy
	initial, max, cooldown := p.Delays()
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 30*time.Second, max)
	assert.Equal(t, time.Minute, cooldown)

	p.InitialDelay = "garbage"
	initial, _, _ = p.Delays()
	assert.Equal(t, time.Second, initial)
}
