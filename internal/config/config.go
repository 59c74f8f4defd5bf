// Package config provides centralized configuration management for the kline backfill pipeline.
// Configuration is layered from defaults, a JSON file, an optional .env file and
// environment variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	// Instrument universe and history window
	Universe UniverseConfig `json:"universe"`

	// Market data provider
	Exchange ExchangeConfig `json:"exchange"`

	// Worker pool sizing
	Collector CollectorConfig `json:"collector"`

	// Progress document location
	Checkpoint CheckpointConfig `json:"checkpoint"`

	// Storage backend
	Storage StorageConfig `json:"storage"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics"`
}

// UniverseConfig selects the instruments and resolutions to collect
type UniverseConfig struct {
	Symbols     []string `json:"symbols" env:"SYMBOLS"`           // Inline symbol list
	File        string   `json:"file" env:"UNIVERSE_FILE"`        // JSON or YAML universe file, overrides Symbols
	Resolutions []string `json:"resolutions" env:"RESOLUTIONS"`   // Resolution ids, empty means all
	HistoryDays int      `json:"history_days" env:"HISTORY_DAYS"` // Backfill window for units with no data
}

// ExchangeConfig configures the market data provider
type ExchangeConfig struct {
	Type                 string            `json:"type" env:"EXCHANGE_TYPE"`                                 // "binance"
	BaseURL              string            `json:"base_url" env:"EXCHANGE_BASE_URL"`                         // REST endpoint root
	APIKey               string            `json:"api_key" env:"API_KEY"`                                    // Optional, sent as X-MBX-APIKEY
	RequestsPerSecond    float64           `json:"requests_per_second" env:"RATE_LIMIT_RPS"`                 // Process-wide request ceiling
	Burst                int               `json:"burst" env:"RATE_LIMIT_BURST"`                             // Token bucket burst
	MaxCandlesPerRequest int               `json:"max_candles_per_request" env:"MAX_CANDLES_PER_REQUEST"`   // Provider per-call record cap
	Timeout              string            `json:"timeout" env:"HTTP_TIMEOUT"`                               // Per-request timeout
	RetryPolicy          RetryPolicyConfig `json:"retry_policy"`                                             // Retry configuration
}

// RetryPolicyConfig configures retry behavior per error kind
type RetryPolicyConfig struct {
	MaxAttempts       int     `json:"max_attempts"`        // Attempts for network errors, including the first
	InitialDelay      string  `json:"initial_delay"`       // First backoff delay
	MaxDelay          string  `json:"max_delay"`           // Backoff ceiling
	Multiplier        float64 `json:"multiplier"`          // Exponential growth factor
	Jitter            bool    `json:"jitter"`              // Randomize delays
	RateLimitCooldown string  `json:"rate_limit_cooldown"` // Sleep after throttling when no Retry-After is given
	MaxCooldowns      int     `json:"max_cooldowns"`       // Throttling retries before the unit is deferred
}

// CollectorConfig configures the worker pool
type CollectorConfig struct {
	WorkerCount   int `json:"worker_count" env:"WORKER_COUNT"`       // Concurrent collection units
	MemoryLimitMB int `json:"memory_limit_mb" env:"MEMORY_LIMIT_MB"` // Heap size that triggers a warning, 0 disables
}

// CheckpointConfig configures the progress document
type CheckpointConfig struct {
	Path string `json:"path" env:"CHECKPOINT_PATH"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type      string `json:"type" env:"STORAGE_TYPE"`       // "duckdb", "sqlite", "memory"
	Path      string `json:"path" env:"STORAGE_PATH"`       // Database file
	ExportDir string `json:"export_dir" env:"EXPORT_DIR"`   // Default parquet export directory
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" env:"LOG_LEVEL"`             // Log level: debug, info, warn, error
	Format        string            `json:"format" env:"LOG_FORMAT"`           // Log format: json, text
	Output        string            `json:"output" env:"LOG_OUTPUT"`           // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" env:"LOG_MAX_SIZE"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" env:"LOG_MAX_AGE"`         // Maximum log file age in days
	Compress      bool              `json:"compress" env:"LOG_COMPRESS"`       // Compress old log files
	ContextFields map[string]string `json:"context_fields"`                    // Additional context fields
}

// MetricsConfig configures the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" env:"METRICS_ENABLED"`
	Port    int    `json:"port" env:"METRICS_PORT"`
	Path    string `json:"path" env:"METRICS_PATH"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    ".env",
		logger:     logger,
	}
}

// WithEnvFile overrides the dotenv file consulted before environment variables.
// An empty path disables dotenv loading.
func (cm *ConfigManager) WithEnvFile(path string) *ConfigManager {
	cm.envFile = path
	return cm
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority)
// 2. .env file entries not already present in the environment
// 3. Configuration file
// 4. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"exchange_type", config.Exchange.Type,
		"workers", config.Collector.WorkerCount)

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadDotEnv populates missing environment variables from the dotenv file.
// godotenv.Load never overrides variables that are already set.
func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to parse %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

// loadFromEnv loads configuration from environment variables.
// Malformed numeric values are ignored and the previous value is kept.
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	// Universe
	if val := os.Getenv("SYMBOLS"); val != "" {
		config.Universe.Symbols = splitList(val)
	}
	if val := os.Getenv("UNIVERSE_FILE"); val != "" {
		config.Universe.File = val
	}
	if val := os.Getenv("RESOLUTIONS"); val != "" {
		config.Universe.Resolutions = splitList(val)
	}
	if val := os.Getenv("HISTORY_DAYS"); val != "" {
		if days, err := strconv.Atoi(val); err == nil {
			config.Universe.HistoryDays = days
		}
	}

	// Exchange
	if val := os.Getenv("EXCHANGE_TYPE"); val != "" {
		config.Exchange.Type = val
	}
	if val := os.Getenv("EXCHANGE_BASE_URL"); val != "" {
		config.Exchange.BaseURL = val
	}
	if val := os.Getenv("API_KEY"); val != "" {
		config.Exchange.APIKey = val
	}
	if val := os.Getenv("RATE_LIMIT_RPS"); val != "" {
		if rps, err := strconv.ParseFloat(val, 64); err == nil {
			config.Exchange.RequestsPerSecond = rps
		}
	}
	if val := os.Getenv("RATE_LIMIT_BURST"); val != "" {
		if burst, err := strconv.Atoi(val); err == nil {
			config.Exchange.Burst = burst
		}
	}
	if val := os.Getenv("MAX_CANDLES_PER_REQUEST"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Exchange.MaxCandlesPerRequest = limit
		}
	}
	if val := os.Getenv("HTTP_TIMEOUT"); val != "" {
		config.Exchange.Timeout = val
	}
	if val := os.Getenv("RETRY_ATTEMPTS"); val != "" {
		if attempts, err := strconv.Atoi(val); err == nil {
			config.Exchange.RetryPolicy.MaxAttempts = attempts
		}
	}

	// Collector
	if val := os.Getenv("WORKER_COUNT"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil {
			config.Collector.WorkerCount = workers
		}
	}
	if val := os.Getenv("MEMORY_LIMIT_MB"); val != "" {
		if mb, err := strconv.Atoi(val); err == nil {
			config.Collector.MemoryLimitMB = mb
		}
	}

	// Checkpoint and storage
	if val := os.Getenv("CHECKPOINT_PATH"); val != "" {
		config.Checkpoint.Path = val
	}
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("STORAGE_PATH"); val != "" {
		config.Storage.Path = val
	}
	if val := os.Getenv("EXPORT_DIR"); val != "" {
		config.Storage.ExportDir = val
	}

	// Logging
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	// Metrics
	if val := os.Getenv("METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = val == "true"
	}
	if val := os.Getenv("METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Metrics.Port = port
		}
	}

	return nil
}

func splitList(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errs []string

	if len(config.Universe.Symbols) == 0 && config.Universe.File == "" {
		errs = append(errs, "universe.symbols or universe.file is required")
	}
	if _, err := models.ParseResolutions(config.Universe.Resolutions); err != nil {
		errs = append(errs, fmt.Sprintf("universe.resolutions: %v", err))
	}
	if config.Universe.HistoryDays <= 0 {
		errs = append(errs, "universe.history_days must be greater than 0")
	}

	if config.Exchange.Type != "binance" {
		errs = append(errs, "exchange.type must be: binance")
	}
	if config.Exchange.BaseURL == "" {
		errs = append(errs, "exchange.base_url is required")
	}
	if config.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange.requests_per_second must be greater than 0")
	}
	if config.Exchange.Burst <= 0 {
		errs = append(errs, "exchange.burst must be greater than 0")
	}
	if config.Exchange.MaxCandlesPerRequest <= 0 || config.Exchange.MaxCandlesPerRequest > 1000 {
		errs = append(errs, "exchange.max_candles_per_request must be between 1 and 1000")
	}
	if _, err := time.ParseDuration(config.Exchange.Timeout); err != nil {
		errs = append(errs, fmt.Sprintf("exchange.timeout is not a valid duration: %v", err))
	}
	errs = append(errs, validateRetryPolicy(config.Exchange.RetryPolicy)...)

	if config.Collector.WorkerCount <= 0 {
		errs = append(errs, "collector.worker_count must be greater than 0")
	}
	if config.Collector.MemoryLimitMB < 0 {
		errs = append(errs, "collector.memory_limit_mb cannot be negative")
	}

	if config.Checkpoint.Path == "" {
		errs = append(errs, "checkpoint.path is required")
	}

	validStorage := map[string]bool{"duckdb": true, "sqlite": true, "memory": true}
	if !validStorage[config.Storage.Type] {
		errs = append(errs, "storage.type must be one of: duckdb, sqlite, memory")
	}
	if config.Storage.Type != "memory" && config.Storage.Path == "" {
		errs = append(errs, "storage.path is required for persistent storage")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when output is file")
	}

	if config.Metrics.Enabled {
		if config.Metrics.Port <= 0 || config.Metrics.Port > 65535 {
			errs = append(errs, "metrics.port must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

func validateRetryPolicy(p RetryPolicyConfig) []string {
	var errs []string
	if p.MaxAttempts <= 0 {
		errs = append(errs, "exchange.retry_policy.max_attempts must be greater than 0")
	}
	for name, val := range map[string]string{
		"initial_delay":       p.InitialDelay,
		"max_delay":           p.MaxDelay,
		"rate_limit_cooldown": p.RateLimitCooldown,
	} {
		if _, err := time.ParseDuration(val); err != nil {
			errs = append(errs, fmt.Sprintf("exchange.retry_policy.%s is not a valid duration: %v", name, err))
		}
	}
	if p.Multiplier < 1 {
		errs = append(errs, "exchange.retry_policy.multiplier must be at least 1")
	}
	if p.MaxCooldowns < 0 {
		errs = append(errs, "exchange.retry_policy.max_cooldowns must not be negative")
	}
	return errs
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// SaveConfig writes the current configuration to the config file
func (cm *ConfigManager) SaveConfig(ctx context.Context) error {
	if cm.configPath == "" {
		return fmt.Errorf("no config path specified")
	}
	if cm.config == nil {
		return fmt.Errorf("no configuration loaded")
	}

	if err := os.MkdirAll(filepath.Dir(cm.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	cm.logger.Info("configuration saved", "path", cm.configPath)
	return nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "kline-backfill",
		Version: "1.0.0",
		Universe: UniverseConfig{
			Symbols:     DefaultSymbols(),
			HistoryDays: 1095,
		},
		Exchange: ExchangeConfig{
			Type:                 "binance",
			BaseURL:              "https://api.binance.com",
			RequestsPerSecond:    10,
			Burst:                1,
			MaxCandlesPerRequest: 1000,
			Timeout:              "30s",
			RetryPolicy: RetryPolicyConfig{
				MaxAttempts:       3,
				InitialDelay:      "1s",
				MaxDelay:          "30s",
				Multiplier:        2.0,
				Jitter:            true,
				RateLimitCooldown: "60s",
				MaxCooldowns:      10,
			},
		},
		Collector: CollectorConfig{
			WorkerCount:   8,
			MemoryLimitMB: 1024,
		},
		Checkpoint: CheckpointConfig{
			Path: "./data/data_collection_progress.json",
		},
		Storage: StorageConfig{
			Type:      "duckdb",
			Path:      "./data/klines.duckdb",
			ExportDir: "./data/export",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "kline-backfill",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Symbols resolves the instrument universe, preferring the universe file when set.
func (c *AppConfig) Symbols() ([]string, error) {
	if c.Universe.File != "" {
		return LoadUniverse(c.Universe.File)
	}
	return normalizeSymbols(c.Universe.Symbols)
}

// Resolutions returns the configured resolutions, all of them when none are listed.
func (c *AppConfig) Resolutions() ([]models.Resolution, error) {
	return models.ParseResolutions(c.Universe.Resolutions)
}

// Units returns every collection unit of the configured universe.
func (c *AppConfig) Units() ([]models.Unit, error) {
	symbols, err := c.Symbols()
	if err != nil {
		return nil, err
	}
	resolutions, err := c.Resolutions()
	if err != nil {
		return nil, err
	}
	return models.Units(symbols, resolutions), nil
}

// History returns the backfill window as a duration.
func (c *AppConfig) History() time.Duration {
	return time.Duration(c.Universe.HistoryDays) * 24 * time.Hour
}

// HTTPTimeout returns the parsed per-request timeout.
func (e ExchangeConfig) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(e.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Exchange.APIKey != "" {
		sanitized.Exchange.APIKey = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
