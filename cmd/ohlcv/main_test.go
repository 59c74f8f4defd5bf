package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-kline-backfill/internal/exchange/exchangetest"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

func TestParseGlobalFlags(t *testing.T) {
	global, rest, err := parseGlobalFlags([]string{
		"--config", "c.json", "collect", "--symbol", "BTCUSDT",
		"--storage", "sqlite:./k.db", "--log-level", "debug", "--checkpoint", "p.json",
	})
	require.NoError(t, err)

	assert.Equal(t, "c.json", global.ConfigPath)
	assert.Equal(t, "sqlite:./k.db", global.Storage)
	assert.Equal(t, "debug", global.LogLevel)
	assert.Equal(t, "p.json", global.Checkpoint)
	assert.Equal(t, ".env", global.EnvFile)
	assert.Equal(t, []string{"collect", "--symbol", "BTCUSDT"}, rest)

	_, _, err = parseGlobalFlags([]string{"collect", "-c"})
	assert.EqualError(t, err, "-c requires a value")
}

func TestParseCollectFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    CollectFlags
		wantErr string
	}{
		{
			name: "single unit",
			args: []string{"-s", "BTCUSDT", "-r", "1h", "-d", "30"},
			want: CollectFlags{Symbol: "BTCUSDT", Resolution: "1h", Days: 30},
		},
		{
			name: "gap top-up with holes",
			args: []string{"--missing", "--holes", "--symbol", "ETHUSDT"},
			want: CollectFlags{Symbol: "ETHUSDT", Missing: true, Holes: true},
		},
		{
			name: "full universe resume",
			args: []string{"--all", "--resume"},
			want: CollectFlags{All: true, Resume: true},
		},
		{name: "missing value", args: []string{"--symbol"}, wantErr: "--symbol requires a value"},
		{name: "bad days", args: []string{"--days", "ten"}, wantErr: "invalid days value"},
		{name: "non-positive days", args: []string{"--days", "0"}, wantErr: "--days must be greater than 0"},
		{name: "unknown flag", args: []string{"--pair", "BTC-USD"}, wantErr: "unknown flag: --pair"},
		{name: "resolution without symbol", args: []string{"-r", "1h"}, wantErr: "--resolution requires --symbol"},
		{name: "reset with status", args: []string{"--reset", "--status"}, wantErr: "cannot be combined"},
		{name: "all with symbol", args: []string{"--all", "-s", "BTCUSDT"}, wantErr: "cannot be combined"},
		{name: "force with missing", args: []string{"--force", "--missing"}, wantErr: "cannot be combined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flags, err := parseCollectFlags(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *flags)
		})
	}
}

func TestParseRetryFlags(t *testing.T) {
	flags, err := parseRetryFlags([]string{"--all-failed"})
	require.NoError(t, err)
	assert.True(t, flags.AllFailed)

	flags, err = parseRetryFlags([]string{"-s", "BTCUSDT", "-r", "1d"})
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", flags.Symbol)
	assert.Equal(t, "1d", flags.Resolution)

	_, err = parseRetryFlags(nil)
	assert.EqualError(t, err, "specify either --symbol or --all-failed")

	_, err = parseRetryFlags([]string{"--all-failed", "-s", "BTCUSDT"})
	assert.EqualError(t, err, "specify either --symbol or --all-failed")
}

func TestParseExportFlags(t *testing.T) {
	flags, err := parseExportFlags([]string{"-s", "BTCUSDT", "-r", "1M", "-o", "out", "-d", "365"})
	require.NoError(t, err)
	assert.Equal(t, ExportFlags{Symbol: "BTCUSDT", Resolution: "1M", Out: "out", Days: 365}, *flags)

	_, err = parseExportFlags([]string{"-s", "BTCUSDT"})
	assert.EqualError(t, err, "--resolution is required")

	flags, err = parseExportFlags([]string{"--help"})
	require.NoError(t, err)
	assert.True(t, flags.Help)
}

func TestParseCheckFlags(t *testing.T) {
	flags, err := parseCheckFlags([]string{"-s", "ETHUSDT", "-r", "4h", "-d", "30", "--json"})
	require.NoError(t, err)
	assert.Equal(t, CheckFlags{Symbol: "ETHUSDT", Resolution: "4h", Days: 30, JSON: true}, *flags)

	_, err = parseCheckFlags([]string{"-r", "4h"})
	assert.EqualError(t, err, "--resolution requires --symbol")

	_, err = parseCheckFlags([]string{"--holes"})
	assert.EqualError(t, err, "unknown flag: --holes")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitUsageError, exitCode(usageError(assert.AnError)))
	assert.Equal(t, ExitConfigError, exitCode(configError(assert.AnError)))
	assert.Equal(t, ExitInitError, exitCode(initError(assert.AnError)))
	assert.Equal(t, ExitInterrupt, exitCode(initError(context.Canceled)))
	assert.Equal(t, ExitInitError, exitCode(assert.AnError))
}

// cliHarness runs the CLI against a fake provider with SQLite storage in a
// temporary directory.
type cliHarness struct {
	t      *testing.T
	dir    string
	config string
	server *exchangetest.Server
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	srv := exchangetest.NewServer(func() int64 { return time.Now().UnixMilli() })
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := map[string]any{
		"universe": map[string]any{
			"symbols":      []string{"BTCUSDT", "ETHUSDT"},
			"resolutions":  []string{"1d"},
			"history_days": 10,
		},
		"exchange": map[string]any{
			"base_url":            srv.URL,
			"requests_per_second": 1000,
			"burst":               10,
			"timeout":             "5s",
		},
		"checkpoint": map[string]any{"path": filepath.Join(dir, "progress.json")},
		"storage": map[string]any{
			"type":       "sqlite",
			"path":       filepath.Join(dir, "klines.db"),
			"export_dir": filepath.Join(dir, "export"),
		},
		"logging": map[string]any{"level": "error", "format": "text"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "ohlcv.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	return &cliHarness{t: t, dir: dir, config: path, server: srv}
}

func (h *cliHarness) run(ctx context.Context, args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", h.config, "--env-file", ""}, args...)
	code := run(ctx, full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, ExitUsageError, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "USAGE:")

	stderr.Reset()
	assert.Equal(t, ExitUsageError, run(context.Background(), []string{"schedule"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "Unknown command 'schedule'")

	stderr.Reset()
	assert.Equal(t, ExitUsageError, run(context.Background(), []string{"collect", "--pair", "BTC-USD"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown flag: --pair")

	stdout.Reset()
	assert.Equal(t, ExitSuccess, run(context.Background(), []string{"version"}, &stdout, &stderr))
	assert.Equal(t, "ohlcv version "+Version+"\n", stdout.String())

	stdout.Reset()
	assert.Equal(t, ExitSuccess, run(context.Background(), []string{"help", "export"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "--resolution, -r RES")
}

func TestRun_ConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-c", path, "--env-file", "", "status"}, &stdout, &stderr)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "failed to load configuration")
}

func TestRun_StorageError(t *testing.T) {
	h := newCLIHarness(t)
	code, _, stderr := h.run(context.Background(), "--storage", "postgres", "status")
	assert.Equal(t, ExitInitError, code)
	assert.Contains(t, stderr, "unsupported storage type")
}

func TestRun_CollectResumeAndExport(t *testing.T) {
	h := newCLIHarness(t)
	ctx := context.Background()

	code, out, stderr := h.run(ctx, "collect", "--all")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "Completed:  2 (0 already up to date)")
	// ten days back from now holds nine closed daily candles per symbol
	assert.Contains(t, out, "Rows:       18")
	assert.Equal(t, 2, h.server.TotalCalls())

	// Completed units are not selected again.
	h.server.ResetCalls()
	code, out, _ = h.run(ctx, "collect", "--resume")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Selected:   0")
	assert.Zero(t, h.server.TotalCalls())

	// A top-up finds nothing missing.
	code, out, _ = h.run(ctx, "collect", "--missing")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Completed:  2 (2 already up to date)")
	assert.Zero(t, h.server.TotalCalls())

	code, out, _ = h.run(ctx, "status")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Completed:    2/2 (100.0%)")

	code, out, _ = h.run(ctx, "gaps")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "0 of 2 units have missing data")

	code, out, stderr = h.run(ctx, "check")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "2 of 2 stored units OK, 0 with warnings, 0 with errors")
	assert.Contains(t, out, "2 of 2 units completed")

	code, out, _ = h.run(ctx, "check", "--json", "-s", "btcusdt")
	require.Equal(t, ExitSuccess, code)
	var checks []struct {
		Rows   int64  `json:"rows"`
		Health string `json:"health"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &checks))
	require.Len(t, checks, 1)
	assert.Equal(t, int64(9), checks[0].Rows)
	assert.Equal(t, "OK", checks[0].Health)

	code, out, stderr = h.run(ctx, "export", "-s", "BTCUSDT", "-r", "1d")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "Exported 9 klines of BTCUSDT:1d")

	records, err := storage.ReadParquet(filepath.Join(h.dir, "export", "candles_btcusdt_1d.parquet"))
	require.NoError(t, err)
	require.Len(t, records, 9)
	for _, rec := range records {
		assert.Less(t, rec.CloseTime, time.Now().UnixMilli())
		assert.NotEqual(t, exchangetest.FormingVolume, rec.Volume)
	}

	code, out, _ = h.run(ctx, "reset")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "reset, stored klines were kept")

	code, out, _ = h.run(ctx, "status", "--json")
	require.Equal(t, ExitSuccess, code)
	var sum struct {
		Completed int `json:"completed"`
		Pending   int `json:"pending"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 0, sum.Completed)
	assert.Equal(t, 2, sum.Pending)
}

func TestRun_FailedUnitsExitZeroThenRetry(t *testing.T) {
	h := newCLIHarness(t)
	ctx := context.Background()

	h.server.SetFault(func(w http.ResponseWriter, r *http.Request, symbol string, call int) bool {
		if symbol != "ETHUSDT" {
			return false
		}
		exchangetest.WriteStatus(w, http.StatusBadRequest, "")
		return true
	})

	code, out, _ := h.run(ctx, "collect")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "1 unit(s) failed")
	assert.Contains(t, out, "ETHUSDT:1d")

	code, out, _ = h.run(ctx, "retry", "--symbol", "BTCUSDT")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "No failed units to retry")

	h.server.SetFault(nil)
	code, out, _ = h.run(ctx, "retry", "--all-failed")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Retrying 1 failed unit(s)")
	assert.Contains(t, out, "Failed:     0")

	// retrying one unit keeps the totals of the configured universe
	data, err := os.ReadFile(filepath.Join(h.dir, "progress.json"))
	require.NoError(t, err)
	var doc struct {
		TotalUnits       int `json:"total_units"`
		TotalInstruments int `json:"total_instruments"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 2, doc.TotalUnits)
	assert.Equal(t, 2, doc.TotalInstruments)

	code, out, _ = h.run(ctx, "status")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "Completed:    2/2")
}

func TestRun_Interrupted(t *testing.T) {
	h := newCLIHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code, _, stderr := h.run(ctx, "collect", "--all")
	assert.Equal(t, ExitInterrupt, code)
	assert.Contains(t, stderr, "Interrupted")
	assert.Zero(t, h.server.TotalCalls())
}
