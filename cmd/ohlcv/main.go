// kline-backfill CLI
// This application backfills multi-resolution OHLCV klines for a universe of
// instruments from a rate-limited market-data API. Progress is checkpointed
// per (symbol, resolution) unit so an interrupted run resumes where it stopped.
//
// Usage:
//
//	ohlcv collect --all --days 1095
//	ohlcv collect --symbol BTCUSDT --resolution 1h --days 30
//	ohlcv collect --missing --holes
//	ohlcv retry --all-failed
//	ohlcv gaps --symbol BTCUSDT
//	ohlcv export --symbol BTCUSDT --resolution 1d --out ./export
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/johnayoung/go-kline-backfill/internal/checkpoint"
	"github.com/johnayoung/go-kline-backfill/internal/collector"
	"github.com/johnayoung/go-kline-backfill/internal/config"
	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/exchange"
	"github.com/johnayoung/go-kline-backfill/internal/gaps"
	"github.com/johnayoung/go-kline-backfill/internal/logger"
	"github.com/johnayoung/go-kline-backfill/internal/metrics"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "ohlcv"
	ConfigFile = "ohlcv.json"
)

// Exit codes. A run that leaves failed units still exits with ExitSuccess.
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitInitError   = 3
	ExitInterrupt   = 130
)

// exitError carries the exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error  { return &exitError{code: ExitUsageError, err: err} }
func configError(err error) error { return &exitError{code: ExitConfigError, err: err} }
func initError(err error) error   { return &exitError{code: ExitInitError, err: err} }

// exitCode maps a command error to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupt
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitInitError
}

// CLI holds the components wired for one invocation.
type CLI struct {
	global *GlobalFlags
	stdout io.Writer
	stderr io.Writer

	cfg          *config.AppConfig
	units        []models.Unit
	logs         *logger.LoggerManager
	logger       *slog.Logger
	metrics      *metrics.MetricsCollector
	router       *storage.Router
	checkpoint   *checkpoint.Store
	retrier      *apperrors.Retrier
	detector     *gaps.Detector
	orchestrator *collector.Orchestrator
}

// main is the entry point for the CLI application
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run executes one command line and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	global, rest, err := parseGlobalFlags(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printUsage(stderr)
		return ExitUsageError
	}
	if len(rest) == 0 {
		printUsage(stderr)
		return ExitUsageError
	}

	cli := &CLI{global: global, stdout: stdout, stderr: stderr}
	command, cmdArgs := rest[0], rest[1:]

	var handler func(context.Context, []string) error
	switch command {
	case "collect":
		handler = cli.handleCollect
	case "retry":
		handler = cli.handleRetry
	case "gaps":
		handler = cli.handleGaps
	case "check":
		handler = cli.handleCheck
	case "export":
		handler = cli.handleExport
	case "status":
		handler = cli.handleStatus
	case "reset":
		handler = cli.handleReset
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(cmdArgs) > 0 {
			printCommandHelp(stdout, cmdArgs[0])
		} else {
			printUsage(stdout)
		}
		return ExitSuccess
	default:
		fmt.Fprintf(stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage(stderr)
		return ExitUsageError
	}

	defer cli.close()
	err = handler(ctx, cmdArgs)

	code := exitCode(err)
	switch code {
	case ExitSuccess:
	case ExitInterrupt:
		fmt.Fprintln(stderr, "Interrupted")
	case ExitUsageError:
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		printCommandHelp(stderr, command)
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return code
}

// initialize loads configuration and wires the pipeline components.
func (cli *CLI) initialize(ctx context.Context) error {
	bootstrap := slog.New(slog.NewTextHandler(cli.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(cli.global.ConfigPath, bootstrap).
		WithEnvFile(cli.global.EnvFile).
		LoadConfig(ctx)
	if err != nil {
		return configError(fmt.Errorf("failed to load configuration: %w", err))
	}
	if err := cli.global.apply(cfg); err != nil {
		return configError(err)
	}
	cli.cfg = cfg

	cli.units, err = cfg.Units()
	if err != nil {
		return configError(fmt.Errorf("failed to resolve universe: %w", err))
	}

	switch cfg.Logging.Output {
	case "file":
		cli.logs, err = logger.NewLoggerManager(cfg.Logging)
		if err != nil {
			return configError(fmt.Errorf("failed to setup logging: %w", err))
		}
	case "stdout":
		cli.logs = logger.NewLoggerManagerWithWriter(cfg.Logging, cli.stdout)
	default:
		cli.logs = logger.NewLoggerManagerWithWriter(cfg.Logging, cli.stderr)
	}
	base := cli.logs.GetLogger()
	cli.logger = cli.logs.GetComponentLogger("cli").Logger

	cli.metrics = metrics.NewMetricsCollector(cfg.Metrics, cli.logs.GetComponentLogger("metrics").Logger)

	backend, err := storage.Open(ctx, cfg.Storage, base)
	if err != nil {
		return initError(fmt.Errorf("failed to initialize storage: %w", err))
	}
	cli.router = storage.NewRouter(backend, base, storage.WithRecorder(cli.metrics))

	cli.checkpoint, err = checkpoint.Open(cfg.Checkpoint.Path, base)
	if err != nil {
		return initError(fmt.Errorf("failed to open checkpoint: %w", err))
	}

	client, err := exchange.NewClient(cfg.Exchange, base)
	if err != nil {
		return configError(fmt.Errorf("failed to initialize exchange: %w", err))
	}
	limiter := exchange.NewSharedLimiter(cfg.Exchange.RequestsPerSecond, cfg.Exchange.Burst, cli.metrics)
	cli.retrier = apperrors.NewRetrier(cfg.Exchange.RetryPolicy, base, apperrors.WithObserver(cli.metrics))
	fetcher := exchange.NewFetcher(client, limiter, cli.retrier, cfg.Exchange.MaxCandlesPerRequest, base,
		exchange.WithRecorder(cli.metrics))

	cli.detector = gaps.NewDetector(cli.router, cfg.History(), base)
	scheduler := collector.NewScheduler(fetcher, cli.router, base)
	cli.orchestrator = collector.NewOrchestrator(cli.checkpoint, cli.detector, scheduler, base,
		collector.WithWorkerCount(cfg.Collector.WorkerCount),
		collector.WithHoleReader(cli.router),
		collector.WithUnitRecorder(cli.metrics),
		collector.WithMemoryLimit(cfg.Collector.MemoryLimitMB),
	)

	cli.metrics.RegisterHealthChecker(cli.router)
	if hc, ok := client.(exchange.HealthChecker); ok {
		cli.metrics.RegisterHealthChecker(hc)
	}
	if err := cli.metrics.Start(ctx); err != nil {
		return initError(err)
	}

	cli.logger.Debug("CLI initialized",
		"units", len(cli.units),
		"storage", cfg.Storage.Type,
		"checkpoint", cfg.Checkpoint.Path,
		"workers", cfg.Collector.WorkerCount)
	return nil
}

// close releases whatever initialize managed to open.
func (cli *CLI) close() {
	if cli.metrics != nil {
		if err := cli.metrics.Stop(context.Background()); err != nil && cli.logger != nil {
			cli.logger.Warn("Failed to stop metrics server", "error", err)
		}
	}
	if cli.router != nil {
		if err := cli.router.Close(); err != nil && cli.logger != nil {
			cli.logger.Warn("Failed to close storage", "error", err)
		}
	}
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

// apply overrides configuration values given on the command line.
func (g *GlobalFlags) apply(cfg *config.AppConfig) error {
	if g.LogLevel != "" {
		switch g.LogLevel {
		case "debug", "info", "warn", "error":
			cfg.Logging.Level = g.LogLevel
		default:
			return fmt.Errorf("--log-level must be one of: debug, info, warn, error")
		}
	}
	if g.Storage != "" {
		typ, path, _ := strings.Cut(g.Storage, ":")
		cfg.Storage.Type = typ
		if path != "" {
			cfg.Storage.Path = path
		}
	}
	if g.Checkpoint != "" {
		cfg.Checkpoint.Path = g.Checkpoint
	}
	return nil
}

// printUsage prints the top-level help text.
func printUsage(w io.Writer) {
	fmt.Fprintf(w, `%s - kline backfill CLI v%s

USAGE:
    %s [global options] <command> [options]

COMMANDS:
    collect     Backfill klines for the universe, one symbol or one unit
    retry       Clear failed units and collect them again
    gaps        Print the missing range of every unit without fetching
    check       Verify the stored klines of every unit
    export      Write a unit's stored klines to a Parquet file
    status      Print checkpoint progress
    reset       Forget all checkpoint progress (stored klines are kept)
    version     Show version information
    help        Show help for a command

GLOBAL OPTIONS:
    --config, -c FILE       JSON config file (default: %s)
    --env-file FILE         dotenv file read before the environment (default: .env)
    --log-level LEVEL       debug, info, warn or error
    --storage TYPE[:PATH]   duckdb, sqlite or memory, optionally with a database path
    --checkpoint FILE       Progress document path

EXAMPLES:
    # Backfill three years of every resolution for the configured universe
    %s collect --all --days 1095

    # Collect one unit
    %s collect --symbol BTCUSDT --resolution 1h --days 30

    # Top up completed units and refill interior holes
    %s collect --missing --holes

    # Retry everything that failed in earlier runs
    %s retry --all-failed

CONFIGURATION:
    Configuration is read from the config file, then the dotenv file, then
    environment variables (e.g. SYMBOLS, RESOLUTIONS, STORAGE_TYPE,
    RATE_LIMIT_RPS, WORKER_COUNT, CHECKPOINT_PATH, LOG_LEVEL).

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, ConfigFile, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints the help text of one command.
func printCommandHelp(w io.Writer, command string) {
	switch command {
	case "collect":
		fmt.Fprintf(w, `USAGE:
    %s collect [options]

Collects the missing range of each selected unit. Without a selector the
whole universe is collected, skipping units already completed or failed.

OPTIONS:
    --symbol, -s SYMBOL       Collect every configured resolution of SYMBOL
    --resolution, -r RES      With --symbol, collect a single unit
    --days, -d N              Lookback for units with no stored data
    --all, -a                 Collect the full universe (default)
    --resume                  Same as a normal run
    --missing, -m             Top up completed units too
    --holes                   Also refetch interior holes within the lookback
    --force, -f               Refetch [now-days, now) whatever is stored
    --status                  Print progress and exit
    --reset                   Forget progress and exit
    --help, -h                Show this help

EXAMPLES:
    %s collect --all --days 1095
    %s collect --symbol ETHUSDT --resolution 5m --days 7
    %s collect --missing --symbol BTCUSDT
`, AppName, AppName, AppName, AppName)

	case "retry":
		fmt.Fprintf(w, `USAGE:
    %s retry --symbol SYMBOL [--resolution RES]
    %s retry --all-failed

Removes units from the failed set and collects them again.

OPTIONS:
    --symbol, -s SYMBOL       Retry the failed units of SYMBOL
    --resolution, -r RES      Limit the retry to one resolution
    --all-failed              Retry every failed unit
    --help, -h                Show this help
`, AppName, AppName)

	case "gaps":
		fmt.Fprintf(w, `USAGE:
    %s gaps [options]

Prints the range each unit still needs. Nothing is fetched.

OPTIONS:
    --symbol, -s SYMBOL       Only units of SYMBOL
    --resolution, -r RES      With --symbol, a single unit
    --days, -d N              Lookback for units with no stored data
    --holes                   Also list interior holes within the lookback
    --json                    Print reports as JSON
    --help, -h                Show this help
`, AppName)

	case "check":
		fmt.Fprintf(w, `USAGE:
    %s check [options]

Reads back every stored unit within the lookback and grades it OK, WARNING or
ERROR: rows failing validation or a collection status past the newest row are
errors; interior holes, a status behind the newest row or a stored candle that
has not closed yet are warnings. Nothing is fetched or modified.

OPTIONS:
    --symbol, -s SYMBOL       Only units of SYMBOL
    --resolution, -r RES      With --symbol, a single unit
    --days, -d N              Lookback to read back (default: history_days)
    --json                    Print reports as JSON
    --help, -h                Show this help
`, AppName)

	case "export":
		fmt.Fprintf(w, `USAGE:
    %s export --symbol SYMBOL --resolution RES [--out DIR] [--days N]

Writes the stored klines of one unit to DIR/<table>.parquet.

OPTIONS:
    --symbol, -s SYMBOL       Instrument (required)
    --resolution, -r RES      Resolution (required)
    --out, -o DIR             Output directory (default: storage.export_dir)
    --days, -d N              Only the last N days
    --help, -h                Show this help
`, AppName)

	case "status":
		fmt.Fprintf(w, `USAGE:
    %s status [--json]

Prints checkpoint progress over the configured universe.
`, AppName)

	case "reset":
		fmt.Fprintf(w, `USAGE:
    %s reset

Clears completed, failed and in-flight units. Stored klines are kept and the
next run re-derives each unit's missing range from storage.
`, AppName)

	default:
		fmt.Fprintf(w, "Unknown command: %s\n\n", command)
		printUsage(w)
	}
}
