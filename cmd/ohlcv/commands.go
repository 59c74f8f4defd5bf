package main

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/collector"
	"github.com/johnayoung/go-kline-backfill/internal/gaps"
	"github.com/johnayoung/go-kline-backfill/internal/models"
	"github.com/johnayoung/go-kline-backfill/internal/storage"
)

const timeLayout = "2006-01-02 15:04"

// handleCollect handles the 'collect' command
func (cli *CLI) handleCollect(ctx context.Context, args []string) error {
	flags, err := parseCollectFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "collect")
		return nil
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}

	switch {
	case flags.Reset:
		return cli.resetProgress()
	case flags.Status:
		return cli.printStatus(false)
	}

	units, err := cli.selectUnits(flags.Symbol, flags.Resolution)
	if err != nil {
		return err
	}

	// A named symbol is an explicit request, so its completed units are
	// topped up like --missing does for the universe.
	req := collector.RunRequest{
		Units:            units,
		IncludeCompleted: flags.Symbol != "" || flags.Missing || flags.Force,
		Force:            flags.Force,
		History:          days(flags.Days),
		FillHoles:        flags.Holes,
	}

	cli.logger.Info("Starting collection",
		"units", len(units),
		"symbol", flags.Symbol,
		"resolution", flags.Resolution,
		"days", flags.Days,
		"missing", flags.Missing,
		"force", flags.Force)

	return cli.runCollection(ctx, req)
}

// handleRetry handles the 'retry' command
func (cli *CLI) handleRetry(ctx context.Context, args []string) error {
	flags, err := parseRetryFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "retry")
		return nil
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}

	var candidates []models.Unit
	if flags.AllFailed {
		ids := slices.Sorted(maps.Keys(cli.checkpoint.FailedUnits()))
		for _, id := range ids {
			unit, err := models.ParseUnitID(id)
			if err != nil {
				cli.logger.Warn("Skipping malformed failed unit", "unit", id, "error", err)
				continue
			}
			candidates = append(candidates, unit)
		}
	} else {
		candidates, err = cli.selectUnits(flags.Symbol, flags.Resolution)
		if err != nil {
			return err
		}
	}

	var failed []models.Unit
	for _, u := range candidates {
		if cli.checkpoint.State(u) == models.UnitFailed {
			failed = append(failed, u)
		}
	}
	if len(failed) == 0 {
		fmt.Fprintln(cli.stdout, "No failed units to retry")
		return nil
	}

	if _, err := cli.checkpoint.Retry(failed...); err != nil {
		return initError(fmt.Errorf("failed to update checkpoint: %w", err))
	}
	fmt.Fprintf(cli.stdout, "Retrying %d failed unit(s)\n", len(failed))

	return cli.runCollection(ctx, collector.RunRequest{Units: failed})
}

// gapLine is one unit in the JSON output of the gaps command.
type gapLine struct {
	gaps.Report
	Holes []models.TimeRange `json:"holes,omitempty"`
}

// handleGaps handles the 'gaps' command
func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "gaps")
		return nil
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}

	units, err := cli.selectUnits(flags.Symbol, flags.Resolution)
	if err != nil {
		return err
	}

	detector := cli.detector
	if flags.Days > 0 {
		detector = gaps.NewDetector(cli.router, days(flags.Days), cli.logs.GetLogger())
	}

	reports, err := detector.Scan(ctx, units)
	if err != nil {
		return storageFailure(ctx, fmt.Errorf("gap detection failed: %w", err))
	}

	lines := make([]gapLine, 0, len(reports))
	for _, r := range reports {
		line := gapLine{Report: r}
		if flags.Holes && r.HasStatus {
			line.Holes, err = gaps.FindHoles(ctx, cli.router, r.Unit, detector.HistoryRange(r.Unit.Resolution, 0))
			if err != nil {
				return storageFailure(ctx, fmt.Errorf("hole detection failed for %s: %w", r.Unit, err))
			}
		}
		lines = append(lines, line)
	}

	if flags.JSON {
		return cli.writeJSON(lines)
	}

	missing := 0
	fmt.Fprintf(cli.stdout, "%-18s %-18s %s\n", "UNIT", "LAST COLLECTED", "MISSING")
	for _, line := range lines {
		last := "never"
		if line.HasStatus {
			last = formatMillis(line.LastCollected)
		}
		gap := "up to date"
		if line.Missing {
			missing++
			gap = fmt.Sprintf("%s to %s (%d candles)",
				formatMillis(line.Range.Start), formatMillis(line.Range.End), line.Expected)
		}
		fmt.Fprintf(cli.stdout, "%-18s %-18s %s\n", line.Unit, last, gap)
		for _, h := range line.Holes {
			fmt.Fprintf(cli.stdout, "%-18s %-18s hole %s to %s\n", "", "", formatMillis(h.Start), formatMillis(h.End))
		}
	}

	fmt.Fprintf(cli.stdout, "\n%d of %d units have missing data\n", missing, len(lines))
	if missing > 0 {
		fmt.Fprintf(cli.stdout, "To fill them, run: %s collect --missing\n", AppName)
	}
	return nil
}

// handleCheck handles the 'check' command
func (cli *CLI) handleCheck(ctx context.Context, args []string) error {
	flags, err := parseCheckFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "check")
		return nil
	}

	symbol := strings.ToUpper(strings.TrimSpace(flags.Symbol))
	var res models.Resolution
	if flags.Resolution != "" {
		if res, err = models.ParseResolution(flags.Resolution); err != nil {
			return usageError(err)
		}
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}

	units, err := cli.storedUnits(ctx, symbol, res)
	if err != nil {
		return storageFailure(ctx, fmt.Errorf("listing stored units failed: %w", err))
	}

	detector := cli.detector
	if flags.Days > 0 {
		detector = gaps.NewDetector(cli.router, days(flags.Days), cli.logs.GetLogger())
	}

	checks := make([]gaps.UnitCheck, 0, len(units))
	for _, unit := range units {
		check, err := detector.Check(ctx, cli.router, unit)
		if err != nil {
			return storageFailure(ctx, fmt.Errorf("check failed for %s: %w", unit, err))
		}
		checks = append(checks, check)
	}

	if flags.JSON {
		return cli.writeJSON(checks)
	}

	doc := cli.checkpoint.Document()
	if doc.RunID != "" {
		fmt.Fprintf(cli.stdout, "Checkpoint: run %s, %d of %d units completed, %d failed\n\n",
			doc.RunID, len(doc.Completed), doc.TotalUnits, len(doc.Failed))
	}

	counts := make(map[gaps.Health]int)
	fmt.Fprintf(cli.stdout, "%-18s %10s %-18s %6s %s\n", "UNIT", "ROWS", "LAST COLLECTED", "HOLES", "HEALTH")
	for _, check := range checks {
		counts[check.Health]++
		last := "never"
		if check.HasStatus {
			last = formatMillis(check.LastCollected)
		}
		fmt.Fprintf(cli.stdout, "%-18s %10d %-18s %6d %s\n",
			check.Unit, check.Rows, last, len(check.Holes), check.Health)
		for _, v := range check.Violations {
			fmt.Fprintf(cli.stdout, "%-18s error: %s\n", "", v)
		}
		for _, w := range check.Warnings {
			fmt.Fprintf(cli.stdout, "%-18s warning: %s\n", "", w)
		}
	}

	fmt.Fprintf(cli.stdout, "\n%d of %d stored units OK, %d with warnings, %d with errors\n",
		counts[gaps.HealthOK], len(checks), counts[gaps.HealthWarning], counts[gaps.HealthError])
	if counts[gaps.HealthWarning] > 0 {
		fmt.Fprintf(cli.stdout, "To refill holes, run: %s collect --missing --holes\n", AppName)
	}
	return nil
}

// storedUnits lists the units that have a partition or a collection status,
// optionally narrowed to one symbol or unit, sorted by id.
func (cli *CLI) storedUnits(ctx context.Context, symbol string, res models.Resolution) ([]models.Unit, error) {
	partitions, err := cli.router.Partitions(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := cli.router.Statuses(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]models.Unit, len(partitions))
	for _, p := range partitions {
		seen[p.Key.ID()] = p.Key
	}
	for _, st := range statuses {
		u := st.Unit()
		seen[u.ID()] = u
	}

	units := make([]models.Unit, 0, len(seen))
	for _, id := range slices.Sorted(maps.Keys(seen)) {
		u := seen[id]
		if symbol != "" && u.Symbol != symbol {
			continue
		}
		if res != "" && u.Resolution != res {
			continue
		}
		units = append(units, u)
	}
	return units, nil
}

// handleExport handles the 'export' command
func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	flags, err := parseExportFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "export")
		return nil
	}

	unit, err := models.NewUnit(flags.Symbol, flags.Resolution)
	if err != nil {
		return usageError(err)
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}

	out := flags.Out
	if out == "" {
		out = cli.cfg.Storage.ExportDir
	}
	r := models.TimeRange{Start: 0, End: cli.detector.Now() + unit.Resolution.Millis()}
	if flags.Days > 0 {
		r.Start = r.End - days(flags.Days).Milliseconds()
	}

	path, n, err := storage.ExportParquet(ctx, cli.router, unit, r, out)
	if err != nil {
		return storageFailure(ctx, fmt.Errorf("export failed: %w", err))
	}

	cli.logger.Info("Exported klines", "unit", unit.ID(), "rows", n, "path", path)
	if n == 0 {
		fmt.Fprintf(cli.stdout, "No stored klines for %s, wrote empty file %s\n", unit, path)
		return nil
	}
	fmt.Fprintf(cli.stdout, "✅ Exported %d klines of %s to %s\n", n, unit, path)
	return nil
}

// handleStatus handles the 'status' command
func (cli *CLI) handleStatus(ctx context.Context, args []string) error {
	flags, err := parseStatusFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "status")
		return nil
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}
	return cli.printStatus(flags.JSON)
}

// handleReset handles the 'reset' command
func (cli *CLI) handleReset(ctx context.Context, args []string) error {
	flags, err := parseResetFlags(args)
	if err != nil {
		return usageError(err)
	}
	if flags.Help {
		printCommandHelp(cli.stdout, "reset")
		return nil
	}

	if err := cli.initialize(ctx); err != nil {
		return err
	}
	return cli.resetProgress()
}

// selectUnits resolves the units named on the command line: the universe
// when symbol is empty, every configured resolution of symbol, or one unit.
func (cli *CLI) selectUnits(symbol, resolution string) ([]models.Unit, error) {
	if symbol == "" {
		return cli.units, nil
	}
	if resolution != "" {
		unit, err := models.NewUnit(symbol, resolution)
		if err != nil {
			return nil, usageError(err)
		}
		return []models.Unit{unit}, nil
	}

	resolutions, err := cli.cfg.Resolutions()
	if err != nil {
		return nil, configError(err)
	}
	units := make([]models.Unit, 0, len(resolutions))
	for _, res := range resolutions {
		unit, err := models.NewUnit(symbol, string(res))
		if err != nil {
			return nil, usageError(err)
		}
		units = append(units, unit)
	}
	return units, nil
}

// runCollection runs the orchestrator and prints its report. Failed units
// do not fail the command.
func (cli *CLI) runCollection(ctx context.Context, req collector.RunRequest) error {
	req.Universe = cli.units
	report, err := cli.orchestrator.Run(ctx, req)
	if report != nil {
		cli.printReport(report)
	}
	if err != nil {
		return initError(err)
	}
	return ctx.Err()
}

func (cli *CLI) printReport(report *collector.RunReport) {
	w := cli.stdout
	fmt.Fprintf(w, "Run %s finished in %s\n", report.RunID, report.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  Selected:   %d\n", report.Selected)
	fmt.Fprintf(w, "  Completed:  %d (%d already up to date)\n", report.Completed, report.Skipped)
	fmt.Fprintf(w, "  Failed:     %d\n", report.Failed)
	fmt.Fprintf(w, "  Deferred:   %d\n", report.Deferred)
	fmt.Fprintf(w, "  Canceled:   %d\n", report.Canceled)
	fmt.Fprintf(w, "  API calls:  %d\n", report.Calls)
	fmt.Fprintf(w, "  Rows:       %d\n", report.Rows)
	if report.Holes > 0 {
		fmt.Fprintf(w, "  Holes:      %d\n", report.Holes)
	}
	fmt.Fprintf(w, "  Peak heap:  %d MB\n", report.PeakMemMB)
	if report.AvgUnitTime > 0 {
		fmt.Fprintf(w, "  Unit time:  %s avg\n", report.AvgUnitTime.Round(time.Millisecond))
	}

	snap := cli.metrics.Snapshot()
	fmt.Fprintf(w, "  Requests:   %d (%d errors, avg %s, max %s)\n",
		snap.Requests, snap.RequestErrors,
		snap.AvgRequestLatency.Round(time.Millisecond), snap.MaxRequestLatency.Round(time.Millisecond))
	if snap.RateLimitHits > 0 {
		fmt.Fprintf(w, "  Throttled:  %d\n", snap.RateLimitHits)
	}
	for _, kind := range slices.Sorted(maps.Keys(snap.Retries)) {
		fmt.Fprintf(w, "  Retries:    %d %s\n", snap.Retries[kind], kind)
	}
	if cli.retrier != nil {
		stats := cli.retrier.GetStats()
		for _, kind := range slices.Sorted(maps.Keys(stats)) {
			fmt.Fprintf(w, "  Errors:     %d %s (%d retried)\n", stats[kind].Count, kind, stats[kind].Retries)
		}
	}

	if report.Failed > 0 {
		fmt.Fprintf(w, "\n%d unit(s) failed:\n", report.Failed)
		for _, id := range slices.Sorted(maps.Keys(report.Failures)) {
			fmt.Fprintf(w, "  %-18s %s\n", id, report.Failures[id])
		}
		fmt.Fprintf(w, "To try them again, run: %s retry --all-failed\n", AppName)
	}
	if report.Deferred > 0 {
		fmt.Fprintf(w, "\n%d unit(s) were throttled and stay pending for the next run\n", report.Deferred)
	}
}

func (cli *CLI) printStatus(asJSON bool) error {
	sum := cli.checkpoint.Summary(cli.units)
	if asJSON {
		return cli.writeJSON(sum)
	}

	w := cli.stdout
	fmt.Fprintf(w, "Checkpoint:   %s\n", cli.checkpoint.Path())
	if sum.RunID != "" {
		fmt.Fprintf(w, "Last run:     %s\n", sum.RunID)
	}
	fmt.Fprintf(w, "Completed:    %d/%d (%.1f%%)\n", sum.Completed, sum.Total, sum.PercentComplete)
	fmt.Fprintf(w, "Failed:       %d (%.1f%%)\n", sum.Failed, sum.PercentFailed)
	fmt.Fprintf(w, "Pending:      %d (%d in progress)\n", sum.Pending, sum.InProgress)
	if sum.StartTime != nil {
		fmt.Fprintf(w, "Started:      %s\n", sum.StartTime.UTC().Format(time.RFC3339))
	}
	if sum.LastSuccessTime != nil {
		fmt.Fprintf(w, "Last success: %s\n", sum.LastSuccessTime.UTC().Format(time.RFC3339))
	}
	if sum.ETA > 0 {
		fmt.Fprintf(w, "ETA:          %s\n", sum.ETA.Round(time.Second))
	}

	if len(sum.InFlight) > 0 {
		fmt.Fprintln(w, "\nIn flight:")
		for _, worker := range slices.Sorted(maps.Keys(sum.InFlight)) {
			fmt.Fprintf(w, "  %-10s %s\n", worker, sum.InFlight[worker])
		}
	}
	if len(sum.FailedUnits) > 0 {
		fmt.Fprintln(w, "\nFailed units:")
		for _, id := range slices.Sorted(maps.Keys(sum.FailedUnits)) {
			fmt.Fprintf(w, "  %-18s %s\n", id, sum.FailedUnits[id])
		}
	}
	return nil
}

func (cli *CLI) resetProgress() error {
	if err := cli.checkpoint.Reset(); err != nil {
		return initError(fmt.Errorf("failed to reset checkpoint: %w", err))
	}
	cli.logger.Info("Checkpoint reset", "path", cli.checkpoint.Path())
	fmt.Fprintf(cli.stdout, "Checkpoint %s reset, stored klines were kept\n", cli.checkpoint.Path())
	return nil
}

func (cli *CLI) writeJSON(v any) error {
	enc := json.NewEncoder(cli.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// storageFailure keeps interrupts distinguishable from storage errors.
func storageFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return initError(err)
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(timeLayout)
}
