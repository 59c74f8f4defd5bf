package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/gaps"
	"github.com/johnayoung/go-kline-backfill/internal/logger"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// RunRequest selects what a run collects.
type RunRequest struct {
	Units []models.Unit

	// Universe is the configured unit set the checkpoint totals are
	// counted from. Empty means Units.
	Universe []models.Unit

	// IncludeCompleted reselects completed units to top up their trailing
	// gap. Failed units stay excluded.
	IncludeCompleted bool

	// Force refetches [now-History, open(now)) whatever is already stored.
	Force bool

	// History overrides the lookback for never-collected units.
	History time.Duration

	// FillHoles also refetches interior holes within the lookback.
	FillHoles bool
}

// RunReport summarizes a run.
type RunReport struct {
	RunID     string            `json:"run_id"`
	Selected  int               `json:"selected"`
	Completed int               `json:"completed"`
	Skipped   int               `json:"skipped"` // completed with nothing to fetch
	Failed    int               `json:"failed"`
	Deferred  int               `json:"deferred"`
	Canceled  int               `json:"canceled"`
	Failures  map[string]string `json:"failures,omitempty"`
	Calls     int               `json:"calls"`
	Rows      int               `json:"rows"`
	Holes     int               `json:"holes"`
	Duration  time.Duration     `json:"duration"`
	PeakMemMB int64             `json:"peak_mem_mb"`

	// AvgUnitTime is the worker pool's mean time per unit.
	AvgUnitTime time.Duration `json:"avg_unit_time"`

	mu sync.Mutex
}

type unitOutcome int

const (
	outcomeCompleted unitOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDeferred
	outcomeCanceled
)

func (r *RunReport) record(unit models.Unit, outcome unitOutcome, res CollectResult, holes int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Calls += res.Calls
	r.Rows += res.Rows
	r.Holes += holes
	switch outcome {
	case outcomeCompleted:
		r.Completed++
	case outcomeSkipped:
		r.Completed++
		r.Skipped++
	case outcomeFailed:
		r.Failed++
		r.Failures[unit.ID()] = msg
	case outcomeDeferred:
		r.Deferred++
	case outcomeCanceled:
		r.Canceled++
	}
}

// Orchestrator runs units through a bounded worker pool and records each
// unit's outcome in the checkpoint. A unit's failure never affects another.
type Orchestrator struct {
	checkpoint Checkpoint
	detector   RangeDetector
	collector  UnitCollector
	holes      gaps.CandleReader
	recorder   UnitRecorder
	workers    int
	memLimitMB int
	logger     *slog.Logger
}

// OrchestratorOption customizes an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithWorkerCount sets how many units are collected concurrently.
func WithWorkerCount(n int) OrchestratorOption {
	return func(o *Orchestrator) { o.workers = n }
}

// WithHoleReader enables interior hole refill, reading stored candles from r.
func WithHoleReader(r gaps.CandleReader) OrchestratorOption {
	return func(o *Orchestrator) { o.holes = r }
}

// WithUnitRecorder reports unit outcomes to r.
func WithUnitRecorder(r UnitRecorder) OrchestratorOption {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithMemoryLimit sets the heap size in MB above which a run logs a warning.
func WithMemoryLimit(mb int) OrchestratorOption {
	return func(o *Orchestrator) { o.memLimitMB = mb }
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cp Checkpoint, detector RangeDetector, collector UnitCollector, logger *slog.Logger, opts ...OrchestratorOption) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		checkpoint: cp,
		detector:   detector,
		collector:  collector,
		recorder:   nopUnitRecorder{},
		workers:    DefaultWorkerCount,
		logger:     logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Select returns the units a run with req would collect.
func (o *Orchestrator) Select(req RunRequest) []models.Unit {
	if !req.IncludeCompleted {
		return o.checkpoint.Pending(req.Units)
	}
	out := make([]models.Unit, 0, len(req.Units))
	for _, u := range req.Units {
		if o.checkpoint.State(u) != models.UnitFailed {
			out = append(out, u)
		}
	}
	return out
}

// Run collects the selected units. Per-unit failures are recorded in the
// checkpoint and the report; the returned error is reserved for failures of
// the run itself, such as a checkpoint that cannot be persisted.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	began := time.Now()
	report := &RunReport{
		RunID:    uuid.NewString(),
		Failures: make(map[string]string),
	}
	ctx = logger.WithRunID(ctx, report.RunID)
	log := logger.FromContext(ctx, o.logger)

	universe := req.Universe
	if len(universe) == 0 {
		universe = req.Units
	}
	instruments, resolutions := countAxes(universe)
	if err := o.checkpoint.Begin(report.RunID, instruments, resolutions); err != nil {
		return nil, fmt.Errorf("beginning run: %w", err)
	}

	selected := o.Select(req)
	report.Selected = len(selected)
	log.Info("Run started",
		"units", len(req.Units),
		"selected", len(selected),
		"workers", o.workers,
		"force", req.Force,
		"top_up", req.IncludeCompleted,
		"holes", req.FillHoles,
	)

	mem := newMemoryMonitor(o.memLimitMB, log)
	pool := NewWorkerPool(o.workers, log)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		runErr   error
		notQueue int
	)
	for _, unit := range selected {
		wg.Add(1)
		pool.Submit(ctx, &Job{
			Unit: unit,
			Run: func(ctx context.Context, workerID int) error {
				defer mem.Sample()
				return o.process(ctx, workerID, unit, req, report)
			},
		}, func(err error) {
			defer wg.Done()
			if err == nil {
				return
			}
			errMu.Lock()
			defer errMu.Unlock()
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errPoolStopped) {
				notQueue++
				return
			}
			runErr = errors.Join(runErr, err)
		})
	}
	wg.Wait()
	poolStats := pool.GetStats()
	_ = pool.Stop(context.Background())

	report.mu.Lock()
	report.Canceled += notQueue
	report.mu.Unlock()
	report.Duration = time.Since(began)
	report.PeakMemMB = mem.PeakMB()
	report.AvgUnitTime = poolStats.AvgJobDuration

	log.Info("Run finished",
		"selected", report.Selected,
		"completed", report.Completed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"canceled", report.Canceled,
		"calls", report.Calls,
		"rows", report.Rows,
		"avg_unit_time", report.AvgUnitTime,
		"duration", report.Duration,
	)

	if runErr != nil {
		return report, fmt.Errorf("run %s: %w", report.RunID, runErr)
	}
	return report, nil
}

// process collects one unit and applies its final checkpoint transition.
// Only checkpoint failures are returned.
func (o *Orchestrator) process(ctx context.Context, workerID int, unit models.Unit, req RunRequest, report *RunReport) error {
	worker := fmt.Sprintf("worker-%d", workerID)
	ctx = logger.WithWorker(ctx, worker)
	ctx = logger.WithUnit(ctx, unit.ID(), unit.Symbol, string(unit.Resolution))
	log := logger.FromContext(ctx, o.logger)

	if ctx.Err() != nil {
		report.record(unit, outcomeCanceled, CollectResult{}, 0, "")
		return nil
	}
	if err := o.checkpoint.MarkInProgress(worker, unit); err != nil {
		return fmt.Errorf("marking %s in progress: %w", unit.ID(), err)
	}

	began := time.Now()
	res, holes, fetched, err := o.collectUnit(ctx, unit, req)

	switch {
	case err == nil:
		outcome := outcomeCompleted
		if !fetched {
			outcome = outcomeSkipped
			o.recorder.RecordUnitSkipped()
		} else {
			o.recorder.RecordUnitCompleted()
		}
		if cpErr := o.checkpoint.MarkCompleted(worker, unit); cpErr != nil {
			return fmt.Errorf("marking %s completed: %w", unit.ID(), cpErr)
		}
		report.record(unit, outcome, res, holes, "")
		log.Info("Unit completed",
			"windows", res.Windows,
			"calls", res.Calls,
			"rows", res.Rows,
			"holes", holes,
			"duration", time.Since(began),
		)

	case ctx.Err() != nil || apperrors.GetErrorType(err) == apperrors.ErrorTypeCanceled:
		if cpErr := o.checkpoint.Release(worker, unit); cpErr != nil {
			return fmt.Errorf("releasing %s: %w", unit.ID(), cpErr)
		}
		report.record(unit, outcomeCanceled, res, holes, "")
		log.Info("Unit interrupted", "rows", res.Rows)

	case apperrors.GetErrorType(err) == apperrors.ErrorTypeRateLimit:
		if cpErr := o.checkpoint.Release(worker, unit); cpErr != nil {
			return fmt.Errorf("releasing %s: %w", unit.ID(), cpErr)
		}
		o.recorder.RecordUnitDeferred()
		report.record(unit, outcomeDeferred, res, holes, "")
		log.Warn("Unit deferred by rate limiting", "rows", res.Rows, "error", err)

	default:
		msg := err.Error()
		if cpErr := o.checkpoint.MarkFailed(worker, unit, msg); cpErr != nil {
			return fmt.Errorf("marking %s failed: %w", unit.ID(), cpErr)
		}
		o.recorder.RecordUnitFailed()
		report.record(unit, outcomeFailed, res, holes, msg)
		log.Error("Unit failed",
			"error_type", string(apperrors.GetErrorType(err)),
			"rows", res.Rows,
			"error", err,
		)
	}
	return nil
}

// collectUnit fetches the unit's missing (or forced) range, then its holes
// when requested. fetched is false when there was nothing to collect.
func (o *Orchestrator) collectUnit(ctx context.Context, unit models.Unit, req RunRequest) (CollectResult, int, bool, error) {
	var total CollectResult

	history := req.History
	if history <= 0 {
		history = o.detector.History()
	}

	var (
		r   models.TimeRange
		ok  bool
		err error
	)
	if req.Force {
		r = o.detector.HistoryRange(unit.Resolution, history)
		ok = !r.Empty()
	} else {
		r, ok, err = o.detector.MissingRangeWithin(ctx, unit, history)
		if err != nil {
			return total, 0, false, err
		}
	}

	fetched := false
	if ok {
		res, err := o.collector.Collect(ctx, unit, r)
		total.add(res)
		if err != nil {
			return total, 0, true, err
		}
		fetched = true
	}

	if !req.FillHoles || o.holes == nil {
		return total, 0, fetched, nil
	}

	holes, err := gaps.FindHoles(ctx, o.holes, unit, o.detector.HistoryRange(unit.Resolution, history))
	if err != nil {
		return total, 0, fetched, err
	}
	for i, hole := range holes {
		res, err := o.collector.Collect(ctx, unit, hole)
		total.add(res)
		if err != nil {
			return total, i, true, err
		}
		fetched = true
	}
	return total, len(holes), fetched, nil
}

func countAxes(units []models.Unit) (instruments, resolutions int) {
	symbols := make(map[string]struct{})
	res := make(map[models.Resolution]struct{})
	for _, u := range units {
		symbols[u.Symbol] = struct{}{}
		res[u.Resolution] = struct{}{}
	}
	return len(symbols), len(res)
}
