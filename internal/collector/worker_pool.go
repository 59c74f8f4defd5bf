package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// DefaultWorkerCount is the number of units collected concurrently.
const DefaultWorkerCount = 8

// errPoolStopped is reported to callbacks of jobs still queued at Stop.
var errPoolStopped = fmt.Errorf("worker pool is shutting down")

// Job is one unit of work for the pool. Run receives the id of the worker
// executing it.
type Job struct {
	Unit models.Unit
	Run  func(ctx context.Context, workerID int) error
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// WorkerPool runs jobs on a fixed number of workers
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	// Channels for job distribution
	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper

	workers []*Worker
	quit    chan struct{}
	wg      sync.WaitGroup

	stats     *workerPoolStats
	isStarted int32
}

// jobWrapper wraps a job with its callback
type jobWrapper struct {
	job      *Job
	callback func(error)
	ctx      context.Context
}

// Worker represents a single worker in the pool
type Worker struct {
	ID          int
	WorkerQueue chan chan *jobWrapper
	JobChannel  chan *jobWrapper
	quit        <-chan struct{}
	logger      *slog.Logger
	stats       *workerPoolStats
}

type workerPoolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// NewWorkerPool creates a pool of workerCount workers; non-positive counts
// fall back to DefaultWorkerCount.
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		logger:      logger,
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan struct{}),
		stats:       &workerPoolStats{},
	}
}

// WorkerCount returns the pool size.
func (wp *WorkerPool) WorkerCount() int {
	return wp.workerCount
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("Starting worker pool", "worker_count", wp.workerCount)

	wp.workers = make([]*Worker, wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			ID:          i + 1,
			WorkerQueue: wp.workerQueue,
			JobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			logger:      wp.logger,
			stats:       wp.stats,
		}
		wp.workers[i] = worker
		wp.wg.Add(1)
		go worker.Start(wp.wg.Done)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
	}

	wp.wg.Add(1)
	go wp.dispatch()
	return nil
}

// Stop shuts the pool down and waits for running jobs to return. Jobs still
// queued get errPoolStopped.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		wp.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}

	// drain jobs queued after the dispatcher exited
	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			if job.callback != nil {
				job.callback(errPoolStopped)
			}
		default:
			wp.logger.Debug("Worker pool stopped")
			return nil
		}
	}
}

// Submit queues job. It blocks while the queue is full; if ctx ends first
// the callback receives ctx.Err() and the job never runs.
func (wp *WorkerPool) Submit(ctx context.Context, job *Job, callback func(error)) {
	atomic.AddInt32(&wp.stats.queuedJobs, 1)

	wrapper := &jobWrapper{
		job:      job,
		callback: callback,
		ctx:      ctx,
	}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		if callback != nil {
			callback(ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() *WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)

	avgJobDuration := time.Duration(0)
	if n := completed + failed; n > 0 {
		avgJobDuration = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}

	return &WorkerPoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avgJobDuration,
	}
}

// dispatch hands queued jobs to idle workers
func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)

			select {
			case jobChannel := <-wp.workerQueue:
				select {
				case jobChannel <- job:
				case <-wp.quit:
					job.fail(errPoolStopped)
					return
				}
			case <-wp.quit:
				job.fail(errPoolStopped)
				return
			}

		case <-wp.quit:
			return
		}
	}
}

func (j *jobWrapper) fail(err error) {
	if j.callback != nil {
		j.callback(err)
	}
}

// Start runs the worker loop until the pool quits
func (w *Worker) Start(done func()) {
	defer done()
	defer atomic.AddInt32(&w.stats.activeWorkers, -1)

	for {
		select {
		case w.WorkerQueue <- w.JobChannel:
		case <-w.quit:
			return
		}

		select {
		case job := <-w.JobChannel:
			w.processJob(job)
		case <-w.quit:
			return
		}
	}
}

// processJob runs a single job and reports its outcome to the callback
func (w *Worker) processJob(jw *jobWrapper) {
	startTime := time.Now()

	err := jw.job.Run(jw.ctx, w.ID)

	duration := time.Since(startTime)
	atomic.AddInt64(&w.stats.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&w.stats.failedJobs, 1)
		w.logger.Error("Job failed",
			"worker_id", w.ID,
			"unit", jw.job.Unit.ID(),
			"error", err,
			"duration", duration,
		)
	} else {
		atomic.AddInt64(&w.stats.completedJobs, 1)
	}

	if jw.callback != nil {
		jw.callback(err)
	}
}
