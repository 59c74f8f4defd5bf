package exchange

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// SharedLimiter is the single request ceiling shared by every worker.
type SharedLimiter struct {
	limiter  *rate.Limiter
	recorder Recorder

	requests atomic.Int64
	waits    atomic.Int64
}

// NewSharedLimiter allows rps requests per second with the given burst.
// A non-positive rps disables limiting.
func NewSharedLimiter(rps float64, burst int, recorder Recorder) *SharedLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &SharedLimiter{
		limiter:  rate.NewLimiter(limit, burst),
		recorder: recorder,
	}
}

// Wait blocks until a request may be issued or ctx is done.
func (l *SharedLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.requests.Add(1)
	if l.limiter.Allow() {
		return nil
	}
	l.waits.Add(1)
	l.recorder.RecordLimiterWait()
	return l.limiter.Wait(ctx)
}

// Limit returns the configured requests per second.
func (l *SharedLimiter) Limit() rate.Limit {
	return l.limiter.Limit()
}

// Requests returns how many permits were asked for.
func (l *SharedLimiter) Requests() int64 {
	return l.requests.Load()
}

// Waits returns how many permits were not immediately available.
func (l *SharedLimiter) Waits() int64 {
	return l.waits.Load()
}
