package errors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-kline-backfill/internal/config"
)

// RetryObserver is notified about every retry decision, e.g. by a metrics collector.
type RetryObserver interface {
	RecordRetry(errorType string)
	RecordRateLimitHit()
}

// ErrorStats tracks error statistics for monitoring
type ErrorStats struct {
	Count     int64     `json:"count"`
	Retries   int64     `json:"retries"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Retrier applies the per-kind retry policy:
//   - network errors back off exponentially, bounded by MaxAttempts
//   - rate limit errors sleep for Retry-After (or the configured cooldown),
//     bounded by MaxCooldowns
//   - everything else is returned on first occurrence
type Retrier struct {
	policy   config.RetryPolicyConfig
	logger   *slog.Logger
	observer RetryObserver
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	stats map[ErrorType]ErrorStats
}

// RetrierOption customizes a Retrier.
type RetrierOption func(*Retrier)

// WithObserver reports retries to o.
func WithObserver(o RetryObserver) RetrierOption {
	return func(r *Retrier) { r.observer = o }
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// NewRetrier creates a retrier for the given policy.
func NewRetrier(policy config.RetryPolicyConfig, logger *slog.Logger, opts ...RetrierOption) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		policy: policy,
		logger: logger,
		sleep:  sleepContext,
		stats:  make(map[ErrorType]ErrorStats),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Retrier) newNetworkBackOff(ctx context.Context) backoff.BackOff {
	initial, max, _ := r.policy.Delays()

	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = initial
	exponential.MaxInterval = max
	exponential.MaxElapsedTime = 0
	if r.policy.Multiplier >= 1 {
		exponential.Multiplier = r.policy.Multiplier
	}
	if !r.policy.Jitter {
		exponential.RandomizationFactor = 0
	}
	exponential.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(r.policy.MaxAttempts-1)), ctx)
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy for its error kind, or ctx is done. The returned error is always a
// *ClassifiedError (or the context error) with Attempts set.
func (r *Retrier) Do(ctx context.Context, component, operation string, fn func(ctx context.Context) error) error {
	netBackOff := r.newNetworkBackOff(ctx)
	_, _, cooldown := r.policy.Delays()

	attempts := 0
	cooldowns := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		classified := Classify(err, component, operation)
		classified.Attempts = attempts
		r.recordError(classified.Type)

		var wait time.Duration
		switch classified.Type {
		case ErrorTypeRateLimit:
			cooldowns++
			if r.observer != nil {
				r.observer.RecordRateLimitHit()
			}
			if r.policy.MaxCooldowns > 0 && cooldowns > r.policy.MaxCooldowns {
				r.logger.Warn("rate limit cooldowns exhausted",
					"component", component, "operation", operation, "cooldowns", cooldowns-1)
				return classified
			}
			wait = classified.RetryAfter
			if wait <= 0 {
				wait = cooldown
			}
		case ErrorTypeNetwork:
			wait = netBackOff.NextBackOff()
			if wait == backoff.Stop {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.logger.Error("operation failed after all retries",
					"component", component, "operation", operation, "attempts", attempts, "error", err)
				return classified
			}
		case ErrorTypeCanceled:
			return err
		default:
			return classified
		}

		r.recordRetry(classified.Type)
		r.logger.Warn("operation failed, retrying",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"error_type", classified.Type,
			"wait", wait,
			"error", err.Error())

		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (r *Retrier) recordError(t ErrorType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := r.stats[t]
	stats.Count++
	stats.LastSeen = time.Now()
	if stats.FirstSeen.IsZero() {
		stats.FirstSeen = stats.LastSeen
	}
	r.stats[t] = stats
}

func (r *Retrier) recordRetry(t ErrorType) {
	r.mu.Lock()
	stats := r.stats[t]
	stats.Retries++
	r.stats[t] = stats
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.RecordRetry(string(t))
	}
}

// GetStats returns a copy of the per-type error statistics
func (r *Retrier) GetStats() map[ErrorType]ErrorStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[ErrorType]ErrorStats, len(r.stats))
	for k, v := range r.stats {
		out[k] = v
	}
	return out
}
