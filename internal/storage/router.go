package storage

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/johnayoung/go-kline-backfill/internal/errors"
	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// Recorder receives storage measurements, typically a metrics collector.
type Recorder interface {
	RecordCandlesStored(n int)
}

// Router maps units to partitions and forwards to the Backend. Partition
// handles are created on first use and cached for the life of the Router.
type Router struct {
	backend  Backend
	logger   *slog.Logger
	recorder Recorder

	mu         sync.Mutex
	partitions map[string]*Partition
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRecorder reports stored candle counts to r.
func WithRecorder(r Recorder) RouterOption {
	return func(rt *Router) { rt.recorder = r }
}

// NewRouter creates a router in front of backend.
func NewRouter(backend Backend, logger *slog.Logger, opts ...RouterOption) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		backend:    backend,
		logger:     logger,
		partitions: make(map[string]*Partition),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Backend returns the underlying backend.
func (r *Router) Backend() Backend {
	return r.backend
}

// Partition returns the cached handle for unit, creating its table on first use.
func (r *Router) Partition(ctx context.Context, unit models.Unit) (*Partition, error) {
	id := unit.ID()

	r.mu.Lock()
	p, ok := r.partitions[id]
	r.mu.Unlock()
	if ok {
		return p, nil
	}

	p = NewPartition(unit)
	if err := r.backend.EnsurePartition(ctx, p); err != nil {
		return nil, r.wrap(ctx, "ensure_partition", err)
	}

	r.mu.Lock()
	if cached, ok := r.partitions[id]; ok {
		p = cached
	} else {
		r.partitions[id] = p
	}
	r.mu.Unlock()

	r.logger.Debug("partition ready", "unit", id, "table", p.Table)
	return p, nil
}

// Store upserts candles into unit's partition and advances its collection
// status in the same transaction. Storing the same candles again is a no-op
// apart from refreshing last_updated.
func (r *Router) Store(ctx context.Context, unit models.Unit, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	p, err := r.Partition(ctx, unit)
	if err != nil {
		return 0, err
	}

	candles = dedupe(candles)
	if err := r.backend.Upsert(ctx, p, candles); err != nil {
		return 0, r.wrap(ctx, "store", err)
	}

	if r.recorder != nil {
		r.recorder.RecordCandlesStored(len(candles))
	}
	return len(candles), nil
}

// LastCollected returns the newest stored open time of unit.
func (r *Router) LastCollected(ctx context.Context, unit models.Unit) (int64, bool, error) {
	ts, ok, err := r.backend.LastCollected(ctx, unit)
	if err != nil {
		return 0, false, r.wrap(ctx, "last_collected", err)
	}
	return ts, ok, nil
}

// Query returns unit's candles in tr, ascending.
func (r *Router) Query(ctx context.Context, unit models.Unit, tr models.TimeRange) ([]models.Candle, error) {
	p, err := r.Partition(ctx, unit)
	if err != nil {
		return nil, err
	}
	candles, err := r.backend.Query(ctx, p, tr)
	if err != nil {
		return nil, r.wrap(ctx, "query", err)
	}
	return candles, nil
}

// Count returns the number of stored candles of unit.
func (r *Router) Count(ctx context.Context, unit models.Unit) (int64, error) {
	p, err := r.Partition(ctx, unit)
	if err != nil {
		return 0, err
	}
	n, err := r.backend.Count(ctx, p)
	if err != nil {
		return 0, r.wrap(ctx, "count", err)
	}
	return n, nil
}

// Statuses returns every collection status.
func (r *Router) Statuses(ctx context.Context) ([]CollectionStatus, error) {
	statuses, err := r.backend.Statuses(ctx)
	if err != nil {
		return nil, r.wrap(ctx, "statuses", err)
	}
	return statuses, nil
}

// Partitions returns every registered partition.
func (r *Router) Partitions(ctx context.Context) ([]Partition, error) {
	partitions, err := r.backend.Partitions(ctx)
	if err != nil {
		return nil, r.wrap(ctx, "partitions", err)
	}
	return partitions, nil
}

// HealthCheck probes the backend.
func (r *Router) HealthCheck(ctx context.Context) error {
	return r.backend.HealthCheck(ctx)
}

// Close closes the backend.
func (r *Router) Close() error {
	return r.backend.Close()
}

// wrap classifies a backend failure as a storage error, or passes the
// context error through when the failure was caused by cancellation.
func (r *Router) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return apperrors.NewStorageError("storage", op, err)
}
