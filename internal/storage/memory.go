package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/go-kline-backfill/internal/models"
)

// MemoryStore is an in-process Backend for tests and dry runs.
type MemoryStore struct {
	mu         sync.RWMutex
	tables     map[string]map[int64]models.Candle
	partitions map[string]Partition
	statuses   map[string]CollectionStatus
	closed     bool
}

var _ Backend = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables:     make(map[string]map[int64]models.Candle),
		partitions: make(map[string]Partition),
		statuses:   make(map[string]CollectionStatus),
	}
}

// Initialize implements Backend.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return m.checkOpen()
}

// EnsurePartition implements Backend.
func (m *MemoryStore) EnsurePartition(ctx context.Context, p *Partition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	if _, ok := m.tables[p.Table]; !ok {
		m.tables[p.Table] = make(map[int64]models.Candle)
		m.partitions[p.Table] = *p
	}
	return nil
}

// Upsert implements Backend.
func (m *MemoryStore) Upsert(ctx context.Context, p *Partition, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	table, ok := m.tables[p.Table]
	if !ok {
		return NewStorageError("upsert", p.Table, fmt.Errorf("no such table"))
	}

	batchMax := int64(0)
	for _, c := range candles {
		table[c.Timestamp] = c
		if c.Timestamp > batchMax {
			batchMax = c.Timestamp
		}
	}

	id := p.Key.ID()
	st, ok := m.statuses[id]
	if !ok {
		st = CollectionStatus{Symbol: p.Key.Symbol, Resolution: p.Key.Resolution}
	}
	if batchMax > st.LastCollected {
		st.LastCollected = batchMax
	}
	st.LastUpdated = time.Now().UTC()
	m.statuses[id] = st
	return nil
}

// LastCollected implements Backend.
func (m *MemoryStore) LastCollected(ctx context.Context, unit models.Unit) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, false, errClosed
	}
	st, ok := m.statuses[unit.ID()]
	return st.LastCollected, ok, nil
}

// Query implements Backend.
func (m *MemoryStore) Query(ctx context.Context, p *Partition, r models.TimeRange) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	table, ok := m.tables[p.Table]
	if !ok {
		return nil, NewStorageError("query", p.Table, fmt.Errorf("no such table"))
	}

	out := make([]models.Candle, 0)
	for ts, c := range table {
		if ts >= r.Start && ts < r.End {
			out = append(out, c)
		}
	}
	sortCandles(out)
	return out, nil
}

// Count implements Backend.
func (m *MemoryStore) Count(ctx context.Context, p *Partition) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, errClosed
	}
	table, ok := m.tables[p.Table]
	if !ok {
		return 0, NewStorageError("count", p.Table, fmt.Errorf("no such table"))
	}
	return int64(len(table)), nil
}

// Statuses implements Backend.
func (m *MemoryStore) Statuses(ctx context.Context) ([]CollectionStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	out := make([]CollectionStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Resolution < out[j].Resolution
	})
	return out, nil
}

// Partitions implements Backend.
func (m *MemoryStore) Partitions(ctx context.Context) ([]Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	out := make([]Partition, 0, len(m.partitions))
	for _, p := range m.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Table < out[j].Table })
	return out, nil
}

// HealthCheck implements Backend.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	return m.checkOpen()
}

// Close implements Backend.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var errClosed = NewStorageError("memory", "", fmt.Errorf("storage is closed"))

func (m *MemoryStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func sortCandles(candles []models.Candle) {
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp < candles[j].Timestamp
	})
}
