package collector

import (
	"log/slog"
	"runtime"
	"sync"
)

// memoryMonitor samples heap usage between units and tracks the peak.
type memoryMonitor struct {
	limitMB int64
	logger  *slog.Logger

	mu     sync.Mutex
	peakMB int64
	warned bool
}

// MemoryStats provides detailed memory statistics
type MemoryStats struct {
	AllocMB      int64
	TotalAllocMB int64
	SysMB        int64
	NumGC        uint32
	HeapObjects  uint64
}

func newMemoryMonitor(limitMB int, logger *slog.Logger) *memoryMonitor {
	return &memoryMonitor{
		limitMB: int64(limitMB),
		logger:  logger,
	}
}

func readMemoryStats() *MemoryStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return &MemoryStats{
		AllocMB:      int64(memStats.Alloc / 1024 / 1024),
		TotalAllocMB: int64(memStats.TotalAlloc / 1024 / 1024),
		SysMB:        int64(memStats.Sys / 1024 / 1024),
		NumGC:        memStats.NumGC,
		HeapObjects:  memStats.HeapObjects,
	}
}

// Sample records current usage and warns once per run above the soft limit.
func (mm *memoryMonitor) Sample() {
	stats := readMemoryStats()

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if stats.AllocMB > mm.peakMB {
		mm.peakMB = stats.AllocMB
	}
	if mm.limitMB > 0 && stats.AllocMB > mm.limitMB && !mm.warned {
		mm.warned = true
		mm.logger.Warn("Memory usage exceeds soft limit",
			"current_mb", stats.AllocMB,
			"limit_mb", mm.limitMB,
			"heap_objects", stats.HeapObjects,
			"num_gc", stats.NumGC,
		)
	}
}

// PeakMB returns the highest sampled heap usage.
func (mm *memoryMonitor) PeakMB() int64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.peakMB
}
