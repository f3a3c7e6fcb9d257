// Package metrics provides the per-invocation execution metrics merged into
// every pipeline response envelope.
package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// Collector accumulates timings for a single pipeline invocation. The
// pipeline consumes it opaquely: record durations while running, snapshot
// once when finalizing.
type Collector struct {
	started   time.Time
	durations map[string]time.Duration
	order     []string
	now       func() time.Time
}

func NewCollector() *Collector {
	return newCollectorAt(time.Now)
}

func newCollectorAt(now func() time.Time) *Collector {
	return &Collector{
		started:   now(),
		durations: make(map[string]time.Duration),
		now:       now,
	}
}

func (c *Collector) RecordDuration(name string, d time.Duration) {
	if _, seen := c.durations[name]; !seen {
		c.order = append(c.order, name)
	}
	c.durations[name] = d
}

// Snapshot finalizes the collector and returns every metric as a flat
// key/value map suitable for merging into a response envelope.
func (c *Collector) Snapshot() map[string]any {
	out := make(map[string]any, len(c.durations)+5)
	out["runtimeMs"] = c.now().Sub(c.started).Milliseconds()

	for _, name := range c.order {
		out[name+"Ms"] = c.durations[name].Milliseconds()
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out["heapAllocBytes"] = ms.HeapAlloc
	out["heapSysBytes"] = ms.HeapSys
	out["numGC"] = ms.NumGC

	if vm, err := mem.VirtualMemory(); err == nil {
		out["hostAvailableMemoryBytes"] = vm.Available
	}

	return out
}

// AvailableMemory reports the host's currently available memory in bytes, or
// fallback when discovery fails. The spool decision uses it to bound how much
// image data may be held in memory.
func AvailableMemory(fallback int64) int64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Available == 0 {
		return fallback
	}
	if vm.Available > uint64(1<<62) {
		return 1 << 62
	}
	return int64(vm.Available)
}
