package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Collector handles collection of system and runtime metrics
type Collector interface {
	CollectSystemMetrics() (*SystemMetrics, error)
	CollectRuntimeMetrics() (*RuntimeMetrics, error)

	// Background collection
	StartBackgroundCollection(ctx context.Context, manager Manager, interval time.Duration)
	StopBackgroundCollection()

	// Health
	IsHealthy() bool
}

// SystemMetrics holds system-level metrics
type SystemMetrics struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	MemoryUsedBytes    int64   `json:"memory_used_bytes"`
	MemoryTotalBytes   int64   `json:"memory_total_bytes"`
	Load1              float64 `json:"load_1"`
	Load5              float64 `json:"load_5"`
	Timestamp          int64   `json:"timestamp"`
}

// RuntimeMetrics holds Go runtime metrics
type RuntimeMetrics struct {
	GoVersion     string  `json:"go_version"`
	GoRoutines    int     `json:"goroutines"`
	HeapAlloc     int64   `json:"heap_alloc"`
	HeapSys       int64   `json:"heap_sys"`
	HeapInuse     int64   `json:"heap_inuse"`
	StackInuse    int64   `json:"stack_inuse"`
	NextGC        int64   `json:"next_gc"`
	LastGC        int64   `json:"last_gc"`
	PauseTotalNs  int64   `json:"pause_total_ns"`
	NumGC         int64   `json:"num_gc"`
	GCCPUFraction float64 `json:"gc_cpu_fraction"`
	Timestamp     int64   `json:"timestamp"`
}

// collector implements the Collector interface
type collector struct {
	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector() Collector {
	return &collector{
		stopChan: make(chan struct{}),
	}
}

// CollectSystemMetrics collects system-level metrics
func (c *collector) CollectSystemMetrics() (*SystemMetrics, error) {
	metrics := &SystemMetrics{
		Timestamp: time.Now().Unix(),
	}

	// Sampled without an interval so collection never blocks the caller.
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		metrics.CPUUsagePercent = percentages[0]
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		metrics.MemoryUsagePercent = memInfo.UsedPercent
		metrics.MemoryUsedBytes = int64(memInfo.Used)
		metrics.MemoryTotalBytes = int64(memInfo.Total)
	}

	if loadAvg, err := load.Avg(); err == nil {
		metrics.Load1 = loadAvg.Load1
		metrics.Load5 = loadAvg.Load5
	}

	return metrics, nil
}

// CollectRuntimeMetrics collects Go runtime metrics
func (c *collector) CollectRuntimeMetrics() (*RuntimeMetrics, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	metrics := &RuntimeMetrics{
		GoVersion:     runtime.Version(),
		GoRoutines:    runtime.NumGoroutine(),
		HeapAlloc:     int64(m.HeapAlloc),
		HeapSys:       int64(m.HeapSys),
		HeapInuse:     int64(m.HeapInuse),
		StackInuse:    int64(m.StackInuse),
		NextGC:        int64(m.NextGC),
		LastGC:        int64(m.LastGC),
		PauseTotalNs:  int64(m.PauseTotalNs),
		NumGC:         int64(m.NumGC),
		GCCPUFraction: m.GCCPUFraction,
		Timestamp:     time.Now().Unix(),
	}

	return metrics, nil
}

// StartBackgroundCollection starts collecting metrics in the background
func (c *collector) StartBackgroundCollection(ctx context.Context, manager Manager, interval time.Duration) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.setRunning(false)
				return
			case <-c.stopChan:
				c.setRunning(false)
				return
			case <-ticker.C:
				c.collectAndReport(manager)
			}
		}
	}()
}

// StopBackgroundCollection stops background collection
func (c *collector) StopBackgroundCollection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}

	close(c.stopChan)
	c.running = false
}

// IsHealthy returns the health status of the collector
func (c *collector) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *collector) setRunning(running bool) {
	c.mu.Lock()
	c.running = running
	c.mu.Unlock()
}

// collectAndReport collects metrics and reports them to the manager
func (c *collector) collectAndReport(manager Manager) {
	sysMetrics, err := c.CollectSystemMetrics()
	if err != nil {
		return
	}

	manager.UpdateSystemMetrics(
		sysMetrics.CPUUsagePercent,
		sysMetrics.MemoryUsagePercent,
		runtime.NumGoroutine(),
	)
}
