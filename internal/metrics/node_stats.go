package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// NodeStatsTracker tracks node-level statistics surfaced by the health
// and admin endpoints: uptime and host usage. Request counters live in
// the Prometheus registry, not here.
type NodeStatsTracker struct {
	startTime time.Time
}

// NewNodeStatsTracker creates a new NodeStatsTracker instance
func NewNodeStatsTracker() *NodeStatsTracker {
	return &NodeStatsTracker{
		startTime: time.Now(),
	}
}

// GetUptime returns the node uptime in seconds
func (t *NodeStatsTracker) GetUptime() int64 {
	return int64(time.Since(t.startTime).Seconds())
}

// HostStats represents host CPU and memory usage
type HostStats struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
}

// GetHostStats returns current host usage
func (t *NodeStatsTracker) GetHostStats() (*HostStats, error) {
	stats := &HostStats{}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPUUsagePercent = percentages[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	stats.MemoryUsagePercent = memInfo.UsedPercent
	stats.MemoryUsedBytes = memInfo.Used
	stats.MemoryTotalBytes = memInfo.Total

	return stats, nil
}
