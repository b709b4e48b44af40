package metrics

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectSystemMetrics(t *testing.T) {
	collector := NewCollector()

	metrics, err := collector.CollectSystemMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.GreaterOrEqual(t, metrics.CPUUsagePercent, 0.0)
	assert.GreaterOrEqual(t, metrics.MemoryUsagePercent, 0.0)
	assert.LessOrEqual(t, metrics.MemoryUsagePercent, 100.0)
	assert.NotZero(t, metrics.Timestamp)
}

func TestCollectRuntimeMetrics(t *testing.T) {
	collector := NewCollector()

	metrics, err := collector.CollectRuntimeMetrics()
	require.NoError(t, err)
	require.NotNil(t, metrics)

	assert.Equal(t, runtime.Version(), metrics.GoVersion)
	assert.Greater(t, metrics.GoRoutines, 0)
	assert.Greater(t, metrics.HeapAlloc, int64(0))
}

func TestNodeStatsTracker_Uptime(t *testing.T) {
	tracker := NewNodeStatsTracker()
	assert.GreaterOrEqual(t, tracker.GetUptime(), int64(0))
}

func TestNodeStatsTracker_HostStats(t *testing.T) {
	tracker := NewNodeStatsTracker()

	stats, err := tracker.GetHostStats()
	require.NoError(t, err)
	assert.Greater(t, stats.MemoryTotalBytes, uint64(0))
}
