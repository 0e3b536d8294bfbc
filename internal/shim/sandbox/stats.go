package sandbox

import (
	"github.com/shirou/gopsutil/v3/process"
)

// Stats is a point-in-time resource usage snapshot for one task.
type Stats struct {
	CPUUsageUsec    int64 `json:"cpu_usage_usec"`
	MemoryBytes     int64 `json:"memory_bytes"`
	MemoryPeakBytes int64 `json:"memory_peak_bytes"`
	PidsCurrent     int64 `json:"pids_current"`
}

// processStats reads per-pid usage when the task runs without a cgroup.
func processStats(pids []int) Stats {
	var stats Stats
	for _, pid := range pids {
		proc, err := process.NewProcess(int32(pid))
		if err != nil {
			continue
		}
		if times, err := proc.Times(); err == nil {
			stats.CPUUsageUsec += int64((times.User + times.System) * 1e6)
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			stats.MemoryBytes += int64(mem.RSS)
		}
		stats.PidsCurrent++
	}
	return stats
}
