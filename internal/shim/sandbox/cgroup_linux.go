//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"wasmshim/internal/shim/spec"
)

func createTaskCgroup(root, taskID string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, taskID)
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", fmt.Errorf("create cgroup path: %w", err)
	}
	return cgroupPath, nil
}

func removeCgroup(cgroupPath string) error {
	return os.RemoveAll(cgroupPath)
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", "max 100000"); err != nil {
		return err
	}
	return nil
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func cgroupPids(cgroupPath string) ([]int, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func readCgroupStats(cgroupPath string) (Stats, error) {
	var stats Stats
	if usage, err := readCgroupKeyed(cgroupPath, "cpu.stat", "usage_usec"); err == nil {
		stats.CPUUsageUsec = usage
	}
	if current, err := readCgroupInt(cgroupPath, "memory.current"); err == nil {
		stats.MemoryBytes = current
	}
	if peak, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil {
		stats.MemoryPeakBytes = peak
	}
	if pids, err := readCgroupInt(cgroupPath, "pids.current"); err == nil {
		stats.PidsCurrent = pids
	}
	return stats, nil
}

func readCgroupKeyed(cgroupPath, name, key string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("%s has no %s", name, key)
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	value := strings.TrimSpace(string(data))
	return strconv.ParseInt(value, 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	return os.WriteFile(path, []byte(value), 0640)
}
