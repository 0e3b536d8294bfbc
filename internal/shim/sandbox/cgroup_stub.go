//go:build !linux

package sandbox

import (
	"fmt"

	"wasmshim/internal/shim/spec"
)

var errUnsupported = fmt.Errorf("cgroups are only supported on linux")

func createTaskCgroup(root, taskID string) (string, error) { return "", errUnsupported }

func removeCgroup(cgroupPath string) error { return errUnsupported }

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error { return errUnsupported }

func addProcessToCgroup(cgroupPath string, pid int) error { return errUnsupported }

func killCgroup(cgroupPath string) error { return errUnsupported }

func cgroupPids(cgroupPath string) ([]int, error) { return nil, errUnsupported }

func readCgroupStats(cgroupPath string) (Stats, error) { return Stats{}, errUnsupported }
