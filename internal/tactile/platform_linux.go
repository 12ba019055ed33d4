//go:build linux

package tactile

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyResourceLimits sets rlimits on a freshly started process. Limits are
// inherited by anything the process spawns afterwards.
func applyResourceLimits(pid int, limits *ResourceLimits) error {
	if limits == nil {
		return nil
	}

	for resource, value := range rlimitValues(limits) {
		rl := unix.Rlimit{Cur: value, Max: value}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			return fmt.Errorf("prlimit(%d, %d): %w", pid, resource, err)
		}
	}
	return nil
}

func rlimitValues(limits *ResourceLimits) map[int]uint64 {
	values := make(map[int]uint64)

	if limits.MaxMemoryBytes > 0 {
		values[unix.RLIMIT_AS] = uint64(limits.MaxMemoryBytes)
	}
	if limits.MaxCPUTimeMs > 0 {
		cpuSeconds := uint64(limits.MaxCPUTimeMs / 1000)
		if cpuSeconds == 0 {
			cpuSeconds = 1 // Minimum 1 second
		}
		values[unix.RLIMIT_CPU] = cpuSeconds
	}
	if limits.MaxFileSize > 0 {
		values[unix.RLIMIT_FSIZE] = uint64(limits.MaxFileSize)
	}
	return values
}
