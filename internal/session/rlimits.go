//go:build darwin || linux || freebsd
// +build darwin linux freebsd

package session

import (
	"fmt"
	"syscall"
)

// rlimInfinity is syscall.RLIM_INFINITY widened to uint64. The raw constant
// is -1 on linux and cannot be compared against a uint64 directly.
const rlimInfinity = ^uint64(0)

// applySessionPriority renices a freshly spawned session leader. Priority can
// only be lowered without privileges, so failures are reported but callers
// treat them as advisory.
func applySessionPriority(pid, nice int) error {
	if nice == 0 || pid <= 0 {
		return nil
	}

	currentPrio, err := syscall.Getpriority(syscall.PRIO_PROCESS, pid)
	if err != nil {
		return fmt.Errorf("failed to get process priority: %w", err)
	}

	newPrio := currentPrio + nice
	if newPrio > 19 {
		newPrio = 19
	}
	if newPrio < -20 {
		newPrio = -20
	}

	return syscall.Setpriority(syscall.PRIO_PROCESS, pid, newPrio)
}

// CurrentResourceLimits reads the rlimits the engine process runs under.
// Session children inherit these at spawn.
func CurrentResourceLimits() map[string]syscall.Rlimit {
	limits := make(map[string]syscall.Rlimit)

	var limit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_AS, &limit); err == nil {
		limits["address_space"] = limit
	}

	if err := syscall.Getrlimit(syscall.RLIMIT_FSIZE, &limit); err == nil {
		limits["file_size"] = limit
	}

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err == nil {
		limits["open_files"] = limit
	}

	if err := syscall.Getrlimit(syscall.RLIMIT_CPU, &limit); err == nil {
		limits["cpu_time"] = limit
	}

	return limits
}

// FormatRlimit formats an rlimit value to a human-readable string
func FormatRlimit(limit uint64) string {
	if limit == rlimInfinity {
		return "unlimited"
	}

	if limit >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB", float64(limit)/(1024*1024*1024))
	} else if limit >= 1024*1024 {
		return fmt.Sprintf("%.2f MB", float64(limit)/(1024*1024))
	} else if limit >= 1024 {
		return fmt.Sprintf("%.2f KB", float64(limit)/1024)
	}
	return fmt.Sprintf("%d bytes", limit)
}
