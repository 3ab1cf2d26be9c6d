// Package procguard implements the single-active-instance check described
// for schedulerd (spec §6 "single-instance guard"): scan the process table
// for another scheduler before binding the control socket, since the
// database bridge's advisory locks protect job claims but not the control
// port or log files.
package procguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Other is one competing scheduler process found in the process table.
type Other struct {
	PID     int
	Cmdline string
}

// Find scans /proc for processes whose argv[0] base name matches selfName,
// excluding selfPID. It is Linux-specific, matching the teacher pack's
// Linux-only deployment target; a host without /proc (e.g. a container
// without it mounted) simply reports no other instances.
func Find(selfPID int, selfName string) ([]Other, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, nil
	}

	var others []Other
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == selfPID {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		argv := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		if len(argv) == 0 {
			continue
		}
		if filepath.Base(argv[0]) == selfName {
			others = append(others, Other{PID: pid, Cmdline: strings.Join(argv, " ")})
		}
	}
	return others, nil
}

// Evict signals every other instance with sig, then polls each pid with a
// zero-signal liveness probe until it exits or attempts run out, per the
// "signal-then-retry" behavior spec §6 describes for --kill/--force-kill.
func Evict(others []Other, sig unix.Signal, attempts int, interval time.Duration) error {
	for _, o := range others {
		if err := unix.Kill(o.PID, sig); err != nil && err != unix.ESRCH {
			return fmt.Errorf("procguard: signal pid %d: %w", o.PID, err)
		}
	}

	remaining := make(map[int]bool, len(others))
	for _, o := range others {
		remaining[o.PID] = true
	}

	for i := 0; i < attempts && len(remaining) > 0; i++ {
		time.Sleep(interval)
		for pid := range remaining {
			if unix.Kill(pid, 0) != nil {
				delete(remaining, pid)
			}
		}
	}

	if len(remaining) > 0 {
		pids := make([]int, 0, len(remaining))
		for pid := range remaining {
			pids = append(pids, pid)
		}
		return fmt.Errorf("procguard: %d process(es) still alive after eviction: %v", len(pids), pids)
	}
	return nil
}
