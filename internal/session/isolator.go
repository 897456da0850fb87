package session

import (
	"sync"
	"syscall"
	"time"

	"github.com/sandterm/sandterm/internal/logger"
)

// Isolator tracks which OS process ids belong to which session and guarantees
// termination on teardown. The per-session pid set only grows until
// TerminateAll drains it to empty.
type Isolator struct {
	mu     sync.Mutex
	owned  map[string]map[int]struct{}
	logger *logger.Logger
	grace  time.Duration
}

// NewIsolator creates an isolator. grace is how long TerminateAll waits after
// the graceful signal before force-killing survivors.
func NewIsolator(log *logger.Logger, grace time.Duration) *Isolator {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Isolator{
		owned:  make(map[string]map[int]struct{}),
		logger: log,
		grace:  grace,
	}
}

// Register records pid as owned by sessionID.
func (i *Isolator) Register(sessionID string, pid int) {
	if pid <= 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	set, ok := i.owned[sessionID]
	if !ok {
		set = make(map[int]struct{})
		i.owned[sessionID] = set
	}
	set[pid] = struct{}{}
}

// IsOwned reports whether pid is tracked for sessionID. Signals are only ever
// delivered to owned pids, never to an arbitrary caller-supplied pid.
func (i *Isolator) IsOwned(sessionID string, pid int) bool {
	i.mu.Lock()
	defer i.mu.Unlock()

	set, ok := i.owned[sessionID]
	if !ok {
		return false
	}
	_, owned := set[pid]
	return owned
}

// OwnedPids returns a copy of the tracked pid set for sessionID.
func (i *Isolator) OwnedPids(sessionID string) []int {
	i.mu.Lock()
	defer i.mu.Unlock()

	set := i.owned[sessionID]
	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	return pids
}

// TotalOwnedPids returns the number of tracked pids across all sessions.
func (i *Isolator) TotalOwnedPids() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	total := 0
	for _, set := range i.owned {
		total += len(set)
	}
	return total
}

// Signal delivers sig to pid's process group if and only if the session owns
// the pid.
func (i *Isolator) Signal(sessionID string, pid int, sig syscall.Signal) error {
	if !i.IsOwned(sessionID, pid) {
		return syscall.EPERM
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

// TerminateAll sends SIGTERM to every tracked pid of the session, waits the
// grace period, then SIGKILLs survivors. When force is set it goes straight
// to SIGKILL. The tracked set is always cleared afterwards, even if some
// kills fail; this is best effort and never blocks past the grace period.
func (i *Isolator) TerminateAll(sessionID string, force bool) {
	i.mu.Lock()
	set := i.owned[sessionID]
	delete(i.owned, sessionID)
	i.mu.Unlock()

	if len(set) == 0 {
		return
	}

	pids := make([]int, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}

	if force {
		for _, pid := range pids {
			killGroup(pid, syscall.SIGKILL)
		}
		return
	}

	for _, pid := range pids {
		killGroup(pid, syscall.SIGTERM)
	}

	// Poll for exit up to the grace period, then force-kill survivors.
	deadline := time.Now().Add(i.grace)
	remaining := pids
	for len(remaining) > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		var alive []int
		for _, pid := range remaining {
			if syscall.Kill(pid, 0) == nil {
				alive = append(alive, pid)
			}
		}
		remaining = alive
	}

	for _, pid := range remaining {
		i.logger.Warn("Process survived graceful termination, force killing", map[string]interface{}{
			"session_id": sessionID,
			"pid":        pid,
		})
		killGroup(pid, syscall.SIGKILL)
	}
}

// killGroup signals the process group, falling back to the single pid.
func killGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil {
		syscall.Kill(pid, sig)
	}
}
