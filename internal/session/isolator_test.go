package session

import (
	"syscall"
	"testing"
	"time"

	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/logger"
)

func testIsolator(t *testing.T) *Isolator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "text"
	log, err := logger.NewLogger(&cfg.Logging, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewIsolator(log, 100*time.Millisecond)
}

func TestIsolatorOwnership(t *testing.T) {
	iso := testIsolator(t)

	iso.Register("sess-a", 4190001)
	iso.Register("sess-a", 4190002)
	iso.Register("sess-b", 4190003)
	iso.Register("sess-a", 0) // invalid pid, ignored

	if !iso.IsOwned("sess-a", 4190001) {
		t.Error("Expected pid to be owned")
	}
	if iso.IsOwned("sess-b", 4190001) {
		t.Error("Pid must not be owned across sessions")
	}
	if iso.IsOwned("sess-a", 4190003) {
		t.Error("Pid must not leak between sessions")
	}

	if got := len(iso.OwnedPids("sess-a")); got != 2 {
		t.Errorf("Expected 2 owned pids, got %d", got)
	}
	if got := iso.TotalOwnedPids(); got != 3 {
		t.Errorf("Expected 3 total pids, got %d", got)
	}
}

func TestIsolatorSignalRequiresOwnership(t *testing.T) {
	iso := testIsolator(t)

	// Signaling an unowned pid must be refused before any kill is attempted,
	// even for a pid that exists.
	if err := iso.Signal("sess-a", syscall.Getpid(), syscall.SIGCONT); err != syscall.EPERM {
		t.Errorf("Expected EPERM for unowned pid, got %v", err)
	}
}

func TestIsolatorTerminateAllClearsSet(t *testing.T) {
	iso := testIsolator(t)

	// Pids far above any real pid so the kills hit nothing.
	iso.Register("sess-a", 4190001)
	iso.Register("sess-a", 4190002)

	iso.TerminateAll("sess-a", false)

	if got := iso.TotalOwnedPids(); got != 0 {
		t.Errorf("Expected empty set after terminate, got %d", got)
	}
	if iso.IsOwned("sess-a", 4190001) {
		t.Error("Pid must not remain owned after terminate")
	}

	// Terminating an unknown session is a no-op.
	iso.TerminateAll("sess-missing", true)
}
