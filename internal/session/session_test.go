package session

import (
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/errors"
	"github.com/sandterm/sandterm/internal/logger"
	"github.com/sandterm/sandterm/internal/streaming"
)

// fakeProcess scripts terminal behavior without spawning anything. Writes are
// parsed for the completion sentinel so the fake can answer like a shell
// printing the marker line after each command.
type fakeProcess struct {
	mu       sync.Mutex
	started  bool
	argv     []string
	dir      string
	env      []string
	rows     uint16
	cols     uint16
	writes   []string
	resizes  [][2]uint16
	signals  []os.Signal
	readCh   chan []byte
	pending  []byte
	closed   chan struct{}
	closeOne sync.Once

	// startDelay simulates pty spawn latency.
	startDelay time.Duration

	// respond maps a written command payload to output chunks. Returning
	// emitMarker=true appends the marker line with exitCode.
	respond func(payload string) (chunks []string, emitMarker bool, exitCode int)
}

var sentinelPattern = regexp.MustCompile(`__SANDTERM_DONE_[0-9a-f]{12}`)

func newFakeProcess() *fakeProcess {
	return &fakeProcess{
		readCh: make(chan []byte, 64),
		closed: make(chan struct{}),
		respond: func(payload string) ([]string, bool, int) {
			return nil, true, 0
		},
	}
}

func (p *fakeProcess) Start(argv []string, dir string, env []string, rows, cols uint16) error {
	p.mu.Lock()
	p.started = true
	p.argv = argv
	p.dir = dir
	p.env = env
	p.rows = rows
	p.cols = cols
	delay := p.startDelay
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (p *fakeProcess) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	select {
	case chunk := <-p.readCh:
		n := copy(b, chunk)
		p.pending = chunk[n:]
		return n, nil
	case <-p.closed:
		// Drain anything queued before reporting end of stream.
		select {
		case chunk := <-p.readCh:
			n := copy(b, chunk)
			p.pending = chunk[n:]
			return n, nil
		default:
			return 0, io.EOF
		}
	}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	payload := string(b)

	p.mu.Lock()
	p.writes = append(p.writes, payload)
	respond := p.respond
	p.mu.Unlock()

	chunks, emitMarker, exitCode := respond(payload)
	for _, chunk := range chunks {
		p.emit(chunk)
	}
	if emitMarker {
		if sentinel := sentinelPattern.FindString(payload); sentinel != "" {
			p.emit("\n" + sentinel + " " + strconv.Itoa(exitCode) + "\n")
		}
	}

	return len(b), nil
}

func (p *fakeProcess) emit(chunk string) {
	select {
	case p.readCh <- []byte(chunk):
	case <-p.closed:
	}
}

func (p *fakeProcess) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint16{rows, cols})
	return nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

// Pid returns a pid that no real process can plausibly hold so that stray
// signals from the isolator hit nothing.
func (p *fakeProcess) Pid() int { return 4190000 }

func (p *fakeProcess) Wait() error {
	<-p.closed
	return nil
}

func (p *fakeProcess) Close() error {
	p.closeOne.Do(func() { close(p.closed) })
	return nil
}

func testManager(t *testing.T, mutate func(*config.Config)) (*Manager, *fakeProcess) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Security.ProjectRoot = t.TempDir()
	cfg.Logging.Level = "error"
	cfg.Logging.Format = "text"
	cfg.Monitoring.Enable = false
	cfg.Database.Enable = false
	cfg.Session.TerminateGrace = 200 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	log, err := logger.NewLogger(&cfg.Logging, "test")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	m, err := NewManager(cfg, log, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	proc := newFakeProcess()
	m.SetProcessFactory(func() Process { return proc })

	t.Cleanup(func() {
		for _, info := range m.ListSessions("") {
			m.TerminateSession(info.ID)
		}
	})

	return m, proc
}

func createTestSession(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.CreateSession(SessionConfig{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	m, proc := testManager(t, nil)
	s := createTestSession(t, m)

	if s.State() != StateReady {
		t.Errorf("Expected READY, got %s", s.State())
	}
	if !proc.started {
		t.Error("Expected process to be started")
	}
	if s.WorkingDir != m.PathGuard().Root() {
		t.Errorf("Expected working dir %s, got %s", m.PathGuard().Root(), s.WorkingDir)
	}

	m.TerminateSession(s.ID)
	if s.State() != StateTerminated {
		t.Errorf("Expected TERMINATED, got %s", s.State())
	}

	// Terminating again, or terminating an unknown session, is a no-op.
	if err := m.TerminateSession(s.ID); err != nil {
		t.Errorf("Expected nil for repeated terminate, got %v", err)
	}
	if err := m.TerminateSession("00000000-0000-0000-0000-000000000000"); err != nil {
		t.Errorf("Expected nil for unknown session, got %v", err)
	}
}

func TestExecuteCommandSuccess(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return []string{"hello world\n"}, true, 0
	}
	s := createTestSession(t, m)

	exec, err := m.ExecuteCommand(context.Background(), s.ID, "echo hello world", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if exec.Status != CommandCompleted {
		t.Errorf("Expected completed, got %s", exec.Status)
	}
	if exec.ExitStatus == nil || *exec.ExitStatus != 0 {
		t.Errorf("Expected exit status 0, got %v", exec.ExitStatus)
	}
	if s.State() != StateIdle {
		t.Errorf("Expected IDLE after command, got %s", s.State())
	}

	entries, err := m.GetOutput(s.ID, exec.OutputStart)
	if err != nil {
		t.Fatalf("GetOutput failed: %v", err)
	}
	var out strings.Builder
	for _, e := range entries {
		out.WriteString(e.Payload)
	}
	if !strings.Contains(out.String(), "hello world") {
		t.Errorf("Expected output to contain command output, got %q", out.String())
	}
	if strings.Contains(out.String(), "__SANDTERM_DONE_") {
		t.Errorf("Marker line leaked into output: %q", out.String())
	}
}

func TestExecuteCommandNonzeroExit(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return []string{"no such file\n"}, true, 2
	}
	s := createTestSession(t, m)

	exec, err := m.ExecuteCommand(context.Background(), s.ID, "ls missing", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if exec.Status != CommandFailed {
		t.Errorf("Expected failed, got %s", exec.Status)
	}
	if exec.ExitStatus == nil || *exec.ExitStatus != 2 {
		t.Errorf("Expected exit status 2, got %v", exec.ExitStatus)
	}
	if s.State() != StateIdle {
		t.Errorf("Session must survive failed commands, got %s", s.State())
	}
}

func TestExecuteCommandRejected(t *testing.T) {
	m, proc := testManager(t, nil)
	s := createTestSession(t, m)

	exec, err := m.ExecuteCommand(context.Background(), s.ID, "sudo rm -rf /", 5*time.Second)
	if err == nil {
		t.Fatal("Expected rejection")
	}
	if !errors.Is(err, errors.ErrCodeCommandRejected) {
		t.Errorf("Expected rejection error, got %v", err)
	}
	if exec == nil || exec.Status != CommandRejected {
		t.Errorf("Expected rejected record, got %+v", exec)
	}

	// Nothing may reach the process.
	proc.mu.Lock()
	writes := len(proc.writes)
	proc.mu.Unlock()
	if writes != 0 {
		t.Errorf("Rejected command reached the process: %d writes", writes)
	}

	// The rejection must appear in history and in the stats.
	history := s.History()
	if len(history) != 1 || history[0].Status != CommandRejected {
		t.Errorf("Expected rejected history entry, got %+v", history)
	}
	if stats := m.GetStats(); stats.TotalCommandsRejected != 1 {
		t.Errorf("Expected 1 rejection in stats, got %d", stats.TotalCommandsRejected)
	}

	if s.State() != StateReady {
		t.Errorf("Session must stay usable after rejection, got %s", s.State())
	}
}

func TestExecuteWhileBusy(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return nil, false, 0 // never completes
	}
	s := createTestSession(t, m)

	if _, err := m.ExecuteCommandAsync(s.ID, "sleep 100", time.Minute); err != nil {
		t.Fatalf("Async dispatch failed: %v", err)
	}

	waitForState(t, s, StateBusy)

	_, err := m.ExecuteCommand(context.Background(), s.ID, "echo queued?", time.Second)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Expected invalid state error while busy, got %v", err)
	}
}

func TestCommandTimeout(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return []string{"partial output\n"}, false, 0
	}
	s := createTestSession(t, m)

	exec, err := m.ExecuteCommand(context.Background(), s.ID, "sleep 100", 100*time.Millisecond)
	if !errors.Is(err, errors.ErrCodeCommandTimeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if exec.Status != CommandTimedOut {
		t.Errorf("Expected timed_out, got %s", exec.Status)
	}
	if exec.ExitStatus != nil {
		t.Errorf("Timed out command must have no exit status, got %v", exec.ExitStatus)
	}
	if s.State() != StateIdle {
		t.Errorf("Session must survive a timeout, got %s", s.State())
	}
}

func TestInterrupt(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return nil, false, 0
	}
	s := createTestSession(t, m)

	t.Run("interrupt while idle is invalid", func(t *testing.T) {
		err := m.InterruptSession(s.ID)
		if !errors.Is(err, errors.ErrCodeInvalidState) {
			t.Errorf("Expected invalid state, got %v", err)
		}
	})

	t.Run("interrupt while busy", func(t *testing.T) {
		exec, err := m.ExecuteCommandAsync(s.ID, "sleep 100", time.Minute)
		if err != nil {
			t.Fatalf("Async dispatch failed: %v", err)
		}
		waitForState(t, s, StateBusy)

		if err := m.InterruptSession(s.ID); err != nil {
			t.Fatalf("Interrupt failed: %v", err)
		}

		waitForState(t, s, StateIdle)
		if exec.Status != CommandFailed {
			t.Errorf("Expected interrupted command marked failed, got %s", exec.Status)
		}
	})

	t.Run("interrupt after terminate is a no-op", func(t *testing.T) {
		m.TerminateSession(s.ID)
		if err := s.Interrupt(); err != nil {
			t.Errorf("Expected nil on terminated session, got %v", err)
		}
	})
}

func TestResize(t *testing.T) {
	m, proc := testManager(t, nil)
	s := createTestSession(t, m)

	if err := m.ResizeSession(s.ID, 50, 120); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}

	proc.mu.Lock()
	resizes := proc.resizes
	proc.mu.Unlock()
	if len(resizes) != 1 || resizes[0] != [2]uint16{50, 120} {
		t.Errorf("Expected resize 50x120, got %v", resizes)
	}

	if err := s.Resize(0, 80); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("Expected invalid input for zero rows, got %v", err)
	}

	m.TerminateSession(s.ID)
	if err := s.Resize(30, 90); err != nil {
		t.Errorf("Resize on terminated session must be a no-op, got %v", err)
	}
}

func TestUnexpectedProcessExit(t *testing.T) {
	m, proc := testManager(t, nil)
	s := createTestSession(t, m)

	// The shell dies without any terminate call.
	proc.Close()

	waitForState(t, s, StateError)

	_, err := m.ExecuteCommand(context.Background(), s.ID, "echo hi", time.Second)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Expected invalid state on dead session, got %v", err)
	}
}

func TestOutputSubscription(t *testing.T) {
	m, proc := testManager(t, nil)
	proc.respond = func(payload string) ([]string, bool, int) {
		return []string{"line one\n", "line two\n"}, true, 0
	}
	s := createTestSession(t, m)

	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := m.ExecuteCommand(context.Background(), s.ID, "cat file", 5*time.Second); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-ch:
			if ev.Kind == streaming.KindStdout {
				got = append(got, ev.Payload)
			}
		case <-timeout:
			t.Fatalf("Timed out waiting for events, got %v", got)
		}
	}

	joined := strings.Join(got, "")
	if !strings.Contains(joined, "line one") || !strings.Contains(joined, "line two") {
		t.Errorf("Expected both lines, got %q", joined)
	}
}

func TestSessionEnvironmentFiltered(t *testing.T) {
	m, proc := testManager(t, nil)

	s, err := m.CreateSession(SessionConfig{
		TaskID: "task-1",
		Environment: map[string]string{
			"TERM":       "xterm-256color",
			"LD_PRELOAD": "/tmp/evil.so",
		},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env := s.Environment()
	if env["TERM"] != "xterm-256color" {
		t.Error("Expected TERM to survive")
	}
	if _, ok := env["LD_PRELOAD"]; ok {
		t.Error("Expected LD_PRELOAD to be dropped")
	}

	for _, kv := range proc.env {
		if strings.HasPrefix(kv, "LD_PRELOAD=") {
			t.Error("Dropped variable reached the process environment")
		}
	}
}

func TestCreateSessionRejectsEscapingWorkdir(t *testing.T) {
	m, _ := testManager(t, nil)

	_, err := m.CreateSession(SessionConfig{
		TaskID:           "task-1",
		WorkingDirectory: "../outside",
	})
	if !errors.Is(err, errors.ErrCodePathEscape) {
		t.Errorf("Expected path escape, got %v", err)
	}
}

func TestStartupHandshakeReachesReady(t *testing.T) {
	m, proc := testManager(t, func(cfg *config.Config) {
		cfg.Session.ReadyPattern = `sandbox\$`
		cfg.Session.StartupTimeout = 2 * time.Second
	})
	s := createTestSession(t, m)

	if s.State() != StateAuthenticating {
		t.Fatalf("Expected AUTHENTICATING before the prompt, got %s", s.State())
	}

	// No commands before the prompt appears.
	_, err := m.ExecuteCommand(context.Background(), s.ID, "echo early", time.Second)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Expected invalid state while authenticating, got %v", err)
	}

	proc.emit("Last login: somewhere\nsandbox$ \n")
	waitForState(t, s, StateReady)

	// The banner and prompt are ordinary output.
	var out strings.Builder
	for _, e := range s.Output(0) {
		out.WriteString(e.Payload)
	}
	if !strings.Contains(out.String(), "sandbox$") {
		t.Errorf("Expected prompt in output, got %q", out.String())
	}

	if _, err := m.ExecuteCommand(context.Background(), s.ID, "echo hi", 5*time.Second); err != nil {
		t.Errorf("Execute after handshake failed: %v", err)
	}
}

func TestStartupHandshakeTimeout(t *testing.T) {
	m, _ := testManager(t, func(cfg *config.Config) {
		cfg.Session.ReadyPattern = `sandbox\$`
		cfg.Session.StartupTimeout = 50 * time.Millisecond
	})
	s := createTestSession(t, m)

	// The prompt never arrives.
	waitForState(t, s, StateError)

	_, err := m.ExecuteCommand(context.Background(), s.ID, "echo hi", time.Second)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Expected invalid state after failed handshake, got %v", err)
	}
}

func TestExecuteOnTerminatedSession(t *testing.T) {
	m, _ := testManager(t, nil)
	s := createTestSession(t, m)
	m.TerminateSession(s.ID)

	// A denylisted command on a dead session reports the state, not a
	// rejection, and leaves no trace in history.
	_, err := s.Execute(context.Background(), "sudo rm -rf /", time.Second)
	if !errors.Is(err, errors.ErrCodeInvalidState) {
		t.Errorf("Expected invalid state, got %v", err)
	}
	if errors.Is(err, errors.ErrCodeCommandRejected) {
		t.Errorf("Dead session must not classify commands, got %v", err)
	}
	if history := s.History(); len(history) != 0 {
		t.Errorf("Expected empty history, got %+v", history)
	}
}

func waitForState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", want, s.State())
}
