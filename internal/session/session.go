package session

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/errors"
	"github.com/sandterm/sandterm/internal/logger"
	"github.com/sandterm/sandterm/internal/security"
	"github.com/sandterm/sandterm/internal/streaming"
)

// completionSentinel is the prefix of the marker line the shell prints after
// each command. The per-command random token narrows, but does not eliminate,
// the chance of false completion when command output happens to contain the
// marker itself. That fragility is inherited behavior: callers relying on
// exact completion semantics should use the exit status on the record.
const completionSentinel = "__SANDTERM_DONE_"

// CommandExecution records one command sent to a session, accepted or not.
// Rejected commands never reach the process and are recorded with status
// rejected and an empty sanitized form.
type CommandExecution struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"session_id"`
	RawCommand       string        `json:"raw_command"`
	SanitizedCommand string        `json:"sanitized_command,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	ExitStatus       *int          `json:"exit_status,omitempty"`
	Status           CommandStatus `json:"status"`
	OutputStart      int64         `json:"output_start"`
	OutputEnd        int64         `json:"output_end"`
}

// pendingCompletion carries the completion signal from the read loop to the
// waiter of the in-flight command. The channel is closed without a value when
// the command is aborted (interrupt, timeout, terminate).
type pendingCompletion struct {
	sentinel string
	ch       chan int
}

// Session owns one pseudo-terminal-backed child process and a bounded output
// buffer, and runs the session state machine. A Session is created by the
// Manager and mutated only by its own read loop and its explicit operations.
type Session struct {
	ID         string
	TaskID     string
	WorkingDir string
	CreatedAt  time.Time

	cfg       *config.Config
	logger    *logger.Logger
	validator *security.CommandValidator
	isolator  *Isolator
	proc      Process

	broadcaster *streaming.Broadcaster
	buffer      *outputBuffer
	sanitize    bool

	idleTimeout     time.Duration
	absoluteTimeout time.Duration

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	rows, cols   uint16
	environment  map[string]string
	history      []*CommandExecution
	current      *CommandExecution
	pending      *pendingCompletion

	readyRe  *regexp.Regexp
	readyCh  chan struct{}
	readDone chan struct{}
	lineAcc  []byte

	terminateMu sync.Mutex
}

// newSession wires a session; start must be called before use.
func newSession(id, taskID, workingDir string, env map[string]string, rows, cols uint16,
	idleTimeout, absoluteTimeout time.Duration,
	cfg *config.Config, log *logger.Logger, validator *security.CommandValidator,
	isolator *Isolator, proc Process,
) *Session {
	now := time.Now()

	s := &Session{
		ID:              id,
		TaskID:          taskID,
		WorkingDir:      workingDir,
		CreatedAt:       now,
		cfg:             cfg,
		logger:          log,
		validator:       validator,
		isolator:        isolator,
		proc:            proc,
		broadcaster:     streaming.NewBroadcaster(id, 256),
		buffer:          newOutputBuffer(cfg.Session.OutputBufferSize),
		sanitize:        !cfg.Session.RawOutput,
		idleTimeout:     idleTimeout,
		absoluteTimeout: absoluteTimeout,
		state:           StateInitializing,
		lastActivity:    now,
		rows:            rows,
		cols:            cols,
		environment:     env,
		readyCh:         make(chan struct{}),
		readDone:        make(chan struct{}),
	}

	if cfg.Session.ReadyPattern != "" {
		if re, err := regexp.Compile(cfg.Session.ReadyPattern); err == nil {
			s.readyRe = re
		} else {
			log.Warn("Invalid ready pattern, startup handshake disabled", map[string]interface{}{
				"session_id": id,
			})
		}
	}

	return s
}

// start allocates the pseudo-terminal and spawns the child process. On
// success the session is READY, or AUTHENTICATING until the ready prompt
// appears. On failure the session is ERROR.
func (s *Session) start() error {
	shell := s.cfg.Session.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
	}

	env := make([]string, 0, len(s.environment))
	for k, v := range s.environment {
		env = append(env, k+"="+v)
	}

	if err := s.proc.Start([]string{shell}, s.WorkingDir, env, s.rows, s.cols); err != nil {
		s.setState(StateError)
		return errors.SpawnFailed(err)
	}

	s.isolator.Register(s.ID, s.proc.Pid())

	if err := applySessionPriority(s.proc.Pid(), s.cfg.Session.Nice); err != nil {
		s.logger.Warn("Failed to renice session shell", map[string]interface{}{
			"session_id": s.ID,
			"nice":       s.cfg.Session.Nice,
		})
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go s.proc.Wait()

	go s.readLoop()

	if s.readyRe != nil {
		s.setState(StateAuthenticating)
		go s.awaitReady()
	} else {
		s.setState(StateReady)
	}

	return nil
}

// awaitReady bounds the startup handshake by the configured timeout.
func (s *Session) awaitReady() {
	select {
	case <-s.readyCh:
	case <-s.readDone:
	case <-time.After(s.cfg.Session.StartupTimeout):
		s.mu.Lock()
		stillWaiting := s.state == StateAuthenticating
		if stillWaiting {
			s.setStateLocked(StateError)
		}
		s.mu.Unlock()

		if stillWaiting {
			s.logger.Error("Session startup handshake timed out", nil, map[string]interface{}{
				"session_id": s.ID,
				"timeout":    s.cfg.Session.StartupTimeout.String(),
			})
			s.proc.Close()
			s.isolator.TerminateAll(s.ID, true)
		}
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the time of the last command or output event.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Environment returns a copy of the sanitized environment computed at
// creation.
func (s *Session) Environment() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env := make(map[string]string, len(s.environment))
	for k, v := range s.environment {
		env[k] = v
	}
	return env
}

// History returns a snapshot of the command history, oldest first.
func (s *Session) History() []CommandExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CommandExecution, len(s.history))
	for i, exec := range s.history {
		out[i] = *exec
	}
	return out
}

// Subscribe registers an output listener. Events arrive in production order.
func (s *Session) Subscribe() (<-chan streaming.OutputEvent, func()) {
	return s.broadcaster.Subscribe()
}

// Output returns buffered output entries with offset >= since.
func (s *Session) Output(since int64) []OutputEntry {
	return s.buffer.Since(since)
}

// Execute validates and runs one command, blocking until completion, timeout,
// or session teardown. At most one command is in flight: a concurrent call
// while BUSY fails with an invalid state error, never queues.
func (s *Session) Execute(ctx context.Context, raw string, timeout time.Duration) (*CommandExecution, error) {
	exec, pending, err := s.beginCommand(raw)
	if err != nil {
		return exec, err
	}
	return s.awaitCommand(ctx, exec, pending, timeout)
}

// ExecuteAsync validates and dispatches one command, returning its record
// immediately. The record is finalized by the read loop.
func (s *Session) ExecuteAsync(raw string, timeout time.Duration) (*CommandExecution, error) {
	exec, pending, err := s.beginCommand(raw)
	if err != nil {
		return exec, err
	}
	go s.awaitCommand(context.Background(), exec, pending, timeout)
	return exec, nil
}

// beginCommand runs validation, claims the single in-flight slot, and writes
// the command plus completion marker to the terminal input.
func (s *Session) beginCommand(raw string) (*CommandExecution, *pendingCompletion, error) {
	now := time.Now()

	// The state gate runs before validation. A terminated or busy session
	// reports InvalidState for any input and records nothing about it.
	s.mu.Lock()
	if !s.state.AcceptsCommands() {
		state := s.state
		s.mu.Unlock()
		return nil, nil, errors.InvalidState(s.ID, state.String(), "execute")
	}
	s.mu.Unlock()

	sanitized, verr := s.validator.Validate(raw)
	if verr != nil {
		completed := now
		exec := &CommandExecution{
			ID:          uuid.New().String(),
			SessionID:   s.ID,
			RawCommand:  raw,
			StartedAt:   now,
			CompletedAt: &completed,
			Status:      CommandRejected,
		}

		s.mu.Lock()
		s.history = append(s.history, exec)
		s.mu.Unlock()

		s.logger.LogSecurityEvent("command_rejected", "rule="+errors.RejectionRule(verr), "medium", map[string]interface{}{
			"session_id": s.ID,
		})
		return exec, nil, verr
	}

	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	sentinel := completionSentinel + token

	s.mu.Lock()
	// Re-checked under the same lock that claims the in-flight slot, since
	// the state may have moved while validation ran.
	if !s.state.AcceptsCommands() {
		state := s.state
		s.mu.Unlock()
		return nil, nil, errors.InvalidState(s.ID, state.String(), "execute")
	}

	exec := &CommandExecution{
		ID:               uuid.New().String(),
		SessionID:        s.ID,
		RawCommand:       raw,
		SanitizedCommand: sanitized,
		StartedAt:        now,
		Status:           CommandRunning,
		OutputStart:      s.buffer.NextOffset(),
	}
	pending := &pendingCompletion{
		sentinel: sentinel,
		ch:       make(chan int, 1),
	}

	s.current = exec
	s.pending = pending
	s.history = append(s.history, exec)
	s.lastActivity = now
	s.setStateLocked(StateBusy)
	s.mu.Unlock()

	// The marker line carries the exit status of the command; the read loop
	// filters it from the output stream.
	payload := fmt.Sprintf("%s; printf '\\n%s %%d\\n' $?\n", sanitized, sentinel)
	if _, err := s.proc.Write([]byte(payload)); err != nil {
		s.finalizeCommand(exec, CommandFailed, nil)
		s.mu.Lock()
		s.setStateLocked(StateError)
		s.mu.Unlock()
		return exec, nil, errors.Wrap(err, errors.ErrCodeCommandFailed, "failed to write command to terminal")
	}

	return exec, pending, nil
}

// awaitCommand blocks until the marker arrives, the timeout expires, or the
// session tears down underneath the command.
func (s *Session) awaitCommand(ctx context.Context, exec *CommandExecution, pending *pendingCompletion, timeout time.Duration) (*CommandExecution, error) {
	if timeout <= 0 {
		timeout = s.cfg.Session.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case code, ok := <-pending.ch:
		if !ok {
			// Aborted by interrupt or terminate; the aborting side already
			// finalized the record.
			return exec, nil
		}
		status := CommandCompleted
		if code != 0 {
			status = CommandFailed
		}
		s.finalizeCommand(exec, status, &code)
		s.transitionAfterCommand(StateIdle)
		return exec, nil

	case <-timer.C:
		s.finalizeCommand(exec, CommandTimedOut, nil)
		s.abortInFlight(pending)
		s.isolator.Signal(s.ID, s.proc.Pid(), syscall.SIGINT)
		s.transitionAfterCommand(StateIdle)
		return exec, errors.CommandTimeout(s.ID, timeout.Seconds())

	case <-ctx.Done():
		s.finalizeCommand(exec, CommandTimedOut, nil)
		s.abortInFlight(pending)
		s.isolator.Signal(s.ID, s.proc.Pid(), syscall.SIGINT)
		s.transitionAfterCommand(StateIdle)
		return exec, errors.CommandTimeout(s.ID, timeout.Seconds())

	case <-s.readDone:
		// Process exited mid-command; readLoop drove the state transition.
		s.finalizeCommand(exec, CommandFailed, nil)
		return exec, errors.New(errors.ErrCodeCommandFailed, "session process exited during command")
	}
}

// finalizeCommand stamps a terminal status on the record exactly once.
func (s *Session) finalizeCommand(exec *CommandExecution, status CommandStatus, exitStatus *int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.Status != CommandRunning {
		return
	}

	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.ExitStatus = exitStatus
	exec.OutputEnd = s.buffer.NextOffset()

	if s.current == exec {
		s.current = nil
	}
}

// abortInFlight closes the pending channel so the read loop stops looking for
// the marker, and detaches it from the session.
func (s *Session) abortInFlight(pending *pendingCompletion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == pending && pending != nil {
		s.pending = nil
		close(pending.ch)
	}
}

// transitionAfterCommand moves BUSY to the given state; a teardown that raced
// the completion wins.
func (s *Session) transitionAfterCommand(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateBusy {
		s.setStateLocked(next)
	}
}

// Resize changes the terminal window size. No-op on a terminated session.
func (s *Session) Resize(rows, cols uint16) error {
	if rows == 0 || cols == 0 {
		return errors.InvalidInput("terminal_size", "rows and cols must be positive")
	}

	s.mu.Lock()
	if s.state.Terminal() || s.state == StateTerminating {
		s.mu.Unlock()
		return nil
	}
	s.rows = rows
	s.cols = cols
	s.mu.Unlock()

	return s.proc.Resize(rows, cols)
}

// Interrupt sends an interrupt signal to the owned process group and moves
// BUSY back to IDLE with the in-flight command marked failed. It never
// destroys the session. No-op on a terminated session.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == StateTerminating {
		s.mu.Unlock()
		return nil
	}
	if s.state != StateBusy {
		state := s.state
		s.mu.Unlock()
		return errors.InvalidState(s.ID, state.String(), "interrupt")
	}
	exec := s.current
	pending := s.pending
	s.mu.Unlock()

	if exec != nil {
		s.finalizeCommand(exec, CommandFailed, nil)
	}
	s.abortInFlight(pending)
	s.isolator.Signal(s.ID, s.proc.Pid(), syscall.SIGINT)
	s.transitionAfterCommand(StateIdle)

	s.emitStatus("interrupted")
	return nil
}

// Terminate destroys the session's process resources. Idempotent, and safe to
// call concurrently with an in-flight execute: the command is marked failed
// and the session moves through TERMINATING to TERMINATED.
func (s *Session) Terminate(force bool) {
	s.terminateMu.Lock()
	defer s.terminateMu.Unlock()

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	alreadyDead := s.state == StateError
	s.setStateLocked(StateTerminating)
	exec := s.current
	pending := s.pending
	s.mu.Unlock()

	if exec != nil {
		s.finalizeCommand(exec, CommandFailed, nil)
	}
	s.abortInFlight(pending)

	// Closing the terminal unblocks the read loop; the isolator then kills
	// every process the session ever owned.
	s.proc.Close()
	s.isolator.TerminateAll(s.ID, force)

	if !alreadyDead {
		select {
		case <-s.readDone:
		case <-time.After(s.cfg.Session.TerminateGrace + time.Second):
			s.logger.Warn("Read loop did not drain before grace period", map[string]interface{}{
				"session_id": s.ID,
			})
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateTerminated)
	s.mu.Unlock()

	s.emitStatus("terminated")
	s.broadcaster.Close()
}

// readLoop continuously reads terminal output on the session's dedicated
// goroutine, never blocking command issuance. Every chunk is buffered,
// scanned for the completion marker, and pushed to listeners in order.
func (s *Session) readLoop() {
	defer close(s.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			s.consumeOutput(buf[:n])
		}
		if err != nil {
			break
		}
	}

	s.flushPartialLine()
	s.handleProcessExit()
}

// consumeOutput splits terminal output into lines, filters completion marker
// lines, drives the startup handshake, and emits the rest.
func (s *Session) consumeOutput(chunk []byte) {
	s.lineAcc = append(s.lineAcc, chunk...)

	for {
		idx := bytes.IndexByte(s.lineAcc, '\n')
		if idx < 0 {
			break
		}
		line := string(s.lineAcc[:idx])
		s.lineAcc = s.lineAcc[idx+1:]

		if s.handleMarkerLine(strings.TrimRight(line, "\r")) {
			continue
		}
		s.emitOutput(line + "\n")
	}

	// A partial line is held back only while it could still grow into a
	// marker line; prompts and other unterminated output flush immediately.
	if len(s.lineAcc) > 0 && !s.couldBeMarker(s.lineAcc) {
		s.emitOutput(string(s.lineAcc))
		s.lineAcc = s.lineAcc[:0]
	}
}

// handleMarkerLine checks one complete line for the in-flight completion
// marker and the ready prompt. Returns true when the line was a marker and
// must not be emitted.
func (s *Session) handleMarkerLine(line string) bool {
	s.mu.Lock()
	pending := s.pending
	authenticating := s.state == StateAuthenticating
	s.mu.Unlock()

	if authenticating && s.readyRe != nil && s.readyRe.MatchString(line) {
		s.mu.Lock()
		if s.state == StateAuthenticating {
			s.setStateLocked(StateReady)
			close(s.readyCh)
		}
		s.mu.Unlock()
		// The ready banner is still ordinary output.
		return false
	}

	if pending == nil {
		return false
	}

	rest, ok := strings.CutPrefix(line, pending.sentinel+" ")
	if !ok {
		return false
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return false
	}

	s.mu.Lock()
	if s.pending == pending {
		s.pending = nil
		pending.ch <- code
	}
	s.mu.Unlock()
	return true
}

// emitOutput buffers one output chunk and fans it out to listeners. Command
// completion is only signaled after all output produced before the marker has
// been appended, because the read loop processes lines in order.
func (s *Session) emitOutput(payload string) {
	if s.sanitize {
		payload = streaming.StripANSI(payload)
		if payload == "" {
			return
		}
	}

	now := time.Now()
	s.buffer.Append(streaming.KindStdout, payload, now)
	s.broadcaster.Publish(streaming.KindStdout, payload)

	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// emitStatus records a status event in the buffer and pushes it to listeners.
func (s *Session) emitStatus(payload string) {
	s.buffer.Append(streaming.KindStatus, payload, time.Now())
	s.broadcaster.Publish(streaming.KindStatus, payload)
}

// flushPartialLine emits whatever is left in the line accumulator once the
// stream has ended.
func (s *Session) flushPartialLine() {
	if len(s.lineAcc) > 0 {
		s.emitOutput(string(s.lineAcc))
		s.lineAcc = nil
	}
}

// handleProcessExit runs when the terminal stream ends. An exit during an
// orderly terminate is expected; anything else is an unrecoverable failure
// that moves the session to ERROR.
func (s *Session) handleProcessExit() {
	s.mu.Lock()
	orderly := s.state == StateTerminating || s.state == StateTerminated
	exec := s.current
	pending := s.pending
	if !orderly {
		s.setStateLocked(StateError)
	}
	s.mu.Unlock()

	if orderly {
		return
	}

	if exec != nil {
		s.finalizeCommand(exec, CommandFailed, nil)
	}
	s.abortInFlight(pending)

	s.logger.Error("Session process exited unexpectedly", nil, map[string]interface{}{
		"session_id": s.ID,
		"task_id":    s.TaskID,
	})
	s.emitStatus("process exited unexpectedly")

	// Clean up any stragglers the dead leader left behind.
	s.isolator.TerminateAll(s.ID, true)
}

// couldBeMarker reports whether the accumulated partial line could still turn
// into the in-flight completion marker.
func (s *Session) couldBeMarker(partial []byte) bool {
	s.mu.RLock()
	pending := s.pending
	s.mu.RUnlock()
	if pending == nil {
		return false
	}

	sentinel := pending.sentinel
	if len(partial) >= len(sentinel) {
		return string(partial[:len(sentinel)]) == sentinel
	}
	return sentinel[:len(partial)] == string(partial)
}

// setState transitions the state and publishes a status event.
func (s *Session) setState(next State) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

// setStateLocked transitions the state; callers hold s.mu.
func (s *Session) setStateLocked(next State) {
	if s.state == next {
		return
	}
	s.state = next
}
