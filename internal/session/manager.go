package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/database"
	"github.com/sandterm/sandterm/internal/errors"
	"github.com/sandterm/sandterm/internal/logger"
	"github.com/sandterm/sandterm/internal/monitoring"
	"github.com/sandterm/sandterm/internal/security"
)

// SessionConfig carries caller-supplied parameters for one new session.
// Zero values fall back to the engine configuration.
type SessionConfig struct {
	TaskID           string            `json:"task_id"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Rows             uint16            `json:"rows,omitempty"`
	Cols             uint16            `json:"cols,omitempty"`
	AuthToken        string            `json:"-"`
	IdleTimeout      time.Duration     `json:"idle_timeout,omitempty"`
	AbsoluteTimeout  time.Duration     `json:"absolute_timeout,omitempty"`
}

// Stats is a point-in-time snapshot of manager activity
type Stats struct {
	ActiveSessions        int            `json:"active_sessions"`
	SessionsPerTask       map[string]int `json:"sessions_per_task"`
	TotalCommandsExecuted int64          `json:"total_commands_executed"`
	TotalCommandsRejected int64          `json:"total_commands_rejected"`
	TotalSessionsCreated  int64          `json:"total_sessions_created"`
	TotalSessionsEvicted  int64          `json:"total_sessions_evicted"`
}

// SessionInfo is the externally visible snapshot of one session
type SessionInfo struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	State        string    `json:"state"`
	WorkingDir   string    `json:"working_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	CommandCount int       `json:"command_count"`
}

// Manager owns the session registry, enforces per-task limits, and sweeps
// expired sessions. All public methods are safe for concurrent use.
type Manager struct {
	sessions map[string]*Session
	pending  map[string]int
	config   *config.Config
	logger   *logger.Logger
	database *database.DB

	validator *security.CommandValidator
	envFilter *security.EnvironmentFilter
	pathGuard *security.PathGuard
	isolator  *Isolator
	monitor   *monitoring.ResourceMonitor

	procFactory ProcessFactory

	mutex       sync.RWMutex
	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	started     bool

	commandsExecuted atomic.Int64
	commandsRejected atomic.Int64
	sessionsCreated  atomic.Int64
	sessionsEvicted  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager builds a manager and its security components. The manager is
// inert until Start is called.
func NewManager(cfg *config.Config, log *logger.Logger, db *database.DB) (*Manager, error) {
	validator, err := security.NewCommandValidator(&cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("failed to build command validator: %w", err)
	}

	pathGuard, err := security.NewPathGuard(&cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("failed to build path guard: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		sessions:    make(map[string]*Session),
		pending:     make(map[string]int),
		config:      cfg,
		logger:      log,
		database:    db,
		validator:   validator,
		envFilter:   security.NewEnvironmentFilter(&cfg.Security),
		pathGuard:   pathGuard,
		isolator:    NewIsolator(log, cfg.Session.TerminateGrace),
		procFactory: NewPTYProcess,
		stopSweep:   make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Monitoring.Enable {
		m.monitor = monitoring.NewResourceMonitor(log, cfg.Monitoring.Interval)
		m.monitor.SetCounters(
			func() int { return m.SessionCount() },
			func() int { return m.isolator.TotalOwnedPids() },
		)
	}

	return m, nil
}

// SetProcessFactory overrides how session processes are spawned. Intended for
// tests.
func (m *Manager) SetProcessFactory(factory ProcessFactory) {
	m.procFactory = factory
}

// PathGuard exposes the manager's working directory guard
func (m *Manager) PathGuard() *security.PathGuard {
	return m.pathGuard
}

// Start launches the sweep routine and the resource monitor
func (m *Manager) Start() {
	m.mutex.Lock()
	if m.started {
		m.mutex.Unlock()
		return
	}
	m.started = true
	m.mutex.Unlock()

	m.startSweepRoutine()

	if m.monitor != nil {
		m.monitor.Start(m.ctx)
	}

	m.logger.Info("Session manager started", map[string]interface{}{
		"max_sessions_per_task": m.config.Session.MaxSessionsPerTask,
		"idle_timeout":          m.config.Session.IdleTimeout.String(),
		"absolute_timeout":      m.config.Session.AbsoluteTimeout.String(),
	})
}

// Stop terminates every session and halts background routines. Safe to call
// more than once.
func (m *Manager) Stop() {
	m.mutex.Lock()
	if !m.started {
		m.mutex.Unlock()
		return
	}
	m.started = false
	m.mutex.Unlock()

	m.cancel()
	close(m.stopSweep)

	if m.monitor != nil {
		m.monitor.Stop()
	}

	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		m.destroySession(s, "manager shutdown", true)
	}

	m.logger.Info("Session manager stopped", map[string]interface{}{
		"sessions_terminated": len(sessions),
	})
}

// CreateSession validates the request, enforces the per-task limit, and
// spawns a new pseudo-terminal session.
func (m *Manager) CreateSession(sc SessionConfig) (*Session, error) {
	if sc.TaskID == "" {
		return nil, errors.InvalidInput("task_id", "task identifier is required")
	}

	workDir, err := m.pathGuard.Resolve(sc.WorkingDirectory)
	if err != nil {
		m.logger.LogSecurityEvent("working_directory_rejected", "path outside project root", "medium", map[string]interface{}{
			"task_id": sc.TaskID,
		})
		return nil, err
	}

	if err := m.envFilter.Validate(sc.Environment); err != nil {
		return nil, err
	}
	env := m.envFilter.Filter(sc.Environment)
	if dropped := m.envFilter.Dropped(sc.Environment); len(dropped) > 0 {
		m.logger.LogSecurityEvent("environment_variables_dropped", fmt.Sprintf("%d variables removed", len(dropped)), "low", map[string]interface{}{
			"task_id": sc.TaskID,
			"keys":    dropped,
		})
	}
	if sc.AuthToken != "" {
		env["SANDTERM_AUTH_TOKEN"] = sc.AuthToken
	}

	if err := m.reserveTaskSlot(sc.TaskID); err != nil {
		return nil, err
	}

	rows, cols := sc.Rows, sc.Cols
	if rows == 0 {
		rows = uint16(m.config.Session.DefaultRows)
	}
	if cols == 0 {
		cols = uint16(m.config.Session.DefaultCols)
	}

	idleTimeout := sc.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = m.config.Session.IdleTimeout
	}
	absoluteTimeout := sc.AbsoluteTimeout
	if absoluteTimeout <= 0 {
		absoluteTimeout = m.config.Session.AbsoluteTimeout
	}

	id := uuid.New().String()
	s := newSession(id, sc.TaskID, workDir, env, rows, cols,
		idleTimeout, absoluteTimeout,
		m.config, m.logger, m.validator, m.isolator, m.procFactory())

	if err := s.start(); err != nil {
		m.releaseTaskSlot(sc.TaskID)
		m.logger.Error("Failed to start session", err, map[string]interface{}{
			"task_id": sc.TaskID,
		})
		return nil, err
	}

	m.mutex.Lock()
	m.sessions[id] = s
	if m.pending[sc.TaskID] > 0 {
		m.pending[sc.TaskID]--
	}
	if m.pending[sc.TaskID] == 0 {
		delete(m.pending, sc.TaskID)
	}
	m.mutex.Unlock()

	m.sessionsCreated.Add(1)
	m.logger.LogSessionEvent("session_created", id, sc.TaskID, map[string]interface{}{
		"working_dir": workDir,
		"rows":        rows,
		"cols":        cols,
	})
	m.auditSessionEvent(s, "created", workDir)

	return s, nil
}

// reserveTaskSlot claims a slot under the per-task session ceiling before the
// session process is spawned. Live sessions and in-flight reservations are
// counted together under the write mutex, so concurrent creates cannot all
// pass the check and overshoot the limit. The reservation is released when
// the session is inserted, or by releaseTaskSlot if the spawn fails.
func (m *Manager) reserveTaskSlot(taskID string) error {
	max := m.config.Session.MaxSessionsPerTask
	if max <= 0 {
		return nil
	}

	for {
		m.mutex.Lock()
		var owned []*Session
		for _, s := range m.sessions {
			if s.TaskID == taskID && !s.State().Terminal() {
				owned = append(owned, s)
			}
		}
		if len(owned)+m.pending[taskID] < max {
			m.pending[taskID]++
			m.mutex.Unlock()
			return nil
		}
		m.mutex.Unlock()

		if !m.config.Session.EvictOldestOnLimit {
			return errors.SessionLimitReached(taskID, max)
		}

		// Evict the least recently used session that is not mid-command,
		// then retry the reservation.
		sort.Slice(owned, func(i, j int) bool {
			return owned[i].LastActivity().Before(owned[j].LastActivity())
		})
		var victim *Session
		for _, s := range owned {
			if s.State() != StateBusy {
				victim = s
				break
			}
		}
		if victim == nil {
			return errors.SessionLimitReached(taskID, max)
		}
		m.sessionsEvicted.Add(1)
		m.logger.Audit("session_evicted", victim.ID, taskID, "per-task session limit reached")
		m.destroySession(victim, "evicted at session limit", false)
	}
}

// releaseTaskSlot returns a reservation claimed by reserveTaskSlot.
func (m *Manager) releaseTaskSlot(taskID string) {
	m.mutex.Lock()
	if m.pending[taskID] > 0 {
		m.pending[taskID]--
	}
	if m.pending[taskID] == 0 {
		delete(m.pending, taskID)
	}
	m.mutex.Unlock()
}

// GetSession returns the live session with the given ID
func (m *Manager) GetSession(sessionID string) (*Session, error) {
	m.mutex.RLock()
	s, ok := m.sessions[sessionID]
	m.mutex.RUnlock()

	if !ok {
		return nil, errors.SessionNotFound(sessionID)
	}
	return s, nil
}

// ListSessions returns snapshots of all sessions, optionally filtered by task
func (m *Manager) ListSessions(taskID string) []SessionInfo {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		if taskID != "" && s.TaskID != taskID {
			continue
		}
		infos = append(infos, m.snapshot(s))
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *Manager) snapshot(s *Session) SessionInfo {
	return SessionInfo{
		ID:           s.ID,
		TaskID:       s.TaskID,
		State:        s.State().String(),
		WorkingDir:   s.WorkingDir,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		CommandCount: len(s.History()),
	}
}

// ExecuteCommand runs one command in a session and blocks until it finishes
func (m *Manager) ExecuteCommand(ctx context.Context, sessionID, command string, timeout time.Duration) (*CommandExecution, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	exec, err := s.Execute(ctx, command, timeout)
	m.accountCommand(s, exec, err, time.Since(start))
	return exec, err
}

// ExecuteCommandAsync dispatches one command without waiting for completion
func (m *Manager) ExecuteCommandAsync(sessionID, command string, timeout time.Duration) (*CommandExecution, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	exec, err := s.ExecuteAsync(command, timeout)
	m.accountCommand(s, exec, err, 0)
	return exec, err
}

// accountCommand updates counters and the audit trail for one dispatched or
// rejected command.
func (m *Manager) accountCommand(s *Session, exec *CommandExecution, err error, duration time.Duration) {
	rejected := err != nil && errors.Is(err, errors.ErrCodeCommandRejected)
	if rejected {
		m.commandsRejected.Add(1)
	} else if exec != nil {
		m.commandsExecuted.Add(1)
	}

	if exec != nil {
		m.logger.LogCommand(s.ID, exec.RawCommand, duration, err == nil, int(exec.OutputEnd-exec.OutputStart), err)
	}

	if m.database == nil || exec == nil {
		return
	}

	rec := &database.CommandRecord{
		ID:         exec.ID,
		SessionID:  s.ID,
		TaskID:     s.TaskID,
		Command:    exec.RawCommand,
		Status:     string(exec.Status),
		ExitStatus: exec.ExitStatus,
		StartedAt:  exec.StartedAt,
		Duration:   duration.Milliseconds(),
		WorkingDir: s.WorkingDir,
	}
	if rejected {
		rec.RejectRule = errors.RejectionRule(err)
	}
	if exec.CompletedAt != nil {
		rec.CompletedAt = exec.CompletedAt
	}

	if dberr := m.database.RecordCommand(rec); dberr != nil {
		m.logger.Error("Failed to record command", dberr, map[string]interface{}{
			"session_id": s.ID,
		})
	}
}

// InterruptSession signals the foreground command of a session
func (m *Manager) InterruptSession(sessionID string) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	if err := s.Interrupt(); err != nil {
		return err
	}
	m.logger.Audit("session_interrupted", s.ID, s.TaskID, "operator interrupt")
	return nil
}

// ResizeSession changes a session's terminal window size
func (m *Manager) ResizeSession(sessionID string, rows, cols uint16) error {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}
	return s.Resize(rows, cols)
}

// TerminateSession destroys a session. Terminating an unknown or already
// terminated session is not an error.
func (m *Manager) TerminateSession(sessionID string) error {
	m.mutex.RLock()
	s, ok := m.sessions[sessionID]
	m.mutex.RUnlock()

	if !ok {
		return nil
	}

	m.destroySession(s, "terminated by request", false)
	return nil
}

// destroySession tears a session down, audits the event, and removes it from
// the registry.
func (m *Manager) destroySession(s *Session, reason string, force bool) {
	s.Terminate(force)

	m.mutex.Lock()
	delete(m.sessions, s.ID)
	m.mutex.Unlock()

	m.logger.LogSessionEvent("session_terminated", s.ID, s.TaskID, map[string]interface{}{
		"reason": reason,
	})
	m.auditSessionEvent(s, "terminated", reason)
}

func (m *Manager) auditSessionEvent(s *Session, event, detail string) {
	if m.database == nil {
		return
	}
	if err := m.database.RecordSessionEvent(s.ID, s.TaskID, event, detail); err != nil {
		m.logger.Error("Failed to record session event", err, map[string]interface{}{
			"session_id": s.ID,
			"event":      event,
		})
	}
}

// GetOutput returns buffered output for a session starting at the given
// offset.
func (m *Manager) GetOutput(sessionID string, since int64) ([]OutputEntry, error) {
	s, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Output(since), nil
}

// SessionCount returns the number of registered sessions
func (m *Manager) SessionCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// GetStats returns a snapshot of manager activity
func (m *Manager) GetStats() Stats {
	m.mutex.RLock()
	perTask := make(map[string]int)
	active := 0
	for _, s := range m.sessions {
		if !s.State().Terminal() {
			active++
			perTask[s.TaskID]++
		}
	}
	m.mutex.RUnlock()

	return Stats{
		ActiveSessions:        active,
		SessionsPerTask:       perTask,
		TotalCommandsExecuted: m.commandsExecuted.Load(),
		TotalCommandsRejected: m.commandsRejected.Load(),
		TotalSessionsCreated:  m.sessionsCreated.Load(),
		TotalSessionsEvicted:  m.sessionsEvicted.Load(),
	}
}

// GetResourceMonitor exposes the resource monitor, nil when disabled
func (m *Manager) GetResourceMonitor() *monitoring.ResourceMonitor {
	return m.monitor
}

// startSweepRoutine launches the periodic expiry sweep
func (m *Manager) startSweepRoutine() {
	m.sweepTicker = time.NewTicker(m.config.Session.SweepInterval)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Panic in sweep routine", fmt.Errorf("panic: %v", r), map[string]interface{}{
					"routine": "session_sweep",
				})
				time.Sleep(5 * time.Second)
				m.startSweepRoutine()
			}
		}()

		for {
			select {
			case <-m.sweepTicker.C:
				m.sweepExpiredSessions()
			case <-m.stopSweep:
				m.sweepTicker.Stop()
				return
			case <-m.ctx.Done():
				m.sweepTicker.Stop()
				return
			}
		}
	}()
}

// sweepExpiredSessions terminates sessions past their idle or absolute
// timeout. A BUSY session is exempt from the idle timeout but not from the
// absolute one.
func (m *Manager) sweepExpiredSessions() {
	now := time.Now()

	m.mutex.RLock()
	type victim struct {
		s      *Session
		reason string
	}
	var victims []victim
	for _, s := range m.sessions {
		state := s.State()
		if state.Terminal() {
			victims = append(victims, victim{s, "already dead"})
			continue
		}
		if now.Sub(s.CreatedAt) > s.absoluteTimeout {
			victims = append(victims, victim{s, "absolute timeout"})
			continue
		}
		if state != StateBusy && now.Sub(s.LastActivity()) > s.idleTimeout {
			victims = append(victims, victim{s, "idle timeout"})
		}
	}
	m.mutex.RUnlock()

	for _, v := range victims {
		m.logger.Audit("session_expired", v.s.ID, v.s.TaskID, v.reason)
		m.destroySession(v.s, v.reason, false)
	}

	if m.database != nil {
		if err := m.database.Cleanup(m.config.Database.MaxAuditRows, m.config.Database.MaxCommandRecords); err != nil {
			m.logger.Error("Failed to trim audit tables", err, nil)
		}
	}
}
