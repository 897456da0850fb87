package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the SQLite-backed audit store. It keeps a lifecycle trail of session
// events and a record of every command the engine accepted or rejected.
type DB struct {
	conn *sql.DB
	path string
}

// SessionEvent is one audit row in the session lifecycle trail
type SessionEvent struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CommandRecord is one audited command execution
type CommandRecord struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	TaskID      string     `json:"task_id"`
	Command     string     `json:"command"`
	Status      string     `json:"status"`
	ExitStatus  *int       `json:"exit_status,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    int64      `json:"duration_ms"`
	WorkingDir  string     `json:"working_dir"`
	RejectRule  string     `json:"reject_rule,omitempty"`
}

// NewDB opens (creating if needed) the audit database under dataDir
func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sandterm.db")

	conn, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	db := &DB{
		conn: conn,
		path: dbPath,
	}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates the database schema
func (db *DB) initialize() error {
	schema := `
	-- Session lifecycle audit trail
	CREATE TABLE IF NOT EXISTS session_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	-- Command execution audit trail
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		command TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_status INTEGER,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		working_dir TEXT DEFAULT '',
		reject_rule TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_session_events_task_id ON session_events(task_id);
	CREATE INDEX IF NOT EXISTS idx_session_events_timestamp ON session_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_commands_session_id ON commands(session_id);
	CREATE INDEX IF NOT EXISTS idx_commands_task_id ON commands(task_id);
	CREATE INDEX IF NOT EXISTS idx_commands_started_at ON commands(started_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Session event operations

// RecordSessionEvent appends one row to the session lifecycle trail
func (db *DB) RecordSessionEvent(sessionID, taskID, event, detail string) error {
	query := `
	INSERT INTO session_events (session_id, task_id, event, detail, timestamp)
	VALUES (?, ?, ?, ?, ?)
	`

	_, err := db.conn.Exec(query, sessionID, taskID, event, detail, time.Now())
	return err
}

// ListSessionEvents retrieves the lifecycle trail for a session, oldest first
func (db *DB) ListSessionEvents(sessionID string, limit int) ([]*SessionEvent, error) {
	query := `
	SELECT id, session_id, task_id, event, detail, timestamp
	FROM session_events WHERE session_id = ? ORDER BY id
	`

	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*SessionEvent

	for rows.Next() {
		var ev SessionEvent
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.TaskID, &ev.Event, &ev.Detail, &ev.Timestamp)
		if err != nil {
			return nil, err
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// Command operations

// RecordCommand stores one audited command. Rejected commands carry the rule
// name that fired; the command text of a rejected command is stored as
// submitted so operators can review what was attempted.
func (db *DB) RecordCommand(rec *CommandRecord) error {
	query := `
	INSERT INTO commands (id, session_id, task_id, command, status, exit_status, started_at, completed_at, duration_ms, working_dir, reject_rule)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.Exec(query, rec.ID, rec.SessionID, rec.TaskID, rec.Command, rec.Status,
		rec.ExitStatus, rec.StartedAt, rec.CompletedAt, rec.Duration, rec.WorkingDir, rec.RejectRule)

	return err
}

// SearchCommands searches the command audit trail with optional filters
func (db *DB) SearchCommands(sessionID, taskID, command, status string, startTime, endTime time.Time, limit int) ([]*CommandRecord, error) {
	query := `
	SELECT id, session_id, task_id, command, status, exit_status, started_at, completed_at, duration_ms, working_dir, reject_rule
	FROM commands WHERE 1=1
	`

	var args []interface{}

	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}

	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, taskID)
	}

	if command != "" {
		query += " AND command LIKE ?"
		args = append(args, "%"+command+"%")
	}

	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}

	if !startTime.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, startTime)
	}

	if !endTime.IsZero() {
		query += " AND started_at <= ?"
		args = append(args, endTime)
	}

	query += " ORDER BY started_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []*CommandRecord

	for rows.Next() {
		var rec CommandRecord
		var exitStatus sql.NullInt64
		var completedAt sql.NullTime

		err := rows.Scan(&rec.ID, &rec.SessionID, &rec.TaskID, &rec.Command, &rec.Status,
			&exitStatus, &rec.StartedAt, &completedAt, &rec.Duration, &rec.WorkingDir, &rec.RejectRule)
		if err != nil {
			return nil, err
		}

		if exitStatus.Valid {
			code := int(exitStatus.Int64)
			rec.ExitStatus = &code
		}
		if completedAt.Valid {
			t := completedAt.Time
			rec.CompletedAt = &t
		}

		commands = append(commands, &rec)
	}

	return commands, rows.Err()
}

// Maintenance

// Cleanup trims both audit tables to the configured row ceilings, oldest
// rows first
func (db *DB) Cleanup(maxAuditRows, maxCommandRecords int) error {
	if maxAuditRows > 0 {
		query := `
		DELETE FROM session_events WHERE id NOT IN (
			SELECT id FROM session_events ORDER BY id DESC LIMIT ?
		)
		`
		if _, err := db.conn.Exec(query, maxAuditRows); err != nil {
			return fmt.Errorf("failed to trim session events: %w", err)
		}
	}

	if maxCommandRecords > 0 {
		query := `
		DELETE FROM commands WHERE id NOT IN (
			SELECT id FROM commands ORDER BY started_at DESC LIMIT ?
		)
		`
		if _, err := db.conn.Exec(query, maxCommandRecords); err != nil {
			return fmt.Errorf("failed to trim commands: %w", err)
		}
	}

	return nil
}

// GetTaskStats returns aggregate command statistics for a task
func (db *DB) GetTaskStats(taskID string) (map[string]interface{}, error) {
	query := `
	SELECT
		COUNT(DISTINCT session_id) as total_sessions,
		COUNT(*) as total_commands,
		SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed_commands,
		SUM(CASE WHEN status = 'rejected' THEN 1 ELSE 0 END) as rejected_commands,
		COALESCE(AVG(duration_ms), 0) as avg_duration_ms
	FROM commands WHERE task_id = ?
	`

	row := db.conn.QueryRow(query, taskID)

	var totalSessions, totalCommands, completedCommands, rejectedCommands int
	var avgDuration float64

	err := row.Scan(&totalSessions, &totalCommands, &completedCommands, &rejectedCommands, &avgDuration)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"total_sessions":     totalSessions,
		"total_commands":     totalCommands,
		"completed_commands": completedCommands,
		"rejected_commands":  rejectedCommands,
		"avg_duration_ms":    avgDuration,
	}, nil
}

// HealthCheck verifies the database connection is usable
func (db *DB) HealthCheck() error {
	return db.conn.Ping()
}
