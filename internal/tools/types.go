package tools

import (
	"github.com/sandterm/sandterm/internal/session"
)

// Argument and result types for the MCP tool surface. Every handler returns
// a structured result alongside the JSON text content.

// CreateSessionArgs are the arguments for create_session
type CreateSessionArgs struct {
	TaskID           string            `json:"task_id"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	Rows             int               `json:"rows,omitempty"`
	Cols             int               `json:"cols,omitempty"`
}

// CreateSessionResult is the result of create_session
type CreateSessionResult struct {
	SessionID  string `json:"session_id"`
	TaskID     string `json:"task_id"`
	State      string `json:"state"`
	WorkingDir string `json:"working_dir"`
	Message    string `json:"message"`
}

// ListSessionsArgs are the arguments for list_sessions
type ListSessionsArgs struct {
	TaskID string `json:"task_id,omitempty"`
}

// ListSessionsResult is the result of list_sessions
type ListSessionsResult struct {
	Sessions []session.SessionInfo `json:"sessions"`
	Count    int                   `json:"count"`
	Stats    session.Stats         `json:"stats"`
}

// GetSessionArgs are the arguments for get_session
type GetSessionArgs struct {
	SessionID string `json:"session_id"`
}

// GetSessionResult is the result of get_session
type GetSessionResult struct {
	Session session.SessionInfo        `json:"session"`
	History []session.CommandExecution `json:"history"`
}

// SendCommandArgs are the arguments for send_command
type SendCommandArgs struct {
	SessionID      string  `json:"session_id"`
	Command        string  `json:"command"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	Async          bool    `json:"async,omitempty"`
}

// SendCommandResult is the result of send_command
type SendCommandResult struct {
	CommandID  string `json:"command_id"`
	Status     string `json:"status"`
	ExitStatus *int   `json:"exit_status,omitempty"`
	Output     string `json:"output,omitempty"`
	State      string `json:"state"`
	Message    string `json:"message,omitempty"`
}

// InterruptSessionArgs are the arguments for interrupt_session
type InterruptSessionArgs struct {
	SessionID string `json:"session_id"`
}

// InterruptSessionResult is the result of interrupt_session
type InterruptSessionResult struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Message   string `json:"message"`
}

// ResizeSessionArgs are the arguments for resize_session
type ResizeSessionArgs struct {
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
}

// ResizeSessionResult is the result of resize_session
type ResizeSessionResult struct {
	SessionID string `json:"session_id"`
	Rows      int    `json:"rows"`
	Cols      int    `json:"cols"`
	Message   string `json:"message"`
}

// TerminateSessionArgs are the arguments for terminate_session
type TerminateSessionArgs struct {
	SessionID string `json:"session_id"`
}

// TerminateSessionResult is the result of terminate_session
type TerminateSessionResult struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// GetOutputArgs are the arguments for get_output
type GetOutputArgs struct {
	SessionID string `json:"session_id"`
	Since     int64  `json:"since,omitempty"`
	MaxBytes  int    `json:"max_bytes,omitempty"`
}

// OutputChunk is one entry of buffered session output
type OutputChunk struct {
	Offset    int64  `json:"offset"`
	Kind      string `json:"kind"`
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

// GetOutputResult is the result of get_output
type GetOutputResult struct {
	SessionID  string        `json:"session_id"`
	Chunks     []OutputChunk `json:"chunks"`
	NextOffset int64         `json:"next_offset"`
	Truncated  bool          `json:"truncated"`
}

// SearchHistoryArgs are the arguments for search_history
type SearchHistoryArgs struct {
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status,omitempty"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// HistoryEntry is one audited command in search results
type HistoryEntry struct {
	ID         string `json:"id"`
	SessionID  string `json:"session_id"`
	TaskID     string `json:"task_id"`
	Command    string `json:"command"`
	Status     string `json:"status"`
	ExitStatus *int   `json:"exit_status,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMs int64  `json:"duration_ms"`
	RejectRule string `json:"reject_rule,omitempty"`
}

// SearchHistoryResult is the result of search_history
type SearchHistoryResult struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
}

// GetStatsArgs are the arguments for get_stats
type GetStatsArgs struct{}

// GetStatsResult is the result of get_stats
type GetStatsResult struct {
	Stats     session.Stats          `json:"stats"`
	Resources map[string]interface{} `json:"resources,omitempty"`
}
