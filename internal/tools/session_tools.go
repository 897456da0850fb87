package tools

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sandterm/sandterm/internal/session"
)

// CreateSession creates a new isolated terminal session for a task
func (t *EngineTools) CreateSession(ctx context.Context, req *mcp.CallToolRequest, args CreateSessionArgs) (*mcp.CallToolResult, CreateSessionResult, error) {
	if args.TaskID == "" {
		return createErrorResult("task_id is required"), CreateSessionResult{}, nil
	}
	if args.Rows < 0 || args.Cols < 0 || args.Rows > 0xffff || args.Cols > 0xffff {
		return createErrorResult("rows and cols must fit a terminal window size"), CreateSessionResult{}, nil
	}

	s, err := t.manager.CreateSession(session.SessionConfig{
		TaskID:           args.TaskID,
		WorkingDirectory: args.WorkingDirectory,
		Environment:      args.Environment,
		Rows:             uint16(args.Rows),
		Cols:             uint16(args.Cols),
	})
	if err != nil {
		t.logger.Error("Failed to create session", err, map[string]interface{}{
			"task_id": args.TaskID,
		})
		return createErrorResult(fmt.Sprintf("Failed to create session: %v", err)), CreateSessionResult{}, nil
	}

	result := CreateSessionResult{
		SessionID:  s.ID,
		TaskID:     s.TaskID,
		State:      s.State().String(),
		WorkingDir: s.WorkingDir,
		Message:    fmt.Sprintf("Session %s created for task %s", s.ID, s.TaskID),
	}

	return createJSONResult(result), result, nil
}

// ListSessions lists sessions, optionally filtered by task
func (t *EngineTools) ListSessions(ctx context.Context, req *mcp.CallToolRequest, args ListSessionsArgs) (*mcp.CallToolResult, ListSessionsResult, error) {
	sessions := t.manager.ListSessions(args.TaskID)

	result := ListSessionsResult{
		Sessions: sessions,
		Count:    len(sessions),
		Stats:    t.manager.GetStats(),
	}

	return createJSONResult(result), result, nil
}

// GetSession returns one session's snapshot and command history
func (t *EngineTools) GetSession(ctx context.Context, req *mcp.CallToolRequest, args GetSessionArgs) (*mcp.CallToolResult, GetSessionResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), GetSessionResult{}, nil
	}

	s, err := t.manager.GetSession(args.SessionID)
	if err != nil {
		return createErrorResult(fmt.Sprintf("Session not found: %v", err)), GetSessionResult{}, nil
	}

	infos := t.manager.ListSessions(s.TaskID)
	var info session.SessionInfo
	for _, candidate := range infos {
		if candidate.ID == s.ID {
			info = candidate
			break
		}
	}

	result := GetSessionResult{
		Session: info,
		History: s.History(),
	}

	return createJSONResult(result), result, nil
}

// InterruptSession signals the foreground command of a busy session
func (t *EngineTools) InterruptSession(ctx context.Context, req *mcp.CallToolRequest, args InterruptSessionArgs) (*mcp.CallToolResult, InterruptSessionResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), InterruptSessionResult{}, nil
	}

	if err := t.manager.InterruptSession(args.SessionID); err != nil {
		return createErrorResult(fmt.Sprintf("Failed to interrupt session: %v", err)), InterruptSessionResult{}, nil
	}

	state := "unknown"
	if s, err := t.manager.GetSession(args.SessionID); err == nil {
		state = s.State().String()
	}

	result := InterruptSessionResult{
		SessionID: args.SessionID,
		State:     state,
		Message:   "Interrupt signal delivered",
	}

	return createJSONResult(result), result, nil
}

// ResizeSession changes a session's terminal window size
func (t *EngineTools) ResizeSession(ctx context.Context, req *mcp.CallToolRequest, args ResizeSessionArgs) (*mcp.CallToolResult, ResizeSessionResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), ResizeSessionResult{}, nil
	}
	if args.Rows <= 0 || args.Cols <= 0 || args.Rows > 0xffff || args.Cols > 0xffff {
		return createErrorResult("rows and cols must be positive terminal dimensions"), ResizeSessionResult{}, nil
	}

	if err := t.manager.ResizeSession(args.SessionID, uint16(args.Rows), uint16(args.Cols)); err != nil {
		return createErrorResult(fmt.Sprintf("Failed to resize session: %v", err)), ResizeSessionResult{}, nil
	}

	result := ResizeSessionResult{
		SessionID: args.SessionID,
		Rows:      args.Rows,
		Cols:      args.Cols,
		Message:   fmt.Sprintf("Terminal resized to %dx%d", args.Rows, args.Cols),
	}

	return createJSONResult(result), result, nil
}

// TerminateSession destroys a session. Unknown sessions are reported as
// already gone rather than as errors.
func (t *EngineTools) TerminateSession(ctx context.Context, req *mcp.CallToolRequest, args TerminateSessionArgs) (*mcp.CallToolResult, TerminateSessionResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), TerminateSessionResult{}, nil
	}

	if err := t.manager.TerminateSession(args.SessionID); err != nil {
		return createErrorResult(fmt.Sprintf("Failed to terminate session: %v", err)), TerminateSessionResult{}, nil
	}

	result := TerminateSessionResult{
		SessionID: args.SessionID,
		Message:   "Session terminated",
	}

	return createJSONResult(result), result, nil
}
