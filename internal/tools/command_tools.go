package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sandterm/sandterm/internal/errors"
	"github.com/sandterm/sandterm/internal/session"
)

// SendCommand executes one command in a session. Synchronous by default; with
// async set, the command's record is returned immediately and output can be
// collected later via get_output.
func (t *EngineTools) SendCommand(ctx context.Context, req *mcp.CallToolRequest, args SendCommandArgs) (*mcp.CallToolResult, SendCommandResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), SendCommandResult{}, nil
	}
	if strings.TrimSpace(args.Command) == "" {
		return createErrorResult("command cannot be empty"), SendCommandResult{}, nil
	}

	timeout := time.Duration(args.TimeoutSeconds * float64(time.Second))

	if args.Async {
		exec, err := t.manager.ExecuteCommandAsync(args.SessionID, args.Command, timeout)
		if err != nil {
			return t.commandFailure(args.SessionID, exec, err)
		}

		result := SendCommandResult{
			CommandID: exec.ID,
			Status:    string(exec.Status),
			State:     t.sessionState(args.SessionID),
			Message:   "Command dispatched; poll get_output for results",
		}
		return createJSONResult(result), result, nil
	}

	exec, err := t.manager.ExecuteCommand(ctx, args.SessionID, args.Command, timeout)
	if err != nil {
		return t.commandFailure(args.SessionID, exec, err)
	}

	var output strings.Builder
	chunks, _ := t.manager.GetOutput(args.SessionID, exec.OutputStart)
	for _, chunk := range chunks {
		if chunk.Offset >= exec.OutputEnd {
			break
		}
		output.WriteString(chunk.Payload)
	}

	result := SendCommandResult{
		CommandID:  exec.ID,
		Status:     string(exec.Status),
		ExitStatus: exec.ExitStatus,
		Output:     output.String(),
		State:      t.sessionState(args.SessionID),
	}

	return createJSONResult(result), result, nil
}

// commandFailure shapes a rejected or failed command into a tool result. The
// rejection message names only the rule that fired.
func (t *EngineTools) commandFailure(sessionID string, exec *session.CommandExecution, err error) (*mcp.CallToolResult, SendCommandResult, error) {
	result := SendCommandResult{
		State:   t.sessionState(sessionID),
		Message: err.Error(),
	}
	if exec != nil {
		result.CommandID = exec.ID
		result.Status = string(exec.Status)
	}

	if errors.Is(err, errors.ErrCodeCommandRejected) {
		return createErrorResult(fmt.Sprintf("Command rejected by security rule: %s", errors.RejectionRule(err))), result, nil
	}
	return createErrorResult(fmt.Sprintf("Command failed: %v", err)), result, nil
}

func (t *EngineTools) sessionState(sessionID string) string {
	if s, err := t.manager.GetSession(sessionID); err == nil {
		return s.State().String()
	}
	return "unknown"
}

// SearchHistory searches the command audit trail with optional filters
func (t *EngineTools) SearchHistory(ctx context.Context, req *mcp.CallToolRequest, args SearchHistoryArgs) (*mcp.CallToolResult, SearchHistoryResult, error) {
	if t.database == nil {
		return createErrorResult("command history persistence is disabled"), SearchHistoryResult{}, nil
	}

	var startTime, endTime time.Time
	if args.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, args.StartTime)
		if err != nil {
			return createErrorResult("start_time must be RFC3339"), SearchHistoryResult{}, nil
		}
		startTime = parsed
	}
	if args.EndTime != "" {
		parsed, err := time.Parse(time.RFC3339, args.EndTime)
		if err != nil {
			return createErrorResult("end_time must be RFC3339"), SearchHistoryResult{}, nil
		}
		endTime = parsed
	}

	limit := args.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	records, err := t.database.SearchCommands(args.SessionID, args.TaskID, args.Command, args.Status, startTime, endTime, limit)
	if err != nil {
		t.logger.Error("History search failed", err, nil)
		return createErrorResult(fmt.Sprintf("Search failed: %v", err)), SearchHistoryResult{}, nil
	}

	entries := make([]HistoryEntry, len(records))
	for i, rec := range records {
		entries[i] = HistoryEntry{
			ID:         rec.ID,
			SessionID:  rec.SessionID,
			TaskID:     rec.TaskID,
			Command:    rec.Command,
			Status:     rec.Status,
			ExitStatus: rec.ExitStatus,
			StartedAt:  rec.StartedAt.Format(time.RFC3339),
			DurationMs: rec.Duration,
			RejectRule: rec.RejectRule,
		}
	}

	result := SearchHistoryResult{
		Entries: entries,
		Count:   len(entries),
	}

	return createJSONResult(result), result, nil
}

// GetStats reports engine activity counters and resource usage
func (t *EngineTools) GetStats(ctx context.Context, req *mcp.CallToolRequest, args GetStatsArgs) (*mcp.CallToolResult, GetStatsResult, error) {
	result := GetStatsResult{
		Stats: t.manager.GetStats(),
	}

	if monitor := t.manager.GetResourceMonitor(); monitor != nil {
		result.Resources = monitor.GetResourceSummary()
	} else {
		result.Resources = make(map[string]interface{})
	}

	rlimits := make(map[string]string)
	for name, limit := range session.CurrentResourceLimits() {
		rlimits[name] = session.FormatRlimit(limit.Cur)
	}
	result.Resources["process_limits"] = rlimits

	return createJSONResult(result), result, nil
}
