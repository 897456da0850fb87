package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// GetOutput returns buffered session output starting at a given offset.
// Offsets are absolute and monotonic, so a caller that remembers next_offset
// can page through output without gaps even while the buffer evicts old
// entries underneath it.
func (t *EngineTools) GetOutput(ctx context.Context, req *mcp.CallToolRequest, args GetOutputArgs) (*mcp.CallToolResult, GetOutputResult, error) {
	if err := validateSessionID(args.SessionID); err != nil {
		return createErrorResult(err.Error()), GetOutputResult{}, nil
	}
	if args.Since < 0 {
		return createErrorResult("since must not be negative"), GetOutputResult{}, nil
	}

	entries, err := t.manager.GetOutput(args.SessionID, args.Since)
	if err != nil {
		return createErrorResult(fmt.Sprintf("Failed to read output: %v", err)), GetOutputResult{}, nil
	}

	maxBytes := args.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}

	result := GetOutputResult{
		SessionID:  args.SessionID,
		Chunks:     make([]OutputChunk, 0, len(entries)),
		NextOffset: args.Since,
	}

	total := 0
	for _, entry := range entries {
		if total+len(entry.Payload) > maxBytes && len(result.Chunks) > 0 {
			result.Truncated = true
			break
		}
		total += len(entry.Payload)
		result.Chunks = append(result.Chunks, OutputChunk{
			Offset:    entry.Offset,
			Kind:      string(entry.Kind),
			Payload:   entry.Payload,
			Timestamp: entry.Timestamp.Format(time.RFC3339Nano),
		})
		result.NextOffset = entry.Offset + 1
	}

	return createJSONResult(result), result, nil
}
