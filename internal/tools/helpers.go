package tools

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/database"
	"github.com/sandterm/sandterm/internal/logger"
	"github.com/sandterm/sandterm/internal/session"
)

// EngineTools exposes the session engine over MCP
type EngineTools struct {
	manager  *session.Manager
	config   *config.Config
	logger   *logger.Logger
	database *database.DB
}

// NewEngineTools creates the tool surface over a running manager
func NewEngineTools(manager *session.Manager, cfg *config.Config, log *logger.Logger, db *database.DB) *EngineTools {
	return &EngineTools{
		manager:  manager,
		config:   cfg,
		logger:   log,
		database: db,
	}
}

var uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// validateSessionID validates a session ID format
func validateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if !uuidPattern.MatchString(sessionID) {
		return fmt.Errorf("session ID must be a valid UUID")
	}
	return nil
}

// createJSONResult creates a JSON result for tool responses
func createJSONResult(data interface{}) *mcp.CallToolResult {
	resultJSON, _ := json.MarshalIndent(data, "", "  ")
	content := []mcp.Content{
		&mcp.TextContent{
			Text: string(resultJSON),
		},
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: false,
	}
}

// createErrorResult creates an error result for tool responses
func createErrorResult(message string) *mcp.CallToolResult {
	content := []mcp.Content{
		&mcp.TextContent{
			Text: fmt.Sprintf("Error: %s", message),
		},
	}

	return &mcp.CallToolResult{
		Content: content,
		IsError: true,
	}
}
