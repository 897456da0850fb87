package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sandterm/sandterm/internal/config"
	"github.com/sandterm/sandterm/internal/database"
	"github.com/sandterm/sandterm/internal/logger"
	"github.com/sandterm/sandterm/internal/monitoring"
	"github.com/sandterm/sandterm/internal/session"
	"github.com/sandterm/sandterm/internal/tools"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if *debugMode {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}

	// Log to stderr so stdout stays clean for JSON-RPC traffic
	log.SetOutput(os.Stderr)

	appLogger, err := logger.NewLogger(&cfg.Logging, "github.com/sandterm/sandterm")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting secure terminal session engine", map[string]interface{}{
		"version":      cfg.Server.Version,
		"debug":        cfg.Server.Debug,
		"project_root": cfg.Security.ProjectRoot,
	})

	var db *database.DB
	if cfg.Database.Enable {
		db, err = database.NewDB(cfg.Database.DataDir)
		if err != nil {
			log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()

		appLogger.Info("Audit database initialized", map[string]interface{}{
			"path": db.Path(),
		})
	}

	manager, err := session.NewManager(cfg, appLogger, db)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	manager.Start()

	var health *monitoring.HealthEndpoint
	if cfg.Monitoring.HealthAddr != "" {
		health = monitoring.NewHealthEndpoint(cfg.Monitoring.HealthAddr, manager.GetResourceMonitor())
		if db != nil {
			health.RegisterHealthCheck("database", db)
		}
		if err := health.Start(); err != nil {
			appLogger.Warn("Failed to start health endpoint", map[string]interface{}{
				"addr": cfg.Monitoring.HealthAddr,
			})
		} else {
			appLogger.Info("Health endpoint listening", map[string]interface{}{
				"addr": cfg.Monitoring.HealthAddr,
			})
		}
	}

	engineTools := tools.NewEngineTools(manager, cfg, appLogger, db)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "create_session",
		Description: "Create an isolated terminal session owned by a task. The session runs a shell behind a pseudo-terminal with a filtered environment and a working directory confined to the project root. Returns the session ID used by every other tool.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"task_id": {
					Type:        "string",
					Description: "Identifier of the task that owns the session. Sessions are counted and limited per task.",
				},
				"working_directory": {
					Type:        "string",
					Description: "Optional: starting directory, absolute or relative to the project root. Must stay inside the project root.",
				},
				"environment": {
					Type:        "object",
					Description: "Optional: extra environment variables. Dangerous variables are silently dropped; unknown ones must match the allow rules.",
				},
				"rows": {
					Type:        "integer",
					Description: "Optional: terminal rows. Defaults from configuration.",
				},
				"cols": {
					Type:        "integer",
					Description: "Optional: terminal columns. Defaults from configuration.",
				},
			},
			Required: []string{"task_id"},
		},
	}, engineTools.CreateSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List sessions with state, working directory, and activity timestamps, optionally filtered by task. Includes engine-wide counters for created, evicted, executed, and rejected totals.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"task_id": {
					Type:        "string",
					Description: "Optional: only list sessions owned by this task.",
				},
			},
		},
	}, engineTools.ListSessions)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_session",
		Description: "Get one session's snapshot and full in-memory command history, including rejected commands and exit statuses.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Session UUID returned by create_session.",
				},
			},
			Required: []string{"session_id"},
		},
	}, engineTools.GetSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "send_command",
		Description: "Execute a shell command in a session. Commands are validated against security rules before anything reaches the shell; a rejection names the rule that fired. Synchronous by default, returning output and exit status. With async set, returns immediately and output is collected via get_output.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Target session UUID.",
				},
				"command": {
					Type:        "string",
					Description: "Shell command to execute.",
				},
				"timeout_seconds": {
					Type:        "number",
					Description: "Optional: per-command timeout. Defaults from configuration. On timeout the command is interrupted and the session stays usable.",
				},
				"async": {
					Type:        "boolean",
					Description: "Optional: dispatch without waiting for completion.",
				},
			},
			Required: []string{"session_id", "command"},
		},
	}, engineTools.SendCommand)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "interrupt_session",
		Description: "Send an interrupt signal to the foreground command of a busy session, like Ctrl-C. The session survives and returns to an idle state ready for the next command.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Target session UUID.",
				},
			},
			Required: []string{"session_id"},
		},
	}, engineTools.InterruptSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resize_session",
		Description: "Change a session's terminal window size so full-screen and width-aware programs render correctly.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Target session UUID.",
				},
				"rows": {
					Type:        "integer",
					Description: "New terminal row count.",
				},
				"cols": {
					Type:        "integer",
					Description: "New terminal column count.",
				},
			},
			Required: []string{"session_id", "rows", "cols"},
		},
	}, engineTools.ResizeSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "terminate_session",
		Description: "Destroy a session and every process it spawned. Safe to repeat; terminating an unknown session is not an error.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Target session UUID.",
				},
			},
			Required: []string{"session_id"},
		},
	}, engineTools.TerminateSession)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_output",
		Description: "Read buffered session output starting at an absolute offset. Remember next_offset from each call to page through output without gaps, including output of async commands.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Target session UUID.",
				},
				"since": {
					Type:        "integer",
					Description: "Optional: first offset to return. Defaults to 0, the start of the retained buffer.",
				},
				"max_bytes": {
					Type:        "integer",
					Description: "Optional: response payload ceiling. A truncated response sets truncated and next_offset for the next page.",
				},
			},
			Required: []string{"session_id"},
		},
	}, engineTools.GetOutput)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_history",
		Description: "Search the persistent command audit trail across sessions and tasks. Filters by session, task, command substring, status, and time range.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"session_id": {
					Type:        "string",
					Description: "Optional: restrict to one session.",
				},
				"task_id": {
					Type:        "string",
					Description: "Optional: restrict to one task.",
				},
				"command": {
					Type:        "string",
					Description: "Optional: substring match against command text.",
				},
				"status": {
					Type:        "string",
					Description: "Optional: one of completed, failed, timed_out, rejected.",
				},
				"start_time": {
					Type:        "string",
					Description: "Optional: RFC3339 lower bound.",
				},
				"end_time": {
					Type:        "string",
					Description: "Optional: RFC3339 upper bound.",
				},
				"limit": {
					Type:        "integer",
					Description: "Optional: maximum results, default 100, ceiling 500.",
				},
			},
		},
	}, engineTools.SearchHistory)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_stats",
		Description: "Report engine activity counters and runtime resource usage, including per-task session counts and leak indicators.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, engineTools.GetStats)

	appLogger.Info("Registered all engine tools", map[string]interface{}{
		"tools_count": 10,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		appLogger.Info("Received shutdown signal, cleaning up...")
		if health != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			health.Stop(shutdownCtx)
			shutdownCancel()
		}
		manager.Stop()
		cancel()
	}()

	appLogger.Info("Engine is running and waiting for requests")

	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		appLogger.Error("Server error", err)
		os.Exit(1)
	}

	manager.Stop()
	appLogger.Info("Engine shutdown completed")
}
