package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the sandterm execution engine
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Session configuration
	Session SessionConfig `json:"session"`

	// Security configuration
	Security SecurityConfig `json:"security"`

	// Logging configuration
	Logging LoggingConfig `json:"logging"`

	// Monitoring configuration
	Monitoring MonitoringConfig `json:"monitoring"`

	// Database (audit store) configuration
	Database DatabaseConfig `json:"database"`
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Debug   bool   `json:"debug"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	MaxSessionsPerTask int           `json:"max_sessions_per_task"`
	IdleTimeout        time.Duration `json:"idle_timeout"`
	AbsoluteTimeout    time.Duration `json:"absolute_timeout"`
	SweepInterval      time.Duration `json:"sweep_interval"`
	CommandTimeout     time.Duration `json:"command_timeout"`
	StartupTimeout     time.Duration `json:"startup_timeout"`
	TerminateGrace     time.Duration `json:"terminate_grace"`
	OutputBufferSize   int           `json:"output_buffer_size"`
	DefaultRows        int           `json:"default_rows"`
	DefaultCols        int           `json:"default_cols"`
	Shell              string        `json:"shell"`
	ReadyPattern       string        `json:"ready_pattern"`
	EvictOldestOnLimit bool          `json:"evict_oldest_on_limit"`
	RawOutput          bool          `json:"raw_output"`
	Nice               int           `json:"nice"` // renice applied to session shells, 0 disables
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// DeniedPatterns are extra regex patterns added to the built-in denylist
	DeniedPatterns []string `json:"denied_patterns"`

	// ControlPrefix marks the tool's own sub-command syntax. Commands with
	// this prefix are default-deny: only AllowedControlCommands pass.
	ControlPrefix          string   `json:"control_prefix"`
	AllowedControlCommands []string `json:"allowed_control_commands"`

	MaxCommandLength int `json:"max_command_length"`
	MaxArguments     int `json:"max_arguments"`

	// ProjectRoot confines every session working directory
	ProjectRoot string `json:"project_root"`

	// SensitiveDirs are extra directories rejected even when reachable
	SensitiveDirs []string `json:"sensitive_dirs"`

	// EnvAllowPrefixes are extra environment prefixes passed through unchanged
	EnvAllowPrefixes []string `json:"env_allow_prefixes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
	Output string `json:"output"` // "stderr", "stdout", or file path
}

// MonitoringConfig holds monitoring configuration
type MonitoringConfig struct {
	Enable     bool          `json:"enable"`
	Interval   time.Duration `json:"interval"`
	HealthAddr string        `json:"health_addr"` // empty disables the HTTP health endpoint
}

// DatabaseConfig holds audit store configuration
type DatabaseConfig struct {
	Enable            bool   `json:"enable"`
	DataDir           string `json:"data_dir"`
	MaxAuditRows      int    `json:"max_audit_rows"`
	MaxCommandRecords int    `json:"max_command_records"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "sandterm",
			Version: "1.0.0",
			Debug:   false,
		},
		Session: SessionConfig{
			MaxSessionsPerTask: 5,
			IdleTimeout:        15 * time.Minute,
			AbsoluteTimeout:    60 * time.Minute,
			SweepInterval:      time.Minute,
			CommandTimeout:     60 * time.Second,
			StartupTimeout:     10 * time.Second,
			TerminateGrace:     5 * time.Second,
			OutputBufferSize:   10000,
			DefaultRows:        24,
			DefaultCols:        80,
			Shell:              "", // system default
			ReadyPattern:       "",
			EvictOldestOnLimit: false,
			RawOutput:          false,
			Nice:               0,
		},
		Security: SecurityConfig{
			DeniedPatterns: []string{},
			ControlPrefix:  "/",
			AllowedControlCommands: []string{
				"/help", "/clear", "/compact", "/status", "/config",
				"/model", "/cost", "/exit", "/quit",
			},
			MaxCommandLength: 4096,
			MaxArguments:     100,
			ProjectRoot:      "",
			SensitiveDirs:    []string{},
			EnvAllowPrefixes: []string{},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Monitoring: MonitoringConfig{
			Enable:     true,
			Interval:   30 * time.Second,
			HealthAddr: "",
		},
		Database: DatabaseConfig{
			Enable:            true,
			DataDir:           defaultDataDir(),
			MaxAuditRows:      50000,
			MaxCommandRecords: 10000,
		},
	}
}

// defaultDataDir returns the default directory for the audit database
func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.sandterm"
	}
	return ".sandterm"
}

// LoadConfig loads configuration from environment variables and optional config file
func LoadConfig(configFile string) (*Config, error) {
	config := DefaultConfig()

	// Load from config file if provided
	if configFile != "" {
		if err := loadFromFile(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables
	loadFromEnvironment(config)

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a JSON file
func loadFromFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, config)
}

// loadFromEnvironment loads configuration from environment variables
func loadFromEnvironment(config *Config) {
	// Server configuration
	if val := os.Getenv("SANDTERM_DEBUG"); val != "" {
		config.Server.Debug = parseBool(val)
	}

	// Session configuration
	if val := os.Getenv("SANDTERM_MAX_SESSIONS_PER_TASK"); val != "" {
		config.Session.MaxSessionsPerTask = parseInt(val, config.Session.MaxSessionsPerTask)
	}
	if val := os.Getenv("SANDTERM_IDLE_TIMEOUT"); val != "" {
		config.Session.IdleTimeout = parseDuration(val, config.Session.IdleTimeout)
	}
	if val := os.Getenv("SANDTERM_ABSOLUTE_TIMEOUT"); val != "" {
		config.Session.AbsoluteTimeout = parseDuration(val, config.Session.AbsoluteTimeout)
	}
	if val := os.Getenv("SANDTERM_SWEEP_INTERVAL"); val != "" {
		config.Session.SweepInterval = parseDuration(val, config.Session.SweepInterval)
	}
	if val := os.Getenv("SANDTERM_COMMAND_TIMEOUT"); val != "" {
		config.Session.CommandTimeout = parseDuration(val, config.Session.CommandTimeout)
	}
	if val := os.Getenv("SANDTERM_STARTUP_TIMEOUT"); val != "" {
		config.Session.StartupTimeout = parseDuration(val, config.Session.StartupTimeout)
	}
	if val := os.Getenv("SANDTERM_OUTPUT_BUFFER_SIZE"); val != "" {
		config.Session.OutputBufferSize = parseInt(val, config.Session.OutputBufferSize)
	}
	if val := os.Getenv("SANDTERM_SHELL"); val != "" {
		config.Session.Shell = val
	}
	if val := os.Getenv("SANDTERM_READY_PATTERN"); val != "" {
		config.Session.ReadyPattern = val
	}
	if val := os.Getenv("SANDTERM_EVICT_OLDEST_ON_LIMIT"); val != "" {
		config.Session.EvictOldestOnLimit = parseBool(val)
	}
	if val := os.Getenv("SANDTERM_RAW_OUTPUT"); val != "" {
		config.Session.RawOutput = parseBool(val)
	}

	// Security configuration
	if val := os.Getenv("SANDTERM_PROJECT_ROOT"); val != "" {
		config.Security.ProjectRoot = val
	}
	if val := os.Getenv("SANDTERM_MAX_COMMAND_LENGTH"); val != "" {
		config.Security.MaxCommandLength = parseInt(val, config.Security.MaxCommandLength)
	}
	if val := os.Getenv("SANDTERM_MAX_ARGUMENTS"); val != "" {
		config.Security.MaxArguments = parseInt(val, config.Security.MaxArguments)
	}
	if val := os.Getenv("SANDTERM_DENIED_PATTERNS"); val != "" {
		config.Security.DeniedPatterns = splitAndTrim(val)
	}
	if val := os.Getenv("SANDTERM_ALLOWED_CONTROL_COMMANDS"); val != "" {
		config.Security.AllowedControlCommands = splitAndTrim(val)
	}
	if val := os.Getenv("SANDTERM_ENV_ALLOW_PREFIXES"); val != "" {
		config.Security.EnvAllowPrefixes = splitAndTrim(val)
	}

	// Logging configuration
	if val := os.Getenv("SANDTERM_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("SANDTERM_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("SANDTERM_LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}

	// Monitoring configuration
	if val := os.Getenv("SANDTERM_ENABLE_MONITORING"); val != "" {
		config.Monitoring.Enable = parseBool(val)
	}
	if val := os.Getenv("SANDTERM_HEALTH_ADDR"); val != "" {
		config.Monitoring.HealthAddr = val
	}

	// Database configuration
	if val := os.Getenv("SANDTERM_ENABLE_DATABASE"); val != "" {
		config.Database.Enable = parseBool(val)
	}
	if val := os.Getenv("SANDTERM_DATA_DIR"); val != "" {
		config.Database.DataDir = val
	}
}

// validateConfig validates the configuration values
func validateConfig(config *Config) error {
	if config.Session.MaxSessionsPerTask < 1 {
		return fmt.Errorf("max_sessions_per_task must be at least 1")
	}
	if config.Session.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if config.Session.AbsoluteTimeout < config.Session.IdleTimeout {
		return fmt.Errorf("absolute_timeout must not be shorter than idle_timeout")
	}
	if config.Session.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if config.Session.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive")
	}
	if config.Session.OutputBufferSize < 1 {
		return fmt.Errorf("output_buffer_size must be at least 1")
	}
	if config.Session.DefaultRows < 1 || config.Session.DefaultCols < 1 {
		return fmt.Errorf("default terminal size must be at least 1x1")
	}
	if config.Security.MaxCommandLength < 1 {
		return fmt.Errorf("max_command_length must be at least 1")
	}
	if config.Security.MaxArguments < 1 {
		return fmt.Errorf("max_arguments must be at least 1")
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	switch config.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}

	return nil
}

// parseBool parses a boolean value from a string
func parseBool(val string) bool {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// parseInt parses an integer with a fallback default
func parseInt(val string, defaultVal int) int {
	if parsed, err := strconv.Atoi(val); err == nil {
		return parsed
	}
	return defaultVal
}

// parseDuration parses a duration with a fallback default
func parseDuration(val string, defaultVal time.Duration) time.Duration {
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	return defaultVal
}

// splitAndTrim splits a comma-separated value into trimmed entries
func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
