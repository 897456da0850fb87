// Package errors provides standardized error types for the sandterm engine.
// This enables consistent error handling, categorization, and caller-safe messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents standardized error categories
type ErrorCode string

const (
	// Session errors
	ErrCodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeSessionLimit      ErrorCode = "SESSION_LIMIT_REACHED"
	ErrCodeInvalidState      ErrorCode = "SESSION_INVALID_STATE"
	ErrCodeSessionTerminated ErrorCode = "SESSION_TERMINATED"

	// Command errors
	ErrCodeCommandRejected ErrorCode = "COMMAND_REJECTED"
	ErrCodeCommandTimeout  ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeCommandFailed   ErrorCode = "COMMAND_FAILED"

	// Validation errors
	ErrCodeInvalidPath        ErrorCode = "PATH_INVALID"
	ErrCodePathEscape         ErrorCode = "PATH_ESCAPE"
	ErrCodeInvalidEnvironment ErrorCode = "ENVIRONMENT_INVALID"
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"

	// Resource errors
	ErrCodeSpawnFailed   ErrorCode = "SPAWN_FAILED"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// EngineError is the standardized error type for the engine.
//
// Messages are written for a possibly-untrusted caller: they name the rule or
// category that fired, never the raw environment value, out-of-root path, or
// denylisted command fragment that triggered it.
type EngineError struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Details    string         `json:"details,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Cause      error          `json:"-"`
	Retryable  bool           `json:"retryable"`
	Suggestion string         `json:"suggestion,omitempty"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with the underlying cause
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value any) *EngineError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for the caller
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// WithDetails adds detailed information
func (e *EngineError) WithDetails(details string) *EngineError {
	e.Details = details
	return e
}

// New creates a new EngineError
func New(code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(cause error, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Is checks if the error matches the given error code
func Is(err error, code ErrorCode) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr.Retryable
	}
	return false
}

// --- Convenience constructors for common errors ---

// SessionNotFound creates a session not found error
func SessionNotFound(sessionID string) *EngineError {
	return New(ErrCodeSessionNotFound, fmt.Sprintf("session not found: %s", sessionID)).
		WithContext("session_id", sessionID).
		WithSuggestion("Use list_sessions to see active sessions")
}

// SessionLimitReached creates a per-task session limit error
func SessionLimitReached(taskID string, max int) *EngineError {
	return New(ErrCodeSessionLimit, fmt.Sprintf("task already holds the maximum of %d sessions", max)).
		WithContext("task_id", taskID).
		WithContext("max_sessions", max).
		WithSuggestion("Terminate an existing session for this task before creating a new one")
}

// InvalidState creates an invalid state error for an operation the session cannot accept
func InvalidState(sessionID, state, operation string) *EngineError {
	return New(ErrCodeInvalidState, fmt.Sprintf("session does not accept %s in state %s", operation, state)).
		WithContext("session_id", sessionID).
		WithContext("state", state)
}

// CommandRejected creates a rejected command error. Only the rule name is
// reported, never the matched command fragment.
func CommandRejected(rule string) *EngineError {
	return New(ErrCodeCommandRejected, fmt.Sprintf("command rejected by security rule: %s", rule)).
		WithContext("rule", rule)
}

// RejectionRule extracts the security rule name from a rejection error, or
// returns "" when err is not a rejection.
func RejectionRule(err error) string {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.Code == ErrCodeCommandRejected {
		if rule, ok := engineErr.Context["rule"].(string); ok {
			return rule
		}
	}
	return ""
}

// CommandTimeout creates a command timeout error
func CommandTimeout(sessionID string, seconds float64) *EngineError {
	return New(ErrCodeCommandTimeout, fmt.Sprintf("command timed out after %.0f seconds", seconds)).
		WithContext("session_id", sessionID).
		WithSuggestion("Increase the timeout or interrupt the session")
}

// InvalidPath creates a working directory validation error
func InvalidPath(reason string) *EngineError {
	return New(ErrCodeInvalidPath, fmt.Sprintf("working directory rejected: %s", reason))
}

// PathEscape creates a path confinement error. The resolved path is not
// included in the message.
func PathEscape() *EngineError {
	return New(ErrCodePathEscape, "path resolves outside the configured project root")
}

// InvalidEnvironment creates an environment validation error. The variable
// value is never included, only the key.
func InvalidEnvironment(key, reason string) *EngineError {
	return New(ErrCodeInvalidEnvironment, fmt.Sprintf("environment variable %s rejected: %s", key, reason)).
		WithContext("key", key)
}

// SpawnFailed creates a process spawn failure error
func SpawnFailed(cause error) *EngineError {
	return Wrap(cause, ErrCodeSpawnFailed, "failed to spawn session process").
		WithSuggestion("Check that the configured shell exists and the working directory is accessible")
}

// DatabaseError creates a database error
func DatabaseError(cause error, operation string) *EngineError {
	return Wrap(cause, ErrCodeDatabaseError, fmt.Sprintf("database operation failed: %s", operation)).
		WithContext("operation", operation)
}

// InvalidInput creates an invalid input error
func InvalidInput(field, reason string) *EngineError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid input for %s: %s", field, reason)).
		WithContext("field", field)
}

// InternalError creates an internal error
func InternalError(cause error, details string) *EngineError {
	return Wrap(cause, ErrCodeInternal, "internal error occurred").
		WithDetails(details)
}
