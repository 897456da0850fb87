package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsAndGetCode(t *testing.T) {
	err := SessionNotFound("sess-1")

	if !Is(err, ErrCodeSessionNotFound) {
		t.Error("Expected Is to match the code")
	}
	if Is(err, ErrCodeCommandRejected) {
		t.Error("Expected Is to reject a different code")
	}
	if GetCode(err) != ErrCodeSessionNotFound {
		t.Errorf("Expected session not found code, got %s", GetCode(err))
	}

	// Plain errors fall back to internal.
	plain := stderrors.New("boom")
	if Is(plain, ErrCodeInternal) {
		t.Error("Is must not match plain errors")
	}
	if GetCode(plain) != ErrCodeInternal {
		t.Errorf("Expected internal fallback, got %s", GetCode(plain))
	}
}

func TestWrappedErrorsMatch(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("recording audit row: %w", DatabaseError(cause, "insert"))

	if !Is(err, ErrCodeDatabaseError) {
		t.Error("Expected Is to unwrap to the engine error")
	}
	if !stderrors.Is(err, cause) {
		t.Error("Expected the original cause to remain reachable")
	}
}

func TestCommandRejectedMessageSafety(t *testing.T) {
	err := CommandRejected("sudo")

	if RejectionRule(err) != "sudo" {
		t.Errorf("Expected rule sudo, got %q", RejectionRule(err))
	}
	if !strings.Contains(err.Error(), "sudo") {
		t.Errorf("Expected rule name in message, got %q", err.Error())
	}

	// Only rejections carry a rule.
	if RejectionRule(SessionNotFound("sess-1")) != "" {
		t.Error("Expected empty rule for non-rejection errors")
	}
	if RejectionRule(stderrors.New("boom")) != "" {
		t.Error("Expected empty rule for plain errors")
	}
}

func TestWithContextAndSuggestion(t *testing.T) {
	err := New(ErrCodeInvalidState, "bad state").
		WithContext("state", "BUSY").
		WithSuggestion("wait for the command to finish")

	if err.Context["state"] != "BUSY" {
		t.Errorf("Expected context, got %v", err.Context)
	}
	if err.Suggestion == "" {
		t.Error("Expected a suggestion")
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		code ErrorCode
	}{
		{"session limit", SessionLimitReached("task-1", 5), ErrCodeSessionLimit},
		{"invalid state", InvalidState("sess-1", "TERMINATED", "execute"), ErrCodeInvalidState},
		{"command timeout", CommandTimeout("sess-1", 30), ErrCodeCommandTimeout},
		{"path escape", PathEscape(), ErrCodePathEscape},
		{"invalid environment", InvalidEnvironment("PATH", "bad value shape"), ErrCodeInvalidEnvironment},
		{"invalid input", InvalidInput("task_id", "required"), ErrCodeInvalidInput},
		{"spawn failed", SpawnFailed(stderrors.New("no such shell")), ErrCodeSpawnFailed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Code != tc.code {
				t.Errorf("Expected code %s, got %s", tc.code, tc.err.Code)
			}
			if tc.err.Error() == "" {
				t.Error("Expected a message")
			}
		})
	}
}

func TestPathEscapeMessageOmitsPath(t *testing.T) {
	err := PathEscape()
	if strings.Contains(err.Error(), "/") {
		t.Errorf("Path escape message must not contain a path, got %q", err.Error())
	}
}
