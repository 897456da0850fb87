package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubChecker struct {
	err error
}

func (s *stubChecker) HealthCheck() error { return s.err }

func TestHealthHandler(t *testing.T) {
	he := NewHealthEndpoint("127.0.0.1:0", nil)
	he.RegisterHealthCheck("database", &stubChecker{})

	rec := httptest.NewRecorder()
	he.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", status.Status)
	}
	if status.Components["database"].Status != "healthy" {
		t.Errorf("Expected healthy database component, got %+v", status.Components)
	}
}

func TestHealthHandlerUnhealthyComponent(t *testing.T) {
	he := NewHealthEndpoint("127.0.0.1:0", nil)
	he.RegisterHealthCheck("database", &stubChecker{err: errors.New("connection lost")})

	rec := httptest.NewRecorder()
	he.handleHealth(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if status.Status != "unhealthy" {
		t.Errorf("Expected unhealthy, got %s", status.Status)
	}
	if status.Components["database"].Message != "connection lost" {
		t.Errorf("Expected failure message, got %+v", status.Components["database"])
	}
}

func TestReadinessHandler(t *testing.T) {
	he := NewHealthEndpoint("127.0.0.1:0", nil)
	he.RegisterHealthCheck("database", &stubChecker{err: errors.New("not ready")})

	rec := httptest.NewRecorder()
	he.handleReadiness(rec, httptest.NewRequest("GET", "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 when a component is down, got %d", rec.Code)
	}
}

func TestLivenessHandler(t *testing.T) {
	he := NewHealthEndpoint("127.0.0.1:0", nil)

	rec := httptest.NewRecorder()
	he.handleLiveness(rec, httptest.NewRequest("GET", "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestMetricsHandler(t *testing.T) {
	rm := testMonitor(t)
	rm.SetCounters(func() int { return 4 }, func() int { return 9 })
	rm.recordMetrics()

	he := NewHealthEndpoint("127.0.0.1:0", rm)

	rec := httptest.NewRecorder()
	he.handleMetrics(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "sandterm_goroutines") {
		t.Errorf("Expected goroutine gauge, got %q", body)
	}
	if !strings.Contains(body, "sandterm_active_sessions 4") {
		t.Errorf("Expected session gauge, got %q", body)
	}
	if !strings.Contains(body, "sandterm_owned_processes 9") {
		t.Errorf("Expected process gauge, got %q", body)
	}
}
