package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthEndpoint serves HTTP health probes and metrics for the engine. It is
// optional and bound to localhost by the caller's configuration; the MCP
// transport never flows through it.
type HealthEndpoint struct {
	server       *http.Server
	resourceMon  *ResourceMonitor
	healthChecks map[string]HealthChecker
	mu           sync.RWMutex
	startTime    time.Time
}

// HealthChecker is implemented by components that can report health
type HealthChecker interface {
	HealthCheck() error
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status     string                     `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	Metrics    HealthMetrics              `json:"metrics"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthMetrics contains resource metrics
type HealthMetrics struct {
	MemoryUsedMB   uint64  `json:"memory_used_mb"`
	MemoryTotalMB  uint64  `json:"memory_total_mb"`
	Goroutines     int     `json:"goroutines"`
	CPUs           int     `json:"cpus"`
	GCPauseMs      float64 `json:"gc_pause_ms"`
	ActiveSessions int     `json:"active_sessions"`
	OwnedProcesses int     `json:"owned_processes"`
}

// NewHealthEndpoint creates a new health endpoint listening on addr
func NewHealthEndpoint(addr string, resourceMon *ResourceMonitor) *HealthEndpoint {
	he := &HealthEndpoint{
		resourceMon:  resourceMon,
		healthChecks: make(map[string]HealthChecker),
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.HandleFunc("/metrics", he.handleMetrics)

	he.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return he
}

// RegisterHealthCheck registers a component for health checking
func (he *HealthEndpoint) RegisterHealthCheck(name string, checker HealthChecker) {
	he.mu.Lock()
	defer he.mu.Unlock()
	he.healthChecks[name] = checker
}

// Start starts the health endpoint server
func (he *HealthEndpoint) Start() error {
	go func() {
		if err := he.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("Health endpoint error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully stops the health endpoint server
func (he *HealthEndpoint) Stop(ctx context.Context) error {
	return he.server.Shutdown(ctx)
}

// handleHealth returns comprehensive health status
func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := he.getHealthStatus()

	w.Header().Set("Content-Type", "application/json")

	switch status.Status {
	case "healthy", "degraded":
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// handleLiveness answers whether the process is running at all
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "alive",
		"uptime": time.Since(he.startTime).String(),
	})
}

// handleReadiness answers whether every registered component is usable
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	he.mu.RLock()
	defer he.mu.RUnlock()

	ready := true
	components := make(map[string]string)

	for name, checker := range he.healthChecks {
		if err := checker.HealthCheck(); err != nil {
			ready = false
			components[name] = err.Error()
		} else {
			components[name] = "ready"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}

// handleMetrics returns Prometheus-compatible metrics
func (he *HealthEndpoint) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP sandterm_memory_alloc_bytes Current memory allocation in bytes\n")
	fmt.Fprintf(w, "# TYPE sandterm_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "sandterm_memory_alloc_bytes %d\n", m.Alloc)

	fmt.Fprintf(w, "# HELP sandterm_memory_sys_bytes Total memory obtained from system\n")
	fmt.Fprintf(w, "# TYPE sandterm_memory_sys_bytes gauge\n")
	fmt.Fprintf(w, "sandterm_memory_sys_bytes %d\n", m.Sys)

	fmt.Fprintf(w, "# HELP sandterm_goroutines Current number of goroutines\n")
	fmt.Fprintf(w, "# TYPE sandterm_goroutines gauge\n")
	fmt.Fprintf(w, "sandterm_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP sandterm_gc_total_count Total number of GC cycles\n")
	fmt.Fprintf(w, "# TYPE sandterm_gc_total_count counter\n")
	fmt.Fprintf(w, "sandterm_gc_total_count %d\n", m.NumGC)

	fmt.Fprintf(w, "# HELP sandterm_uptime_seconds Server uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE sandterm_uptime_seconds counter\n")
	fmt.Fprintf(w, "sandterm_uptime_seconds %.0f\n", time.Since(he.startTime).Seconds())

	if he.resourceMon != nil {
		metrics := he.resourceMon.GetCurrentMetrics()
		fmt.Fprintf(w, "# HELP sandterm_active_sessions Live terminal sessions\n")
		fmt.Fprintf(w, "# TYPE sandterm_active_sessions gauge\n")
		fmt.Fprintf(w, "sandterm_active_sessions %d\n", metrics.ActiveSessions)

		fmt.Fprintf(w, "# HELP sandterm_owned_processes Processes tracked by session isolation\n")
		fmt.Fprintf(w, "# TYPE sandterm_owned_processes gauge\n")
		fmt.Fprintf(w, "sandterm_owned_processes %d\n", metrics.OwnedProcesses)

		fmt.Fprintf(w, "# HELP sandterm_heap_alloc_mb Heap allocation in megabytes\n")
		fmt.Fprintf(w, "# TYPE sandterm_heap_alloc_mb gauge\n")
		fmt.Fprintf(w, "sandterm_heap_alloc_mb %d\n", metrics.MemoryAlloc)
	}
}

// getHealthStatus computes the current health status
func (he *HealthEndpoint) getHealthStatus() HealthStatus {
	he.mu.RLock()
	defer he.mu.RUnlock()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	components := make(map[string]ComponentHealth)
	overallHealthy := true
	hasDegraded := false

	for name, checker := range he.healthChecks {
		if err := checker.HealthCheck(); err != nil {
			components[name] = ComponentHealth{
				Status:  "unhealthy",
				Message: err.Error(),
			}
			overallHealthy = false
		} else {
			components[name] = ComponentHealth{
				Status: "healthy",
			}
		}
	}

	if runtime.NumGoroutine() > 1000 {
		hasDegraded = true
		components["goroutines"] = ComponentHealth{
			Status:  "degraded",
			Message: "High goroutine count",
		}
	}

	if m.Alloc > 500*1024*1024 {
		hasDegraded = true
		components["memory"] = ComponentHealth{
			Status:  "degraded",
			Message: "High memory usage",
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "unhealthy"
	} else if hasDegraded {
		status = "degraded"
	}

	metrics := HealthMetrics{
		MemoryUsedMB:  m.Alloc / (1024 * 1024),
		MemoryTotalMB: m.Sys / (1024 * 1024),
		Goroutines:    runtime.NumGoroutine(),
		CPUs:          runtime.NumCPU(),
		GCPauseMs:     float64(m.PauseNs[(m.NumGC+255)%256]) / 1e6,
	}
	if he.resourceMon != nil {
		current := he.resourceMon.GetCurrentMetrics()
		metrics.ActiveSessions = current.ActiveSessions
		metrics.OwnedProcesses = current.OwnedProcesses
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Uptime:     time.Since(he.startTime).String(),
		Components: components,
		Metrics:    metrics,
	}
}
