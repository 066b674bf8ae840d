package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/press/pkg/metrics"
)

// CheckFunc reports whether one dependency is usable
type CheckFunc func() error

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	version string
	mux     *http.ServeMux
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	server  *http.Server
}

// NewHealthServer creates a health server with no readiness checks.
// Until one is added /ready reports not ready.
func NewHealthServer(version string) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		version: version,
		mux:     mux,
		checks:  make(map[string]CheckFunc),
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/status", metrics.StatusHandler())
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// AddCheck registers a readiness check under name
func (hs *HealthServer) AddCheck(name string, check CheckFunc) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

// Start serves the endpoints on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.mu.Lock()
	hs.server = server
	hs.mu.Unlock()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops a started server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	hs.mu.RLock()
	server := hs.server
	hs.mu.RUnlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint
// This is a simple liveness check - returns 200 if the process is alive
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   hs.version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint. Every registered check must
// pass.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	ready := len(names) > 0
	var message string
	if !ready {
		message = "No readiness checks registered"
	}

	for _, name := range names {
		hs.mu.RLock()
		check := hs.checks[name]
		hs.mu.RUnlock()

		if err := check(); err != nil {
			checks[name] = fmt.Sprintf("error: %v", err)
			ready = false
			if message == "" {
				message = fmt.Sprintf("%s not ready", name)
			}
			continue
		}
		checks[name] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
