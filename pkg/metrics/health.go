package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// LoopStatus is the outcome of the last tick of one worker loop
type LoopStatus struct {
	Name        string    `json:"name"`
	Healthy     bool      `json:"healthy"`
	LastRun     time.Time `json:"last_run"`
	LastSuccess time.Time `json:"last_success"`
	Error       string    `json:"error,omitempty"`
	Failures    int       `json:"consecutive_failures"`
}

// StatusReport is served on /status
type StatusReport struct {
	Status    string       `json:"status"` // "healthy" or "degraded"
	Timestamp time.Time    `json:"timestamp"`
	Version   string       `json:"version,omitempty"`
	Uptime    string       `json:"uptime"`
	Loops     []LoopStatus `json:"loops"`
}

var board = newLoopBoard()

type loopBoard struct {
	mu        sync.RWMutex
	loops     map[string]*LoopStatus
	startTime time.Time
	version   string
}

func newLoopBoard() *loopBoard {
	return &loopBoard{
		loops:     make(map[string]*LoopStatus),
		startTime: time.Now(),
	}
}

// SetVersion sets the version string for status reports
func SetVersion(version string) {
	board.mu.Lock()
	defer board.mu.Unlock()
	board.version = version
}

// RecordLoop stores the outcome of a loop tick that ended at
func RecordLoop(name string, err error, at time.Time) {
	board.mu.Lock()
	defer board.mu.Unlock()

	status, ok := board.loops[name]
	if !ok {
		status = &LoopStatus{Name: name}
		board.loops[name] = status
	}
	status.LastRun = at
	if err != nil {
		status.Healthy = false
		status.Error = err.Error()
		status.Failures++
		return
	}
	status.Healthy = true
	status.Error = ""
	status.Failures = 0
	status.LastSuccess = at
}

// Report returns the status of every loop that has run, sorted by name.
// A single failing loop makes the report degraded.
func Report() StatusReport {
	board.mu.RLock()
	defer board.mu.RUnlock()

	report := StatusReport{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   board.version,
		Uptime:    time.Since(board.startTime).Round(time.Second).String(),
		Loops:     make([]LoopStatus, 0, len(board.loops)),
	}
	for _, status := range board.loops {
		if !status.Healthy {
			report.Status = "degraded"
		}
		report.Loops = append(report.Loops, *status)
	}
	sort.Slice(report.Loops, func(i, j int) bool { return report.Loops[i].Name < report.Loops[j].Name })
	return report
}

// StatusHandler serves Report as JSON. It answers 200 even when degraded;
// readiness is /ready's job.
func StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(Report())
	}
}
