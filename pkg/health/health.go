package health

import (
	"context"
	"time"
)

const (
	checkInterval = 30 * time.Second
	checkRetries  = 3
)

// Result is the outcome of one check of an agent, or of a delivery to it
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker checks one agent
type Checker interface {
	Check(ctx context.Context) Result
}

// Config controls when a server flips between healthy and down
type Config struct {
	Interval time.Duration // between checks of the same server
	Timeout  time.Duration // per check
	Retries  int           // consecutive failures before the server is down
}

// NewConfig checks every server each 30s and marks it down after three
// failures in a row. timeout bounds a single check.
func NewConfig(timeout time.Duration) Config {
	return Config{Interval: checkInterval, Timeout: timeout, Retries: checkRetries}
}

// Status is what the monitor knows about one server's agent. A server
// starts healthy; one success brings a down server back.
type Status struct {
	Healthy             bool
	ConsecutiveFailures int
	LastCheck           time.Time
	LastResult          Result
}

// NewStatus returns the status of a server that was never checked
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.Healthy = true
		s.ConsecutiveFailures = 0
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// Due reports whether the server should be checked again at now
func (s *Status) Due(now time.Time, config Config) bool {
	return s.LastCheck.IsZero() || now.Sub(s.LastCheck) >= config.Interval
}
