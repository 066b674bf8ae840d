package health

import (
	"context"
	"sync"
	"time"
)

// Monitor keeps the reachability status of every server the control plane talks to.
// A server is known-down once its checker has failed Retries times in a row.
type Monitor struct {
	config  Config
	checker func(server string) Checker
	now     func() time.Time

	mu       sync.Mutex
	statuses map[string]*Status
}

// NewMonitor creates a monitor. checker builds the Checker for a server name.
func NewMonitor(config Config, checker func(server string) Checker, now func() time.Time) *Monitor {
	return &Monitor{
		config:   config,
		checker:  checker,
		now:      now,
		statuses: make(map[string]*Status),
	}
}

// Healthy reports whether requests to server should be attempted. A check is
// run first when the last one is older than the configured interval.
func (m *Monitor) Healthy(ctx context.Context, server string) bool {
	m.mu.Lock()
	status, ok := m.statuses[server]
	if !ok {
		status = NewStatus()
		m.statuses[server] = status
	}
	due := status.Due(m.now(), m.config)
	m.mu.Unlock()

	if due {
		m.check(ctx, server)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[server].Healthy
}

func (m *Monitor) check(ctx context.Context, server string) {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	result := m.checker(server).Check(ctx)
	result.CheckedAt = m.now()
	m.Observe(server, result)
}

// Observe records a result obtained elsewhere, such as a failed delivery
func (m *Monitor) Observe(server string, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[server]
	if !ok {
		status = NewStatus()
		m.statuses[server] = status
	}
	status.Update(result, m.config)
}

// Status returns a copy of the server's status
func (m *Monitor) Status(server string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.statuses[server]
	if !ok {
		return Status{}, false
	}
	return *status, true
}
