package agent

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cuemby/press/pkg/health"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/types"
)

// Gate decides whether a request to a server may go out now. It refuses
// servers over their request rate and servers the monitor considers down.
type Gate struct {
	requestsPerSecond float64
	burst             int
	monitor           *health.Monitor

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewGate creates a gate; a nil monitor disables the health check and a
// non-positive rate disables throttling
func NewGate(requestsPerSecond float64, burst int, monitor *health.Monitor) *Gate {
	if burst < 1 {
		burst = 1
	}
	return &Gate{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		monitor:           monitor,
		limiters:          make(map[string]*rate.Limiter),
	}
}

// Allow returns ErrAgentRequestSkipped when server must not be contacted now
func (g *Gate) Allow(ctx context.Context, server string) error {
	if g == nil {
		return nil
	}

	if g.requestsPerSecond > 0 {
		g.mu.Lock()
		limiter, exists := g.limiters[server]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(g.requestsPerSecond), g.burst)
			g.limiters[server] = limiter
			log.Logger.Debug().Str("server", server).Float64("rps", g.requestsPerSecond).Int("burst", g.burst).Msg("Created rate limiter")
		}
		g.mu.Unlock()

		if !limiter.Allow() {
			return fmt.Errorf("%s is throttled: %w", server, types.ErrAgentRequestSkipped)
		}
	}

	if g.monitor != nil && !g.monitor.Healthy(ctx, server) {
		return fmt.Errorf("%s is down: %w", server, types.ErrAgentRequestSkipped)
	}
	return nil
}

// Observe feeds a delivery outcome back to the monitor
func (g *Gate) Observe(server string, result health.Result) {
	if g == nil || g.monitor == nil {
		return
	}
	g.monitor.Observe(server, result)
}
