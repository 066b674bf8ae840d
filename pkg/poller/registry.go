package poller

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Handler reacts to a job moving from old to new. It runs inside the
// transaction that records the change and must be safe to run again for
// the same status.
type Handler func(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error

// Registry maps job types to their handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.JobType][]Handler
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[types.JobType][]Handler)}
}

// Register adds h to the handlers of jobType. Handlers run in registration order.
func (r *Registry) Register(jobType types.JobType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = append(r.handlers[jobType], h)
}

// Handles reports whether anything is registered for jobType
func (r *Registry) Handles(jobType types.JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[jobType]) > 0
}

// Dispatch runs the handlers of job.Type. The first error stops the chain.
func (r *Registry) Dispatch(ctx context.Context, tx storage.Tx, job *types.AgentJob, old types.JobStatus) error {
	r.mu.RLock()
	handlers := r.handlers[job.Type]
	r.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, tx, job, old, job.Status); err != nil {
			metrics.CallbacksTotal.WithLabelValues(string(job.Type), "error").Inc()
			return fmt.Errorf("%s callback for job %s: %w", job.Type, job.ID, err)
		}
	}
	if len(handlers) > 0 {
		metrics.CallbacksTotal.WithLabelValues(string(job.Type), "ok").Inc()
	}
	return nil
}
