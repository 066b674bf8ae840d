package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

var knownStatuses = map[types.JobStatus]bool{
	types.JobStatusPending: true,
	types.JobStatusRunning: true,
	types.JobStatusSuccess: true,
	types.JobStatusFailure: true,
}

// Config tunes the poller
type Config struct {
	Parallelism int
}

// Poller reconciles in-flight jobs with their agents and runs callbacks
type Poller struct {
	store     storage.Store
	transport agent.Transport
	registry  *Registry
	locks     *storage.KeyedMutex
	clock     clock.Clock
	config    Config
}

// New creates a poller. locks is shared with every other writer that
// serializes on a site.
func New(store storage.Store, transport agent.Transport, registry *Registry, locks *storage.KeyedMutex, clk clock.Clock, config Config) *Poller {
	if config.Parallelism < 1 {
		config.Parallelism = 1
	}
	return &Poller{
		store:     store,
		transport: transport,
		registry:  registry,
		locks:     locks,
		clock:     clk,
		config:    config,
	}
}

// LockKey is the key a job's callbacks serialize on
func LockKey(job *types.AgentJob) string {
	if job.Site != "" {
		return job.Site
	}
	return "job:" + job.ID
}

// Tick polls every Pending and Running job once and acknowledges delivery
// failures whose callbacks have not run. Jobs of one site are handled in
// creation order; different sites proceed in parallel.
func (p *Poller) Tick(ctx context.Context) error {
	var jobs []*types.AgentJob
	servers := make(map[string]*types.Server)

	err := p.store.View(func(tx storage.Tx) error {
		for _, status := range []types.JobStatus{types.JobStatusPending, types.JobStatusRunning, types.JobStatusDeliveryFailure} {
			list, err := tx.ListAgentJobsByStatus(status)
			if err != nil {
				return err
			}
			for _, job := range list {
				if status == types.JobStatusDeliveryFailure && job.CallbackStatus == status {
					continue
				}
				jobs = append(jobs, job)
			}
		}
		for _, job := range jobs {
			if _, ok := servers[job.Server]; ok {
				continue
			}
			server, err := tx.GetServer(job.Server)
			if err != nil {
				servers[job.Server] = nil
				continue
			}
			servers[job.Server] = server
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list in-flight jobs: %w", err)
	}

	groups := make(map[string][]*types.AgentJob)
	for _, job := range jobs {
		key := LockKey(job)
		groups[key] = append(groups[key], job)
	}

	var g errgroup.Group
	g.SetLimit(p.config.Parallelism)
	for key, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].Creation.Before(group[j].Creation) })
		g.Go(func() error {
			unlock := p.locks.Lock(key)
			defer unlock()
			for _, job := range group {
				if ctx.Err() != nil {
					return nil
				}
				p.process(ctx, job, servers[job.Server])
			}
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (p *Poller) process(ctx context.Context, job *types.AgentJob, server *types.Server) {
	logger := log.WithJob(job.ID, string(job.Type))

	if job.Status == types.JobStatusDeliveryFailure {
		if err := p.acknowledge(ctx, job.ID); err != nil {
			logger.Warn().Err(err).Msg("Delivery failure callback failed")
		}
		return
	}

	if server == nil {
		logger.Warn().Str("server", job.Server).Msg("Job targets an unknown server")
		return
	}

	remote, err := p.transport.Poll(ctx, server, job.RemoteID)
	if err != nil {
		logger.Debug().Err(err).Msg("Poll failed")
		return
	}
	if !knownStatuses[remote.Status] {
		logger.Warn().Str("status", string(remote.Status)).Msg("Agent reported an unknown status")
		return
	}

	if err := p.apply(ctx, job.ID, remote); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply job update, will retry")
	}
}

// apply records the remote state and runs callbacks in one transaction.
// A callback error rolls everything back so the next tick sees the same
// change again.
func (p *Poller) apply(ctx context.Context, id string, remote *agent.RemoteJob) error {
	return p.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetAgentJob(id)
		if err != nil {
			return err
		}
		remote.Data = compact(remote.Data)
		if !changed(job, remote) {
			return nil
		}
		if !job.Status.CanTransition(remote.Status) {
			return fmt.Errorf("agent reported %s for a %s job: %w", remote.Status, job.Status, types.ErrInvalidTransition)
		}

		old := job.Status
		job.Status = remote.Status
		job.Steps = steps(remote.Steps)
		job.Data = remote.Data
		job.Output = remote.Output
		job.Traceback = remote.Traceback
		if job.Status.Terminal() && job.End.IsZero() {
			job.End = p.clock.Now()
		}

		if old != job.Status {
			metrics.AgentJobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
			if err := p.registry.Dispatch(ctx, tx, job, old); err != nil {
				return err
			}
			job.CallbackStatus = job.Status
		}
		return tx.PutAgentJob(job)
	})
}

func (p *Poller) acknowledge(ctx context.Context, id string) error {
	return p.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetAgentJob(id)
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusDeliveryFailure || job.CallbackStatus == job.Status {
			return nil
		}
		if err := p.registry.Dispatch(ctx, tx, job, types.JobStatusUndelivered); err != nil {
			return err
		}
		job.CallbackStatus = job.Status
		return tx.PutAgentJob(job)
	})
}

func changed(job *types.AgentJob, remote *agent.RemoteJob) bool {
	if job.Status != remote.Status || job.Output != remote.Output || job.Traceback != remote.Traceback {
		return true
	}
	if !bytes.Equal(compact(job.Data), remote.Data) || len(job.Steps) != len(remote.Steps) {
		return true
	}
	for i, s := range remote.Steps {
		if job.Steps[i].Name != s.Name || job.Steps[i].Status != s.Status || job.Steps[i].Output != s.Output {
			return true
		}
	}
	return false
}

func steps(remote []agent.RemoteStep) []types.AgentJobStep {
	if len(remote) == 0 {
		return nil
	}
	out := make([]types.AgentJobStep, len(remote))
	for i, s := range remote {
		out[i] = types.AgentJobStep{
			Name:     s.Name,
			Status:   s.Status,
			Output:   s.Output,
			Start:    s.Start,
			End:      s.End,
			Duration: s.Duration,
		}
	}
	return out
}

// compact matches the form json.RawMessage takes after a store round trip
func compact(data json.RawMessage) json.RawMessage {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return data
	}
	return buf.Bytes()
}
