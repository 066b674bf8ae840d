package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/health"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

const (
	baseBackoff = 30 * time.Second
	maxBackoff  = time.Hour
)

// Backoff returns the wait after the given number of failed attempts:
// 30s doubling per attempt, capped at one hour
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := baseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// DispatcherConfig tunes delivery
type DispatcherConfig struct {
	MaxAttempts int
	BatchSize   int // Jobs delivered per tick, 0 for all
}

// Dispatcher delivers Undelivered jobs to their agents
type Dispatcher struct {
	store     storage.Store
	transport Transport
	gate      *Gate
	broker    *events.Broker
	clock     clock.Clock
	config    DispatcherConfig
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(store storage.Store, transport Transport, gate *Gate, broker *events.Broker, clk clock.Clock, config DispatcherConfig) *Dispatcher {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		gate:      gate,
		broker:    broker,
		clock:     clk,
		config:    config,
	}
}

// Tick delivers every due Undelivered job once. Per-job errors are logged
// and never stop the tick.
func (d *Dispatcher) Tick(ctx context.Context) error {
	logger := log.WithComponent("dispatcher")
	now := d.clock.Now()

	var due []*types.AgentJob
	err := d.store.View(func(tx storage.Tx) error {
		jobs, err := tx.ListAgentJobsByStatus(types.JobStatusUndelivered)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if !job.NextAttemptAt.After(now) {
				due = append(due, job)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list undelivered jobs: %w", err)
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Creation.Before(due[j].Creation) })
	if d.config.BatchSize > 0 && len(due) > d.config.BatchSize {
		due = due[:d.config.BatchSize]
	}

	for _, job := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.deliver(ctx, job); err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("Delivery failed")
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, job *types.AgentJob) error {
	var server *types.Server
	err := d.store.View(func(tx storage.Tx) error {
		var err error
		server, err = tx.GetServer(job.Server)
		return err
	})
	if err != nil {
		return d.recordFailure(job.ID, err)
	}

	if err := d.gate.Allow(ctx, server.Name); err != nil {
		metrics.AgentDeliveries.WithLabelValues("skipped").Inc()
		return err
	}

	start := d.clock.Now()
	remoteID, err := d.transport.Submit(ctx, server, Request{
		JobID:  job.ID,
		Method: job.RequestMethod,
		Path:   job.RequestPath,
		Body:   job.RequestData,
	})
	d.gate.Observe(server.Name, health.Result{
		Healthy:   err == nil,
		Message:   errorMessage(err),
		CheckedAt: start,
		Duration:  d.clock.Now().Sub(start),
	})
	if err != nil {
		return d.recordFailure(job.ID, err)
	}

	return d.store.Update(func(tx storage.Tx) error {
		current, err := tx.GetAgentJob(job.ID)
		if err != nil {
			return err
		}
		if current.Status != types.JobStatusUndelivered {
			return nil
		}
		current.Status = types.JobStatusPending
		current.RemoteID = remoteID
		current.LastDeliveryError = ""
		current.Start = d.clock.Now()
		metrics.AgentDeliveries.WithLabelValues("delivered").Inc()
		metrics.AgentJobTransitions.WithLabelValues(string(current.Type), string(current.Status)).Inc()
		return tx.PutAgentJob(current)
	})
}

func (d *Dispatcher) recordFailure(jobID string, cause error) error {
	var gaveUp *types.AgentJob
	err := d.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetAgentJob(jobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusUndelivered {
			return nil
		}

		job.DeliveryAttempts++
		job.LastDeliveryError = cause.Error()
		if job.DeliveryAttempts >= d.config.MaxAttempts {
			job.Status = types.JobStatusDeliveryFailure
			job.End = d.clock.Now()
			gaveUp = job
			metrics.AgentDeliveries.WithLabelValues("gave_up").Inc()
			metrics.AgentJobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
		} else {
			job.NextAttemptAt = d.clock.Now().Add(Backoff(job.DeliveryAttempts))
			metrics.AgentDeliveries.WithLabelValues("failed").Inc()
		}
		return tx.PutAgentJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to record delivery failure of %s: %w (cause: %v)", jobID, err, cause)
	}

	if gaveUp != nil {
		d.broker.Publish(events.NewEvent(events.EventJobDeliveryFailed, gaveUp.ID,
			fmt.Sprintf("%s on %s was not delivered after %d attempts", gaveUp.Type, gaveUp.Server, gaveUp.DeliveryAttempts)))
	}
	return cause
}

// Retry puts a DeliveryFailure job back in the delivery queue
func (d *Dispatcher) Retry(jobID string) error {
	return d.store.Update(func(tx storage.Tx) error {
		job, err := tx.GetAgentJob(jobID)
		if err != nil {
			return err
		}
		if job.Status != types.JobStatusDeliveryFailure {
			return fmt.Errorf("job %s is %s, not %s: %w", jobID, job.Status, types.JobStatusDeliveryFailure, types.ErrInvalidTransition)
		}
		job.Status = types.JobStatusUndelivered
		job.DeliveryAttempts = 0
		job.NextAttemptAt = d.clock.Now()
		job.LastDeliveryError = ""
		job.CallbackStatus = ""
		job.End = time.Time{}
		return tx.PutAgentJob(job)
	})
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
