package update

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Step names the agent reports for an update
const (
	stepBackup = "Backup Site"
)

// workloadDelta is how far a private bench's workload must move before its
// workers are reallocated
const workloadDelta = 8

// RegisterHandlers binds the update callbacks to their job types
func (e *Executor) RegisterHandlers(r *poller.Registry) {
	r.Register(types.JobUpdateSitePull, e.onUpdate)
	r.Register(types.JobUpdateSiteMigrate, e.onUpdate)
	r.Register(types.JobUpdateSiteRecover, e.onRecover)
	r.Register(types.JobUpdateSiteRecoverMove, e.onRecover)
}

func withUpdate(update *types.SiteUpdate) agent.JobOption {
	return agent.WithReference(refSiteUpdate, update.Name)
}

// loadPair returns the update and site a job belongs to, or nils when
// either is gone
func loadPair(tx storage.Tx, job *types.AgentJob) (*types.SiteUpdate, *types.Site, error) {
	if job.ReferenceType != refSiteUpdate {
		return nil, nil, nil
	}
	update, err := tx.GetSiteUpdate(job.ReferenceName)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	st, err := tx.GetSite(update.Site)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil, nil
	}
	return update, st, err
}

func (e *Executor) finish(tx storage.Tx, update *types.SiteUpdate, status types.UpdateStatus) error {
	update.Status = status
	if err := tx.PutSiteUpdate(update); err != nil {
		return err
	}
	metrics.UpdatesFinished.WithLabelValues(string(status)).Inc()
	e.logger.Info().
		Str("site", update.Site).
		Str("update", update.Name).
		Str("status", string(status)).
		Msg("Update finished")
	return nil
}

func (e *Executor) onUpdate(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	update, st, err := loadPair(tx, job)
	if update == nil || err != nil {
		return err
	}
	// A failed update belongs to its recovery job from here on
	if update.Status.Terminal() || update.Status == types.UpdateStatusFailure {
		return nil
	}

	switch new {
	case types.JobStatusRunning:
		update.Status = types.UpdateStatusRunning
		if err := tx.PutSiteUpdate(update); err != nil {
			return err
		}
		_, err = e.apply(ctx, tx, st, site.Event{Kind: site.EventUpdateStarted})
		return err

	case types.JobStatusSuccess:
		source := st.Bench
		st.Bench = update.DestinationBench
		if err := tx.PutSite(st); err != nil {
			return err
		}
		if _, err := e.apply(ctx, tx, st, site.Event{Kind: site.EventUpdateSucceeded}); err != nil {
			return err
		}
		if err := e.finish(tx, update, types.UpdateStatusSuccess); err != nil {
			return err
		}
		for _, bench := range []string{source, update.DestinationBench} {
			if err := e.reallocateWorkers(tx, bench); err != nil {
				return err
			}
		}
		return nil

	case types.JobStatusDeliveryFailure:
		// The agent never saw the job, so the site is as it was
		if _, err := e.apply(ctx, tx, st, site.Event{Kind: site.EventRecovered}); err != nil {
			return err
		}
		return e.finish(tx, update, types.UpdateStatusFailure)

	case types.JobStatusFailure:
		if job.StepStatus(stepBackup) == types.StepStatusFailure {
			// Nothing was touched before the backup failed
			if _, err := e.apply(ctx, tx, st, site.Event{Kind: site.EventRecovered}); err != nil {
				return err
			}
			return e.finish(tx, update, types.UpdateStatusFailure)
		}

		update.Touched = true
		recoverable := !update.SkipBackups
		status := types.UpdateStatusFailure
		if !recoverable {
			status = types.UpdateStatusFatal
		}
		// Saved before the event so the recoverer finds it
		if err := e.finish(tx, update, status); err != nil {
			return err
		}
		_, err = e.apply(ctx, tx, st, site.Event{Kind: site.EventUpdateFailed, Recoverable: recoverable})
		if err == nil && !recoverable {
			e.broker.Publish(events.NewEvent(events.EventUpdateFatal, st.Name,
				fmt.Sprintf("Update of %s failed without a backup to recover from", st.Name)))
		}
		return err
	}
	return nil
}

// EnqueueRecover issues the recovery job for the site's failed update. It
// moves the site back to the source bench, or recovers in place when that
// bench is gone or archived.
func (e *Executor) EnqueueRecover(ctx context.Context, tx storage.Tx, st *types.Site) error {
	updates, err := tx.ListSiteUpdatesBySite(st.Name)
	if err != nil {
		return err
	}
	var update *types.SiteUpdate
	for i := len(updates) - 1; i >= 0; i-- {
		if updates[i].Status == types.UpdateStatusFailure && updates[i].RecoverJob == "" {
			update = updates[i]
			break
		}
	}
	if update == nil {
		return fmt.Errorf("no failed update to recover for %s", st.Name)
	}

	// The site sits on the destination bench until recovered
	current := *st
	current.Bench = update.DestinationBench
	activate := st.StatusBeforeUpdate != types.SiteStatusInactive && st.StatusBeforeUpdate != types.SiteStatusSuspended

	source, err := tx.GetBench(update.SourceBench)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	var job *types.AgentJob
	if source != nil && source.Status != types.ServerStatusArchived {
		job, err = e.agent.UpdateSiteRecoverMove(tx, &current, source, activate, withUpdate(update))
	} else {
		job, err = e.agent.UpdateSiteRecover(tx, &current, withUpdate(update))
	}
	if err != nil {
		return err
	}

	update.RecoverJob = job.ID
	return tx.PutSiteUpdate(update)
}

func (e *Executor) onRecover(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	update, st, err := loadPair(tx, job)
	if update == nil || err != nil {
		return err
	}
	if update.Status.Terminal() {
		return nil
	}

	switch new {
	case types.JobStatusRunning:
		_, err = e.apply(ctx, tx, st, site.Event{Kind: site.EventRecoveryStarted})
		return err

	case types.JobStatusSuccess:
		if job.Type == types.JobUpdateSiteRecover {
			st.Bench = update.DestinationBench
		} else {
			st.Bench = update.SourceBench
		}
		if err := tx.PutSite(st); err != nil {
			return err
		}
		if _, err := e.apply(ctx, tx, st, site.Event{Kind: site.EventRecovered}); err != nil {
			return err
		}
		e.broker.Publish(events.NewEvent(events.EventUpdateRecovered, st.Name,
			fmt.Sprintf("%s was recovered after a failed update", st.Name)))
		return e.finish(tx, update, types.UpdateStatusRecovered)

	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		if _, err := e.apply(ctx, tx, st, site.Event{Kind: site.EventRecoveryFailed}); err != nil {
			return err
		}
		return e.finish(tx, update, types.UpdateStatusFatal)
	}
	return nil
}

// apply runs a site event, dropping the ones the site has moved past
func (e *Executor) apply(ctx context.Context, tx storage.Tx, st *types.Site, ev site.Event) (*types.Site, error) {
	next, err := e.sites.Apply(ctx, tx, st, ev)
	if errors.Is(err, types.ErrInvalidTransition) || errors.Is(err, types.ErrSiteAlreadyArchived) {
		e.logger.Warn().Err(err).Str("site", st.Name).Str("event", string(ev.Kind)).Msg("Ignoring site event")
		return st, nil
	}
	return next, err
}

// reallocateWorkers resizes a private bench's workers once its workload
// has drifted far enough from the last allocation
func (e *Executor) reallocateWorkers(tx storage.Tx, name string) error {
	bench, err := tx.GetBench(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil || bench.Public {
		return err
	}

	workload, err := benchWorkload(tx, bench)
	if err != nil {
		return err
	}
	if math.Abs(workload-bench.WorkloadScore) < workloadDelta {
		return nil
	}

	gunicorn, background := workersFor(workload)
	if _, err := e.agent.UpdateBenchWorkers(tx, bench, gunicorn, background); err != nil {
		return err
	}
	bench.WorkloadScore = workload
	bench.GunicornWorkers = gunicorn
	bench.BackgroundWorkers = background
	if err := tx.PutBench(bench); err != nil {
		return err
	}

	e.logger.Info().
		Str("bench", bench.Name).
		Float64("workload", workload).
		Int("gunicorn_workers", gunicorn).
		Int("background_workers", background).
		Msg("Reallocating bench workers")
	return nil
}

// benchWorkload weighs each live site on the bench by its plan's CPU time
func benchWorkload(tx storage.Tx, bench *types.Bench) (float64, error) {
	sites, err := tx.ListSitesByBench(bench.Name)
	if err != nil {
		return 0, err
	}
	plans := make(map[string]int)
	var workload float64
	for _, s := range sites {
		if s.Status == types.SiteStatusArchived || s.Status == types.SiteStatusSuspended {
			continue
		}
		cpu, ok := plans[s.Plan]
		if !ok {
			cpu = 1
			if plan, err := tx.GetPlan(s.Plan); err == nil && plan.CPUTimePerDay > 0 {
				cpu = plan.CPUTimePerDay
			}
			plans[s.Plan] = cpu
		}
		workload += float64(cpu)
	}
	return workload, nil
}

// workersFor maps a workload to gunicorn and background worker counts
func workersFor(workload float64) (int, int) {
	gunicorn := clamp(2+int(workload)/4, 2, 24)
	background := clamp(1+int(workload)/8, 1, 8)
	return gunicorn, background
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
