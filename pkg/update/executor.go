package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

const refSiteUpdate = "Site Update"

var (
	// ErrNoUpdateAvailable is returned when the site's bench has nowhere to go
	ErrNoUpdateAvailable = errors.New("no update available")

	// ErrMissingApps is returned when the destination lacks an installed app
	ErrMissingApps = errors.New("destination bench is missing apps")

	// ErrFailedBefore is returned when the same move failed and its cause
	// is not marked resolved
	ErrFailedBefore = errors.New("update failed before")
)

// Options are the user-facing flags of an update
type Options struct {
	SkipFailingPatches bool
	SkipBackups        bool
	PhysicalBackup     bool
}

// Deps are the collaborators of an Executor
type Deps struct {
	Store  storage.Store
	Agent  *agent.Client
	Sites  *site.Service
	Broker *events.Broker
	Clock  clock.Clock
	Config *config.Config
}

// Executor creates, starts and follows site updates
type Executor struct {
	store  storage.Store
	agent  *agent.Client
	sites  *site.Service
	broker *events.Broker
	clock  clock.Clock
	config *config.Config
	logger zerolog.Logger
}

// NewExecutor creates an executor and installs it as the site service's
// recoverer
func NewExecutor(deps Deps) *Executor {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	e := &Executor{
		store:  deps.Store,
		agent:  deps.Agent,
		sites:  deps.Sites,
		broker: deps.Broker,
		clock:  deps.Clock,
		config: deps.Config,
		logger: log.WithComponent("update"),
	}
	deps.Sites.SetRecoverer(e)
	return e
}

// newUpdate builds the SiteUpdate row for moving site along u
func (e *Executor) newUpdate(site *types.Site, u *Updatable, opts Options) *types.SiteUpdate {
	backupType := types.BackupTypeLogical
	if opts.PhysicalBackup {
		backupType = types.BackupTypePhysical
	}
	return &types.SiteUpdate{
		Name:                 uuid.New().String(),
		Site:                 site.Name,
		Server:               site.Server,
		Team:                 site.Team,
		Group:                site.Group,
		SourceBench:          u.Bench.Name,
		DestinationBench:     u.Destination.Name,
		SourceCandidate:      u.Bench.Candidate,
		DestinationCandidate: u.Destination.Candidate,
		Difference:           u.Difference.Name,
		DeployType:           u.Difference.DeployType(),
		BackupType:           backupType,
		SkipFailingPatches:   opts.SkipFailingPatches,
		SkipBackups:          opts.SkipBackups,
		Creation:             e.clock.Now(),
	}
}

// validate checks the move is still possible and returns where the site
// goes
func (e *Executor) validate(tx storage.Tx, site *types.Site, except string) (*Updatable, error) {
	if site.Status == types.SiteStatusArchived {
		return nil, fmt.Errorf("%w: %s", types.ErrSiteAlreadyArchived, site.Name)
	}
	if site.Status.InMaintenance() {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrSiteUnderMaintenance, site.Name, site.Status)
	}
	u, err := destinationFor(tx, site)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoUpdateAvailable, site.Name, site.Bench)
	}
	if missing := missingApps(site, u.Destination); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s lacks %v", ErrMissingApps, u.Destination.Name, missing)
	}
	failed, err := failedBefore(tx, site.Name, u.Bench.Candidate, u.Destination.Candidate)
	if err != nil {
		return nil, err
	}
	if failed {
		return nil, fmt.Errorf("%w: %s from %s to %s", ErrFailedBefore, site.Name, u.Bench.Candidate, u.Destination.Candidate)
	}
	other, err := inFlight(tx, site.Name, except)
	if err != nil {
		return nil, err
	}
	if other != nil {
		return nil, fmt.Errorf("%w: %s (%s)", types.ErrUpdateInProgress, site.Name, other.Status)
	}
	return u, nil
}

// Create updates the site now
func (e *Executor) Create(ctx context.Context, actor site.Actor, name string, opts Options) (*types.SiteUpdate, error) {
	unlock := e.sites.Locks().Lock(name)
	defer unlock()

	var update *types.SiteUpdate
	err := e.store.Update(func(tx storage.Tx) error {
		st, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		u, err := e.validate(tx, st, "")
		if err != nil {
			return err
		}
		update = e.newUpdate(st, u, opts)
		return e.start(ctx, tx, st, update, u)
	})
	if err != nil {
		return nil, err
	}
	e.created(update)
	return update, nil
}

// Schedule stores an update to start at the given time
func (e *Executor) Schedule(ctx context.Context, actor site.Actor, name string, at time.Time, opts Options) (*types.SiteUpdate, error) {
	unlock := e.sites.Locks().Lock(name)
	defer unlock()

	var update *types.SiteUpdate
	err := e.store.Update(func(tx storage.Tx) error {
		st, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		u, err := e.validate(tx, st, "")
		if err != nil {
			return err
		}
		update = e.newUpdate(st, u, opts)
		update.Status = types.UpdateStatusScheduled
		update.ScheduledTime = at.UTC()
		return tx.PutSiteUpdate(update)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("site", name).
		Str("update", update.Name).
		Time("scheduled_time", update.ScheduledTime).
		Msg("Update scheduled")
	return update, nil
}

// SweepScheduled starts every Scheduled update that is due. One that can
// no longer run is cancelled; one whose site is busy waits for the next
// sweep.
func (e *Executor) SweepScheduled(ctx context.Context) error {
	now := e.clock.Now()

	var due []*types.SiteUpdate
	err := e.store.View(func(tx storage.Tx) error {
		updates, err := tx.ListSiteUpdates()
		if err != nil {
			return err
		}
		for _, u := range updates {
			if u.Status == types.UpdateStatusScheduled && !u.ScheduledTime.After(now) {
				due = append(due, u)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, u := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.promote(ctx, u.Site, u.Name); err != nil {
			e.logger.Warn().Err(err).Str("site", u.Site).Str("update", u.Name).Msg("Failed to start scheduled update")
		}
	}
	return nil
}

func (e *Executor) promote(ctx context.Context, siteName, name string) error {
	unlock := e.sites.Locks().Lock(siteName)
	defer unlock()

	var started *types.SiteUpdate
	err := e.store.Update(func(tx storage.Tx) error {
		update, err := tx.GetSiteUpdate(name)
		if err != nil {
			return err
		}
		if update.Status != types.UpdateStatusScheduled {
			return nil
		}
		st, err := tx.GetSite(update.Site)
		if err != nil {
			return err
		}

		u, err := e.validate(tx, st, update.Name)
		switch {
		case errors.Is(err, types.ErrSiteUnderMaintenance), errors.Is(err, types.ErrUpdateInProgress):
			return err
		case err != nil:
			update.Status = types.UpdateStatusCancelled
			e.logger.Warn().Err(err).Str("site", st.Name).Str("update", update.Name).Msg("Cancelling scheduled update")
			return tx.PutSiteUpdate(update)
		}

		// The destination may have moved on since the update was scheduled
		update.SourceBench = u.Bench.Name
		update.DestinationBench = u.Destination.Name
		update.SourceCandidate = u.Bench.Candidate
		update.DestinationCandidate = u.Destination.Candidate
		update.Difference = u.Difference.Name
		update.DeployType = u.Difference.DeployType()
		started = update
		return e.start(ctx, tx, st, update, u)
	})
	if err == nil && started != nil {
		e.created(started)
	}
	return err
}

// start readies the site and issues the update job. The caller holds the
// site's lock.
func (e *Executor) start(ctx context.Context, tx storage.Tx, st *types.Site, update *types.SiteUpdate, u *Updatable) error {
	candidate, err := tx.GetDeployCandidate(u.Destination.Candidate)
	if err != nil {
		return err
	}

	// The job addresses the site as it is before the update
	source := *st
	ready, err := e.sites.Apply(ctx, tx, st, site.Event{Kind: site.EventPrepareUpdate})
	if err != nil {
		return err
	}

	job, err := e.agent.UpdateSite(tx, &source, u.Destination, agent.UpdateOptions{
		DeployType:           update.DeployType,
		SkipFailingPatches:   update.SkipFailingPatches,
		SkipBackups:          update.SkipBackups,
		SkipSearchIndex:      candidate.FrappeVersion > 12,
		BeforeMigrateScripts: beforeMigrateScripts(ready, candidate),
		Apps:                 ready.Apps,
	}, agent.WithReference(refSiteUpdate, update.Name))
	if err != nil {
		return err
	}

	update.Status = types.UpdateStatusPending
	update.UpdateJob = job.ID
	return tx.PutSiteUpdate(update)
}

func (e *Executor) created(update *types.SiteUpdate) {
	metrics.UpdatesCreated.Inc()
	e.logger.Info().
		Str("site", update.Site).
		Str("update", update.Name).
		Str("source", update.SourceBench).
		Str("destination", update.DestinationBench).
		Str("deploy_type", string(update.DeployType)).
		Msg("Update started")
}

// beforeMigrateScripts collects the destination's scripts for the site's
// apps. Renamed apps are matched on the name the site still knows them by.
func beforeMigrateScripts(st *types.Site, candidate *types.DeployCandidate) map[string]string {
	scripts := make(map[string]string)
	for _, app := range candidate.Apps {
		if app.BeforeMigrateScript == "" {
			continue
		}
		switch {
		case st.HasApp(app.App):
			scripts[app.App] = app.BeforeMigrateScript
		case app.PreviousName != "" && st.HasApp(app.PreviousName):
			scripts[app.PreviousName] = app.BeforeMigrateScript
		}
	}
	return scripts
}

// Cancel cancels a Scheduled update. An update already being started or
// past Scheduled reports ErrUpdateInProgress and is left alone.
func (e *Executor) Cancel(ctx context.Context, actor site.Actor, name string) error {
	var siteName string
	err := e.store.View(func(tx storage.Tx) error {
		update, err := tx.GetSiteUpdate(name)
		if err != nil {
			return err
		}
		siteName = update.Site
		return nil
	})
	if err != nil {
		return err
	}

	unlock, ok := e.sites.Locks().TryLock(siteName)
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrUpdateInProgress, name)
	}
	defer unlock()

	return e.store.Update(func(tx storage.Tx) error {
		update, err := tx.GetSiteUpdate(name)
		if err != nil {
			return err
		}
		st, err := tx.GetSite(update.Site)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, update.Site)
		}
		if update.Status != types.UpdateStatusScheduled {
			return fmt.Errorf("%w: %s is %s", types.ErrUpdateInProgress, name, update.Status)
		}
		update.Status = types.UpdateStatusCancelled
		metrics.UpdatesFinished.WithLabelValues(string(types.UpdateStatusCancelled)).Inc()
		return tx.PutSiteUpdate(update)
	})
}

// MarkCauseResolved lets the scheduler retry a move that failed
func (e *Executor) MarkCauseResolved(ctx context.Context, name string) error {
	return e.store.Update(func(tx storage.Tx) error {
		update, err := tx.GetSiteUpdate(name)
		if err != nil {
			return err
		}
		switch update.Status {
		case types.UpdateStatusFailure, types.UpdateStatusFatal, types.UpdateStatusRecovered:
		default:
			return fmt.Errorf("update %s is %s, not failed", name, update.Status)
		}
		update.CauseOfFailureIsResolved = true
		return tx.PutSiteUpdate(update)
	})
}
