// Package suspension enforces plan limits: it flags sites over their
// storage quota, warns their owners, suspends the ones that stay over and
// archives sites that were suspended or failed to install long ago.
package suspension

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/backup"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/notify"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

const day = 24 * time.Hour

// Grace periods
const (
	SuspendAfter        = 14 * day
	ArchiveAfter        = 21 * day
	CreationFailedAfter = 14 * day

	// recentBackup is how old the final backup before archiving may be
	recentBackup = day
)

// Deps are the collaborators of an Engine
type Deps struct {
	Store   storage.Store
	Sites   *site.Service
	Backups *backup.Service
	Mailer  notify.Mailer
	Clock   clock.Clock
	Config  *config.Config
}

// Engine runs the suspension and archive sweeps
type Engine struct {
	store   storage.Store
	sites   *site.Service
	backups *backup.Service
	mailer  notify.Mailer
	clock   clock.Clock
	config  *config.Config
	logger  zerolog.Logger
}

// NewEngine creates a suspension engine
func NewEngine(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Engine{
		store:   deps.Store,
		sites:   deps.Sites,
		backups: deps.Backups,
		mailer:  deps.Mailer,
		clock:   deps.Clock,
		config:  deps.Config,
		logger:  log.WithComponent("suspension"),
	}
}

// live reports whether a site can still be flagged or suspended
func live(st *types.Site) bool {
	switch st.Status {
	case types.SiteStatusActive, types.SiteStatusInactive, types.SiteStatusSuspended, types.SiteStatusBroken:
		return true
	}
	return false
}

// FlagUsage refreshes every site's usage and its site_usage_exceeded flag.
// Sites are handled in batches of usage_record_creation_batch_size, one
// transaction each; a site busy with another operation waits for the next
// run. Sites suspended for their usage are unsuspended once back in plan.
func (e *Engine) FlagUsage(ctx context.Context) error {
	now := e.clock.Now()

	var names []string
	err := e.store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		for _, st := range sites {
			if live(st) {
				names = append(names, st.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	batch := max(e.config.UsageRecordCreationBatchSize, 1)
	var cleared []string
	flagged := 0
	for start := 0; start < len(names); start += batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := names[start:min(start+batch, len(names))]
		c, f, err := e.flagBatch(chunk, now)
		if err != nil {
			return err
		}
		cleared = append(cleared, c...)
		flagged += f
	}

	for _, name := range cleared {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.sites.Unsuspend(ctx, site.System, name, site.ReasonUsageExceeded); err != nil {
			e.logger.Error().Err(err).Str("site", name).Msg("Failed to unsuspend site")
		}
	}

	if flagged > 0 || len(cleared) > 0 {
		e.logger.Info().
			Int("flagged", flagged).
			Int("cleared", len(cleared)).
			Msg("Site usage flags updated")
	}
	return nil
}

// flagBatch flags one batch and returns the suspended sites whose flag was
// cleared and the number newly flagged
func (e *Engine) flagBatch(names []string, now time.Time) ([]string, int, error) {
	var unlocks []func()
	defer func() {
		for _, unlock := range unlocks {
			unlock()
		}
	}()

	var cleared []string
	flagged := 0
	err := e.store.Update(func(tx storage.Tx) error {
		plans := make(map[string]*types.Plan)
		for _, name := range names {
			unlock, ok := e.sites.Locks().TryLock(name)
			if !ok {
				continue
			}
			unlocks = append(unlocks, unlock)

			st, err := tx.GetSite(name)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !live(st) {
				continue
			}

			plan, ok := plans[st.Plan]
			if !ok {
				plan, err = tx.GetPlan(st.Plan)
				if errors.Is(err, types.ErrNotFound) {
					plan = nil
				} else if err != nil {
					return err
				}
				plans[st.Plan] = plan
			}
			if plan == nil {
				continue
			}

			was := st.SiteUsageExceeded
			site.RecomputeUsage(st, plan)
			if site.FlagUsage(st, now) && st.Status == types.SiteStatusSuspended && st.SuspendReason == site.ReasonUsageExceeded {
				cleared = append(cleared, st.Name)
			}
			if st.SiteUsageExceeded && !was {
				flagged++
				e.logger.Info().
					Str("site", st.Name).
					Float64("disk_usage", st.CurrentDiskUsage).
					Float64("database_usage", st.CurrentDatabaseUsage).
					Msg("Site exceeds its plan")
			}
			if err := tx.PutSite(st); err != nil {
				return err
			}
		}
		return nil
	})
	return cleared, flagged, err
}

// daysLeft counts the days until an exceeded site is suspended
func daysLeft(st *types.Site, now time.Time) int {
	elapsed := int(now.Sub(st.SiteUsageExceededOn) / day)
	return max(int(SuspendAfter/day)-elapsed, 0)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// SendWarnings mails the owner of every exceeded site not yet warned today
func (e *Engine) SendWarnings(ctx context.Context) error {
	now := e.clock.Now()

	type warning struct {
		site string
		to   string
		data notify.UsageWarning
	}
	var due []warning
	err := e.store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		for _, st := range sites {
			if !st.SiteUsageExceeded || st.Status == types.SiteStatusSuspended || !live(st) {
				continue
			}
			if !st.LastSiteUsageWarningMailSentOn.IsZero() && sameDay(st.LastSiteUsageWarningMailSentOn, now) {
				continue
			}
			team, err := tx.GetTeam(st.Team)
			if err != nil || team.Email == "" {
				e.logger.Warn().Str("site", st.Name).Str("team", st.Team).Msg("No address to warn")
				continue
			}
			due = append(due, warning{
				site: st.Name,
				to:   team.Email,
				data: notify.UsageWarning{
					Site:          st.Name,
					DiskUsage:     st.CurrentDiskUsage,
					DatabaseUsage: st.CurrentDatabaseUsage,
					DaysLeft:      daysLeft(st, now),
				},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, w := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := notify.RenderUsageWarning(w.to, w.data)
		if err != nil {
			return err
		}
		if err := e.mailer.Send(ctx, msg); err != nil {
			e.logger.Error().Err(err).Str("site", w.site).Msg("Failed to send usage warning")
			continue
		}
		if err := e.markWarned(w.site, now); err != nil {
			e.logger.Error().Err(err).Str("site", w.site).Msg("Failed to record usage warning")
		}
	}
	return nil
}

func (e *Engine) markWarned(name string, now time.Time) error {
	unlock := e.sites.Locks().Lock(name)
	defer unlock()
	return e.store.Update(func(tx storage.Tx) error {
		st, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		st.LastSiteUsageWarningMailSentOn = now
		return tx.PutSite(st)
	})
}

// SuspendExceeded suspends sites that stayed over their plan for the whole
// grace period. It does nothing unless enforce_storage_limits is set.
func (e *Engine) SuspendExceeded(ctx context.Context) error {
	if !e.config.EnforceStorageLimits {
		return nil
	}
	now := e.clock.Now()

	var due []string
	err := e.store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		for _, st := range sites {
			if st.Status != types.SiteStatusActive && st.Status != types.SiteStatusInactive {
				continue
			}
			if !st.SiteUsageExceeded || now.Sub(st.SiteUsageExceededOn) < SuspendAfter {
				continue
			}
			plan, err := tx.GetPlan(st.Plan)
			if err != nil {
				continue
			}
			// The flag is hourly; the usage may have dropped since
			site.RecomputeUsage(st, plan)
			if site.UsageExceeded(st) {
				due = append(due, st.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.sites.Suspend(ctx, site.System, name, site.ReasonUsageExceeded); err != nil {
			e.logger.Error().Err(err).Str("site", name).Msg("Failed to suspend site")
			continue
		}
		metrics.SitesSuspended.Inc()
		e.logger.Info().Str("site", name).Msg("Suspended site over its plan")
	}
	return nil
}

// ArchiveSuspended archives the oldest sites that have been suspended for
// longer than the archive grace period, a few per run. Trial sites are left
// to their own expiry. A site is archived only once it has a recent final
// backup; without one, a backup is taken and the site waits for the next
// run.
func (e *Engine) ArchiveSuspended(ctx context.Context) error {
	now := e.clock.Now()

	var due []*types.Site
	err := e.store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		for _, st := range sites {
			if st.Status != types.SiteStatusSuspended || st.ArchiveFailed {
				continue
			}
			if st.SuspendedOn.IsZero() || now.Sub(st.SuspendedOn) < ArchiveAfter {
				continue
			}
			if plan, err := tx.GetPlan(st.Plan); err == nil && plan.IsTrial {
				continue
			}
			due = append(due, st)
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(due, func(i, j int) bool { return due[i].Creation.Before(due[j].Creation) })
	if limit := e.config.ArchiveSuspendedSitesPerTick; limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, st := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.archiveSuspended(ctx, st.Name, now); err != nil {
			e.logger.Error().Err(err).Str("site", st.Name).Msg("Failed to archive suspended site")
		}
	}
	return nil
}

type finalBackup int

const (
	backupMissing finalBackup = iota
	backupRunning
	backupReady
)

func (e *Engine) finalBackupOf(name string, now time.Time) (finalBackup, error) {
	offsite := e.config.Offsite.Enabled()
	state := backupMissing
	err := e.store.View(func(tx storage.Tx) error {
		backups, err := tx.ListSiteBackupsBySite(name)
		if err != nil {
			return err
		}
		for _, b := range backups {
			if b.Physical || b.Offsite != offsite {
				continue
			}
			switch b.Status {
			case types.BackupStatusPending, types.BackupStatusRunning:
				state = backupRunning
			case types.BackupStatusSuccess:
				if now.Sub(b.Creation) <= recentBackup && state == backupMissing {
					state = backupReady
				}
			}
		}
		return nil
	})
	return state, err
}

func (e *Engine) archiveSuspended(ctx context.Context, name string, now time.Time) error {
	state, err := e.finalBackupOf(name, now)
	if err != nil {
		return err
	}

	switch state {
	case backupRunning:
		return nil
	case backupMissing:
		_, err := e.backups.Create(ctx, site.System, name, backup.Options{
			WithFiles:       true,
			Offsite:         true,
			SystemInitiated: true,
		})
		if errors.Is(err, backup.ErrBackupInProgress) {
			return nil
		}
		if err == nil {
			e.logger.Info().Str("site", name).Msg("Taking final backup before archive")
		}
		return err
	}

	if err := e.sites.Archive(ctx, site.System, name, false); err != nil {
		return err
	}
	metrics.SitesArchived.WithLabelValues("suspended").Inc()
	e.logger.Info().Str("site", name).Msg("Archiving long suspended site")
	return nil
}

// ArchiveCreationFailed archives sites that never installed and have been
// Broken since
func (e *Engine) ArchiveCreationFailed(ctx context.Context) error {
	now := e.clock.Now()

	var due []string
	err := e.store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		for _, st := range sites {
			if st.Status != types.SiteStatusBroken || st.ArchiveFailed || st.CreationFailed.IsZero() {
				continue
			}
			if now.Sub(st.CreationFailed) >= CreationFailedAfter {
				due = append(due, st.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.sites.Archive(ctx, site.System, name, false); err != nil {
			e.logger.Error().Err(err).Str("site", name).Msg("Failed to archive site")
			continue
		}
		metrics.SitesArchived.WithLabelValues("creation_failed").Inc()
		e.logger.Info().Str("site", name).Msg("Archiving site that failed to install")
	}
	return nil
}
