package backup

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Scheduler picks the sites due for a backup and takes them in rotation
// across servers
type Scheduler struct {
	store   storage.Store
	service *Service
	clock   clock.Clock
	config  *config.Config
	logger  zerolog.Logger
}

// NewScheduler creates a backup scheduler
func NewScheduler(store storage.Store, service *Service, clk clock.Clock, cfg *config.Config) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Scheduler{
		store:   store,
		service: service,
		clock:   clk,
		config:  cfg,
		logger:  log.WithComponent("backup-scheduler"),
	}
}

// RunLogical backs up the eligible sites on the regular schedule
func (s *Scheduler) RunLogical(ctx context.Context) error {
	return s.run(ctx, false, false)
}

// RunPhysical takes volume snapshots of the eligible sites on the regular
// schedule
func (s *Scheduler) RunPhysical(ctx context.Context) error {
	if s.config.DisablePhysicalBackup {
		return nil
	}
	return s.run(ctx, true, false)
}

// RunCustomTime backs up the sites whose own schedule has a time in the
// current hour
func (s *Scheduler) RunCustomTime(ctx context.Context, physical bool) error {
	if physical && s.config.DisablePhysicalBackup {
		return nil
	}
	return s.run(ctx, physical, true)
}

// candidate is a site picked for a backup
type candidate struct {
	site    string
	server  string
	offsite bool
}

func (s *Scheduler) run(ctx context.Context, physical, custom bool) error {
	now := s.clock.Now()

	var picked []candidate
	err := s.store.View(func(tx storage.Tx) error {
		c, err := s.candidates(tx, now, physical, custom)
		picked = c
		return err
	})
	if err != nil {
		return err
	}

	groups := make(map[string][]candidate)
	for _, c := range picked {
		groups[c.server] = append(groups[c.server], c)
	}

	created := 0
	for _, c := range RoundRobin(groups, s.config.BackupLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		opts := Options{
			WithFiles:       !physical,
			Offsite:         c.offsite,
			Physical:        physical,
			SystemInitiated: true,
		}
		if _, err := s.service.Create(ctx, site.System, c.site, opts); err != nil {
			if !errors.Is(err, ErrBackupInProgress) {
				s.logger.Error().Err(err).Str("site", c.site).Msg("Failed to create scheduled backup")
			}
			continue
		}
		created++
	}

	if created > 0 {
		s.logger.Info().
			Int("backups", created).
			Int("eligible", len(picked)).
			Bool("physical", physical).
			Bool("custom_time", custom).
			Msg("Scheduled backups")
	}
	return nil
}

func (s *Scheduler) candidates(tx storage.Tx, now time.Time, physical, custom bool) ([]candidate, error) {
	sites, err := tx.ListSites()
	if err != nil {
		return nil, err
	}

	servers := make(map[string]*types.Server)
	plans := make(map[string]*types.Plan)
	interval := s.config.BackupIntervalDuration()

	var out []candidate
	for _, st := range sites {
		if st.Status != types.SiteStatusActive {
			continue
		}
		onCustom := st.ScheduleLogicalBackupAtCustomTime
		times := st.LogicalBackupTimes
		if physical {
			onCustom = st.SchedulePhysicalBackupAtCustomTime
			times = st.PhysicalBackupTimes
		}
		if onCustom != custom {
			continue
		}
		if custom && !timeInHour(times, now) {
			continue
		}

		server, ok := servers[st.Server]
		if !ok {
			server, err = tx.GetServer(st.Server)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
			servers[st.Server] = server
		}
		if server == nil || server.Status != types.ServerStatusActive || server.SkipScheduledBackups {
			continue
		}

		plan, ok := plans[st.Plan]
		if !ok {
			plan, err = tx.GetPlan(st.Plan)
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				return nil, err
			}
			plans[st.Plan] = plan
		}
		if plan == nil || plan.IsTrial {
			continue
		}
		if physical && !st.AllowPhysicalBackupByUser && !plan.AllowPhysicalBackup {
			continue
		}

		backups, err := tx.ListSiteBackupsBySite(st.Name)
		if err != nil {
			return nil, err
		}

		// Custom times fire once per matching hour; the regular schedule
		// once per interval
		since := now.Add(-interval)
		if custom {
			since = now.Truncate(time.Hour)
		} else if st.Creation.After(since) {
			continue
		}
		if recentBackup(backups, physical, since) {
			continue
		}

		out = append(out, candidate{
			site:    st.Name,
			server:  st.Server,
			offsite: !physical && s.offsiteAllowed(st, backups, now),
		})
	}
	return out, nil
}

// recentBackup reports an in-flight or successful backup of the kind since
func recentBackup(backups []*types.SiteBackup, physical bool, since time.Time) bool {
	for _, b := range backups {
		if b.Creation.Before(since) {
			// Newest first
			break
		}
		if b.Physical != physical {
			continue
		}
		if b.Status.Active() || b.Status == types.BackupStatusSuccess {
			return true
		}
	}
	return false
}

// offsiteAllowed applies the offsite policy: configured storage, a plan
// not excluded, and no offsite backup yet on this calendar day
func (s *Scheduler) offsiteAllowed(st *types.Site, backups []*types.SiteBackup, now time.Time) bool {
	if !s.config.Offsite.Enabled() || s.config.OffsiteDisabledForPlan(st.Plan) {
		return false
	}
	year, month, day := now.UTC().Date()
	for _, b := range backups {
		if !b.Offsite || b.Status == types.BackupStatusFailure {
			continue
		}
		y, m, d := b.Creation.UTC().Date()
		if y == year && m == month && d == day {
			return false
		}
	}
	return true
}

// timeInHour reports whether one of the "HH:MM" times falls in now's hour
func timeInHour(times []string, now time.Time) bool {
	for _, t := range times {
		parsed, err := time.Parse("15:04", t)
		if err != nil {
			continue
		}
		if parsed.Hour() == now.Hour() {
			return true
		}
	}
	return false
}

// RoundRobin draws one item per group in turn until limit items are drawn
// or every group is empty. Groups are visited in key order.
func RoundRobin[T any](groups map[string][]T, limit int) []T {
	keys := make([]string, 0, len(groups))
	total := 0
	for k, items := range groups {
		keys = append(keys, k)
		total += len(items)
	}
	sort.Strings(keys)
	if limit <= 0 || limit > total {
		limit = total
	}

	out := make([]T, 0, limit)
	for round := 0; len(out) < limit; round++ {
		for _, k := range keys {
			if round < len(groups[k]) {
				out = append(out, groups[k][round])
				if len(out) == limit {
					break
				}
			}
		}
	}
	return out
}
