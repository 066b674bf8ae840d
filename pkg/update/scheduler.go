package update

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// queueWindow is how far back in-flight updates count against a server's
// queue
const queueWindow = 4 * time.Hour

// Scheduler starts automatic updates for sites on updatable benches
type Scheduler struct {
	store    storage.Store
	executor *Executor
	clock    clock.Clock
	config   *config.Config
	shuffle  func(n int, swap func(i, j int))
	logger   zerolog.Logger
}

// NewScheduler creates an update scheduler
func NewScheduler(store storage.Store, executor *Executor, clk clock.Clock, cfg *config.Config) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		clock:    clk,
		config:   cfg,
		shuffle:  rand.Shuffle,
		logger:   log.WithComponent("update-scheduler"),
	}
}

// candidate is a site picked for an automatic update
type candidate struct {
	site  string
	bench string
}

// Run picks, per server, sites whose bench can move and starts one update
// per bench
func (s *Scheduler) Run(ctx context.Context) error {
	now := s.clock.Now()

	var byServer map[string][]candidate
	budget := make(map[string]int)
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		byServer, err = s.candidates(tx, now)
		if err != nil {
			return err
		}
		for server := range byServer {
			queued, err := queuedUpdates(tx, server, now)
			if err != nil {
				return err
			}
			budget[server] = s.config.AutoUpdateQueueSize - queued
		}
		return nil
	})
	if err != nil {
		return err
	}

	started := 0
	for server, sites := range byServer {
		if budget[server] <= 0 {
			s.logger.Debug().Str("server", server).Msg("Update queue full")
			continue
		}
		s.shuffle(len(sites), func(i, j int) { sites[i], sites[j] = sites[j], sites[i] })

		triggered := make(map[string]bool)
		for _, c := range sites {
			if err := ctx.Err(); err != nil {
				return err
			}
			if budget[server] <= 0 {
				break
			}
			if triggered[c.bench] {
				continue
			}
			_, err := s.executor.Create(ctx, site.System, c.site, Options{})
			if err != nil {
				if !skippable(err) {
					s.logger.Error().Err(err).Str("site", c.site).Msg("Failed to start update")
				}
				continue
			}
			triggered[c.bench] = true
			budget[server]--
			started++
		}
	}

	if started > 0 {
		s.logger.Info().Int("updates", started).Msg("Started automatic updates")
	}
	return nil
}

// skippable errors mean the site is simply not due
func skippable(err error) bool {
	for _, target := range []error{
		ErrMissingApps, ErrFailedBefore, ErrNoUpdateAvailable,
		types.ErrUpdateInProgress, types.ErrSiteUnderMaintenance,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (s *Scheduler) candidates(tx storage.Tx, now time.Time) (map[string][]candidate, error) {
	updatable, err := UpdatableBenches(tx)
	if err != nil {
		return nil, err
	}

	teams := make(map[string]*types.Team)
	out := make(map[string][]candidate)
	for _, u := range updatable {
		sites, err := tx.ListSitesByBench(u.Bench.Name)
		if err != nil {
			return nil, err
		}
		for _, st := range sites {
			switch st.Status {
			case types.SiteStatusActive, types.SiteStatusInactive, types.SiteStatusSuspended:
			default:
				continue
			}
			if st.SkipAutoUpdates || st.OnlyUpdateAtSpecifiedTime {
				continue
			}

			team, ok := teams[st.Team]
			if !ok {
				team, err = loadTeam(tx, st.Team)
				if err != nil {
					return nil, err
				}
				teams[st.Team] = team
			}
			if !InDeployWindow(st, team, now) {
				continue
			}

			out[st.Server] = append(out[st.Server], candidate{site: st.Name, bench: st.Bench})
		}
	}
	return out, nil
}

// queuedUpdates counts the server's unfinished updates created within the
// queue window
func queuedUpdates(tx storage.Tx, server string, now time.Time) (int, error) {
	since := now.Add(-queueWindow)
	count := 0
	for _, status := range []types.UpdateStatus{
		types.UpdateStatusPending, types.UpdateStatusRunning, types.UpdateStatusFailure,
	} {
		updates, err := tx.ListSiteUpdatesByServerStatus(server, status)
		if err != nil {
			return 0, err
		}
		for _, u := range updates {
			if !u.Settled() && !u.Creation.Before(since) {
				count++
			}
		}
	}
	return count, nil
}
