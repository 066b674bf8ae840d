package backup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/offsite"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Rotator expires old backups
type Rotator struct {
	store    storage.Store
	agent    *agent.Client
	offsite  offsite.Store
	rotation Rotation
	clock    clock.Clock
	config   *config.Config
	logger   zerolog.Logger
}

// NewRotator creates a rotator using the configured scheme
func NewRotator(store storage.Store, client *agent.Client, objects offsite.Store, clk clock.Clock, cfg *config.Config) *Rotator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Rotator{
		store:    store,
		agent:    client,
		offsite:  objects,
		rotation: RotationFromConfig(cfg),
		clock:    clk,
		config:   cfg,
		logger:   log.WithComponent("backup-rotation"),
	}
}

// Rotation returns the scheme in use
func (r *Rotator) Rotation() Rotation {
	return r.rotation
}

// Run applies the rotation per site to its offsite logical backups and to
// its physical backups
func (r *Rotator) Run(ctx context.Context) error {
	now := r.clock.Now()

	var expired []*types.SiteBackup
	err := r.store.View(func(tx storage.Tx) error {
		backups, err := tx.ListSiteBackups()
		if err != nil {
			return err
		}
		offsiteBySite := make(map[string][]*types.SiteBackup)
		physicalBySite := make(map[string][]*types.SiteBackup)
		for _, b := range backups {
			if b.Status != types.BackupStatusSuccess || b.FilesAvailability != types.Available {
				continue
			}
			switch {
			case b.Physical:
				physicalBySite[b.Site] = append(physicalBySite[b.Site], b)
			case b.Offsite:
				offsiteBySite[b.Site] = append(offsiteBySite[b.Site], b)
			}
		}
		for _, group := range []map[string][]*types.SiteBackup{offsiteBySite, physicalBySite} {
			for _, siteBackups := range group {
				expired = append(expired, r.rotation.Expire(siteBackups, now)...)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	// Objects go first. A backup whose objects could not be deleted stays
	// Available and is retried on the next run.
	keys := make(map[string][]string)
	for _, b := range expired {
		if b.Offsite {
			keys[b.Bucket] = append(keys[b.Bucket], b.RemoteKeys()...)
		}
	}
	failedBuckets := make(map[string]bool)
	for bucket, k := range keys {
		if len(k) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.offsite == nil {
			failedBuckets[bucket] = true
			continue
		}
		if err := r.offsite.DeleteMany(ctx, bucket, k); err != nil {
			r.logger.Error().Err(err).Str("bucket", bucket).Int("keys", len(k)).Msg("Failed to delete expired backups")
			failedBuckets[bucket] = true
		}
	}

	marked := 0
	err = r.store.Update(func(tx storage.Tx) error {
		for _, b := range expired {
			if b.Offsite && failedBuckets[b.Bucket] {
				continue
			}
			current, err := tx.GetSiteBackup(b.Name)
			if err != nil {
				return err
			}
			if current.FilesAvailability == types.Unavailable {
				continue
			}
			if current.Physical && current.DatabaseSnapshot != "" {
				if _, err := r.agent.ExpireSnapshot(tx, current.DatabaseSnapshot); err != nil && !errors.Is(err, types.ErrNotFound) {
					return err
				}
			}
			current.FilesAvailability = types.Unavailable
			if err := tx.PutSiteBackup(current); err != nil {
				return err
			}

			reason := r.rotation.Name()
			if current.Physical {
				reason = "physical"
			}
			metrics.BackupsExpired.WithLabelValues(reason).Inc()
			marked++
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info().
		Int("expired", marked).
		Str("scheme", r.rotation.Name()).
		Msg("Rotated backups")
	return nil
}

// ExpireLocal marks on-server backups unavailable once they are older than
// their bench's keep_backups_for_hours
func (r *Rotator) ExpireLocal(ctx context.Context) error {
	now := r.clock.Now()
	marked := 0

	err := r.store.Update(func(tx storage.Tx) error {
		backups, err := tx.ListSiteBackups()
		if err != nil {
			return err
		}

		retention := make(map[string]time.Duration)
		for _, b := range backups {
			if b.Status != types.BackupStatusSuccess || b.FilesAvailability != types.Available || b.Offsite || b.Physical {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			keep, ok := retention[b.Bench]
			if !ok {
				keep = r.benchRetention(tx, b.Bench)
				retention[b.Bench] = keep
			}
			if now.Sub(b.Creation) <= keep {
				continue
			}

			b.FilesAvailability = types.Unavailable
			if err := tx.PutSiteBackup(b); err != nil {
				return err
			}
			metrics.BackupsExpired.WithLabelValues("local").Inc()
			marked++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if marked > 0 {
		r.logger.Info().Int("expired", marked).Msg("Expired local backups")
	}
	return nil
}

func (r *Rotator) benchRetention(tx storage.Tx, name string) time.Duration {
	hours := r.config.KeepBackupsForHours
	if bench, err := tx.GetBench(name); err == nil && bench.KeepBackupsForHours > 0 {
		hours = bench.KeepBackupsForHours
	}
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}
