package site

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/press/pkg/dns"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Recoverer issues the recovery job for a site whose update failed
type Recoverer interface {
	EnqueueRecover(ctx context.Context, tx storage.Tx, site *types.Site) error
}

// Apply runs ev against site inside tx, executes the resulting effects and
// saves the site. Callers must hold the site's lock; job callbacks already do.
func (s *Service) Apply(ctx context.Context, tx storage.Tx, site *types.Site, ev Event) (*types.Site, error) {
	next, effects, err := Transition(*site, ev)
	if err != nil {
		return site, err
	}
	if len(effects) == 0 && next.Status == site.Status && next.ArchiveFailed == site.ArchiveFailed &&
		next.StatusBeforeUpdate == site.StatusBeforeUpdate {
		return site, nil
	}

	from := site.Status
	for _, effect := range effects {
		if err := s.execute(ctx, tx, &next, effect); err != nil {
			return site, fmt.Errorf("%s effect on %s: %w", effect.Kind, site.Name, err)
		}
	}
	if err := tx.PutSite(&next); err != nil {
		return site, err
	}

	if from != next.Status {
		s.logger.Info().
			Str("site", next.Name).
			Str("from", string(from)).
			Str("to", string(next.Status)).
			Msg("Site status changed")
	}
	return &next, nil
}

func (s *Service) execute(ctx context.Context, tx storage.Tx, site *types.Site, effect Effect) error {
	switch effect.Kind {
	case EffectPublish:
		s.broker.Publish(events.NewEvent(effect.Event, site.Name, fmt.Sprintf("%s is %s", site.Name, site.Status)))
	case EffectSetCreationFailed:
		site.CreationFailed = s.clock.Now()
	case EffectDisableSubscriptions:
		site.SubscriptionsDisabled = true
	case EffectUpdateProxyStatus:
		return s.updateProxyStatus(tx, site, effect.ProxyStatus)
	case EffectEnqueueRecover:
		if s.recoverer == nil {
			return errors.New("no recoverer configured")
		}
		return s.recoverer.EnqueueRecover(ctx, tx, site)
	case EffectArchiveCleanup:
		return s.archiveCleanup(ctx, tx, site)
	default:
		return fmt.Errorf("unknown effect %s", effect.Kind)
	}
	return nil
}

func (s *Service) updateProxyStatus(tx storage.Tx, site *types.Site, status string) error {
	server, err := tx.GetServer(site.Server)
	if err != nil {
		return err
	}
	if server.ProxyServer == "" {
		return nil
	}
	_, err = s.agent.UpdateSiteStatus(tx, server.ProxyServer, site, server.IP, status)
	return err
}

// archiveCleanup releases what an archived site still holds. The newest
// available offsite backup survives; every other backup becomes
// Unavailable, offsite objects are deleted and snapshots expired.
func (s *Service) archiveCleanup(ctx context.Context, tx storage.Tx, site *types.Site) error {
	backups, err := tx.ListSiteBackupsBySite(site.Name)
	if err != nil {
		return err
	}

	keys := make(map[string][]string)
	keptOffsite := false
	for _, b := range backups {
		if b.FilesAvailability == types.Unavailable {
			continue
		}
		if b.Offsite && !b.Physical && b.Status == types.BackupStatusSuccess && !keptOffsite {
			keptOffsite = true
			continue
		}
		if b.Status.Active() {
			continue
		}

		if b.Physical && b.DatabaseSnapshot != "" {
			if _, err := s.agent.ExpireSnapshot(tx, b.DatabaseSnapshot); err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
		}
		if b.Offsite {
			keys[b.Bucket] = append(keys[b.Bucket], b.RemoteKeys()...)
		}
		b.FilesAvailability = types.Unavailable
		if err := tx.PutSiteBackup(b); err != nil {
			return err
		}
		metrics.BackupsExpired.WithLabelValues("archive").Inc()
	}

	for bucket, k := range keys {
		if s.offsite == nil || len(k) == 0 {
			continue
		}
		if err := s.offsite.DeleteMany(ctx, bucket, k); err != nil {
			return fmt.Errorf("failed to delete offsite backups of %s: %w", site.Name, err)
		}
	}

	domains, err := tx.ListSiteDomains(site.Name)
	if err != nil {
		return err
	}
	for _, d := range domains {
		if err := tx.DeleteSiteDomain(d.Name); err != nil {
			return err
		}
	}
	s.deleteRecord(ctx, tx, site)
	return nil
}

// deleteRecord drops the default domain record. DNS is outside the
// transaction, so failures are only logged.
func (s *Service) deleteRecord(ctx context.Context, tx storage.Tx, site *types.Site) {
	provider, err := s.provider(tx, site.Domain)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site.Name).Msg("No DNS provider for site domain")
		return
	}
	if err := provider.Delete(ctx, site.DefaultDomain()); err != nil {
		s.logger.Warn().Err(err).Str("site", site.Name).Msg("Failed to delete DNS record")
	}
}

func (s *Service) upsertRecord(ctx context.Context, tx storage.Tx, site *types.Site) {
	provider, err := s.provider(tx, site.Domain)
	if err != nil {
		s.logger.Warn().Err(err).Str("site", site.Name).Msg("No DNS provider for site domain")
		return
	}
	server, err := tx.GetServer(site.Server)
	if err != nil || server.ProxyServer == "" {
		s.logger.Warn().Str("site", site.Name).Msg("Site server has no proxy, skipping DNS record")
		return
	}
	if err := provider.Upsert(ctx, site.DefaultDomain(), types.DNSRecordCNAME, server.ProxyServer); err != nil {
		s.logger.Warn().Err(err).Str("site", site.Name).Msg("Failed to upsert DNS record")
	}
}

func (s *Service) provider(tx storage.Tx, domain string) (dns.Provider, error) {
	if s.dns == nil {
		return nil, errors.New("no DNS registry")
	}
	root, err := tx.GetRootDomain(domain)
	if err != nil {
		return nil, err
	}
	return s.dns.For(root)
}
