package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/offsite"
	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

var (
	// ErrBackupInProgress is returned while a backup of the same kind is
	// Pending or Running for the site
	ErrBackupInProgress = errors.New("backup already in progress")

	// ErrPhysicalBackupNotAllowed is returned for physical backups the site
	// or the fleet does not allow
	ErrPhysicalBackupNotAllowed = errors.New("physical backup not allowed")

	// ErrInvalidBackupTime is returned for malformed or clashing custom times
	ErrInvalidBackupTime = errors.New("invalid backup time")
)

// Options describe the backup to take
type Options struct {
	WithFiles       bool
	Offsite         bool
	Physical        bool
	ForSiteUpdate   bool
	DeactivateSite  bool
	SystemInitiated bool
}

// Deps are the collaborators of a Service
type Deps struct {
	Store    storage.Store
	Agent    *agent.Client
	Sites    *site.Service
	Offsite  offsite.Store
	Capacity *capacity.Checker
	Broker   *events.Broker
	Clock    clock.Clock
	Config   *config.Config
}

// Service creates backups and handles their jobs
type Service struct {
	store    storage.Store
	agent    *agent.Client
	sites    *site.Service
	offsite  offsite.Store
	capacity *capacity.Checker
	broker   *events.Broker
	clock    clock.Clock
	config   *config.Config
	logger   zerolog.Logger
}

// NewService creates a backup service
func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Service{
		store:    deps.Store,
		agent:    deps.Agent,
		sites:    deps.Sites,
		offsite:  deps.Offsite,
		capacity: deps.Capacity,
		broker:   deps.Broker,
		clock:    deps.Clock,
		config:   deps.Config,
		logger:   log.WithComponent("backup"),
	}
}

// Create takes a backup of the named site
func (s *Service) Create(ctx context.Context, actor site.Actor, name string, opts Options) (*types.SiteBackup, error) {
	if actor.System {
		opts.SystemInitiated = true
	}

	unlock := s.sites.Locks().Lock(name)
	defer unlock()

	var backup *types.SiteBackup
	err := s.store.Update(func(tx storage.Tx) error {
		st, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		backup, err = s.create(ctx, tx, st, opts)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.BackupsCreated.WithLabelValues(string(backup.Type())).Inc()
	s.logger.Info().
		Str("site", name).
		Str("backup", backup.Name).
		Str("type", string(backup.Type())).
		Bool("offsite", backup.Offsite).
		Msg("Backup requested")
	return backup, nil
}

// create writes the SiteBackup row and issues its job. The caller holds the
// site's lock.
func (s *Service) create(ctx context.Context, tx storage.Tx, st *types.Site, opts Options) (*types.SiteBackup, error) {
	if st.Status == types.SiteStatusArchived {
		return nil, fmt.Errorf("%w: %s", types.ErrSiteAlreadyArchived, st.Name)
	}
	if opts.Physical {
		if s.config.DisablePhysicalBackup {
			return nil, fmt.Errorf("%w: disabled on this press", ErrPhysicalBackupNotAllowed)
		}
		if !opts.SystemInitiated && !st.AllowPhysicalBackupByUser {
			return nil, fmt.Errorf("%w: %s", ErrPhysicalBackupNotAllowed, st.Name)
		}
		opts.WithFiles = false
		opts.Offsite = false
	}
	if opts.Offsite && !s.config.Offsite.Enabled() {
		opts.Offsite = false
	}

	backups, err := tx.ListSiteBackupsBySite(st.Name)
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		if b.Status.Active() && b.Physical == opts.Physical && b.WithFiles == opts.WithFiles {
			return nil, fmt.Errorf("%w: %s (%s)", ErrBackupInProgress, st.Name, b.Name)
		}
	}

	if !opts.Physical && s.capacity != nil {
		if err := s.capacity.Ensure(tx, st.Server, capacity.BackupSpaceGB(st, opts.WithFiles)); err != nil {
			return nil, err
		}
	}

	backup := &types.SiteBackup{
		Name:            uuid.New().String(),
		Site:            st.Name,
		Bench:           st.Bench,
		Server:          st.Server,
		Team:            st.Team,
		Status:          types.BackupStatusPending,
		WithFiles:       opts.WithFiles,
		Offsite:         opts.Offsite,
		Physical:        opts.Physical,
		ForSiteUpdate:   opts.ForSiteUpdate,
		SystemInitiated: opts.SystemInitiated,
		Creation:        s.clock.Now(),
	}
	if backup.Offsite {
		backup.Bucket = s.config.Offsite.Bucket
	}

	// Only an Active site is taken down, so only an Active site comes back
	if opts.DeactivateSite && st.Status == types.SiteStatusActive {
		if _, err := s.sites.Apply(ctx, tx, st, site.Event{Kind: site.EventDeactivate}); err != nil {
			return nil, err
		}
		backup.DeactivateSiteDuringBackup = true
	}

	job, err := s.agent.BackupSite(tx, st, backup)
	if err != nil {
		return nil, err
	}
	backup.Job = job.ID
	if err := tx.PutSiteBackup(backup); err != nil {
		return nil, err
	}
	return backup, nil
}

// ValidateBackupTimes checks "HH:MM" times and rejects two in the same hour
func ValidateBackupTimes(times []string) error {
	hours := make(map[int]string)
	for _, t := range times {
		parsed, err := time.Parse("15:04", t)
		if err != nil {
			return fmt.Errorf("%w: %q is not HH:MM", ErrInvalidBackupTime, t)
		}
		if other, ok := hours[parsed.Hour()]; ok {
			return fmt.Errorf("%w: %s and %s fall in the same hour", ErrInvalidBackupTime, other, t)
		}
		hours[parsed.Hour()] = t
	}
	return nil
}

// SetCustomTimes puts a site on its own backup schedule. No times returns
// it to the regular one.
func (s *Service) SetCustomTimes(ctx context.Context, actor site.Actor, name string, physical bool, times []string) error {
	if err := ValidateBackupTimes(times); err != nil {
		return err
	}
	sorted := append([]string(nil), times...)
	sort.Strings(sorted)

	unlock := s.sites.Locks().Lock(name)
	defer unlock()

	return s.store.Update(func(tx storage.Tx) error {
		st, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		if st.Status == types.SiteStatusArchived {
			return fmt.Errorf("%w: %s", types.ErrSiteAlreadyArchived, name)
		}
		if physical {
			st.PhysicalBackupTimes = sorted
			st.SchedulePhysicalBackupAtCustomTime = len(sorted) > 0
		} else {
			st.LogicalBackupTimes = sorted
			st.ScheduleLogicalBackupAtCustomTime = len(sorted) > 0
		}
		return tx.PutSite(st)
	})
}

// DownloadLink returns a presigned URL for one artifact of an offsite backup
func (s *Service) DownloadLink(ctx context.Context, actor site.Actor, name, artifact string, expiry time.Duration) (string, error) {
	var backup *types.SiteBackup
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		backup, err = tx.GetSiteBackup(name)
		if err != nil {
			return err
		}
		st, err := tx.GetSite(backup.Site)
		if err != nil {
			return err
		}
		if !actor.Can(st) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !backup.Offsite || backup.FilesAvailability != types.Available {
		return "", fmt.Errorf("backup %s has no offsite files", name)
	}

	var key string
	switch artifact {
	case "database":
		key = backup.RemoteDatabaseFile
	case "public":
		key = backup.RemotePublicFile
	case "private":
		key = backup.RemotePrivateFile
	case "config":
		key = backup.RemoteConfigFile
	}
	if key == "" {
		return "", fmt.Errorf("backup %s has no %s file", name, artifact)
	}
	return s.offsite.PresignedGetURL(ctx, backup.Bucket, key, expiry)
}

// RegisterHandlers binds the backup callbacks to their job types
func (s *Service) RegisterHandlers(r *poller.Registry) {
	r.Register(types.JobBackupSite, s.onBackup)
}

// artifact is one file the agent reports for a finished backup
type artifact struct {
	File    string `json:"file"`
	Size    int64  `json:"size"`
	Offsite string `json:"offsite"`
}

// result is the data of a finished BackupSite job
type result struct {
	Database *artifact `json:"database"`
	Public   *artifact `json:"public"`
	Private  *artifact `json:"private"`
	Config   *artifact `json:"config"`
	Snapshot string    `json:"snapshot"`
}

func (s *Service) onBackup(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	backup, err := tx.GetSiteBackup(job.ReferenceName)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch new {
	case types.JobStatusRunning:
		backup.Status = types.BackupStatusRunning
	case types.JobStatusSuccess:
		if err := s.fillArtifacts(tx, backup, job); err != nil {
			return err
		}
		backup.Status = types.BackupStatusSuccess
		backup.FilesAvailability = types.Available
	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		backup.Status = types.BackupStatusFailure
		backup.FilesAvailability = types.Unavailable
		s.broker.Publish(events.NewEvent(events.EventBackupFailed, backup.Site,
			fmt.Sprintf("%s backup of %s failed", backup.Type(), backup.Site)))
		s.logger.Warn().
			Str("site", backup.Site).
			Str("backup", backup.Name).
			Str("job", job.ID).
			Msg("Backup failed")
	default:
		return nil
	}

	if new.Terminal() && backup.DeactivateSiteDuringBackup {
		if err := s.reactivate(ctx, tx, backup.Site); err != nil {
			return err
		}
	}
	return tx.PutSiteBackup(backup)
}

func (s *Service) fillArtifacts(tx storage.Tx, backup *types.SiteBackup, job *types.AgentJob) error {
	var r result
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &r); err != nil {
			return fmt.Errorf("failed to parse backup result of job %s: %w", job.ID, err)
		}
	}

	fill := func(a *artifact, remote *string, size *int64) {
		if a == nil {
			return
		}
		if size != nil {
			*size = a.Size
		}
		if backup.Offsite {
			*remote = a.Offsite
		}
	}
	fill(r.Database, &backup.RemoteDatabaseFile, &backup.DatabaseSizeBytes)
	fill(r.Public, &backup.RemotePublicFile, &backup.PublicSizeBytes)
	fill(r.Private, &backup.RemotePrivateFile, &backup.PrivateSizeBytes)
	fill(r.Config, &backup.RemoteConfigFile, nil)

	if !backup.Physical || r.Snapshot == "" {
		return nil
	}
	// The snapshot is of the database volume, which lives on the app
	// server's database server when it has one
	snapshotServer := backup.Server
	if server, err := tx.GetServer(backup.Server); err == nil && server.DatabaseServer != "" {
		snapshotServer = server.DatabaseServer
	}
	if err := tx.PutVirtualDiskSnapshot(&types.VirtualDiskSnapshot{
		Name:     r.Snapshot,
		Server:   snapshotServer,
		Status:   types.SnapshotStatusCompleted,
		Creation: s.clock.Now(),
	}); err != nil {
		return err
	}
	backup.DatabaseSnapshot = r.Snapshot
	return nil
}

// reactivate brings back a site deactivated for its backup. A site that
// moved on in the meantime is left alone.
func (s *Service) reactivate(ctx context.Context, tx storage.Tx, name string) error {
	st, err := tx.GetSite(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status != types.SiteStatusInactive {
		return nil
	}
	_, err = s.sites.Apply(ctx, tx, st, site.Event{Kind: site.EventActivate})
	return err
}
