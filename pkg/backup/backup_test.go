package backup

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/test/framework"
)

const offsiteResult = `{
	"database": {"file": "db.sql.gz", "size": 2048, "offsite": "site.example.com/db.sql.gz"},
	"public": {"file": "public.tar", "size": 300, "offsite": "site.example.com/public.tar"},
	"private": {"file": "private.tar", "size": 100, "offsite": "site.example.com/private.tar"},
	"config": {"file": "config.json", "size": 1, "offsite": "site.example.com/config.json"}
}`

func newTestService(t *testing.T) (*Service, *framework.Fleet) {
	t.Helper()
	f := framework.NewFleet(t, nil)
	checker := capacity.NewChecker(f.Agent, f.Clock, capacity.Config{})
	sites := site.NewService(site.Deps{
		Store:    f.Store,
		Agent:    f.Agent,
		Locks:    f.Locks,
		DNS:      f.DNSRegistry,
		Offsite:  f.Offsite,
		Capacity: checker,
		Secrets:  f.Secrets,
		Clock:    f.Clock,
		Config:   f.Settings,
	})
	sites.RegisterHandlers(f.Registry)

	svc := NewService(Deps{
		Store:    f.Store,
		Agent:    f.Agent,
		Sites:    sites,
		Offsite:  f.Offsite,
		Capacity: checker,
		Clock:    f.Clock,
		Config:   f.Settings,
	})
	svc.RegisterHandlers(f.Registry)
	return svc, f
}

func getBackup(t *testing.T, f *framework.Fleet, name string) *types.SiteBackup {
	t.Helper()
	var backup *types.SiteBackup
	f.View(func(tx storage.Tx) error {
		var err error
		backup, err = tx.GetSiteBackup(name)
		return err
	})
	return backup
}

func TestCreateOffsiteBackup(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})

	backup, err := svc.Create(ctx, site.Actor{Team: framework.BillingTeam}, st.Name, Options{WithFiles: true, Offsite: true})
	require.NoError(t, err)
	assert.Equal(t, types.BackupStatusPending, backup.Status)
	assert.Equal(t, "backups", backup.Bucket)
	assert.False(t, backup.SystemInitiated)

	job := f.Job(backup.Job)
	assert.Equal(t, types.JobBackupSite, job.Type)
	assert.Equal(t, backup.Name, job.ReferenceName)
	assert.Contains(t, string(job.RequestData), `"offsite":{"bucket":"backups","prefix":"site.example.com"}`)
	assert.Contains(t, string(job.RequestData), `"with_files":true`)

	f.Running(ctx, job, "Backup Database")
	assert.Equal(t, types.BackupStatusRunning, getBackup(t, f, backup.Name).Status)

	f.Complete(ctx, job, offsiteResult)
	done := getBackup(t, f, backup.Name)
	assert.Equal(t, types.BackupStatusSuccess, done.Status)
	assert.Equal(t, types.Available, done.FilesAvailability)
	assert.Equal(t, "site.example.com/db.sql.gz", done.RemoteDatabaseFile)
	assert.Equal(t, "site.example.com/config.json", done.RemoteConfigFile)
	assert.Equal(t, int64(2048), done.DatabaseSizeBytes)
	assert.Equal(t, int64(300), done.PublicSizeBytes)
	assert.Len(t, done.RemoteKeys(), 4)

	require.NoError(t, f.Offsite.Put(ctx, "backups", done.RemoteDatabaseFile, strings.NewReader("dump"), "application/gzip"))
	link, err := svc.DownloadLink(ctx, site.Actor{Team: framework.BillingTeam}, done.Name, "database", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, link, "db.sql.gz")

	_, err = svc.DownloadLink(ctx, site.Actor{Team: framework.FreeTeam}, done.Name, "database", time.Hour)
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}

func TestLocalBackupKeepsNoRemoteFiles(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})

	backup, err := svc.Create(ctx, site.System, st.Name, Options{WithFiles: true})
	require.NoError(t, err)
	assert.True(t, backup.SystemInitiated)
	assert.Contains(t, string(f.Job(backup.Job).RequestData), `"offsite":false`)

	f.Complete(ctx, f.Job(backup.Job), offsiteResult)
	done := getBackup(t, f, backup.Name)
	assert.Empty(t, done.RemoteKeys())
	assert.Equal(t, int64(2048), done.DatabaseSizeBytes)
}

func TestCreateRefusesSecondBackupOfSameKind(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})

	first, err := svc.Create(ctx, site.System, st.Name, Options{WithFiles: true})
	require.NoError(t, err)

	_, err = svc.Create(ctx, site.System, st.Name, Options{WithFiles: true, Offsite: true})
	assert.True(t, errors.Is(err, ErrBackupInProgress), "got %v", err)

	// Other kinds are independent
	_, err = svc.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	_, err = svc.Create(ctx, site.System, st.Name, Options{Physical: true})
	require.NoError(t, err)

	f.Complete(ctx, f.Job(first.Job), "")
	_, err = svc.Create(ctx, site.System, st.Name, Options{WithFiles: true})
	assert.NoError(t, err)
}

func TestPhysicalBackup(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{AllowPhysicalBackupByUser: true})

	backup, err := svc.Create(ctx, site.Actor{Team: framework.BillingTeam}, st.Name, Options{Physical: true, WithFiles: true, Offsite: true})
	require.NoError(t, err)
	assert.True(t, backup.Physical)
	assert.False(t, backup.WithFiles)
	assert.False(t, backup.Offsite)
	assert.Empty(t, backup.Bucket)

	f.Complete(ctx, f.Job(backup.Job), `{"database": {"file": "", "size": 4096}, "snapshot": "snap-1"}`)
	done := getBackup(t, f, backup.Name)
	assert.Equal(t, types.BackupStatusSuccess, done.Status)
	assert.Equal(t, "snap-1", done.DatabaseSnapshot)

	f.View(func(tx storage.Tx) error {
		snapshot, err := tx.GetVirtualDiskSnapshot("snap-1")
		require.NoError(t, err)
		assert.Equal(t, framework.DBServer, snapshot.Server)
		assert.Equal(t, types.SnapshotStatusCompleted, snapshot.Status)
		assert.False(t, snapshot.Expired)
		return nil
	})
}

func TestPhysicalBackupNotAllowed(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})

	_, err := svc.Create(ctx, site.Actor{Team: framework.BillingTeam}, st.Name, Options{Physical: true})
	assert.True(t, errors.Is(err, ErrPhysicalBackupNotAllowed))

	f.Settings.DisablePhysicalBackup = true
	_, err = svc.Create(ctx, site.System, st.Name, Options{Physical: true})
	assert.True(t, errors.Is(err, ErrPhysicalBackupNotAllowed))
	assert.Empty(t, f.Jobs(st.Name, types.JobBackupSite))
}

func TestBackupFailure(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})

	backup, err := svc.Create(ctx, site.System, st.Name, Options{WithFiles: true})
	require.NoError(t, err)
	f.Fail(ctx, f.Job(backup.Job), "Backup Database", "mysqldump: Got error 2013")

	failed := getBackup(t, f, backup.Name)
	assert.Equal(t, types.BackupStatusFailure, failed.Status)
	assert.Equal(t, types.Unavailable, failed.FilesAvailability)

	// A failed attempt does not block the next one
	_, err = svc.Create(ctx, site.System, st.Name, Options{WithFiles: true})
	assert.NoError(t, err)
}

func TestDeactivateSiteDuringBackup(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	st := f.AddSite(&types.Site{})

	backup, err := svc.Create(ctx, site.System, st.Name, Options{DeactivateSite: true})
	require.NoError(t, err)
	assert.True(t, backup.DeactivateSiteDuringBackup)
	assert.Contains(t, string(f.Job(backup.Job).RequestData), `"deactivate":true`)
	check.SiteStatus(st.Name, types.SiteStatusInactive)

	f.Advance(time.Minute)
	f.Complete(ctx, f.Job(backup.Job), "")
	check.SiteStatus(st.Name, types.SiteStatusActive)
	assert.Contains(t, string(f.LastJob(st.Name, types.JobUpdateSiteStatus).RequestData), `"status":"activated"`)
	check.JobCount(st.Name, types.JobUpdateSiteStatus, 2)
}

func TestDeactivateSkipsInactiveSite(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{Status: types.SiteStatusInactive})

	backup, err := svc.Create(ctx, site.System, st.Name, Options{DeactivateSite: true})
	require.NoError(t, err)
	assert.False(t, backup.DeactivateSiteDuringBackup)

	f.Complete(ctx, f.Job(backup.Job), "")
	framework.NewAssertions(t, f).SiteStatus(st.Name, types.SiteStatusInactive)
	assert.Empty(t, f.Jobs(st.Name, types.JobUpdateSiteStatus))
}

func TestCreateOnArchivedSite(t *testing.T) {
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{Status: types.SiteStatusArchived})

	_, err := svc.Create(context.Background(), site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, types.ErrSiteAlreadyArchived))
}

func TestCreateNeedsSpace(t *testing.T) {
	svc, f := newTestService(t)
	f.Update(func(tx storage.Tx) error {
		server, err := tx.GetServer(framework.AppServer)
		if err != nil {
			return err
		}
		server.Public = false
		server.DiskGB = 110
		return tx.PutServer(server)
	})
	st := f.AddSite(&types.Site{DatabaseUsedMB: 8 * 1024, DiskUsedMB: 4 * 1024})

	_, err := svc.Create(context.Background(), site.System, st.Name, Options{WithFiles: true})
	assert.True(t, errors.Is(err, types.ErrInsufficientSpaceOnServer), "got %v", err)
	assert.Empty(t, f.Jobs(st.Name, types.JobBackupSite))
}

func TestValidateBackupTimes(t *testing.T) {
	assert.NoError(t, ValidateBackupTimes(nil))
	assert.NoError(t, ValidateBackupTimes([]string{"01:00", "13:30", "23:59"}))

	err := ValidateBackupTimes([]string{"01:00", "01:45"})
	assert.True(t, errors.Is(err, ErrInvalidBackupTime))
	assert.ErrorContains(t, err, "same hour")

	assert.True(t, errors.Is(ValidateBackupTimes([]string{"25:00"}), ErrInvalidBackupTime))
	assert.True(t, errors.Is(ValidateBackupTimes([]string{"noon"}), ErrInvalidBackupTime))
}

func TestSetCustomTimes(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	st := f.AddSite(&types.Site{})
	owner := site.Actor{Team: framework.BillingTeam}

	require.NoError(t, svc.SetCustomTimes(ctx, owner, st.Name, false, []string{"18:00", "02:30"}))
	got := f.Site(st.Name)
	assert.True(t, got.ScheduleLogicalBackupAtCustomTime)
	assert.Equal(t, []string{"02:30", "18:00"}, got.LogicalBackupTimes)
	assert.False(t, got.SchedulePhysicalBackupAtCustomTime)

	assert.Error(t, svc.SetCustomTimes(ctx, owner, st.Name, true, []string{"02:00", "02:30"}))
	assert.False(t, f.Site(st.Name).SchedulePhysicalBackupAtCustomTime)

	require.NoError(t, svc.SetCustomTimes(ctx, owner, st.Name, false, nil))
	assert.False(t, f.Site(st.Name).ScheduleLogicalBackupAtCustomTime)

	err := svc.SetCustomTimes(ctx, site.Actor{Team: framework.FreeTeam}, st.Name, false, []string{"01:00"})
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))
}
