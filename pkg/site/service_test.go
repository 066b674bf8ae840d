package site

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/test/framework"
)

var testNow = framework.Epoch

type recorder struct {
	sites []string
}

func (r *recorder) EnqueueRecover(ctx context.Context, tx storage.Tx, site *types.Site) error {
	r.sites = append(r.sites, site.Name)
	return nil
}

func newTestService(t *testing.T) (*Service, *framework.Fleet) {
	t.Helper()
	f := framework.NewFleet(t, nil)
	svc := NewService(Deps{
		Store:    f.Store,
		Agent:    f.Agent,
		Locks:    f.Locks,
		DNS:      f.DNSRegistry,
		Offsite:  f.Offsite,
		Capacity: capacity.NewChecker(f.Agent, f.Clock, capacity.Config{}),
		Secrets:  f.Secrets,
		Clock:    f.Clock,
		Config:   f.Settings,
	})
	svc.RegisterHandlers(f.Registry)
	return svc, f
}

func TestValidateSubdomain(t *testing.T) {
	assert.NoError(t, ValidateSubdomain("acme"))
	assert.NoError(t, ValidateSubdomain("acme-erp-01"))
	assert.Error(t, ValidateSubdomain("ab"))
	assert.Error(t, ValidateSubdomain("-acme"))
	assert.Error(t, ValidateSubdomain("acme-"))
	assert.Error(t, ValidateSubdomain("Acme"))
	assert.Error(t, ValidateSubdomain(strings.Repeat("a", 33)))
}

func TestOrderApps(t *testing.T) {
	assert.Equal(t, []string{"frappe", "erpnext", "hrms"}, OrderApps([]string{"erpnext", "frappe", "hrms", "erpnext"}))
	assert.Equal(t, []string{"frappe"}, OrderApps(nil))
}

func TestCreateSiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)

	site, err := svc.Create(ctx, Actor{Team: framework.BillingTeam}, CreateRequest{
		Subdomain: "acme",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Plan:      framework.BasicPlan,
		Apps:      []string{"erpnext"},
		Config:    map[string]any{"db_name": "nope", "developer_mode": 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "acme.example.com", site.Name)
	assert.Equal(t, types.SiteStatusPending, site.Status)
	assert.Equal(t, framework.Bench, site.Bench)
	assert.Equal(t, []string{"frappe", "erpnext"}, site.Apps)
	assert.NotContains(t, site.Config, "db_name")
	assert.Equal(t, "https://acme.example.com", site.Config["host_name"])
	assert.True(t, site.TrialEndDate.IsZero())

	password, err := f.Secrets.DecryptString(site.AdminPassword)
	require.NoError(t, err)
	assert.Len(t, password, 16)

	check.DNSRecord("acme.example.com", types.DNSRecordCNAME, framework.ProxyServer)
	check.DomainStatus("acme.example.com", types.DomainStatusPending)

	newSite := f.LastJob(site.Name, types.JobNewSite)
	upstream := f.LastJob(site.Name, types.JobAddSiteToUpstream)
	assert.Equal(t, framework.AppServer, newSite.Server)
	assert.Equal(t, framework.ProxyServer, upstream.Server)
	assert.Equal(t, newSite.ReferenceName, upstream.ReferenceName)

	f.Running(ctx, newSite, "Install Apps")
	check.SiteStatus(site.Name, types.SiteStatusInstalling)

	f.Complete(ctx, newSite, "")
	check.SiteStatus(site.Name, types.SiteStatusInstalling)

	f.Complete(ctx, upstream, "")
	check.SiteStatus(site.Name, types.SiteStatusActive)
	check.DomainStatus(site.Name, types.DomainStatusActive)
}

func TestCreateSiteFailure(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)

	site, err := svc.Create(ctx, Actor{Team: framework.FreeTeam}, CreateRequest{
		Subdomain: "trial",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Plan:      framework.TrialPlan,
	})
	require.NoError(t, err)
	assert.Equal(t, testNow.AddDate(0, 0, trialDays), site.TrialEndDate)

	f.Fail(ctx, f.LastJob(site.Name, types.JobNewSite), "Install Apps", "Traceback: boom")
	check.SiteStatus(site.Name, types.SiteStatusBroken)
	assert.Equal(t, testNow, f.Site(site.Name).CreationFailed)

	// The other half finishing does not revive the pair
	f.Complete(ctx, f.LastJob(site.Name, types.JobAddSiteToUpstream), "")
	check.SiteStatus(site.Name, types.SiteStatusBroken)
}

func TestCreateSiteValidation(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	base := CreateRequest{
		Subdomain: "acme",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Plan:      framework.BasicPlan,
	}

	req := base
	req.Apps = []string{"hrms"}
	_, err := svc.Create(ctx, System, req)
	assert.ErrorContains(t, err, "not available")

	req = base
	req.Domain = "elsewhere.test"
	_, err = svc.Create(ctx, System, req)
	assert.Error(t, err)

	req = base
	req.Team = framework.FreeTeam
	_, err = svc.Create(ctx, Actor{Team: framework.BillingTeam}, req)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	req = base
	req.Team = framework.BillingTeam
	_, err = svc.Create(ctx, System, req)
	require.NoError(t, err)
	_, err = svc.Create(ctx, System, req)
	assert.ErrorContains(t, err, "already exists")

	assert.Empty(t, f.Jobs("elsewhere.test"))
}

func TestArchiveReleasesBackupsAndDomains(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)

	site := f.AddSite(&types.Site{Subdomain: "old"})
	require.NoError(t, f.DNS.Upsert(ctx, site.Name, types.DNSRecordCNAME, framework.ProxyServer))

	day := 24 * time.Hour
	f.AddBackup(&types.SiteBackup{
		Name: "newest", Site: site.Name, Offsite: true, Bucket: "backups",
		RemoteDatabaseFile: "old/newest/db.sql.gz", Creation: testNow.Add(-day),
	})
	f.AddBackup(&types.SiteBackup{
		Name: "older", Site: site.Name, Offsite: true, Bucket: "backups",
		RemoteDatabaseFile: "old/older/db.sql.gz", RemotePublicFile: "old/older/files.tar", Creation: testNow.Add(-2 * day),
	})
	f.AddBackup(&types.SiteBackup{
		Name: "snap", Site: site.Name, Physical: true, DatabaseSnapshot: "snap-1", Creation: testNow.Add(-3 * day),
	})
	f.AddBackup(&types.SiteBackup{Name: "local", Site: site.Name, Creation: testNow.Add(-4 * day)})
	f.Update(func(tx storage.Tx) error {
		return tx.PutVirtualDiskSnapshot(&types.VirtualDiskSnapshot{Name: "snap-1", Server: framework.DBServer, Status: types.SnapshotStatusCompleted})
	})

	require.NoError(t, svc.Archive(ctx, Actor{Team: framework.BillingTeam}, site.Name, false))
	check.SiteStatus(site.Name, types.SiteStatusActive)
	archive := f.LastJob(site.Name, types.JobArchiveSite)
	upstream := f.LastJob(site.Name, types.JobRemoveSiteFromUpstream)

	// A second archive while the first is in flight is refused
	assert.Error(t, svc.Archive(ctx, System, site.Name, false))

	f.Complete(ctx, archive, "")
	f.Complete(ctx, upstream, "")

	archived := f.Site(site.Name)
	assert.Equal(t, types.SiteStatusArchived, archived.Status)
	assert.Empty(t, archived.HostName)
	assert.True(t, archived.SubscriptionsDisabled)
	check.NoDNSRecord(site.Name)

	f.View(func(tx storage.Tx) error {
		domains, err := tx.ListSiteDomains(site.Name)
		require.NoError(t, err)
		assert.Empty(t, domains)

		availability := map[string]types.Availability{}
		backups, err := tx.ListSiteBackupsBySite(site.Name)
		require.NoError(t, err)
		for _, b := range backups {
			availability[b.Name] = b.FilesAvailability
		}
		assert.Equal(t, map[string]types.Availability{
			"newest": types.Available,
			"older":  types.Unavailable,
			"snap":   types.Unavailable,
			"local":  types.Unavailable,
		}, availability)

		snapshot, err := tx.GetVirtualDiskSnapshot("snap-1")
		require.NoError(t, err)
		assert.True(t, snapshot.Expired)
		return nil
	})
	assert.Len(t, f.ServerJobs(framework.DBServer, types.JobDeleteSnapshot), 1)
	assert.Equal(t, []string{"old/newest/db.sql.gz"}, f.Offsite.Keys("backups", "old/"))

	err := svc.Archive(ctx, System, site.Name, false)
	assert.ErrorIs(t, err, types.ErrSiteAlreadyArchived)
}

func TestArchiveFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "stuck"})

	assert.Error(t, svc.RetryArchive(ctx, System, site.Name))

	require.NoError(t, svc.Archive(ctx, System, site.Name, false))
	f.Fail(ctx, f.LastJob(site.Name, types.JobArchiveSite), "Archive Site", "drop failed")
	check.SiteStatus(site.Name, types.SiteStatusActive)
	assert.True(t, f.Site(site.Name).ArchiveFailed)

	f.Complete(ctx, f.LastJob(site.Name, types.JobRemoveSiteFromUpstream), "")
	f.Advance(time.Minute)
	require.NoError(t, svc.RetryArchive(ctx, System, site.Name))
	assert.False(t, f.Site(site.Name).ArchiveFailed)

	retry := f.LastJob(site.Name, types.JobArchiveSite)
	assert.Contains(t, string(retry.RequestData), `"force":true`)
	f.Complete(ctx, retry, "")
	f.Complete(ctx, f.LastJob(site.Name, types.JobRemoveSiteFromUpstream), "")
	check.SiteStatus(site.Name, types.SiteStatusArchived)
}

func TestArchiveRefusedDuringMaintenance(t *testing.T) {
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "busy", Status: types.SiteStatusUpdating})

	err := svc.Archive(context.Background(), System, site.Name, false)
	assert.ErrorIs(t, err, types.ErrSiteUnderMaintenance)
	assert.NoError(t, svc.Archive(context.Background(), System, site.Name, true))
}

func TestPermissionDenied(t *testing.T) {
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "mine"})

	err := svc.Deactivate(context.Background(), Actor{Team: framework.FreeTeam}, site.Name)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
	assert.Empty(t, f.Jobs(site.Name))
}

func TestRenameMovesRecords(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)

	site := f.AddSite(&types.Site{Subdomain: "before"})
	require.NoError(t, f.DNS.Upsert(ctx, site.Name, types.DNSRecordCNAME, framework.ProxyServer))
	f.AddBackup(&types.SiteBackup{Name: "b1", Site: site.Name, Creation: testNow.Add(-time.Hour)})

	require.NoError(t, svc.Rename(ctx, System, site.Name, "after"))
	rename := f.LastJob(site.Name, types.JobRenameSite)
	upstream := f.LastJob(site.Name, types.JobRenameSiteOnUpstream)
	assert.Contains(t, string(rename.RequestData), "after.example.com")

	f.Complete(ctx, rename, "")
	check.SiteStatus(site.Name, types.SiteStatusActive)

	f.Complete(ctx, upstream, "")
	renamed := f.Site("after.example.com")
	assert.Equal(t, "after", renamed.Subdomain)
	assert.Equal(t, "after.example.com", renamed.HostName)
	assert.Equal(t, "https://after.example.com", renamed.Config["host_name"])

	f.View(func(tx storage.Tx) error {
		_, err := tx.GetSite(site.Name)
		assert.True(t, errors.Is(err, types.ErrNotFound))

		domain, err := tx.GetSiteDomain("after.example.com")
		require.NoError(t, err)
		assert.Equal(t, "after.example.com", domain.Site)
		_, err = tx.GetSiteDomain(site.Name)
		assert.True(t, errors.Is(err, types.ErrNotFound))

		backup, err := tx.GetSiteBackup("b1")
		require.NoError(t, err)
		assert.Equal(t, "after.example.com", backup.Site)
		return nil
	})
	check.NoDNSRecord(site.Name)
	check.DNSRecord("after.example.com", types.DNSRecordCNAME, framework.ProxyServer)
}

func TestSuspendAndUnsuspend(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "pause"})

	require.NoError(t, svc.Suspend(ctx, System, site.Name, ReasonManual))
	suspended := f.Site(site.Name)
	assert.Equal(t, types.SiteStatusSuspended, suspended.Status)
	assert.Equal(t, ReasonManual, suspended.SuspendReason)
	assert.True(t, suspended.SubscriptionsDisabled)
	assert.EqualValues(t, 1, suspended.Config["maintenance_mode"])

	status := f.LastJob(site.Name, types.JobUpdateSiteStatus)
	assert.Equal(t, framework.ProxyServer, status.Server)
	assert.Contains(t, string(status.RequestData), ProxySuspended)
	check.JobCount(site.Name, types.JobUpdateSiteConfig, 1)

	// Suspending again changes nothing
	require.NoError(t, svc.Suspend(ctx, System, site.Name, ReasonManual))
	check.JobCount(site.Name, types.JobUpdateSiteStatus, 1)

	// A different reason does not lift it
	require.NoError(t, svc.Unsuspend(ctx, System, site.Name, ReasonUsageExceeded))
	check.SiteStatus(site.Name, types.SiteStatusSuspended)

	require.NoError(t, svc.Unsuspend(ctx, System, site.Name, ""))
	active := f.Site(site.Name)
	assert.Equal(t, types.SiteStatusActive, active.Status)
	assert.Empty(t, active.SuspendReason)
	assert.EqualValues(t, 0, active.Config["maintenance_mode"])
	check.JobCount(site.Name, types.JobUpdateSiteStatus, 2)
	check.JobCount(site.Name, types.JobUpdateSiteConfig, 2)
}

func TestDeactivateAndActivate(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "idle"})

	require.NoError(t, svc.Deactivate(ctx, System, site.Name))
	check.SiteStatus(site.Name, types.SiteStatusInactive)
	assert.Contains(t, string(f.LastJob(site.Name, types.JobUpdateSiteStatus).RequestData), `"status":"deactivated"`)

	f.Advance(time.Minute)
	require.NoError(t, svc.Activate(ctx, System, site.Name))
	check.SiteStatus(site.Name, types.SiteStatusActive)
	assert.Contains(t, string(f.LastJob(site.Name, types.JobUpdateSiteStatus).RequestData), `"status":"activated"`)
}

func TestDeactivateRefusedDuringMaintenance(t *testing.T) {
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "moving", Status: types.SiteStatusUpdating})

	err := svc.Deactivate(context.Background(), System, site.Name)
	assert.ErrorIs(t, err, types.ErrSiteUnderMaintenance)
	check.SiteStatus(site.Name, types.SiteStatusUpdating)
	assert.Empty(t, f.Jobs(site.Name))
}

func TestSetPlanLiftsUsageSuspension(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{
		Subdomain:         "heavy",
		Team:              framework.FreeTeam,
		Status:            types.SiteStatusSuspended,
		SuspendReason:     ReasonUsageExceeded,
		DiskUsedMB:        1500,
		DatabaseUsedMB:    300,
		CurrentDiskUsage:  150,
		SiteUsageExceeded: true,
	})

	err := svc.SetPlan(ctx, Actor{Team: framework.FreeTeam}, site.Name, framework.ProPlan)
	assert.ErrorIs(t, err, types.ErrCannotChangePlan)

	require.NoError(t, svc.SetPlan(ctx, System, site.Name, framework.ProPlan))
	updated := f.Site(site.Name)
	assert.Equal(t, framework.ProPlan, updated.Plan)
	assert.False(t, updated.SiteUsageExceeded)
	assert.InDelta(t, 15, updated.CurrentDiskUsage, 0.01)
	check.SiteStatus(site.Name, types.SiteStatusActive)
}

func TestSetPlanKeepsOtherSuspensions(t *testing.T) {
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{
		Subdomain:     "expired",
		Status:        types.SiteStatusSuspended,
		SuspendReason: ReasonTrialExpired,
	})

	require.NoError(t, svc.SetPlan(context.Background(), Actor{Team: framework.BillingTeam}, site.Name, framework.BasicPlan))
	framework.NewAssertions(t, f).SiteStatus(site.Name, types.SiteStatusSuspended)
}

func TestRestoreReportsApps(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "restore", Apps: []string{"frappe"}})
	f.AddBackup(&types.SiteBackup{
		Name: "good", Site: site.Name, Offsite: true, Bucket: "backups",
		RemoteDatabaseFile: "restore/db.sql.gz", DatabaseSizeBytes: 1 << 20,
	})

	require.NoError(t, svc.Restore(ctx, System, site.Name, "good", false))
	check.SiteStatus(site.Name, types.SiteStatusPending)
	job := f.LastJob(site.Name, types.JobRestoreSite)
	assert.Equal(t, "restore/db.sql.gz", job.RequestFiles["database"])

	// Under maintenance nothing else may start
	assert.ErrorIs(t, svc.Reinstall(ctx, System, site.Name), types.ErrSiteUnderMaintenance)

	f.Running(ctx, job, "Restore Database")
	check.SiteStatus(site.Name, types.SiteStatusInstalling)

	data, err := json.Marshal(map[string]any{"apps": []string{"hrms", "erpnext", "frappe"}})
	require.NoError(t, err)
	f.Complete(ctx, job, string(data))

	restored := f.Site(site.Name)
	assert.Equal(t, types.SiteStatusActive, restored.Status)
	assert.Equal(t, []string{"frappe", "erpnext"}, restored.Apps)
}

func TestRestoreRejectsForeignBackup(t *testing.T) {
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "mine"})
	f.AddBackup(&types.SiteBackup{Name: "theirs", Site: "other.example.com"})

	assert.Error(t, svc.Restore(context.Background(), System, site.Name, "theirs", false))
	framework.NewAssertions(t, f).SiteStatus(site.Name, types.SiteStatusActive)
}

func TestMoveToBench(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "mover"})
	f.AddBench("B2", "C2", testNow.Add(-time.Hour))

	require.NoError(t, svc.MoveToBench(ctx, System, site.Name, "B2", false))
	check.SiteStatus(site.Name, types.SiteStatusPending)

	job := f.LastJob(site.Name, types.JobMoveSiteToBench)
	f.Running(ctx, job, "Move Site")
	check.SiteStatus(site.Name, types.SiteStatusUpdating)
	f.Complete(ctx, job, "")

	moved := f.Site(site.Name)
	assert.Equal(t, types.SiteStatusActive, moved.Status)
	assert.Equal(t, "B2", moved.Bench)
}

func TestInstallAndUninstallApp(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "apps", Apps: []string{"frappe"}})

	assert.Error(t, svc.InstallApp(ctx, System, site.Name, "hrms"))
	require.NoError(t, svc.InstallApp(ctx, System, site.Name, "erpnext"))
	f.Complete(ctx, f.LastJob(site.Name, types.JobInstallAppOnSite), "")
	assert.Equal(t, []string{"frappe", "erpnext"}, f.Site(site.Name).Apps)

	assert.Error(t, svc.UninstallApp(ctx, System, site.Name, "frappe"))
	require.NoError(t, svc.UninstallApp(ctx, System, site.Name, "erpnext"))
	f.Complete(ctx, f.LastJob(site.Name, types.JobUninstallAppFromSite), "")
	assert.Equal(t, []string{"frappe"}, f.Site(site.Name).Apps)
}

func TestUpdateConfigRejectsReservedKeys(t *testing.T) {
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "conf"})

	assert.Error(t, svc.UpdateConfig(context.Background(), System, site.Name, map[string]any{"db_password": "x"}))
	require.NoError(t, svc.UpdateConfig(context.Background(), System, site.Name, map[string]any{"mute_emails": 1}))
	assert.EqualValues(t, 1, f.Site(site.Name).Config["mute_emails"])
}

func TestCustomDomain(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	check := framework.NewAssertions(t, f)
	site := f.AddSite(&types.Site{Subdomain: "shop"})

	require.NoError(t, svc.AddDomain(ctx, System, site.Name, "ERP.Acme.test."))
	f.View(func(tx storage.Tx) error {
		cert, err := tx.GetTLSCertificate("erp.acme.test")
		require.NoError(t, err)
		assert.Equal(t, types.CertificateStatusPending, cert.Status)
		return nil
	})

	add := f.LastJob(site.Name, types.JobAddDomain)
	f.Running(ctx, add, "Add Domain")
	check.DomainStatus("erp.acme.test", types.DomainStatusInProgress)
	f.Complete(ctx, add, "")

	// The proxy route arrives with the certificate
	f.Update(func(tx storage.Tx) error {
		_, err := f.Agent.NewHost(tx, framework.ProxyServer, site, "erp.acme.test", agent.TLSBundle{})
		return err
	})
	f.Complete(ctx, f.LastJob(site.Name, types.JobNewHost), "")
	check.DomainStatus("erp.acme.test", types.DomainStatusActive)

	require.NoError(t, svc.SetPrimaryDomain(ctx, System, site.Name, "erp.acme.test"))
	primary := f.Site(site.Name)
	assert.Equal(t, "erp.acme.test", primary.HostName)
	assert.Equal(t, "https://erp.acme.test", primary.Config["host_name"])

	assert.Error(t, svc.AddDomain(ctx, System, site.Name, "erp.acme.test"))
}

func TestApplyEnqueuesRecovery(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)
	site := f.AddSite(&types.Site{Subdomain: "failing", Status: types.SiteStatusUpdating})

	err := f.Store.Update(func(tx storage.Tx) error {
		_, err := svc.Apply(ctx, tx, site, Event{Kind: EventUpdateFailed, Recoverable: true})
		return err
	})
	assert.ErrorContains(t, err, "no recoverer")
	framework.NewAssertions(t, f).SiteStatus(site.Name, types.SiteStatusUpdating)

	rec := &recorder{}
	svc.SetRecoverer(rec)
	f.Update(func(tx storage.Tx) error {
		_, err := svc.Apply(ctx, tx, site, Event{Kind: EventUpdateFailed, Recoverable: true})
		return err
	})
	assert.Equal(t, []string{site.Name}, rec.sites)
	framework.NewAssertions(t, f).SiteStatus(site.Name, types.SiteStatusBroken)
}

func TestRenameRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)

	site := f.AddSite(&types.Site{Subdomain: "there"})
	original := f.Site(site.Name)

	rename := func(from, to string) {
		t.Helper()
		require.NoError(t, svc.Rename(ctx, System, from, to))
		f.Complete(ctx, f.LastJob(from, types.JobRenameSite), "")
		f.Complete(ctx, f.LastJob(from, types.JobRenameSiteOnUpstream), "")
		f.Advance(time.Minute)
	}
	rename(site.Name, "back")
	rename("back.example.com", "there")

	restored := f.Site(site.Name)
	require.NotNil(t, restored)
	restored.Modified = original.Modified
	assert.Equal(t, original, restored)

	f.View(func(tx storage.Tx) error {
		domain, err := tx.GetSiteDomain(site.Name)
		require.NoError(t, err)
		assert.Equal(t, site.Name, domain.Site)
		_, err = tx.GetSite("back.example.com")
		assert.True(t, errors.Is(err, types.ErrNotFound))
		return nil
	})
}

// replay dispatches the stored job's current status to its callbacks again
func replay(t *testing.T, f *framework.Fleet, job *types.AgentJob) {
	t.Helper()
	stored := f.Job(job.ID)
	f.Update(func(tx storage.Tx) error {
		return f.Registry.Dispatch(context.Background(), tx, stored, stored.Status)
	})
}

func TestNewSiteCallbackReplay(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)

	site, err := svc.Create(ctx, Actor{Team: framework.BillingTeam}, CreateRequest{
		Subdomain: "again",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Plan:      framework.BasicPlan,
	})
	require.NoError(t, err)
	newSite := f.LastJob(site.Name, types.JobNewSite)
	upstream := f.LastJob(site.Name, types.JobAddSiteToUpstream)
	f.Complete(ctx, newSite, "")
	f.Complete(ctx, upstream, "")

	before := f.Site(site.Name)
	require.Equal(t, types.SiteStatusActive, before.Status)
	jobs := len(f.Jobs(site.Name))

	replay(t, f, newSite)
	replay(t, f, upstream)

	assert.Equal(t, before, f.Site(site.Name))
	assert.Len(t, f.Jobs(site.Name), jobs)

	next, effects, err := Transition(*before, Event{Kind: EventInstalled})
	require.NoError(t, err)
	assert.Empty(t, effects)
	assert.Equal(t, before.Status, next.Status)
}

func TestFailedInstallCallbackReplay(t *testing.T) {
	ctx := context.Background()
	svc, f := newTestService(t)

	site, err := svc.Create(ctx, Actor{Team: framework.BillingTeam}, CreateRequest{
		Subdomain: "broken",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Plan:      framework.BasicPlan,
	})
	require.NoError(t, err)
	newSite := f.LastJob(site.Name, types.JobNewSite)
	f.Fail(ctx, newSite, "Install Apps", "Traceback: boom")

	before := f.Site(site.Name)
	require.Equal(t, types.SiteStatusBroken, before.Status)

	f.Advance(time.Hour)
	replay(t, f, newSite)

	after := f.Site(site.Name)
	assert.Equal(t, before, after)
	assert.Equal(t, testNow, after.CreationFailed)
}
