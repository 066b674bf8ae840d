package update

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/test/framework"
)

func newTestExecutor(t *testing.T) (*Executor, *framework.Fleet) {
	t.Helper()
	f := framework.NewFleet(t, nil)
	sites := site.NewService(site.Deps{
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
	sites.RegisterHandlers(f.Registry)

	e := NewExecutor(Deps{
		Store:  f.Store,
		Agent:  f.Agent,
		Sites:  sites,
		Clock:  f.Clock,
		Config: f.Settings,
	})
	e.RegisterHandlers(f.Registry)
	return e, f
}

// addDestination stores bench B2 on C2 and the C1 to C2 difference
func addDestination(f *framework.Fleet, deployType types.DeployType) *types.Bench {
	bench := f.AddBench("B2", "C2", f.Clock.Now().Add(-time.Hour))
	f.Update(func(tx storage.Tx) error {
		return tx.PutDeployCandidateDifference(&types.DeployCandidateDifference{
			Name:        "C1-C2",
			Group:       framework.Group,
			Source:      framework.Candidate,
			Destination: "C2",
			Apps:        []types.AppDifference{{App: "erpnext", DeployType: deployType}},
		})
	})
	return bench
}

func getUpdate(t *testing.T, f *framework.Fleet, name string) *types.SiteUpdate {
	t.Helper()
	var update *types.SiteUpdate
	f.View(func(tx storage.Tx) error {
		var err error
		update, err = tx.GetSiteUpdate(name)
		return err
	})
	return update
}

func requestData(t *testing.T, job *types.AgentJob) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(job.RequestData, &data))
	return data
}

func TestUpdateSucceeds(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	assert.Equal(t, types.UpdateStatusPending, update.Status)
	assert.Equal(t, "B2", update.DestinationBench)
	assert.Equal(t, types.DeployTypePull, update.DeployType)
	assert.Equal(t, types.SiteStatusPending, f.Site(st.Name).Status)

	job := f.Job(update.UpdateJob)
	assert.Equal(t, types.JobUpdateSitePull, job.Type)
	assert.Equal(t, "benches/B1/sites/site.example.com/update/pull", job.RequestPath)
	assert.Equal(t, "B2", requestData(t, job)["target"])

	f.Running(ctx, job, "Pull")
	assert.Equal(t, types.SiteStatusUpdating, f.Site(st.Name).Status)
	assert.Equal(t, types.UpdateStatusRunning, getUpdate(t, f, update.Name).Status)

	f.Complete(ctx, job, "")
	updated := f.Site(st.Name)
	assert.Equal(t, "B2", updated.Bench)
	assert.Equal(t, types.SiteStatusActive, updated.Status)
	assert.Equal(t, types.UpdateStatusSuccess, getUpdate(t, f, update.Name).Status)

	// Nowhere left to go
	_, err = e.Create(ctx, site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, ErrNoUpdateAvailable))
}

func TestUpdateKeepsInactiveStatus(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{Status: types.SiteStatusInactive})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Complete(ctx, f.Job(update.UpdateJob), "")
	assert.Equal(t, types.SiteStatusInactive, f.Site(st.Name).Status)
}

func TestFailedUpdateIsRecovered(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	job := f.Job(update.UpdateJob)
	assert.Equal(t, types.JobUpdateSiteMigrate, job.Type)

	f.Running(ctx, job, "Backup Site")
	f.Fail(ctx, job, "Migrate", "Traceback: patch failed")

	assert.Equal(t, types.SiteStatusBroken, f.Site(st.Name).Status)
	failed := getUpdate(t, f, update.Name)
	assert.Equal(t, types.UpdateStatusFailure, failed.Status)
	assert.True(t, failed.Touched)
	require.NotEmpty(t, failed.RecoverJob)

	recovery := f.Job(failed.RecoverJob)
	assert.Equal(t, types.JobUpdateSiteRecoverMove, recovery.Type)
	assert.Equal(t, "benches/B2/sites/site.example.com/update/migrate/recover", recovery.RequestPath)
	data := requestData(t, recovery)
	assert.Equal(t, framework.Bench, data["target"])
	assert.Equal(t, true, data["activate"])

	f.Running(ctx, recovery, "Restore Site")
	assert.Equal(t, types.SiteStatusRecovering, f.Site(st.Name).Status)

	f.Complete(ctx, recovery, "")
	recovered := f.Site(st.Name)
	assert.Equal(t, framework.Bench, recovered.Bench)
	assert.Equal(t, types.SiteStatusActive, recovered.Status)
	assert.Equal(t, types.UpdateStatusRecovered, getUpdate(t, f, update.Name).Status)

	// The same move is not attempted again until the cause is resolved
	_, err = e.Create(ctx, site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, ErrFailedBefore))
	require.NoError(t, e.MarkCauseResolved(ctx, update.Name))
	_, err = e.Create(ctx, site.System, st.Name, Options{})
	assert.NoError(t, err)
}

func TestUpdateFailureReplayIssuesOneRecovery(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Fail(ctx, f.Job(update.UpdateJob), "Migrate", "Traceback: patch failed")

	before := getUpdate(t, f, update.Name)
	require.NotEmpty(t, before.RecoverJob)
	current := f.Site(st.Name)

	job := f.Job(update.UpdateJob)
	f.Update(func(tx storage.Tx) error {
		return f.Registry.Dispatch(ctx, tx, job, types.JobStatusRunning)
	})

	assert.Equal(t, before, getUpdate(t, f, update.Name))
	assert.Equal(t, current, f.Site(st.Name))
	assert.Len(t, f.Jobs(st.Name, types.JobUpdateSiteRecover, types.JobUpdateSiteRecoverMove), 1)
}

func TestFailedRecoveryIsFatal(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Fail(ctx, f.Job(update.UpdateJob), "Migrate", "Traceback")

	recovery := f.Job(getUpdate(t, f, update.Name).RecoverJob)
	f.Fail(ctx, recovery, "Restore Site", "Traceback")

	assert.Equal(t, types.SiteStatusBroken, f.Site(st.Name).Status)
	assert.Equal(t, types.UpdateStatusFatal, getUpdate(t, f, update.Name).Status)
}

func TestFailureBeforeBackupLeavesSiteUntouched(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Fail(ctx, f.Job(update.UpdateJob), stepBackup, "Traceback: disk full")

	unchanged := f.Site(st.Name)
	assert.Equal(t, types.SiteStatusActive, unchanged.Status)
	assert.Equal(t, framework.Bench, unchanged.Bench)
	failed := getUpdate(t, f, update.Name)
	assert.Equal(t, types.UpdateStatusFailure, failed.Status)
	assert.False(t, failed.Touched)
	assert.Empty(t, failed.RecoverJob)
	assert.Empty(t, f.Jobs(st.Name, types.JobUpdateSiteRecover, types.JobUpdateSiteRecoverMove))
}

func TestResolvedFailureBeforeBackupAllowsNewUpdate(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Fail(ctx, f.Job(update.UpdateJob), stepBackup, "Traceback: disk full")
	assert.True(t, getUpdate(t, f, update.Name).Settled())

	_, err = e.Create(ctx, site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, ErrFailedBefore))

	require.NoError(t, e.MarkCauseResolved(ctx, update.Name))
	retried, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, update.Name, retried.Name)
	assert.Equal(t, types.UpdateStatusPending, retried.Status)
}

func TestDeliveryFailureSettlesUpdate(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	job := f.Job(update.UpdateJob)
	job.Status = types.JobStatusDeliveryFailure
	f.Update(func(tx storage.Tx) error {
		return f.Registry.Dispatch(ctx, tx, job, types.JobStatusUndelivered)
	})

	failed := getUpdate(t, f, update.Name)
	assert.Equal(t, types.UpdateStatusFailure, failed.Status)
	assert.True(t, failed.Settled())
	assert.Equal(t, types.SiteStatusActive, f.Site(st.Name).Status)
}

func TestFailureWithoutBackupIsFatal(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{SkipBackups: true})
	require.NoError(t, err)
	assert.Equal(t, true, requestData(t, f.Job(update.UpdateJob))["skip_backups"])

	f.Fail(ctx, f.Job(update.UpdateJob), "Migrate", "Traceback")

	assert.Equal(t, types.SiteStatusBroken, f.Site(st.Name).Status)
	fatal := getUpdate(t, f, update.Name)
	assert.Equal(t, types.UpdateStatusFatal, fatal.Status)
	assert.Empty(t, fatal.RecoverJob)
	assert.Empty(t, f.Jobs(st.Name, types.JobUpdateSiteRecover, types.JobUpdateSiteRecoverMove))
}

func TestRecoverInPlaceWhenSourceIsArchived(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Update(func(tx storage.Tx) error {
		source, err := tx.GetBench(framework.Bench)
		if err != nil {
			return err
		}
		source.Status = types.ServerStatusArchived
		return tx.PutBench(source)
	})
	f.Fail(ctx, f.Job(update.UpdateJob), "Migrate", "Traceback")

	recovery := f.Job(getUpdate(t, f, update.Name).RecoverJob)
	assert.Equal(t, types.JobUpdateSiteRecover, recovery.Type)

	f.Complete(ctx, recovery, "")
	assert.Equal(t, "B2", f.Site(st.Name).Bench)
	assert.Equal(t, types.UpdateStatusRecovered, getUpdate(t, f, update.Name).Status)
}

func TestCreateRefusals(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	st := f.AddSite(&types.Site{})

	_, err := e.Create(ctx, site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, ErrNoUpdateAvailable))

	addDestination(f, types.DeployTypePull)

	_, err = e.Create(ctx, site.Actor{Team: framework.FreeTeam}, st.Name, Options{})
	assert.True(t, errors.Is(err, types.ErrPermissionDenied))

	custom := f.AddSite(&types.Site{Subdomain: "custom", Apps: []string{"frappe", "erpnext", "hrms"}})
	_, err = e.Create(ctx, site.System, custom.Name, Options{})
	assert.True(t, errors.Is(err, ErrMissingApps))

	busy := f.AddSite(&types.Site{Subdomain: "busy", Status: types.SiteStatusInstalling})
	_, err = e.Create(ctx, site.System, busy.Name, Options{})
	assert.True(t, errors.Is(err, types.ErrSiteUnderMaintenance))

	_, err = e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	_, err = e.Create(ctx, site.System, st.Name, Options{})
	assert.True(t, errors.Is(err, types.ErrSiteUnderMaintenance))
}

func TestBeforeMigrateScripts(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypeMigrate)
	f.Update(func(tx storage.Tx) error {
		candidate, err := tx.GetDeployCandidate("C2")
		if err != nil {
			return err
		}
		candidate.Apps = []types.AppRelease{
			{App: "frappe", Hash: "f2", BeforeMigrateScript: "frappe.patch()"},
			{App: "erpnext_next", PreviousName: "erpnext", Hash: "e2", BeforeMigrateScript: "rename()"},
			{App: "hrms", Hash: "h2", BeforeMigrateScript: "hrms.patch()"},
		}
		return tx.PutDeployCandidate(candidate)
	})
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{SkipFailingPatches: true})
	require.NoError(t, err)

	data := requestData(t, f.Job(update.UpdateJob))
	assert.Equal(t, map[string]any{"frappe": "frappe.patch()", "erpnext": "rename()"}, data["before_migrate_scripts"])
	assert.Equal(t, true, data["skip_search_index"])
	assert.Equal(t, true, data["skip_failing_patches"])
}

func TestWorkersReallocatedOnPrivateBench(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	dest := addDestination(f, types.DeployTypePull)
	dest.Public = false
	f.Update(func(tx storage.Tx) error {
		if err := tx.PutBench(dest); err != nil {
			return err
		}
		plan, err := tx.GetPlan(framework.BasicPlan)
		if err != nil {
			return err
		}
		plan.CPUTimePerDay = 10
		return tx.PutPlan(plan)
	})
	st := f.AddSite(&types.Site{})

	update, err := e.Create(ctx, site.System, st.Name, Options{})
	require.NoError(t, err)
	f.Complete(ctx, f.Job(update.UpdateJob), "")

	jobs := f.ServerJobs(framework.AppServer, types.JobUpdateBenchWorkers)
	require.Len(t, jobs, 1)
	assert.Equal(t, "B2", jobs[0].Bench)

	var bench *types.Bench
	f.View(func(tx storage.Tx) error {
		var err error
		bench, err = tx.GetBench("B2")
		return err
	})
	assert.Equal(t, 10.0, bench.WorkloadScore)
	assert.Equal(t, 4, bench.GunicornWorkers)
	assert.Equal(t, 2, bench.BackgroundWorkers)
}

func TestWorkersFor(t *testing.T) {
	tests := []struct {
		workload   float64
		gunicorn   int
		background int
	}{
		{0, 2, 1},
		{10, 4, 2},
		{40, 12, 6},
		{1000, 24, 8},
	}
	for _, tt := range tests {
		g, b := workersFor(tt.workload)
		assert.Equal(t, tt.gunicorn, g, "gunicorn for %v", tt.workload)
		assert.Equal(t, tt.background, b, "background for %v", tt.workload)
	}
}

func TestScheduledUpdate(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Schedule(ctx, site.System, st.Name, f.Clock.Now().Add(time.Hour), Options{})
	require.NoError(t, err)
	assert.Equal(t, types.UpdateStatusScheduled, update.Status)

	require.NoError(t, e.SweepScheduled(ctx))
	assert.Equal(t, types.UpdateStatusScheduled, getUpdate(t, f, update.Name).Status)
	assert.Equal(t, types.SiteStatusActive, f.Site(st.Name).Status)

	f.Clock.Advance(time.Hour)
	require.NoError(t, e.SweepScheduled(ctx))
	started := getUpdate(t, f, update.Name)
	assert.Equal(t, types.UpdateStatusPending, started.Status)
	assert.NotEmpty(t, started.UpdateJob)
	assert.Equal(t, types.SiteStatusPending, f.Site(st.Name).Status)
}

func TestScheduledUpdateCancelledWhenStale(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	dest := addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Schedule(ctx, site.System, st.Name, f.Clock.Now(), Options{})
	require.NoError(t, err)

	dest.Status = types.ServerStatusBroken
	f.Update(func(tx storage.Tx) error { return tx.PutBench(dest) })

	require.NoError(t, e.SweepScheduled(ctx))
	assert.Equal(t, types.UpdateStatusCancelled, getUpdate(t, f, update.Name).Status)
	assert.Empty(t, f.Jobs(st.Name, types.JobUpdateSitePull))
}

func TestCancelScheduledUpdate(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Schedule(ctx, site.System, st.Name, f.Clock.Now().Add(time.Hour), Options{})
	require.NoError(t, err)

	// Someone else is working on the site
	unlock := e.sites.Locks().Lock(st.Name)
	err = e.Cancel(ctx, site.System, update.Name)
	unlock()
	assert.True(t, errors.Is(err, types.ErrUpdateInProgress))
	assert.Equal(t, types.UpdateStatusScheduled, getUpdate(t, f, update.Name).Status)

	assert.True(t, errors.Is(e.Cancel(ctx, site.Actor{Team: framework.FreeTeam}, update.Name), types.ErrPermissionDenied))

	require.NoError(t, e.Cancel(ctx, site.Actor{Team: framework.BillingTeam}, update.Name))
	assert.Equal(t, types.UpdateStatusCancelled, getUpdate(t, f, update.Name).Status)

	f.Clock.Advance(time.Hour)
	require.NoError(t, e.SweepScheduled(ctx))
	assert.Equal(t, types.UpdateStatusCancelled, getUpdate(t, f, update.Name).Status)
	assert.Equal(t, types.SiteStatusActive, f.Site(st.Name).Status)
}

func TestCancelAfterStart(t *testing.T) {
	ctx := context.Background()
	e, f := newTestExecutor(t)
	addDestination(f, types.DeployTypePull)
	st := f.AddSite(&types.Site{})

	update, err := e.Schedule(ctx, site.System, st.Name, f.Clock.Now(), Options{})
	require.NoError(t, err)
	require.NoError(t, e.SweepScheduled(ctx))

	err = e.Cancel(ctx, site.System, update.Name)
	assert.True(t, errors.Is(err, types.ErrUpdateInProgress))
	assert.Equal(t, types.UpdateStatusPending, getUpdate(t, f, update.Name).Status)
}
