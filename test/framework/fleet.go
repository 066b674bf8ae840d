package framework

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/dns"
	"github.com/cuemby/press/pkg/offsite"
	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Fleet is an in-process control plane over a fake agent: one app server
// behind one proxy, a public release group with one bench, and the plans
// and teams most tests need. Domain services are built on top of it by the
// tests themselves.
type Fleet struct {
	Config *FleetConfig

	Store       storage.Store
	Clock       *clock.Fake
	Transport   *agent.FakeTransport
	Agent       *agent.Client
	Dispatcher  *agent.Dispatcher
	Registry    *poller.Registry
	Poller      *poller.Poller
	Locks       *storage.KeyedMutex
	DNS         *dns.MemoryProvider
	DNSRegistry *dns.Registry
	Offsite     *offsite.MemoryStore
	Secrets     *security.SecretsManager
	Settings    *config.Config

	t TestingT
}

// NewFleet creates a seeded fleet in a temporary store
func NewFleet(t TestingT, cfg *FleetConfig) *Fleet {
	t.Helper()
	if cfg == nil {
		cfg = DefaultFleetConfig()
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	secrets, err := security.NewSecretsManagerFromPassword("fleet-secret")
	if err != nil {
		t.Fatalf("Failed to create secrets manager: %v", err)
	}

	clk := clock.NewFake(Epoch)
	transport := agent.NewFakeTransport()
	registry := poller.NewRegistry()
	locks := storage.NewKeyedMutex()
	records := dns.NewMemoryProvider()
	providers := dns.NewRegistry()
	providers.Register("memory", records)

	settings := config.Default()
	settings.Offsite = config.OffsiteConfig{Provider: "memory", Bucket: "backups"}

	f := &Fleet{
		Config:      cfg,
		Store:       store,
		Clock:       clk,
		Transport:   transport,
		Agent:       agent.NewClient(clk),
		Dispatcher:  agent.NewDispatcher(store, transport, nil, nil, clk, agent.DispatcherConfig{MaxAttempts: cfg.MaxDeliveryAttempts}),
		Registry:    registry,
		Poller:      poller.New(store, transport, registry, locks, clk, poller.Config{Parallelism: cfg.PollerParallelism}),
		Locks:       locks,
		DNS:         records,
		DNSRegistry: providers,
		Offsite:     offsite.NewMemoryStore(),
		Secrets:     secrets,
		Settings:    settings,
		t:           t,
	}
	f.seed()
	return f
}

func (f *Fleet) seed() {
	f.Update(Seed)
}

// Seed stores the fleet topology, plans, teams and release group every
// fleet starts with. Tests that build their own store seed it with this.
func Seed(tx storage.Tx) error {
	created := Epoch.Add(-48 * time.Hour)
	servers := []*types.Server{
		{Name: ProxyServer, Kind: types.ServerKindProxy, Status: types.ServerStatusActive, IP: "10.0.0.2", Public: true, Address: "https://" + ProxyServer},
		{Name: DBServer, Kind: types.ServerKindDatabase, Status: types.ServerStatusActive, IP: "10.0.0.3", Public: true, Address: "https://" + DBServer},
		{
			Name:           AppServer,
			Kind:           types.ServerKindApp,
			Status:         types.ServerStatusActive,
			Address:        "https://" + AppServer,
			IP:             "10.0.0.1",
			Public:         true,
			ProxyServer:    ProxyServer,
			DatabaseServer: DBServer,
			DiskGB:         500,
			DiskUsedGB:     100,
		},
	}
	for _, s := range servers {
		if err := tx.PutServer(s); err != nil {
			return err
		}
	}
	if err := tx.PutRootDomain(&types.RootDomain{Name: Domain, DNSProvider: "memory", DefaultProxy: ProxyServer}); err != nil {
		return err
	}

	plans := []*types.Plan{
		{Name: TrialPlan, IsTrial: true, MaxStorageMB: 1000, MaxDatabaseMB: 500},
		{Name: BasicPlan, MaxStorageMB: 1000, MaxDatabaseMB: 500, OffsiteBackups: true},
		{Name: ProPlan, MaxStorageMB: 10000, MaxDatabaseMB: 5000, OffsiteBackups: true, AllowPhysicalBackup: true},
	}
	for _, p := range plans {
		if err := tx.PutPlan(p); err != nil {
			return err
		}
	}
	for _, team := range []*types.Team{
		{Name: BillingTeam, Email: "ops@acme.test", Timezone: "UTC", BillingEnabled: true},
		{Name: FreeTeam, Email: "owner@free.test", Timezone: "UTC"},
	} {
		if err := tx.PutTeam(team); err != nil {
			return err
		}
	}

	if err := tx.PutReleaseGroup(&types.ReleaseGroup{Name: Group, Title: "Version 15", Public: true, Servers: []string{AppServer}}); err != nil {
		return err
	}
	if err := tx.PutDeployCandidate(&types.DeployCandidate{
		Name:          Candidate,
		Group:         Group,
		FrappeVersion: 15,
		Apps:          []types.AppRelease{{App: "frappe", Hash: "f1"}, {App: "erpnext", Hash: "e1"}},
		Creation:      created,
	}); err != nil {
		return err
	}
	return tx.PutBench(&types.Bench{
		Name:              Bench,
		Group:             Group,
		Candidate:         Candidate,
		Server:            AppServer,
		Status:            types.ServerStatusActive,
		Public:            true,
		Apps:              []types.BenchApp{{App: "frappe", Hash: "f1"}, {App: "erpnext", Hash: "e1"}},
		GunicornWorkers:   2,
		BackgroundWorkers: 1,
		Creation:          created,
	})
}

// Update runs fn in a write transaction and fails the test on error
func (f *Fleet) Update(fn func(tx storage.Tx) error) {
	f.t.Helper()
	if err := f.Store.Update(fn); err != nil {
		f.t.Fatalf("Update failed: %v", err)
	}
}

// View runs fn in a read transaction and fails the test on error
func (f *Fleet) View(fn func(tx storage.Tx) error) {
	f.t.Helper()
	if err := f.Store.View(fn); err != nil {
		f.t.Fatalf("View failed: %v", err)
	}
}

// AddSite stores an Active site on B1 with the defaults filled in
func (f *Fleet) AddSite(site *types.Site) *types.Site {
	f.t.Helper()
	if site.Subdomain == "" {
		site.Subdomain = "site"
	}
	if site.Domain == "" {
		site.Domain = Domain
	}
	site.Name = site.Subdomain + "." + site.Domain
	defaults := []struct {
		field *string
		value string
	}{
		{&site.Bench, Bench},
		{&site.Group, Group},
		{&site.Server, AppServer},
		{&site.Team, BillingTeam},
		{&site.Plan, BasicPlan},
		{&site.HostName, site.Name},
	}
	for _, d := range defaults {
		if *d.field == "" {
			*d.field = d.value
		}
	}
	if site.Status == "" {
		site.Status = types.SiteStatusActive
	}
	if site.Apps == nil {
		site.Apps = []string{"frappe", "erpnext"}
	}
	if site.Config == nil {
		site.Config = map[string]any{"host_name": "https://" + site.Name}
	}
	if site.AdminPassword == nil {
		encrypted, err := f.Secrets.EncryptString("admin")
		if err != nil {
			f.t.Fatalf("Failed to encrypt password: %v", err)
		}
		site.AdminPassword = encrypted
	}
	if site.Creation.IsZero() {
		site.Creation = f.Clock.Now().Add(-24 * time.Hour)
	}

	f.Update(func(tx storage.Tx) error {
		if err := tx.PutSite(site); err != nil {
			return err
		}
		return tx.PutSiteDomain(&types.SiteDomain{
			Name:    site.Name,
			Site:    site.Name,
			Team:    site.Team,
			Status:  types.DomainStatusActive,
			DNSType: types.DNSRecordCNAME,
		})
	})
	return site
}

// AddBackup stores a backup, Success and Available unless set, and uploads
// a placeholder object for each of its remote keys
func (f *Fleet) AddBackup(backup *types.SiteBackup) *types.SiteBackup {
	f.t.Helper()
	if backup.Status == "" {
		backup.Status = types.BackupStatusSuccess
	}
	if backup.FilesAvailability == "" {
		backup.FilesAvailability = types.Available
	}
	f.Update(func(tx storage.Tx) error { return tx.PutSiteBackup(backup) })
	for _, key := range backup.RemoteKeys() {
		if err := f.Offsite.Put(context.Background(), backup.Bucket, key, strings.NewReader("dump"), "application/gzip"); err != nil {
			f.t.Fatalf("Failed to upload %s: %v", key, err)
		}
	}
	return backup
}

// AddBench stores an Active bench of G1 on app-1 running candidate
func (f *Fleet) AddBench(name, candidate string, created time.Time, apps ...string) *types.Bench {
	f.t.Helper()
	if len(apps) == 0 {
		apps = []string{"frappe", "erpnext"}
	}
	bench := &types.Bench{
		Name:              name,
		Group:             Group,
		Candidate:         candidate,
		Server:            AppServer,
		Status:            types.ServerStatusActive,
		Public:            true,
		GunicornWorkers:   2,
		BackgroundWorkers: 1,
		Creation:          created,
	}
	release := make([]types.AppRelease, 0, len(apps))
	for _, app := range apps {
		bench.Apps = append(bench.Apps, types.BenchApp{App: app, Hash: candidate})
		release = append(release, types.AppRelease{App: app, Hash: candidate})
	}
	f.Update(func(tx storage.Tx) error {
		if _, err := tx.GetDeployCandidate(candidate); err != nil {
			if err := tx.PutDeployCandidate(&types.DeployCandidate{
				Name:          candidate,
				Group:         Group,
				FrappeVersion: 15,
				Apps:          release,
				Creation:      created,
			}); err != nil {
				return err
			}
		}
		return tx.PutBench(bench)
	})
	return bench
}

// Tick delivers due jobs and then polls the agent once
func (f *Fleet) Tick(ctx context.Context) {
	f.t.Helper()
	if err := f.Dispatcher.Tick(ctx); err != nil {
		f.t.Fatalf("Dispatcher tick failed: %v", err)
	}
	if err := f.Poller.Tick(ctx); err != nil {
		f.t.Fatalf("Poller tick failed: %v", err)
	}
}

// Site returns the stored site
func (f *Fleet) Site(name string) *types.Site {
	f.t.Helper()
	var site *types.Site
	f.View(func(tx storage.Tx) error {
		var err error
		site, err = tx.GetSite(name)
		return err
	})
	return site
}

// Job returns the stored job
func (f *Fleet) Job(id string) *types.AgentJob {
	f.t.Helper()
	var job *types.AgentJob
	f.View(func(tx storage.Tx) error {
		var err error
		job, err = tx.GetAgentJob(id)
		return err
	})
	return job
}

// Jobs returns the site's jobs of the given types, oldest first. No types
// returns every job of the site.
func (f *Fleet) Jobs(site string, jobTypes ...types.JobType) []*types.AgentJob {
	f.t.Helper()
	want := make(map[types.JobType]bool)
	for _, t := range jobTypes {
		want[t] = true
	}
	var out []*types.AgentJob
	f.View(func(tx storage.Tx) error {
		jobs, err := tx.ListAgentJobsBySite(site)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if len(want) == 0 || want[j.Type] {
				out = append(out, j)
			}
		}
		return nil
	})
	return out
}

// ServerJobs returns the jobs of a server that carry no site, oldest first
func (f *Fleet) ServerJobs(server string, jobType types.JobType) []*types.AgentJob {
	f.t.Helper()
	var out []*types.AgentJob
	f.View(func(tx storage.Tx) error {
		for _, status := range []types.JobStatus{
			types.JobStatusUndelivered, types.JobStatusPending, types.JobStatusRunning,
			types.JobStatusSuccess, types.JobStatusFailure, types.JobStatusDeliveryFailure,
		} {
			jobs, err := tx.ListAgentJobsByStatusServer(status, server)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				if j.Type == jobType {
					out = append(out, j)
				}
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Creation.Before(out[j].Creation) })
	return out
}

// LastJob returns the newest job of jobType for site and fails when none exists
func (f *Fleet) LastJob(site string, jobType types.JobType) *types.AgentJob {
	f.t.Helper()
	jobs := f.Jobs(site, jobType)
	if len(jobs) == 0 {
		f.t.Fatalf("No %s job for %s", jobType, site)
		return nil
	}
	return jobs[len(jobs)-1]
}

// Deliver makes sure job reached the agent, ticking once if it has not
func (f *Fleet) Deliver(ctx context.Context, job *types.AgentJob) {
	f.t.Helper()
	if !f.Transport.Submitted(job.ID) {
		f.Tick(ctx)
	}
	if !f.Transport.Submitted(job.ID) {
		f.t.Fatalf("Job %s (%s) was not delivered", job.ID, job.Type)
	}
}

// Complete delivers job, reports it successful with data and polls
func (f *Fleet) Complete(ctx context.Context, job *types.AgentJob, data string) {
	f.t.Helper()
	f.Deliver(ctx, job)
	var raw []byte
	if data != "" {
		raw = []byte(data)
	}
	if err := f.Transport.Complete(job.ID, raw); err != nil {
		f.t.Fatalf("Failed to complete job %s: %v", job.ID, err)
	}
	f.Tick(ctx)
}

// Fail delivers job, reports it failed at step and polls
func (f *Fleet) Fail(ctx context.Context, job *types.AgentJob, step, traceback string) {
	f.t.Helper()
	f.Deliver(ctx, job)
	if err := f.Transport.Fail(job.ID, step, traceback); err != nil {
		f.t.Fatalf("Failed to fail job %s: %v", job.ID, err)
	}
	f.Tick(ctx)
}

// Running delivers job, reports it running at step and polls
func (f *Fleet) Running(ctx context.Context, job *types.AgentJob, step string) {
	f.t.Helper()
	f.Deliver(ctx, job)
	if err := f.Transport.Running(job.ID, step); err != nil {
		f.t.Fatalf("Failed to start job %s: %v", job.ID, err)
	}
	f.Tick(ctx)
}

// String describes the fleet for failure messages
func (f *Fleet) String() string {
	return fmt.Sprintf("fleet(%s behind %s, clock %s)", AppServer, ProxyServer, f.Clock.Now().Format(time.RFC3339))
}
