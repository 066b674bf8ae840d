package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/manager"
	"github.com/cuemby/press/pkg/reconciler"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/test/framework"
)

// press is a full control plane over a fake agent, driven through the
// worker loops the way press run drives it
type press struct {
	t         *testing.T
	mgr       *manager.Manager
	transport *agent.FakeTransport
	clock     *clock.Fake
	loops     *reconciler.Reconciler
}

func newPress(t *testing.T) *press {
	t.Helper()
	settings := config.Default()
	settings.DataDir = t.TempDir()
	settings.SecretKey = "integration-secret"
	settings.Offsite = config.OffsiteConfig{Provider: "memory", Bucket: "backups"}

	transport := agent.NewFakeTransport()
	clk := clock.NewFake(framework.Epoch)
	mgr, err := manager.NewManager(manager.Config{
		Settings:  settings,
		Clock:     clk,
		Transport: transport,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	require.NoError(t, mgr.Store.Update(framework.Seed))

	return &press{
		t:         t,
		mgr:       mgr,
		transport: transport,
		clock:     clk,
		loops:     reconciler.New(time.Minute, reconciler.Loops(mgr)...),
	}
}

func (p *press) run(loop string) {
	p.t.Helper()
	require.NoError(p.t, p.loops.RunOnce(context.Background(), loop))
}

func (p *press) site(name string) *types.Site {
	p.t.Helper()
	st, err := p.mgr.Sites.Get(name)
	require.NoError(p.t, err)
	return st
}

// completeDelivered dispatches every queued job, lets the agent finish the
// ones of jobType and polls
func (p *press) completeDelivered(siteName string, jobTypes ...types.JobType) {
	p.t.Helper()
	p.run("agent.dispatch")

	var jobs []*types.AgentJob
	require.NoError(p.t, p.mgr.Store.View(func(tx storage.Tx) error {
		var err error
		jobs, err = tx.ListAgentJobsBySite(siteName)
		return err
	}))

	completed := 0
	for _, job := range jobs {
		if job.Status != types.JobStatusPending {
			continue
		}
		for _, jt := range jobTypes {
			if job.Type == jt {
				require.NoError(p.t, p.transport.Complete(job.ID, nil))
				completed++
			}
		}
	}
	require.Equal(p.t, len(jobTypes), completed, "jobs delivered to the agent")
	p.run("agent.poll")
}

func TestSiteLifecycle(t *testing.T) {
	p := newPress(t)
	ctx := context.Background()

	st, err := p.mgr.Sites.Create(ctx, site.System, site.CreateRequest{
		Subdomain: "shop",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Team:      framework.BillingTeam,
		Plan:      framework.BasicPlan,
		Apps:      []string{"erpnext"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.SiteStatusPending, st.Status)

	record, ok := p.mgr.Records.Lookup("shop.example.com")
	require.True(t, ok)
	assert.Equal(t, framework.ProxyServer, record.Value)

	p.completeDelivered(st.Name, types.JobNewSite, types.JobAddSiteToUpstream)
	assert.Equal(t, types.SiteStatusActive, p.site(st.Name).Status)

	require.NoError(t, p.mgr.Sites.Archive(ctx, site.System, st.Name, false))
	p.completeDelivered(st.Name, types.JobArchiveSite, types.JobRemoveSiteFromUpstream)
	assert.Equal(t, types.SiteStatusArchived, p.site(st.Name).Status)

	_, ok = p.mgr.Records.Lookup("shop.example.com")
	assert.False(t, ok)
}

func TestDNSRecordsSurviveRestart(t *testing.T) {
	p := newPress(t)
	ctx := context.Background()

	_, err := p.mgr.Sites.Create(ctx, site.System, site.CreateRequest{
		Subdomain: "books",
		Domain:    framework.Domain,
		Group:     framework.Group,
		Server:    framework.AppServer,
		Team:      framework.BillingTeam,
		Plan:      framework.BasicPlan,
	})
	require.NoError(t, err)

	settings := p.mgr.Settings
	require.NoError(t, p.mgr.Close())

	restarted, err := manager.NewManager(manager.Config{
		Settings:  settings,
		Clock:     p.clock,
		Transport: p.transport,
	})
	require.NoError(t, err)
	defer restarted.Close()
	p.mgr = restarted

	_, ok := restarted.Records.Lookup("books.example.com")
	assert.False(t, ok, "records are kept in memory")

	require.NoError(t, restarted.SyncDNSRecords(ctx))
	record, ok := restarted.Records.Lookup("books.example.com")
	require.True(t, ok)
	assert.Equal(t, framework.ProxyServer, record.Value)
}

func TestEveryLoopRunsOnQuietFleet(t *testing.T) {
	p := newPress(t)

	for _, name := range p.loops.Names() {
		t.Run(name, func(t *testing.T) {
			assert.NoError(t, p.loops.RunOnce(context.Background(), name))
		})
	}
}
