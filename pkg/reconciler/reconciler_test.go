package reconciler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/manager"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/ssl"
)

func TestRunOnce(t *testing.T) {
	var runs int32
	r := New(time.Minute, Loop{
		Name:     "count",
		Schedule: "@hourly",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})

	require.NoError(t, r.RunOnce(context.Background(), "count"))
	assert.EqualValues(t, 1, atomic.LoadInt32(&runs))

	assert.ErrorContains(t, r.RunOnce(context.Background(), "missing"), "unknown loop")
}

func TestRunOnceReturnsLoopError(t *testing.T) {
	boom := errors.New("boom")
	r := New(time.Minute, Loop{
		Name:     "failing",
		Schedule: "@hourly",
		Run:      func(ctx context.Context) error { return boom },
	})

	assert.ErrorIs(t, r.RunOnce(context.Background(), "failing"), boom)

	var status *metrics.LoopStatus
	for _, loop := range metrics.Report().Loops {
		if loop.Name == "failing" {
			status = &loop
		}
	}
	require.NotNil(t, status)
	assert.False(t, status.Healthy)
	assert.Equal(t, "boom", status.Error)
}

func TestTickTimeout(t *testing.T) {
	r := New(20*time.Millisecond, Loop{
		Name:     "test.slow",
		Schedule: "@hourly",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
	})
	before := testutil.ToFloat64(metrics.LoopTimeouts.WithLabelValues("test.slow"))

	err := r.RunOnce(context.Background(), "test.slow")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LoopTimeouts.WithLabelValues("test.slow")))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	r := New(time.Minute,
		Loop{Name: "good", Schedule: "@daily", Run: func(ctx context.Context) error { return nil }},
		Loop{Name: "bad", Schedule: "every now and then", Run: func(ctx context.Context) error { return nil }},
	)

	err := r.Start()
	assert.ErrorContains(t, err, "loop bad")
	assert.Empty(t, r.cron.Entries())
}

func TestStartRunsLoops(t *testing.T) {
	var runs int32
	r := New(time.Minute, Loop{
		Name:     "tick",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		},
	})

	require.NoError(t, r.Start())
	defer r.Stop()
	assert.Error(t, r.Start(), "second start")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&runs) > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestStopCancelsRunningTick(t *testing.T) {
	started := make(chan struct{})
	var cancelled int32
	r := New(time.Hour, Loop{
		Name:     "long",
		Schedule: "@every 1s",
		Run: func(ctx context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-ctx.Done()
			atomic.StoreInt32(&cancelled, 1)
			return ctx.Err()
		},
	})

	require.NoError(t, r.Start())
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("loop never ran")
	}
	r.Stop()

	assert.EqualValues(t, 1, atomic.LoadInt32(&cancelled))
}

type noopIssuer struct{}

func (noopIssuer) Obtain(ctx context.Context, req ssl.Request) (*ssl.Issued, error) {
	return nil, ssl.ErrIssuerBusy
}

func newManager(t *testing.T, issuer ssl.Issuer) *manager.Manager {
	t.Helper()
	settings := config.Default()
	settings.DataDir = t.TempDir()
	settings.SecretKey = "test-secret"

	mgr, err := manager.NewManager(manager.Config{
		Settings:  settings,
		Transport: agent.NewFakeTransport(),
		Issuer:    issuer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestNewReconcilerLoops(t *testing.T) {
	r := NewReconciler(newManager(t, nil))
	names := r.Names()

	assert.Contains(t, names, "agent.dispatch")
	assert.Contains(t, names, "agent.poll")
	assert.Contains(t, names, "backup.logical")
	assert.Contains(t, names, "backup.physical_custom_time")
	assert.Contains(t, names, "update.schedule")
	assert.Contains(t, names, "suspension.archive")
	assert.NotContains(t, names, "tls.renew")
	assert.Equal(t, 50*time.Minute, r.timeout)

	for _, loop := range Loops(newManager(t, noopIssuer{})) {
		_, err := parser.Parse(loop.Schedule)
		assert.NoError(t, err, loop.Name)
	}
}

func TestNewReconcilerWithTLS(t *testing.T) {
	r := NewReconciler(newManager(t, noopIssuer{}))

	assert.Contains(t, r.Names(), "tls.renew")
	assert.Contains(t, r.Names(), "tls.retrigger")
	require.NoError(t, r.RunOnce(context.Background(), "tls.renew"), "nothing to renew")
}
