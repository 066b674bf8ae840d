package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/manager"
	"github.com/cuemby/press/pkg/metrics"
)

// Loop is one worker: a function run on a cron schedule
type Loop struct {
	Name     string
	Schedule string // Cron spec with optional seconds, or a descriptor like "@hourly"
	Run      func(ctx context.Context) error
}

// Reconciler runs the worker loops. A tick that is still running when its
// next tick is due is skipped, and each tick gets its own timeout.
type Reconciler struct {
	cron    *cron.Cron
	loops   map[string]Loop
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
	logger  zerolog.Logger
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// New creates a reconciler for loops. Every tick is cancelled after timeout.
func New(timeout time.Duration, loops ...Loop) *Reconciler {
	logger := log.WithComponent("reconciler")
	cronLogger := cronLog{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	r := &Reconciler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		loops:   make(map[string]Loop, len(loops)),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
	for _, l := range loops {
		r.loops[l.Name] = l
	}
	return r
}

// NewReconciler creates a reconciler running every worker of mgr
func NewReconciler(mgr *manager.Manager) *Reconciler {
	return New(mgr.Settings.WorkerTimeout, Loops(mgr)...)
}

// Loops lists the workers of mgr with their schedules. Certificate loops
// are left out when mgr has no TLS engine.
func Loops(mgr *manager.Manager) []Loop {
	loops := []Loop{
		{Name: "agent.dispatch", Schedule: "@every 10s", Run: mgr.Dispatcher.Tick},
		{Name: "agent.poll", Schedule: "@every 15s", Run: mgr.Poller.Tick},

		{Name: "backup.logical", Schedule: "0 5 * * * *", Run: mgr.BackupScheduler.RunLogical},
		{Name: "backup.physical", Schedule: "0 35 * * * *", Run: mgr.BackupScheduler.RunPhysical},
		{Name: "backup.logical_custom_time", Schedule: "0 0 * * * *", Run: func(ctx context.Context) error {
			return mgr.BackupScheduler.RunCustomTime(ctx, false)
		}},
		{Name: "backup.physical_custom_time", Schedule: "0 30 * * * *", Run: func(ctx context.Context) error {
			return mgr.BackupScheduler.RunCustomTime(ctx, true)
		}},
		{Name: "backup.rotate", Schedule: "0 15 * * * *", Run: mgr.Rotator.Run},
		{Name: "backup.expire_local", Schedule: "0 45 * * * *", Run: mgr.Rotator.ExpireLocal},

		{Name: "update.schedule", Schedule: "0 */10 * * * *", Run: mgr.UpdateScheduler.Run},
		{Name: "update.scheduled_sweep", Schedule: "0 2 * * * *", Run: mgr.Updates.SweepScheduled},

		{Name: "suspension.flag_usage", Schedule: "0 20 * * * *", Run: mgr.Suspension.FlagUsage},
		{Name: "suspension.warnings", Schedule: "0 0 9 * * *", Run: mgr.Suspension.SendWarnings},
		{Name: "suspension.suspend", Schedule: "0 0 3 * * *", Run: mgr.Suspension.SuspendExceeded},
		{Name: "suspension.archive", Schedule: "0 25 * * * *", Run: mgr.Suspension.ArchiveSuspended},
		{Name: "suspension.archive_failed_creations", Schedule: "0 0 4 * * *", Run: mgr.Suspension.ArchiveCreationFailed},
	}
	if mgr.TLS != nil {
		loops = append(loops,
			Loop{Name: "tls.renew", Schedule: "@daily", Run: mgr.TLS.RenewDue},
			Loop{Name: "tls.retrigger", Schedule: "0 50 * * * *", Run: mgr.TLS.RetriggerFailed},
		)
	}
	return loops
}

// Names returns the loop names, sorted
func (r *Reconciler) Names() []string {
	names := make([]string, 0, len(r.loops))
	for name := range r.loops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start schedules every loop. A loop with a bad schedule fails Start and
// nothing is scheduled.
func (r *Reconciler) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("reconciler already started")
	}

	for _, name := range r.Names() {
		if _, err := parser.Parse(r.loops[name].Schedule); err != nil {
			return fmt.Errorf("loop %s: invalid schedule %q: %w", name, r.loops[name].Schedule, err)
		}
	}
	for _, name := range r.Names() {
		loop := r.loops[name]
		if _, err := r.cron.AddFunc(loop.Schedule, func() { _ = r.tick(r.ctx, loop) }); err != nil {
			return fmt.Errorf("loop %s: %w", name, err)
		}
	}

	r.cron.Start()
	r.started = true
	r.logger.Info().Int("loops", len(r.loops)).Msg("Reconciler started")
	return nil
}

// Stop cancels running ticks and waits for them to return
func (r *Reconciler) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info().Msg("Reconciler stopped")
}

// RunOnce runs one tick of the named loop now
func (r *Reconciler) RunOnce(ctx context.Context, name string) error {
	loop, ok := r.loops[name]
	if !ok {
		return fmt.Errorf("unknown loop %q", name)
	}
	return r.tick(ctx, loop)
}

func (r *Reconciler) tick(parent context.Context, loop Loop) (err error) {
	ctx, cancel := context.WithTimeout(parent, r.timeout)
	defer cancel()

	timer := metrics.NewTimer()
	err = loop.Run(ctx)
	timer.ObserveDurationVec(metrics.LoopDuration, loop.Name)
	defer func() { metrics.RecordLoop(loop.Name, err, time.Now()) }()

	logger := r.logger.With().Str("loop", loop.Name).Dur("took", timer.Duration()).Logger()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		metrics.LoopTimeouts.WithLabelValues(loop.Name).Inc()
		logger.Warn().Dur("timeout", r.timeout).Msg("Loop tick timed out")
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	if err != nil {
		logger.Error().Err(err).Msg("Loop tick failed")
		return err
	}
	logger.Debug().Msg("Loop tick done")
	return nil
}

// cronLog routes cron's own messages into zerolog
type cronLog struct {
	logger zerolog.Logger
}

func (c cronLog) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
