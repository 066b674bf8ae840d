/*
Package reconciler runs the press worker loops on cron schedules.

Each Loop is a function of a context. The Reconciler schedules it with
robfig/cron in UTC, skips a tick while the previous one is still running, and
recovers a panicking tick so one broken loop does not take the others down.
Every tick runs under worker_timeout; a tick that hits it is counted in
press_loop_timeouts_total, and every tick is timed in
press_loop_duration_seconds.

Loops lists the workers of a Manager:

	agent.dispatch                       @every 10s
	agent.poll                           @every 15s
	backup.logical, backup.physical      hourly
	backup.*_custom_time                 hourly
	backup.rotate, backup.expire_local   hourly
	update.schedule                      every 10 minutes
	update.scheduled_sweep               hourly
	suspension.flag_usage                hourly
	suspension.warnings                  daily
	suspension.suspend                   daily
	suspension.archive                   hourly
	suspension.archive_failed_creations  daily
	tls.renew                            daily
	tls.retrigger                        hourly

The hourly loops are spread over the hour. RunOnce runs a single tick on
demand, which is what `press loop run` does.
*/
package reconciler
