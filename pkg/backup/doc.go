/*
Package backup takes and expires site backups.

A SiteBackup row is the idempotency token for a backup attempt: Service.Create
refuses to start a second backup of the same kind while one is Pending or
Running, so the schedulers can simply retry every hour.

# Scheduling

The Scheduler runs three hourly passes. RunLogical and RunPhysical pick every
eligible site that is not on a custom schedule, group them by server and take
them in rotation up to backup_limit:

	server A: a1 a2 a3 ...
	server B: b1 b2 ...
	server C: c1 ...

	order:    a1 b1 c1 a2 b2 a3 ...

RunCustomTime serves the sites that picked their own "HH:MM" times.

# Rotation

The Rotator applies FIFO or GFS per site to offsite logical backups and to
physical backups, deleting remote objects and expiring volume snapshots.
ExpireLocal marks on-server backups unavailable once they outlive their
bench's keep_backups_for_hours.
*/
package backup
