/*
Package metrics provides Prometheus metrics and the worker loop status board
for press.

All metrics are package-level variables registered with the default
Prometheus registry at init. Workers update counters inline; the Collector
refreshes fleet gauges from the store every 15 seconds.

# Metrics Catalog

Fleet gauges (Collector):
  - press_sites_total{status}
  - press_servers_total{kind,status}
  - press_agent_jobs_total{status}
  - press_tls_certificates_total{status}

Agent jobs:
  - press_agent_deliveries_total{result}: delivered, failed, skipped, gave_up
  - press_agent_job_transitions_total{type,status}
  - press_callbacks_total{type,result}

Work:
  - press_backups_created_total{type}
  - press_backups_expired_total{reason}: fifo, gfs, local, physical, archive
  - press_site_updates_created_total
  - press_site_updates_finished_total{status}
  - press_sites_suspended_total
  - press_sites_archived_total{reason}: suspended, creation_failed
  - press_certificate_renewals_total{result}

Loops:
  - press_loop_duration_seconds{loop}
  - press_loop_timeouts_total{loop}

# Usage

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LoopDuration, "backup.logical")

	metrics.BackupsCreated.WithLabelValues("Logical").Inc()

# Loop status

The reconciler calls RecordLoop after every tick. Report lists the last
outcome of each loop and is degraded while any loop's last tick failed;
StatusHandler serves it as JSON.
*/
package metrics
