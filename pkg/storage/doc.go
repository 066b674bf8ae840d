/*
Package storage provides BoltDB-backed persistence for the press control plane.

Every record type lives in its own bucket, JSON encoded and keyed by name
(agent jobs are keyed by ID). Callers never touch records outside a
transaction: Store.View opens a read-only transaction and Store.Update an
exclusive read-write one. A job callback that moves a site, a backup and a
domain in one step does so inside a single Update, so a crash leaves either
all of it or none of it.

# Bucket Layout

	┌──────────────────── press.db ─────────────────────────────┐
	│                                                            │
	│  records                     secondary indexes              │
	│  ─────────────────────       ──────────────────────────────│
	│  servers                     idx_site_update_site_candidates│
	│  clusters                      site\0src\0dst\0name         │
	│  teams, plans                idx_site_update_server_status  │
	│  root_domains                  server\0status\0name         │
	│  release_groups              idx_site_backup_site_creation  │
	│  deploy_candidates             site\0creation\0name         │
	│  deploy_candidate_differences idx_agent_job_status_server   │
	│  benches                       status\0server\0id           │
	│  sites, site_domains         idx_agent_job_site             │
	│  agent_jobs                  idx_site_domain_site           │
	│  site_backups                idx_site_server                │
	│  virtual_disk_snapshots      idx_deploy_candidate_difference│
	│  site_updates                  _pair                        │
	│  tls_certificates                                           │
	└────────────────────────────────────────────────────────────┘

Index entries are maintained by the Put methods: the previous version of the
row is read, its index keys are removed and the new ones written in the same
transaction. Creation timestamps use a fixed width layout so backups iterate
in time order; ListSiteBackupsBySite walks them backwards to return the
newest first.

If the indexes ever drift (an older binary wrote rows, or a bucket was
edited by hand) press-migrate rebuild-indexes drops and regenerates them
from the record buckets.

# Locking

bbolt serializes writers, which makes each Update atomic but says nothing
about work that spans several transactions with an agent round trip in
between. KeyedMutex provides the per-site advisory lock the job poller
holds while a callback for that site runs.
*/
package storage
