/*
Package types defines the records the press control plane persists and the
error kinds it surfaces.

# Fleet

  - Server: a managed host. Kind is a tagged union over app, database, proxy,
    monitor, log, registry and trace servers. Capability helpers
    (CanHostSites, CanTerminateTLS, OwnsDNS) replace per-kind subtypes.
  - Cluster: a fault domain inside one cloud provider region.
  - Bench: an immutable image of a release group candidate, pinned to one
    server. Moving a site means moving it to another bench.

# Tenancy

  - Site: a tenant. Its lifecycle status is driven by agent job callbacks.
  - SiteDomain: an FQDN mapped to a site, with its own status.
  - Plan and Team: data deposited by billing and the dashboard.

# Work records

  - AgentJob: one remote operation. Jobs are weak references to the records
    they target and outlive them for audit.
  - SiteBackup, SiteUpdate: both the request and the record of the work.
    The row itself is the idempotency token: schedulers never start work
    for which a row already exists.
  - TLSCertificate: a certificate for a domain or a wildcard.

# Errors

errors.go holds the sentinel errors callers match with errors.Is, and the
structured variants that carry detail (VolumeResizeLimitError,
DNSValidationError, TransitionError, NotFoundError).
*/
package types
