/*
Package manager builds the press context.

A Manager opens the bbolt store under data_dir and wires every service on top
of it: the agent client, dispatcher and poller, the site, backup, update,
suspension and TLS services, DNS providers and the offsite object store. The
job callbacks of each service are registered on the shared poller registry,
so a job finishing on an agent reaches the service that issued it.

Worker loops do not live here; pkg/reconciler schedules them against a
Manager. Commands in cmd/press build a Manager, call one service and close it.

# Test doubles

Config accepts a Transport, Offsite store, Issuer and Mailer. Tests pass
fakes; production leaves them nil and gets the HTTP agent transport, the
store named by offsite.provider, a lego issuer when acme.email is set, and an
SMTP mailer when smtp.host is set.

# Built-in DNS

Root domains whose dns_provider is "memory" are kept in process. When
dns.listen_addr is set the Manager also serves them over DNS, which is enough
for development setups and for pointing a resolver at in tests.
SyncDNSRecords reloads them from the store after a restart.
*/
package manager
