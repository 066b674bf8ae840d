/*
Package dns manages the DNS records press owns and checks the ones it does not.

Every root domain names a DNS provider. The Registry maps those names to
Provider implementations, which only need two operations: Upsert a record
and Delete it. Site creation upserts "{subdomain}.{domain} CNAME proxy",
archive deletes it.

ChallengeProvider adapts a Provider to lego's DNS-01 interface so wildcard
certificates can be issued with the root domain's own credentials.

Resolver uses github.com/miekg/dns to see where a custom domain points
before its certificate is renewed. A domain passes when it has a CNAME to
the proxy or an A record on one of the proxy's addresses; anything else is
a types.DNSValidationError.

MemoryProvider keeps records in memory. Server serves a MemoryProvider over
UDP, which is enough for a development setup and for resolver tests.
*/
package dns
