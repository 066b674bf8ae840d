/*
Package ssl obtains and renews TLS certificates and installs them on the
servers that terminate TLS.

Certificates for single domains are validated over HTTP-01 from a webroot
shared with the proxies. Wildcards are validated over DNS-01 through the
root domain's DNS provider. The Issuer allows one issuance at a time; the
Engine waits out ErrIssuerBusy a few times before giving up.

A new single-domain certificate is sent to the site's proxy with an Add Host
to Proxy job, which also moves the SiteDomain to Active. A new wildcard is
sent to every proxy and to every server named under its domain. Servers that
are not Active at that moment, or whose install job fails, carry
TLSCertificateRenewalFailed until RetriggerFailed installs it again.

RenewDue renews Let's Encrypt certificates that expire within 25 days.
Before renewing a site domain it checks that the domain still points at the
site's proxy; a domain that does not is marked Broken and skipped until it
does. Each failure counts against the certificate's retry budget, 5 attempts
for the renewal loop and 8 for an operator's Retry.
*/
package ssl
