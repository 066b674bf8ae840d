package dns

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/types"
)

// DefaultNameservers are queried when none are configured
var DefaultNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// Answer is what a name currently resolves to
type Answer struct {
	CNAMEs []string // Targets along the CNAME chain, without trailing dots
	IPs    []string
}

// Resolver checks where a custom domain points before certificates are
// issued or renewed for it
type Resolver struct {
	nameservers []string
	client      *dns.Client
}

// NewResolver creates a resolver querying nameservers ("host:port")
func NewResolver(nameservers []string, timeout time.Duration) *Resolver {
	if len(nameservers) == 0 {
		nameservers = DefaultNameservers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Resolver{
		nameservers: nameservers,
		client:      &dns.Client{Net: "udp", Timeout: timeout},
	}
}

// Lookup resolves name's A records, following CNAMEs
func (r *Resolver) Lookup(ctx context.Context, name string) (*Answer, error) {
	msg := &dns.Msg{}
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, ns := range r.nameservers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, ns)
		if err != nil {
			log.Logger.Debug().
				Err(err).
				Str("component", "dns").
				Str("nameserver", ns).
				Msg("lookup failed, trying next nameserver")
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("%s answered %s", ns, dns.RcodeToString[resp.Rcode])
			continue
		}

		answer := &Answer{}
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.CNAME:
				answer.CNAMEs = append(answer.CNAMEs, normalize(record.Target))
			case *dns.A:
				answer.IPs = append(answer.IPs, record.A.String())
			}
		}
		return answer, nil
	}
	return nil, fmt.Errorf("failed to resolve %s: %w", name, lastErr)
}

// Validate checks that domain reaches the proxy, either by a CNAME to
// proxyName or an A record on one of proxyIPs. Any other answer is a
// DNSValidationError.
func (r *Resolver) Validate(ctx context.Context, domain, proxyName string, proxyIPs []string) error {
	answer, err := r.Lookup(ctx, domain)
	if err != nil {
		return err
	}

	for _, cname := range answer.CNAMEs {
		if cname == normalize(proxyName) {
			return nil
		}
	}
	for _, ip := range answer.IPs {
		for _, expected := range proxyIPs {
			if ip == expected {
				return nil
			}
		}
	}

	found := append(append([]string{}, answer.CNAMEs...), answer.IPs...)
	return &types.DNSValidationError{
		Domain:   domain,
		Expected: strings.TrimSuffix(proxyName, "."),
		Found:    found,
	}
}
