package ssl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/dns"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

const (
	// RenewBefore is how long before expiry a certificate is renewed
	RenewBefore = 25 * 24 * time.Hour

	AutoRetryLimit   = 5
	ManualRetryLimit = 8

	busyAttempts  = 10
	fanOutLimit   = 8
	referenceType = "TLS Certificate"
)

// Validator checks that a domain points at its proxy. dns.Resolver is one.
type Validator interface {
	Validate(ctx context.Context, domain, proxyName string, proxyIPs []string) error
}

// Deps are the collaborators of an Engine
type Deps struct {
	Store    storage.Store
	Agent    *agent.Client
	Issuer   Issuer
	DNS      *dns.Registry
	Resolver Validator
	Secrets  *security.SecretsManager
	Broker   *events.Broker
	Clock    clock.Clock
	Config   *config.Config
}

// Engine obtains certificates, renews them and ships them to the servers
// that terminate TLS
type Engine struct {
	store    storage.Store
	agent    *agent.Client
	issuer   Issuer
	dns      *dns.Registry
	resolver Validator
	secrets  *security.SecretsManager
	broker   *events.Broker
	clock    clock.Clock
	config   *config.Config
	busyWait time.Duration
	logger   zerolog.Logger
}

// NewEngine creates an engine
func NewEngine(deps Deps) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Engine{
		store:    deps.Store,
		agent:    deps.Agent,
		issuer:   deps.Issuer,
		dns:      deps.DNS,
		resolver: deps.Resolver,
		secrets:  deps.Secrets,
		broker:   deps.Broker,
		clock:    deps.Clock,
		config:   deps.Config,
		busyWait: 5 * time.Second,
		logger:   log.WithComponent("ssl"),
	}
}

// RegisterHandlers follows certificate installs on servers
func (e *Engine) RegisterHandlers(r *poller.Registry) {
	r.Register(types.JobSetupWildcardHosts, e.onInstall)
	r.Register(types.JobUpdateTLSCertificate, e.onInstall)
}

// Create stores a Pending Let's Encrypt certificate for domain. An existing
// certificate is returned as is.
func (e *Engine) Create(domain string, wildcard bool, team string) (*types.TLSCertificate, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	name := types.CertificateName(domain, wildcard)

	var cert *types.TLSCertificate
	err := e.store.Update(func(tx storage.Tx) error {
		existing, err := tx.GetTLSCertificate(name)
		if err == nil {
			cert = existing
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return err
		}
		cert = &types.TLSCertificate{
			Name:     name,
			Domain:   domain,
			Wildcard: wildcard,
			Status:   types.CertificateStatusPending,
			Provider: types.ProviderLetsEncrypt,
			Team:     team,
			Creation: e.clock.Now(),
		}
		if wildcard {
			cert.RootDomain = domain
		}
		return tx.PutTLSCertificate(cert)
	})
	return cert, err
}

// Obtain issues the certificate within the automatic retry budget
func (e *Engine) Obtain(ctx context.Context, name string) error {
	return e.obtain(ctx, name, AutoRetryLimit)
}

// Retry issues the certificate on an operator's request, which is allowed a
// few more attempts than the renewal loop
func (e *Engine) Retry(ctx context.Context, name string) error {
	return e.obtain(ctx, name, ManualRetryLimit)
}

func (e *Engine) obtain(ctx context.Context, name string, limit int) error {
	var req Request
	err := e.store.View(func(tx storage.Tx) error {
		cert, err := tx.GetTLSCertificate(name)
		if err != nil {
			return err
		}
		if cert.RetryCount >= limit {
			return fmt.Errorf("%s failed %d times: %w", name, cert.RetryCount, types.ErrTLSRetryLimitExceeded)
		}
		req = Request{Domain: cert.Domain, Wildcard: cert.Wildcard}
		if cert.Wildcard {
			req.DNS, err = e.challenge(tx, cert)
		}
		return err
	})
	if err != nil {
		return err
	}

	logger := e.logger.With().Str("certificate", name).Logger()
	issued, err := e.issue(ctx, req)
	var leaf string
	var issuedOn, expiresOn time.Time
	if err == nil {
		leaf, _, err = security.SplitChain(string(issued.FullChain))
	}
	if err == nil {
		issuedOn, expiresOn, err = security.CertificateValidity(leaf)
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.CertificateRenewals.WithLabelValues("failure").Inc()
		if recordErr := e.recordFailure(name, err); recordErr != nil {
			logger.Error().Err(recordErr).Msg("Failed to record certificate failure")
		}
		e.publish(events.EventCertificateFailed, name, err.Error())
		return err
	}

	key, err := e.secrets.EncryptString(string(issued.PrivateKey))
	if err != nil {
		return fmt.Errorf("failed to encrypt private key of %s: %w", name, err)
	}
	bundle := agent.TLSBundle{
		Certificate:       leaf,
		FullChain:         string(issued.FullChain),
		IntermediateChain: string(issued.IntermediateChain),
		PrivateKey:        string(issued.PrivateKey),
	}

	var cert *types.TLSCertificate
	err = e.store.Update(func(tx storage.Tx) error {
		var err error
		cert, err = tx.GetTLSCertificate(name)
		if err != nil {
			return err
		}
		cert.Status = types.CertificateStatusActive
		cert.Certificate = leaf
		cert.FullChain = bundle.FullChain
		cert.IntermediateChain = bundle.IntermediateChain
		cert.PrivateKey = key
		cert.IssuedOn = issuedOn
		cert.ExpiresOn = expiresOn
		cert.RetryCount = 0
		cert.Error = ""
		if err := tx.PutTLSCertificate(cert); err != nil {
			return err
		}
		if cert.Wildcard {
			return nil
		}
		return e.installOnDomain(tx, cert, bundle)
	})
	if err != nil {
		return err
	}

	metrics.CertificateRenewals.WithLabelValues("success").Inc()
	e.publish(events.EventCertificateRenewed, name, "expires "+expiresOn.Format(time.RFC3339))
	logger.Info().Time("expires_on", expiresOn).Msg("Certificate obtained")

	if cert.Wildcard {
		return e.fanOut(ctx, cert, bundle)
	}
	return nil
}

// issue calls the issuer, waiting out a busy issuer a bounded number of times
func (e *Engine) issue(ctx context.Context, req Request) (*Issued, error) {
	for attempt := 1; ; attempt++ {
		issued, err := e.issuer.Obtain(ctx, req)
		if !errors.Is(err, ErrIssuerBusy) || attempt == busyAttempts {
			return issued, err
		}
		e.logger.Debug().Str("domain", req.Domain).Int("attempt", attempt).Msg("Issuer busy, waiting")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.busyWait):
		}
	}
}

func (e *Engine) challenge(tx storage.Tx, cert *types.TLSCertificate) (*dns.ChallengeProvider, error) {
	root := cert.RootDomain
	if root == "" {
		root = cert.Domain
	}
	domain, err := tx.GetRootDomain(root)
	if err != nil {
		return nil, fmt.Errorf("root domain of %s: %w", cert.Name, err)
	}
	provider, err := e.dns.For(domain)
	if err != nil {
		return nil, err
	}
	return dns.NewChallengeProvider(provider, e.config.ACME.DNSTimeout), nil
}

func (e *Engine) recordFailure(name string, cause error) error {
	return e.store.Update(func(tx storage.Tx) error {
		cert, err := tx.GetTLSCertificate(name)
		if err != nil {
			return err
		}
		cert.Status = types.CertificateStatusFailure
		cert.RetryCount++
		cert.Error = cause.Error()
		return tx.PutTLSCertificate(cert)
	})
}

// installOnDomain asks the site's proxy to serve the domain with the new
// certificate. The domain follows the NewHost job from there.
func (e *Engine) installOnDomain(tx storage.Tx, cert *types.TLSCertificate, bundle agent.TLSBundle) error {
	domain, err := tx.GetSiteDomain(cert.Domain)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	site, err := tx.GetSite(domain.Site)
	if err != nil {
		return err
	}
	if site.Status == types.SiteStatusArchived {
		return nil
	}
	proxy, err := proxyOf(tx, site)
	if err != nil {
		return err
	}

	domain.TLSCertificate = cert.Name
	if err := tx.PutSiteDomain(domain); err != nil {
		return err
	}
	_, err = e.agent.NewHost(tx, proxy.Name, site, domain.Name, bundle, agent.WithReference(referenceType, cert.Name))
	return err
}

func proxyOf(tx storage.Tx, site *types.Site) (*types.Server, error) {
	server, err := tx.GetServer(site.Server)
	if err != nil {
		return nil, err
	}
	if server.ProxyServer == "" {
		return nil, fmt.Errorf("server %s has no proxy", server.Name)
	}
	return tx.GetServer(server.ProxyServer)
}

// servesWildcard reports whether server terminates TLS for cert: every proxy
// does, other servers only for the domain they are named under
func servesWildcard(server *types.Server, cert *types.TLSCertificate) bool {
	if server.Status == types.ServerStatusArchived {
		return false
	}
	return server.Kind == types.ServerKindProxy || strings.HasSuffix(server.Name, "."+cert.Domain)
}

// fanOut installs a wildcard certificate on every server that serves it,
// one transaction per server
func (e *Engine) fanOut(ctx context.Context, cert *types.TLSCertificate, bundle agent.TLSBundle) error {
	var targets []string
	err := e.store.View(func(tx storage.Tx) error {
		servers, err := tx.ListServers()
		if err != nil {
			return err
		}
		for _, s := range servers {
			if servesWildcard(s, cert) {
				targets = append(targets, s.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for _, name := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return e.store.Update(func(tx storage.Tx) error {
				server, err := tx.GetServer(name)
				if err != nil {
					return err
				}
				return e.install(tx, server, cert, bundle)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to distribute %s: %w", cert.Name, err)
	}
	return nil
}

// install issues the job that puts cert on server. A server that is not
// Active is flagged for the retrigger sweep instead.
func (e *Engine) install(tx storage.Tx, server *types.Server, cert *types.TLSCertificate, bundle agent.TLSBundle) error {
	if server.Status != types.ServerStatusActive {
		e.logger.Warn().
			Str("server", server.Name).
			Str("certificate", cert.Name).
			Str("status", string(server.Status)).
			Msg("Server not active, certificate install deferred")
		if server.TLSCertificateRenewalFailed {
			return nil
		}
		server.TLSCertificateRenewalFailed = true
		return tx.PutServer(server)
	}

	var err error
	if server.Kind == types.ServerKindProxy {
		_, err = e.agent.SetupWildcardHosts(tx, server.Name, []string{cert.Domain}, bundle, agent.WithReference(referenceType, cert.Name))
	} else {
		_, err = e.agent.UpdateTLSCertificate(tx, server.Name, cert, bundle)
	}
	return err
}

// onInstall keeps the server's renewal flag in line with its last install job
func (e *Engine) onInstall(ctx context.Context, tx storage.Tx, job *types.AgentJob, old, new types.JobStatus) error {
	var failed bool
	switch new {
	case types.JobStatusSuccess:
	case types.JobStatusFailure, types.JobStatusDeliveryFailure:
		failed = true
	default:
		return nil
	}

	server, err := tx.GetServer(job.Server)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if server.TLSCertificateRenewalFailed == failed {
		return nil
	}
	server.TLSCertificateRenewalFailed = failed
	return tx.PutServer(server)
}

// RenewDue runs one pass of the renewal loop: certificates close to expiry
// with retries left, soonest expiry first, at most tls_renewal_queue_size
func (e *Engine) RenewDue(ctx context.Context) error {
	now := e.clock.Now()
	if err := e.expire(now); err != nil {
		return err
	}

	var due []*types.TLSCertificate
	err := e.store.View(func(tx storage.Tx) error {
		certs, err := tx.ListTLSCertificates()
		if err != nil {
			return err
		}
		for _, cert := range certs {
			if cert.Provider != types.ProviderLetsEncrypt || cert.Status == types.CertificateStatusRevoked {
				continue
			}
			if cert.RetryCount >= AutoRetryLimit {
				continue
			}
			if security.CertNeedsRenewal(cert.ExpiresOn, now, RenewBefore) {
				due = append(due, cert)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.SliceStable(due, func(i, j int) bool { return due[i].ExpiresOn.Before(due[j].ExpiresOn) })
	if limit := e.config.TLSRenewalQueueSize; limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	for _, cert := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		logger := e.logger.With().Str("certificate", cert.Name).Logger()
		if !cert.Wildcard {
			if err := e.checkDNS(ctx, cert); err != nil {
				logger.Warn().Err(err).Msg("Skipping renewal, domain does not point at its proxy")
				continue
			}
		}
		if err := e.obtain(ctx, cert.Name, AutoRetryLimit); err != nil {
			logger.Error().Err(err).Msg("Certificate renewal failed")
		}
	}
	return nil
}

// expire marks Active certificates past their expiry
func (e *Engine) expire(now time.Time) error {
	return e.store.Update(func(tx storage.Tx) error {
		certs, err := tx.ListTLSCertificates()
		if err != nil {
			return err
		}
		for _, cert := range certs {
			if cert.Status != types.CertificateStatusActive || cert.ExpiresOn.IsZero() || cert.ExpiresOn.After(now) {
				continue
			}
			cert.Status = types.CertificateStatusExpired
			if err := tx.PutTLSCertificate(cert); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkDNS verifies a site domain still reaches the site's proxy and marks
// the domain Broken when it does not. Certificates without a site domain
// pass.
func (e *Engine) checkDNS(ctx context.Context, cert *types.TLSCertificate) error {
	if e.resolver == nil {
		return nil
	}

	var proxy *types.Server
	err := e.store.View(func(tx storage.Tx) error {
		domain, err := tx.GetSiteDomain(cert.Domain)
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		site, err := tx.GetSite(domain.Site)
		if err != nil {
			return err
		}
		proxy, err = proxyOf(tx, site)
		return err
	})
	if err != nil || proxy == nil {
		return err
	}

	cause := e.resolver.Validate(ctx, cert.Domain, proxy.Name, []string{proxy.IP})
	if cause == nil || !errors.Is(cause, types.ErrDNSValidation) {
		return cause
	}

	err = e.store.Update(func(tx storage.Tx) error {
		domain, err := tx.GetSiteDomain(cert.Domain)
		if err != nil {
			return err
		}
		domain.Status = types.DomainStatusBroken
		domain.Error = cause.Error()
		return tx.PutSiteDomain(domain)
	})
	if err != nil {
		return err
	}
	return cause
}

// RetriggerFailed reinstalls wildcard certificates on Active servers whose
// last install failed or was deferred. Servers with an install job still in
// flight are left alone.
func (e *Engine) RetriggerFailed(ctx context.Context) error {
	var names []string
	err := e.store.View(func(tx storage.Tx) error {
		servers, err := tx.ListServers()
		if err != nil {
			return err
		}
		for _, s := range servers {
			if s.TLSCertificateRenewalFailed && s.Status == types.ServerStatusActive {
				names = append(names, s.Name)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.store.Update(func(tx storage.Tx) error { return e.retrigger(tx, name) }); err != nil {
			e.logger.Error().Err(err).Str("server", name).Msg("Failed to retrigger certificate install")
		}
	}
	return nil
}

func (e *Engine) retrigger(tx storage.Tx, name string) error {
	server, err := tx.GetServer(name)
	if err != nil {
		return err
	}
	busy, err := installInFlight(tx, name)
	if err != nil || busy {
		return err
	}

	certs, err := tx.ListTLSCertificates()
	if err != nil {
		return err
	}
	var installed int
	for _, cert := range certs {
		if !cert.Wildcard || cert.Status != types.CertificateStatusActive || !servesWildcard(server, cert) {
			continue
		}
		key, err := e.secrets.DecryptString(cert.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to decrypt private key of %s: %w", cert.Name, err)
		}
		bundle := agent.TLSBundle{
			Certificate:       cert.Certificate,
			FullChain:         cert.FullChain,
			IntermediateChain: cert.IntermediateChain,
			PrivateKey:        key,
		}
		if err := e.install(tx, server, cert, bundle); err != nil {
			return err
		}
		installed++
	}

	if installed == 0 {
		server.TLSCertificateRenewalFailed = false
		return tx.PutServer(server)
	}
	e.logger.Info().Str("server", name).Int("certificates", installed).Msg("Certificate install retriggered")
	return nil
}

func installInFlight(tx storage.Tx, server string) (bool, error) {
	for _, status := range []types.JobStatus{types.JobStatusUndelivered, types.JobStatusPending, types.JobStatusRunning} {
		jobs, err := tx.ListAgentJobsByStatusServer(status, server)
		if err != nil {
			return false, err
		}
		for _, job := range jobs {
			if job.Type == types.JobSetupWildcardHosts || job.Type == types.JobUpdateTLSCertificate {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e *Engine) publish(eventType events.EventType, subject, message string) {
	if e.broker != nil {
		e.broker.Publish(events.NewEvent(eventType, subject, message))
	}
}
