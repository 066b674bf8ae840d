package site

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/dns"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/offsite"
	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Job references pairing the two halves of a site operation
const (
	refCreation = "Site Creation"
	refArchive  = "Site Archive"
	refRename   = "Site Rename"
)

const trialDays = 14

var subdomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,30}[a-z0-9]$`)

// Config keys callers may not set directly
var reservedConfigKeys = map[string]bool{
	"db_name":          true,
	"db_password":      true,
	"db_host":          true,
	"db_port":          true,
	"host_name":        true,
	"maintenance_mode": true,
}

// Actor is who asks for an operation
type Actor struct {
	Team   string
	System bool
}

// System is the actor background workers use
var System = Actor{System: true}

// Can reports whether the actor may act on site
func (a Actor) Can(site *types.Site) bool {
	return a.System || (a.Team != "" && a.Team == site.Team)
}

// Deps are the collaborators of a Service
type Deps struct {
	Store    storage.Store
	Agent    *agent.Client
	Locks    *storage.KeyedMutex
	DNS      *dns.Registry
	Offsite  offsite.Store
	Capacity *capacity.Checker
	Secrets  *security.SecretsManager
	Broker   *events.Broker
	Clock    clock.Clock
	Config   *config.Config
}

// Service runs site operations and the site job callbacks
type Service struct {
	store     storage.Store
	agent     *agent.Client
	locks     *storage.KeyedMutex
	dns       *dns.Registry
	offsite   offsite.Store
	capacity  *capacity.Checker
	secrets   *security.SecretsManager
	broker    *events.Broker
	clock     clock.Clock
	config    *config.Config
	recoverer Recoverer
	logger    zerolog.Logger
}

// NewService creates a site service
func NewService(deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Locks == nil {
		deps.Locks = storage.NewKeyedMutex()
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	return &Service{
		store:    deps.Store,
		agent:    deps.Agent,
		locks:    deps.Locks,
		dns:      deps.DNS,
		offsite:  deps.Offsite,
		capacity: deps.Capacity,
		secrets:  deps.Secrets,
		broker:   deps.Broker,
		clock:    deps.Clock,
		config:   deps.Config,
		logger:   log.WithComponent("site"),
	}
}

// SetRecoverer installs the handler for EffectEnqueueRecover
func (s *Service) SetRecoverer(r Recoverer) {
	s.recoverer = r
}

// Locks returns the per-site lock table shared with the poller
func (s *Service) Locks() *storage.KeyedMutex {
	return s.locks
}

// mutate loads the site under its lock in a write transaction and checks
// the actor may change it
func (s *Service) mutate(actor Actor, name string, fn func(tx storage.Tx, site *types.Site) error) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	return s.store.Update(func(tx storage.Tx) error {
		site, err := tx.GetSite(name)
		if err != nil {
			return err
		}
		if !actor.Can(site) {
			return fmt.Errorf("%w: %s", types.ErrPermissionDenied, name)
		}
		if site.Status == types.SiteStatusArchived {
			return fmt.Errorf("%s: %w", name, types.ErrSiteAlreadyArchived)
		}
		return fn(tx, site)
	})
}

// CreateRequest describes a new site
type CreateRequest struct {
	Subdomain string
	Domain    string
	Group     string
	Server    string
	Bench     string // Optional; the newest Active bench of the group on Server otherwise
	Team      string
	Plan      string
	Apps      []string
	Config    map[string]any
}

// ValidateSubdomain checks the label a site name starts with
func ValidateSubdomain(subdomain string) error {
	if len(subdomain) < 3 || len(subdomain) > 32 {
		return fmt.Errorf("subdomain %q must be between 3 and 32 characters", subdomain)
	}
	if !subdomainPattern.MatchString(subdomain) {
		return fmt.Errorf("subdomain %q may only contain lowercase letters, digits and inner hyphens", subdomain)
	}
	return nil
}

// OrderApps removes duplicates and moves frappe to the front
func OrderApps(apps []string) []string {
	out := []string{"frappe"}
	seen := map[string]bool{"frappe": true}
	for _, app := range apps {
		if !seen[app] {
			seen[app] = true
			out = append(out, app)
		}
	}
	return out
}

// Create writes a Pending site with its default domain and issues the
// NewSite and AddSiteToUpstream jobs. The DNS record follows the commit.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateRequest) (*types.Site, error) {
	if err := ValidateSubdomain(req.Subdomain); err != nil {
		return nil, err
	}
	if !actor.System {
		if req.Team != "" && req.Team != actor.Team {
			return nil, fmt.Errorf("%w: cannot create sites for team %s", types.ErrPermissionDenied, req.Team)
		}
		req.Team = actor.Team
	}
	name := req.Subdomain + "." + req.Domain

	unlock := s.locks.Lock(name)
	defer unlock()

	var site *types.Site
	err := s.store.Update(func(tx storage.Tx) error {
		if _, err := tx.GetSite(name); err == nil {
			return fmt.Errorf("site %s already exists", name)
		}
		if _, err := tx.GetRootDomain(req.Domain); err != nil {
			return fmt.Errorf("domain %s is not managed: %w", req.Domain, err)
		}
		plan, err := tx.GetPlan(req.Plan)
		if err != nil {
			return err
		}

		server, err := tx.GetServer(req.Server)
		if err != nil {
			return err
		}
		if !server.CanHostSites() || server.Status != types.ServerStatusActive {
			return fmt.Errorf("server %s cannot take new sites", server.Name)
		}
		if server.ProxyServer == "" {
			return fmt.Errorf("server %s has no proxy", server.Name)
		}
		group, err := tx.GetReleaseGroup(req.Group)
		if err != nil {
			return err
		}
		if !group.AllowsServer(server.Name) {
			return fmt.Errorf("release group %s is not deployed on %s", group.Name, server.Name)
		}
		bench, err := s.pickBench(tx, req.Bench, group.Name, server.Name)
		if err != nil {
			return err
		}

		apps := OrderApps(req.Apps)
		for _, app := range apps {
			if !bench.HasApp(app) {
				return fmt.Errorf("app %s is not available on bench %s", app, bench.Name)
			}
		}

		password, err := security.GeneratePassword(16)
		if err != nil {
			return err
		}
		encrypted, err := s.encrypt(password)
		if err != nil {
			return err
		}

		siteConfig := map[string]any{}
		for k, v := range req.Config {
			if !reservedConfigKeys[k] {
				siteConfig[k] = v
			}
		}
		siteConfig["host_name"] = "https://" + name

		now := s.clock.Now()
		site = &types.Site{
			Name:          name,
			Subdomain:     req.Subdomain,
			Domain:        req.Domain,
			Bench:         bench.Name,
			Group:         group.Name,
			Server:        server.Name,
			Cluster:       bench.Cluster,
			Team:          req.Team,
			Plan:          plan.Name,
			HostName:      name,
			Status:        types.SiteStatusPending,
			AdminPassword: encrypted,
			Config:        siteConfig,
			Apps:          apps,
			Creation:      now,
		}
		if plan.IsTrial {
			site.TrialEndDate = now.AddDate(0, 0, trialDays)
		}
		if err := tx.PutSite(site); err != nil {
			return err
		}
		if err := tx.PutSiteDomain(&types.SiteDomain{
			Name:     name,
			Site:     name,
			Team:     req.Team,
			Status:   types.DomainStatusPending,
			DNSType:  types.DNSRecordCNAME,
			Creation: now,
		}); err != nil {
			return err
		}

		pair := agent.WithReference(refCreation, uuid.NewString())
		if _, err := s.agent.NewSite(tx, site, password, pair); err != nil {
			return err
		}
		_, err = s.agent.AddSiteToUpstream(tx, server.ProxyServer, site, server.IP, pair)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.store.View(func(tx storage.Tx) error {
		s.upsertRecord(ctx, tx, site)
		return nil
	})
	s.logger.Info().Str("site", name).Str("bench", site.Bench).Msg("Site created")
	return site, nil
}

func (s *Service) pickBench(tx storage.Tx, name, group, server string) (*types.Bench, error) {
	if name != "" {
		bench, err := tx.GetBench(name)
		if err != nil {
			return nil, err
		}
		if bench.Group != group || bench.Server != server || bench.Status != types.ServerStatusActive {
			return nil, fmt.Errorf("bench %s is not an Active bench of %s on %s", name, group, server)
		}
		return bench, nil
	}

	benches, err := tx.ListBenchesByServer(server)
	if err != nil {
		return nil, err
	}
	var candidates []*types.Bench
	for _, b := range benches {
		if b.Group == group && b.Status == types.ServerStatusActive {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no Active bench of %s on %s", group, server)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Creation.After(candidates[j].Creation) })
	return candidates[0], nil
}

func (s *Service) encrypt(secret string) ([]byte, error) {
	if s.secrets == nil {
		return []byte(secret), nil
	}
	return s.secrets.EncryptString(secret)
}

func (s *Service) adminPassword(site *types.Site) (string, error) {
	if s.secrets == nil {
		return string(site.AdminPassword), nil
	}
	return s.secrets.DecryptString(site.AdminPassword)
}

// proxyOf returns the app server of site and its proxy name
func proxyOf(tx storage.Tx, site *types.Site) (*types.Server, error) {
	server, err := tx.GetServer(site.Server)
	if err != nil {
		return nil, err
	}
	if server.ProxyServer == "" {
		return nil, fmt.Errorf("server %s has no proxy", server.Name)
	}
	return server, nil
}

// pairInFlight reports whether a paired operation of refType is unfinished
func pairInFlight(tx storage.Tx, site, refType string) (bool, error) {
	jobs, err := tx.ListAgentJobsBySite(site)
	if err != nil {
		return false, err
	}
	for _, j := range jobs {
		if j.ReferenceType == refType && !j.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// Archive drops the site from its bench and proxy. A forced archive skips
// the maintenance guard.
func (s *Service) Archive(ctx context.Context, actor Actor, name string, force bool) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if !force && site.Status.InMaintenance() {
			return fmt.Errorf("%s: %w", name, types.ErrSiteUnderMaintenance)
		}
		return s.archive(tx, site, force)
	})
}

// RetryArchive issues a forced archive for a site whose archive failed
func (s *Service) RetryArchive(ctx context.Context, actor Actor, name string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if !site.ArchiveFailed {
			return fmt.Errorf("archive of %s has not failed", name)
		}
		site.ArchiveFailed = false
		if err := tx.PutSite(site); err != nil {
			return err
		}
		return s.archive(tx, site, true)
	})
}

func (s *Service) archive(tx storage.Tx, site *types.Site, force bool) error {
	busy, err := pairInFlight(tx, site.Name, refArchive)
	if err != nil {
		return err
	}
	if busy {
		return fmt.Errorf("%s is already being archived", site.Name)
	}
	server, err := proxyOf(tx, site)
	if err != nil {
		return err
	}

	pair := agent.WithReference(refArchive, uuid.NewString())
	if _, err := s.agent.ArchiveSite(tx, site, force, pair); err != nil {
		return err
	}
	if _, err := s.agent.RemoveSiteFromUpstream(tx, server.ProxyServer, site, server.IP, pair); err != nil {
		return err
	}
	s.logger.Info().Str("site", site.Name).Bool("force", force).Msg("Archiving site")
	return nil
}

// Rename moves the site to a new subdomain once both the bench and the
// proxy have renamed it
func (s *Service) Rename(ctx context.Context, actor Actor, name, subdomain string) error {
	if err := ValidateSubdomain(subdomain); err != nil {
		return err
	}
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Status.InMaintenance() {
			return fmt.Errorf("%s: %w", name, types.ErrSiteUnderMaintenance)
		}
		newName := subdomain + "." + site.Domain
		if newName == site.Name {
			return nil
		}
		if _, err := tx.GetSite(newName); err == nil {
			return fmt.Errorf("site %s already exists", newName)
		}
		busy, err := pairInFlight(tx, site.Name, refRename)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("%s is already being renamed", site.Name)
		}
		server, err := proxyOf(tx, site)
		if err != nil {
			return err
		}

		pair := agent.WithReference(refRename, uuid.NewString())
		if _, err := s.agent.RenameSite(tx, site, newName, pair); err != nil {
			return err
		}
		_, err = s.agent.RenameSiteOnUpstream(tx, server.ProxyServer, site, server.IP, newName, pair)
		return err
	})
}

// Restore replaces the site's data with one of its own backups
func (s *Service) Restore(ctx context.Context, actor Actor, name, backupName string, skipFailingPatches bool) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		backup, err := tx.GetSiteBackup(backupName)
		if err != nil {
			return err
		}
		if backup.Site != site.Name || backup.Physical {
			return fmt.Errorf("backup %s cannot be restored onto %s", backupName, site.Name)
		}
		if backup.Status != types.BackupStatusSuccess || backup.FilesAvailability != types.Available {
			return fmt.Errorf("backup %s is not available", backupName)
		}
		if s.capacity != nil {
			if err := s.capacity.Ensure(tx, site.Server, capacity.RestoreSpaceGB(backup)); err != nil {
				return err
			}
		}

		password, err := s.adminPassword(site)
		if err != nil {
			return err
		}
		next, err := s.Apply(ctx, tx, site, Event{Kind: EventPrepare})
		if err != nil {
			return err
		}
		_, err = s.agent.RestoreSite(tx, next, backup, password, skipFailingPatches)
		return err
	})
}

// Reinstall wipes the site and installs its apps again
func (s *Service) Reinstall(ctx context.Context, actor Actor, name string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		password, err := s.adminPassword(site)
		if err != nil {
			return err
		}
		next, err := s.Apply(ctx, tx, site, Event{Kind: EventPrepare})
		if err != nil {
			return err
		}
		_, err = s.agent.ReinstallSite(tx, next, password)
		return err
	})
}

// MoveToBench moves the site to another Active bench on its server
func (s *Service) MoveToBench(ctx context.Context, actor Actor, name, benchName string, skipFailingPatches bool) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		bench, err := tx.GetBench(benchName)
		if err != nil {
			return err
		}
		if bench.Server != site.Server || bench.Status != types.ServerStatusActive {
			return fmt.Errorf("bench %s is not an Active bench on %s", benchName, site.Server)
		}
		for _, app := range site.Apps {
			if !bench.HasApp(app) {
				return fmt.Errorf("app %s is not available on bench %s", app, benchName)
			}
		}
		next, err := s.Apply(ctx, tx, site, Event{Kind: EventPrepareUpdate})
		if err != nil {
			return err
		}
		_, err = s.agent.MoveSiteToBench(tx, next, bench, skipFailingPatches)
		return err
	})
}

// Suspend takes the site offline for reason
func (s *Service) Suspend(ctx context.Context, actor Actor, name, reason string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		_, err := s.suspend(ctx, tx, site, reason)
		return err
	})
}

func (s *Service) suspend(ctx context.Context, tx storage.Tx, site *types.Site, reason string) (*types.Site, error) {
	if site.Status.InMaintenance() {
		return site, fmt.Errorf("%s: %w", site.Name, types.ErrSiteUnderMaintenance)
	}
	was := site.Status
	next, err := s.Apply(ctx, tx, site, Event{Kind: EventSuspend, Reason: reason})
	if err != nil || next.Status == was {
		return next, err
	}
	next.SuspendedOn = s.clock.Now()
	return next, s.setMaintenanceMode(tx, next, true)
}

// Unsuspend brings a suspended site back. A non-empty reason only lifts a
// suspension made for that reason.
func (s *Service) Unsuspend(ctx context.Context, actor Actor, name, reason string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		_, err := s.unsuspend(ctx, tx, site, reason)
		return err
	})
}

func (s *Service) unsuspend(ctx context.Context, tx storage.Tx, site *types.Site, reason string) (*types.Site, error) {
	was := site.Status
	next, err := s.Apply(ctx, tx, site, Event{Kind: EventUnsuspend, Reason: reason})
	if err != nil || next.Status == was {
		return next, err
	}
	next.SuspendedOn = time.Time{}
	return next, s.setMaintenanceMode(tx, next, false)
}

func (s *Service) setMaintenanceMode(tx storage.Tx, site *types.Site, on bool) error {
	mode := 0
	if on {
		mode = 1
	}
	if site.Config == nil {
		site.Config = map[string]any{}
	}
	site.Config["maintenance_mode"] = mode
	if err := tx.PutSite(site); err != nil {
		return err
	}
	_, err := s.agent.UpdateSiteConfig(tx, site, map[string]any{"maintenance_mode": mode})
	return err
}

// Deactivate stops serving the site without suspending it
func (s *Service) Deactivate(ctx context.Context, actor Actor, name string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Status.InMaintenance() {
			return fmt.Errorf("%s: %w", name, types.ErrSiteUnderMaintenance)
		}
		_, err := s.Apply(ctx, tx, site, Event{Kind: EventDeactivate})
		return err
	})
}

// Activate serves an inactive site again
func (s *Service) Activate(ctx context.Context, actor Actor, name string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Status == types.SiteStatusSuspended {
			return fmt.Errorf("%s is suspended, unsuspend it instead", name)
		}
		_, err := s.Apply(ctx, tx, site, Event{Kind: EventActivate})
		return err
	})
}

// InstallApp installs an app available on the site's bench
func (s *Service) InstallApp(ctx context.Context, actor Actor, name, app string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Status.InMaintenance() {
			return fmt.Errorf("%s: %w", name, types.ErrSiteUnderMaintenance)
		}
		if site.HasApp(app) {
			return fmt.Errorf("app %s is already installed on %s", app, name)
		}
		bench, err := tx.GetBench(site.Bench)
		if err != nil {
			return err
		}
		if !bench.HasApp(app) {
			return fmt.Errorf("app %s is not available on bench %s", app, bench.Name)
		}
		_, err = s.agent.InstallAppOnSite(tx, site, app)
		return err
	})
}

// UninstallApp removes an installed app. frappe cannot be removed.
func (s *Service) UninstallApp(ctx context.Context, actor Actor, name, app string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Status.InMaintenance() {
			return fmt.Errorf("%s: %w", name, types.ErrSiteUnderMaintenance)
		}
		if app == "frappe" {
			return errors.New("frappe cannot be uninstalled")
		}
		if !site.HasApp(app) {
			return fmt.Errorf("app %s is not installed on %s", app, name)
		}
		_, err := s.agent.UninstallAppFromSite(tx, site, app)
		return err
	})
}

// UpdateConfig merges kv into the site configuration
func (s *Service) UpdateConfig(ctx context.Context, actor Actor, name string, kv map[string]any) error {
	for k := range kv {
		if reservedConfigKeys[k] {
			return fmt.Errorf("config key %s cannot be set directly", k)
		}
	}
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if site.Config == nil {
			site.Config = map[string]any{}
		}
		for k, v := range kv {
			site.Config[k] = v
		}
		if err := tx.PutSite(site); err != nil {
			return err
		}
		_, err := s.agent.UpdateSiteConfig(tx, site, kv)
		return err
	})
}

// SetPlan moves the site to another plan and re-evaluates its usage flag
// against the new limits. A suspension for usage is lifted right away when
// the new plan covers the site.
func (s *Service) SetPlan(ctx context.Context, actor Actor, name, planName string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		plan, err := tx.GetPlan(planName)
		if err != nil {
			return err
		}
		if !actor.System && !plan.IsTrial {
			team, err := tx.GetTeam(site.Team)
			if err != nil || !team.BillingEnabled {
				return fmt.Errorf("%w: team %s has no billing set up", types.ErrCannotChangePlan, site.Team)
			}
		}

		site.Plan = plan.Name
		RecomputeUsage(site, plan)
		cleared := FlagUsage(site, s.clock.Now())
		if err := tx.PutSite(site); err != nil {
			return err
		}
		if cleared {
			_, err = s.unsuspend(ctx, tx, site, ReasonUsageExceeded)
		}
		return err
	})
}

// AddDomain attaches a custom domain. Its certificate is obtained by the
// TLS engine, which then routes the host on the proxy.
func (s *Service) AddDomain(ctx context.Context, actor Actor, name, domain string) error {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if !strings.Contains(domain, ".") {
		return fmt.Errorf("invalid domain %q", domain)
	}
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		if _, err := tx.GetSiteDomain(domain); err == nil {
			return fmt.Errorf("domain %s is already in use", domain)
		}
		now := s.clock.Now()
		if err := tx.PutSiteDomain(&types.SiteDomain{
			Name:           domain,
			Site:           site.Name,
			Team:           site.Team,
			Status:         types.DomainStatusPending,
			DNSType:        types.DNSRecordCNAME,
			TLSCertificate: domain,
			Creation:       now,
		}); err != nil {
			return err
		}
		if _, err := tx.GetTLSCertificate(domain); errors.Is(err, types.ErrNotFound) {
			if err := tx.PutTLSCertificate(&types.TLSCertificate{
				Name:     domain,
				Domain:   domain,
				Status:   types.CertificateStatusPending,
				Provider: types.ProviderLetsEncrypt,
				Team:     site.Team,
				Creation: now,
			}); err != nil {
				return err
			}
		}
		_, err := s.agent.AddDomain(tx, site, domain)
		return err
	})
}

// SetPrimaryDomain makes an Active domain the site's host name and
// redirects the domains asking for it
func (s *Service) SetPrimaryDomain(ctx context.Context, actor Actor, name, domain string) error {
	return s.mutate(actor, name, func(tx storage.Tx, site *types.Site) error {
		d, err := tx.GetSiteDomain(domain)
		if err != nil {
			return err
		}
		if d.Site != site.Name || d.Status != types.DomainStatusActive {
			return fmt.Errorf("domain %s is not an Active domain of %s", domain, site.Name)
		}
		if d.RedirectToPrimary {
			d.RedirectToPrimary = false
			if err := tx.PutSiteDomain(d); err != nil {
				return err
			}
		}

		site.HostName = domain
		if site.Config == nil {
			site.Config = map[string]any{}
		}
		site.Config["host_name"] = "https://" + domain
		if err := tx.PutSite(site); err != nil {
			return err
		}
		if _, err := s.agent.UpdateSiteConfig(tx, site, map[string]any{"host_name": "https://" + domain}); err != nil {
			return err
		}

		domains, err := tx.ListSiteDomains(site.Name)
		if err != nil {
			return err
		}
		var redirects []string
		for _, other := range domains {
			if other.RedirectToPrimary && other.Name != domain {
				redirects = append(redirects, other.Name)
			}
		}
		if len(redirects) == 0 {
			return nil
		}
		server, err := proxyOf(tx, site)
		if err != nil {
			return err
		}
		_, err = s.agent.SetupRedirects(tx, server.ProxyServer, site, redirects, domain)
		return err
	})
}

// Get returns a site
func (s *Service) Get(name string) (*types.Site, error) {
	var site *types.Site
	err := s.store.View(func(tx storage.Tx) error {
		var err error
		site, err = tx.GetSite(name)
		return err
	})
	return site, err
}
