package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/backup"
	"github.com/cuemby/press/pkg/capacity"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/dns"
	"github.com/cuemby/press/pkg/events"
	"github.com/cuemby/press/pkg/health"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/notify"
	"github.com/cuemby/press/pkg/offsite"
	"github.com/cuemby/press/pkg/poller"
	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/ssl"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/suspension"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/pkg/update"
)

// MemoryDNSProvider is the provider name served by the built-in DNS server
const MemoryDNSProvider = "memory"

// Config holds what NewManager cannot build from settings alone. Nil fields
// get the production implementation.
type Config struct {
	Settings  *config.Config
	Clock     clock.Clock
	Transport agent.Transport
	Offsite   offsite.Store
	Issuer    ssl.Issuer
	Mailer    notify.Mailer
}

// Manager is the press context: the store and every service built on it.
// Commands and worker loops reach the domain through it.
type Manager struct {
	Settings *config.Config
	Store    storage.Store
	Clock    clock.Clock
	Broker   *events.Broker
	Secrets  *security.SecretsManager
	Locks    *storage.KeyedMutex

	Agent      *agent.Client
	Transport  agent.Transport
	Monitor    *health.Monitor
	Dispatcher *agent.Dispatcher
	Registry   *poller.Registry
	Poller     *poller.Poller

	DNS      *dns.Registry
	Records  *dns.MemoryProvider
	Resolver *dns.Resolver
	Offsite  offsite.Store

	Sites           *site.Service
	Backups         *backup.Service
	BackupScheduler *backup.Scheduler
	Rotator         *backup.Rotator
	Updates         *update.Executor
	UpdateScheduler *update.Scheduler
	Suspension      *suspension.Engine
	TLS             *ssl.Engine // Nil without an ACME account
	Collector       *metrics.Collector

	dnsServer *dns.Server
	journal   events.Subscriber
	closeOnce sync.Once
	closeErr  error
	logger    zerolog.Logger
}

// NewManager opens the store under the data directory and builds the services
func NewManager(cfg Config) (*Manager, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if settings.SecretKey == "" {
		return nil, fmt.Errorf("secret_key is required")
	}
	secrets, err := security.NewSecretsManagerFromPassword(settings.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	if err := os.MkdirAll(settings.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(settings.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	m := &Manager{
		Settings: settings,
		Store:    store,
		Clock:    clk,
		Broker:   events.NewBroker(),
		Secrets:  secrets,
		Locks:    storage.NewKeyedMutex(),
		Agent:    agent.NewClient(clk),
		Registry: poller.NewRegistry(),
		logger:   log.WithComponent("manager"),
	}
	m.Broker.Start()

	if err := m.wire(cfg); err != nil {
		m.Broker.Stop()
		store.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) wire(cfg Config) error {
	settings := m.Settings

	// Agents are health checked only over the real transport
	m.Transport = cfg.Transport
	if m.Transport == nil {
		m.Transport = agent.NewHTTPTransport(settings.AgentToken, settings.AgentRequestTimeout)
		m.Monitor = health.NewMonitor(health.NewConfig(settings.AgentRequestTimeout), m.agentChecker, m.Clock.Now)
	}
	gate := agent.NewGate(settings.AgentRequestsPerSecond, int(settings.AgentRequestsPerSecond), m.Monitor)
	m.Dispatcher = agent.NewDispatcher(m.Store, m.Transport, gate, m.Broker, m.Clock,
		agent.DispatcherConfig{MaxAttempts: settings.AgentMaxDeliveryAttempts})
	m.Poller = poller.New(m.Store, m.Transport, m.Registry, m.Locks, m.Clock,
		poller.Config{Parallelism: settings.PollerParallelism})

	m.Records = dns.NewMemoryProvider()
	m.DNS = dns.NewRegistry()
	m.DNS.Register(MemoryDNSProvider, m.Records)
	m.Resolver = dns.NewResolver(settings.ACME.Nameservers, 5*time.Second)
	if settings.DNS.ListenAddr != "" {
		m.dnsServer = dns.NewServer(m.Records, &dns.ServerConfig{
			ListenAddr: settings.DNS.ListenAddr,
			Upstream:   settings.DNS.Upstream,
		})
	}

	m.Offsite = cfg.Offsite
	if m.Offsite == nil {
		switch settings.Offsite.Provider {
		case "oss":
			store, err := offsite.NewOSSStore(settings.Offsite)
			if err != nil {
				return fmt.Errorf("failed to create offsite store: %w", err)
			}
			m.Offsite = store
		case "", "memory":
			m.Offsite = offsite.NewMemoryStore()
		default:
			return fmt.Errorf("unknown offsite provider %q", settings.Offsite.Provider)
		}
	}

	checker := capacity.NewChecker(m.Agent, m.Clock, capacity.Config{})
	m.Sites = site.NewService(site.Deps{
		Store:    m.Store,
		Agent:    m.Agent,
		Locks:    m.Locks,
		DNS:      m.DNS,
		Offsite:  m.Offsite,
		Capacity: checker,
		Secrets:  m.Secrets,
		Broker:   m.Broker,
		Clock:    m.Clock,
		Config:   settings,
	})
	m.Sites.RegisterHandlers(m.Registry)

	m.Backups = backup.NewService(backup.Deps{
		Store:    m.Store,
		Agent:    m.Agent,
		Sites:    m.Sites,
		Offsite:  m.Offsite,
		Capacity: checker,
		Broker:   m.Broker,
		Clock:    m.Clock,
		Config:   settings,
	})
	m.Backups.RegisterHandlers(m.Registry)
	m.BackupScheduler = backup.NewScheduler(m.Store, m.Backups, m.Clock, settings)
	m.Rotator = backup.NewRotator(m.Store, m.Agent, m.Offsite, m.Clock, settings)

	m.Updates = update.NewExecutor(update.Deps{
		Store:  m.Store,
		Agent:  m.Agent,
		Sites:  m.Sites,
		Broker: m.Broker,
		Clock:  m.Clock,
		Config: settings,
	})
	m.Updates.RegisterHandlers(m.Registry)
	m.UpdateScheduler = update.NewScheduler(m.Store, m.Updates, m.Clock, settings)

	mailer := cfg.Mailer
	if mailer == nil {
		if settings.SMTP.Host != "" {
			smtp, err := notify.NewSMTPMailer(settings.SMTP)
			if err != nil {
				return err
			}
			mailer = smtp
		} else {
			mailer = notify.NewLogMailer()
		}
	}
	m.Suspension = suspension.NewEngine(suspension.Deps{
		Store:   m.Store,
		Sites:   m.Sites,
		Backups: m.Backups,
		Mailer:  mailer,
		Clock:   m.Clock,
		Config:  settings,
	})

	issuer := cfg.Issuer
	if issuer == nil && settings.ACME.Email != "" {
		lego, err := ssl.NewLegoIssuer(settings.ACME)
		if err != nil {
			return err
		}
		issuer = lego
	}
	if issuer != nil {
		m.TLS = ssl.NewEngine(ssl.Deps{
			Store:    m.Store,
			Agent:    m.Agent,
			Issuer:   issuer,
			DNS:      m.DNS,
			Resolver: m.Resolver,
			Secrets:  m.Secrets,
			Broker:   m.Broker,
			Clock:    m.Clock,
			Config:   settings,
		})
		m.TLS.RegisterHandlers(m.Registry)
	} else {
		m.logger.Warn().Msg("No ACME email configured, certificate issuance disabled")
	}

	m.Collector = metrics.NewCollector(m.Store)
	return nil
}

// agentChecker checks the agent of a server by name
func (m *Manager) agentChecker(name string) health.Checker {
	var address string
	_ = m.Store.View(func(tx storage.Tx) error {
		server, err := tx.GetServer(name)
		if err != nil {
			return err
		}
		address = server.Address
		return nil
	})
	return health.NewAgentChecker(address, m.Settings.AgentToken)
}

// Start runs the background helpers that are not worker loops
func (m *Manager) Start(ctx context.Context) error {
	m.Collector.Start()
	m.journal = m.Broker.Subscribe()
	go events.Journal(m.journal, log.WithComponent("events"))
	if m.dnsServer != nil {
		if err := m.dnsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DNS server: %w", err)
		}
		m.logger.Info().Str("addr", m.dnsServer.Addr()).Msg("DNS server started")
	}
	return nil
}

// Ready reports whether the store answers
func (m *Manager) Ready() error {
	return m.Store.View(func(tx storage.Tx) error {
		_, err := tx.ListServers()
		return err
	})
}

// Close stops the helpers and closes the store. Later calls return the
// first result.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.Collector.Stop()
		if m.dnsServer != nil && m.dnsServer.IsRunning() {
			if err := m.dnsServer.Stop(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to stop DNS server")
			}
		}
		if m.journal != nil {
			m.Broker.Unsubscribe(m.journal)
		}
		m.Broker.Stop()
		m.closeErr = m.Store.Close()
	})
	return m.closeErr
}

// SyncDNSRecords loads the stored records of memory-provider root domains
// into the built-in DNS server, so it answers after a restart
func (m *Manager) SyncDNSRecords(ctx context.Context) error {
	var records []dns.Record
	err := m.Store.View(func(tx storage.Tx) error {
		sites, err := tx.ListSites()
		if err != nil {
			return err
		}
		roots := make(map[string]*types.RootDomain)
		for _, st := range sites {
			if st.Status == types.SiteStatusArchived {
				continue
			}
			root, ok := roots[st.Domain]
			if !ok {
				root, err = tx.GetRootDomain(st.Domain)
				if errors.Is(err, types.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				roots[st.Domain] = root
			}
			if root.DNSProvider != MemoryDNSProvider {
				continue
			}
			server, err := tx.GetServer(st.Server)
			if err != nil {
				return err
			}
			proxy := server.ProxyServer
			if proxy == "" {
				proxy = root.DefaultProxy
			}
			records = append(records, dns.Record{Name: st.DefaultDomain(), Type: types.DNSRecordCNAME, Value: proxy})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, r := range records {
		if err := m.Records.Upsert(ctx, r.Name, r.Type, r.Value); err != nil {
			return err
		}
	}
	m.logger.Info().Int("records", len(records)).Msg("DNS records loaded")
	return nil
}
