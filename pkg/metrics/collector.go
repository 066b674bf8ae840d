package metrics

import (
	"time"

	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

var jobStatuses = []types.JobStatus{
	types.JobStatusUndelivered,
	types.JobStatusPending,
	types.JobStatusRunning,
	types.JobStatusSuccess,
	types.JobStatusFailure,
	types.JobStatusDeliveryFailure,
}

// Collector periodically publishes fleet gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:    store,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	_ = c.store.View(func(tx storage.Tx) error {
		c.collectSites(tx)
		c.collectServers(tx)
		c.collectJobs(tx)
		c.collectCertificates(tx)
		return nil
	})
}

func (c *Collector) collectSites(tx storage.Tx) {
	sites, err := tx.ListSites()
	if err != nil {
		return
	}

	counts := make(map[types.SiteStatus]int)
	for _, site := range sites {
		counts[site.Status]++
	}

	SitesTotal.Reset()
	for status, count := range counts {
		SitesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectServers(tx storage.Tx) {
	servers, err := tx.ListServers()
	if err != nil {
		return
	}

	counts := make(map[types.ServerKind]map[types.ServerStatus]int)
	for _, server := range servers {
		if counts[server.Kind] == nil {
			counts[server.Kind] = make(map[types.ServerStatus]int)
		}
		counts[server.Kind][server.Status]++
	}

	ServersTotal.Reset()
	for kind, statuses := range counts {
		for status, count := range statuses {
			ServersTotal.WithLabelValues(string(kind), string(status)).Set(float64(count))
		}
	}
}

func (c *Collector) collectJobs(tx storage.Tx) {
	for _, status := range jobStatuses {
		jobs, err := tx.ListAgentJobsByStatus(status)
		if err != nil {
			continue
		}
		AgentJobsTotal.WithLabelValues(string(status)).Set(float64(len(jobs)))
	}
}

func (c *Collector) collectCertificates(tx storage.Tx) {
	certs, err := tx.ListTLSCertificates()
	if err != nil {
		return
	}

	counts := make(map[types.CertificateStatus]int)
	for _, cert := range certs {
		counts[cert.Status]++
	}

	CertificatesTotal.Reset()
	for status, count := range counts {
		CertificatesTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
