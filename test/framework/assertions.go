package framework

import (
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Assertions checks fleet state and fails the test on mismatch
type Assertions struct {
	t     TestingT
	fleet *Fleet
}

// NewAssertions creates assertions over fleet
func NewAssertions(t TestingT, fleet *Fleet) *Assertions {
	return &Assertions{t: t, fleet: fleet}
}

// SiteStatus asserts the stored status of a site
func (a *Assertions) SiteStatus(name string, expected types.SiteStatus) {
	a.t.Helper()

	if got := a.fleet.Site(name).Status; got != expected {
		a.t.Fatalf("Site %s is %s, expected %s", name, got, expected)
	}
}

// JobStatus asserts the stored status of a job
func (a *Assertions) JobStatus(id string, expected types.JobStatus) {
	a.t.Helper()

	if got := a.fleet.Job(id).Status; got != expected {
		a.t.Fatalf("Job %s is %s, expected %s", id, got, expected)
	}
}

// JobCount asserts how many jobs of jobType the site has
func (a *Assertions) JobCount(site string, jobType types.JobType, expected int) {
	a.t.Helper()

	if got := len(a.fleet.Jobs(site, jobType)); got != expected {
		a.t.Fatalf("Site %s has %d %s jobs, expected %d", site, got, jobType, expected)
	}
}

// DNSRecord asserts a managed record exists with the given value
func (a *Assertions) DNSRecord(name string, recordType types.DNSRecordType, value string) {
	a.t.Helper()

	record, ok := a.fleet.DNS.Lookup(name)
	if !ok {
		a.t.Fatalf("No DNS record for %s", name)
		return
	}
	if record.Type != recordType || record.Value != value {
		a.t.Fatalf("DNS record %s is %s %s, expected %s %s", name, record.Type, record.Value, recordType, value)
	}
}

// NoDNSRecord asserts no managed record exists for name
func (a *Assertions) NoDNSRecord(name string) {
	a.t.Helper()

	if record, ok := a.fleet.DNS.Lookup(name); ok {
		a.t.Fatalf("Unexpected DNS record %s %s %s", name, record.Type, record.Value)
	}
}

// DomainStatus asserts the stored status of a site domain
func (a *Assertions) DomainStatus(name string, expected types.DomainStatus) {
	a.t.Helper()

	var domain *types.SiteDomain
	a.fleet.View(func(tx storage.Tx) error {
		var err error
		domain, err = tx.GetSiteDomain(name)
		return err
	})
	if domain.Status != expected {
		a.t.Fatalf("Domain %s is %s, expected %s", name, domain.Status, expected)
	}
}

// NoError fails on err
func (a *Assertions) NoError(err error, msg string) {
	a.t.Helper()

	if err != nil {
		a.t.Fatalf("%s: %v", msg, err)
	}
}
