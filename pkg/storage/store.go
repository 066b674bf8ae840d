package storage

import (
	"github.com/cuemby/press/pkg/types"
)

// Store defines the interface for control plane state storage.
// All reads and writes go through a transaction; a read-write transaction
// is exclusive, so every callback commits its multi-record change atomically.
type Store interface {
	View(fn func(tx Tx) error) error
	Update(fn func(tx Tx) error) error

	// RebuildIndexes drops and regenerates every secondary index bucket
	RebuildIndexes() error

	Close() error
}

// Tx is a view of the store bound to one transaction
type Tx interface {
	// Servers and fleet topology
	GetServer(name string) (*types.Server, error)
	ListServers() ([]*types.Server, error)
	PutServer(server *types.Server) error
	GetCluster(name string) (*types.Cluster, error)
	PutCluster(cluster *types.Cluster) error
	GetTeam(name string) (*types.Team, error)
	PutTeam(team *types.Team) error
	GetPlan(name string) (*types.Plan, error)
	ListPlans() ([]*types.Plan, error)
	PutPlan(plan *types.Plan) error
	GetRootDomain(name string) (*types.RootDomain, error)
	PutRootDomain(domain *types.RootDomain) error

	// Release groups, candidates and benches
	GetReleaseGroup(name string) (*types.ReleaseGroup, error)
	PutReleaseGroup(group *types.ReleaseGroup) error
	GetDeployCandidate(name string) (*types.DeployCandidate, error)
	PutDeployCandidate(candidate *types.DeployCandidate) error
	ListDeployCandidateDifferences() ([]*types.DeployCandidateDifference, error)
	GetDeployCandidateDifference(source, destination string) (*types.DeployCandidateDifference, error)
	PutDeployCandidateDifference(diff *types.DeployCandidateDifference) error
	GetBench(name string) (*types.Bench, error)
	ListBenches() ([]*types.Bench, error)
	ListBenchesByServer(server string) ([]*types.Bench, error)
	PutBench(bench *types.Bench) error

	// Sites and domains
	GetSite(name string) (*types.Site, error)
	ListSites() ([]*types.Site, error)
	ListSitesByServer(server string) ([]*types.Site, error)
	ListSitesByBench(bench string) ([]*types.Site, error)
	PutSite(site *types.Site) error
	RenameSite(oldName, newName string) error
	GetSiteDomain(name string) (*types.SiteDomain, error)
	ListSiteDomains(site string) ([]*types.SiteDomain, error)
	PutSiteDomain(domain *types.SiteDomain) error
	DeleteSiteDomain(name string) error

	// Agent jobs
	GetAgentJob(id string) (*types.AgentJob, error)
	ListAgentJobsByStatus(status types.JobStatus) ([]*types.AgentJob, error)
	ListAgentJobsByStatusServer(status types.JobStatus, server string) ([]*types.AgentJob, error)
	ListAgentJobsBySite(site string) ([]*types.AgentJob, error)
	PutAgentJob(job *types.AgentJob) error

	// Backups and snapshots
	GetSiteBackup(name string) (*types.SiteBackup, error)
	ListSiteBackups() ([]*types.SiteBackup, error)
	ListSiteBackupsBySite(site string) ([]*types.SiteBackup, error) // Newest first
	PutSiteBackup(backup *types.SiteBackup) error
	GetVirtualDiskSnapshot(name string) (*types.VirtualDiskSnapshot, error)
	PutVirtualDiskSnapshot(snapshot *types.VirtualDiskSnapshot) error

	// Updates
	GetSiteUpdate(name string) (*types.SiteUpdate, error)
	ListSiteUpdates() ([]*types.SiteUpdate, error)
	ListSiteUpdatesBySite(site string) ([]*types.SiteUpdate, error)
	ListSiteUpdatesForPair(site, sourceCandidate, destinationCandidate string) ([]*types.SiteUpdate, error)
	ListSiteUpdatesByServerStatus(server string, status types.UpdateStatus) ([]*types.SiteUpdate, error)
	PutSiteUpdate(update *types.SiteUpdate) error

	// Certificates
	GetTLSCertificate(name string) (*types.TLSCertificate, error)
	ListTLSCertificates() ([]*types.TLSCertificate, error)
	PutTLSCertificate(cert *types.TLSCertificate) error
}
