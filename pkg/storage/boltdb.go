package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/press/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Record buckets
	bucketServers      = []byte("servers")
	bucketClusters     = []byte("clusters")
	bucketTeams        = []byte("teams")
	bucketPlans        = []byte("plans")
	bucketRootDomains  = []byte("root_domains")
	bucketGroups       = []byte("release_groups")
	bucketCandidates   = []byte("deploy_candidates")
	bucketDifferences  = []byte("deploy_candidate_differences")
	bucketBenches      = []byte("benches")
	bucketSites        = []byte("sites")
	bucketSiteDomains  = []byte("site_domains")
	bucketAgentJobs    = []byte("agent_jobs")
	bucketSiteBackups  = []byte("site_backups")
	bucketSnapshots    = []byte("virtual_disk_snapshots")
	bucketSiteUpdates  = []byte("site_updates")
	bucketCertificates = []byte("tls_certificates")

	// Secondary index buckets. Keys are "<component>\x00...\x00<primary>",
	// values are the primary key.
	bucketIdxUpdatePair     = []byte("idx_site_update_site_candidates")
	bucketIdxUpdateServer   = []byte("idx_site_update_server_status")
	bucketIdxBackupSite     = []byte("idx_site_backup_site_creation")
	bucketIdxJobStatus      = []byte("idx_agent_job_status_server")
	bucketIdxJobSite        = []byte("idx_agent_job_site")
	bucketIdxDomainSite     = []byte("idx_site_domain_site")
	bucketIdxSiteServer     = []byte("idx_site_server")
	bucketIdxDifferencePair = []byte("idx_deploy_candidate_difference_pair")
)

var recordBuckets = [][]byte{
	bucketServers, bucketClusters, bucketTeams, bucketPlans, bucketRootDomains,
	bucketGroups, bucketCandidates, bucketDifferences, bucketBenches,
	bucketSites, bucketSiteDomains, bucketAgentJobs, bucketSiteBackups,
	bucketSnapshots, bucketSiteUpdates, bucketCertificates,
}

var indexBuckets = [][]byte{
	bucketIdxUpdatePair, bucketIdxUpdateServer, bucketIdxBackupSite,
	bucketIdxJobStatus, bucketIdxJobSite, bucketIdxDomainSite,
	bucketIdxSiteServer, bucketIdxDifferencePair,
}

const sortableTime = "20060102150405.000000000"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) press.db inside dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "press.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range append(append([][]byte{}, recordBuckets...), indexBuckets...) {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in an exclusive read-write transaction. If fn returns an
// error nothing it wrote is kept.
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// RebuildIndexes regenerates every index bucket from the record buckets
func (s *BoltStore) RebuildIndexes() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range indexBuckets {
			if err := tx.DeleteBucket(bucket); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		t := &boltTx{tx: tx}

		updates, err := list[types.SiteUpdate](tx, bucketSiteUpdates)
		if err != nil {
			return err
		}
		for _, u := range updates {
			if err := t.indexSiteUpdate(u); err != nil {
				return err
			}
		}
		backups, err := list[types.SiteBackup](tx, bucketSiteBackups)
		if err != nil {
			return err
		}
		for _, b := range backups {
			if err := t.index(bucketIdxBackupSite, b.Name, b.Site, b.Creation.UTC().Format(sortableTime)); err != nil {
				return err
			}
		}
		jobs, err := list[types.AgentJob](tx, bucketAgentJobs)
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if err := t.indexAgentJob(j); err != nil {
				return err
			}
		}
		domains, err := list[types.SiteDomain](tx, bucketSiteDomains)
		if err != nil {
			return err
		}
		for _, d := range domains {
			if err := t.index(bucketIdxDomainSite, d.Name, d.Site); err != nil {
				return err
			}
		}
		sites, err := list[types.Site](tx, bucketSites)
		if err != nil {
			return err
		}
		for _, site := range sites {
			if err := t.index(bucketIdxSiteServer, site.Name, site.Server); err != nil {
				return err
			}
		}
		diffs, err := list[types.DeployCandidateDifference](tx, bucketDifferences)
		if err != nil {
			return err
		}
		for _, d := range diffs {
			if err := t.index(bucketIdxDifferencePair, d.Name, d.Source, d.Destination); err != nil {
				return err
			}
		}
		return nil
	})
}

// boltTx binds the Tx interface to a bolt transaction
type boltTx struct {
	tx *bolt.Tx
}

func get[T any](tx *bolt.Tx, bucket []byte, kind, key string) (*T, error) {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return nil, &types.NotFoundError{Kind: kind, Name: key}
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", kind, key, err)
	}
	return &v, nil
}

func list[T any](tx *bolt.Tx, bucket []byte) ([]*T, error) {
	var out []*T
	err := tx.Bucket(bucket).ForEach(func(k, data []byte) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		out = append(out, &v)
		return nil
	})
	return out, err
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	if key == "" {
		return fmt.Errorf("empty key for bucket %s", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func stamp(creation, modified *time.Time) {
	now := time.Now().UTC()
	if creation.IsZero() {
		*creation = now
	}
	*modified = now
}

func indexKey(primary string, components ...string) []byte {
	return []byte(strings.Join(components, "\x00") + "\x00" + primary)
}

func indexPrefix(components ...string) []byte {
	return []byte(strings.Join(components, "\x00") + "\x00")
}

func (t *boltTx) index(bucket []byte, primary string, components ...string) error {
	return t.tx.Bucket(bucket).Put(indexKey(primary, components...), []byte(primary))
}

func (t *boltTx) unindex(bucket []byte, primary string, components ...string) error {
	return t.tx.Bucket(bucket).Delete(indexKey(primary, components...))
}

// scan returns primary keys under a prefix, in key order
func (t *boltTx) scan(bucket []byte, components ...string) []string {
	prefix := indexPrefix(components...)
	var keys []string
	c := t.tx.Bucket(bucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		keys = append(keys, string(v))
	}
	return keys
}

// --- Servers and topology ---

func (t *boltTx) GetServer(name string) (*types.Server, error) {
	return get[types.Server](t.tx, bucketServers, "server", name)
}

func (t *boltTx) ListServers() ([]*types.Server, error) {
	return list[types.Server](t.tx, bucketServers)
}

func (t *boltTx) PutServer(server *types.Server) error {
	stamp(&server.Creation, &server.Modified)
	return put(t.tx, bucketServers, server.Name, server)
}

func (t *boltTx) GetCluster(name string) (*types.Cluster, error) {
	return get[types.Cluster](t.tx, bucketClusters, "cluster", name)
}

func (t *boltTx) PutCluster(cluster *types.Cluster) error {
	return put(t.tx, bucketClusters, cluster.Name, cluster)
}

func (t *boltTx) GetTeam(name string) (*types.Team, error) {
	return get[types.Team](t.tx, bucketTeams, "team", name)
}

func (t *boltTx) PutTeam(team *types.Team) error {
	return put(t.tx, bucketTeams, team.Name, team)
}

func (t *boltTx) GetPlan(name string) (*types.Plan, error) {
	return get[types.Plan](t.tx, bucketPlans, "plan", name)
}

func (t *boltTx) ListPlans() ([]*types.Plan, error) {
	return list[types.Plan](t.tx, bucketPlans)
}

func (t *boltTx) PutPlan(plan *types.Plan) error {
	return put(t.tx, bucketPlans, plan.Name, plan)
}

func (t *boltTx) GetRootDomain(name string) (*types.RootDomain, error) {
	return get[types.RootDomain](t.tx, bucketRootDomains, "root domain", name)
}

func (t *boltTx) PutRootDomain(domain *types.RootDomain) error {
	return put(t.tx, bucketRootDomains, domain.Name, domain)
}

// --- Groups, candidates, benches ---

func (t *boltTx) GetReleaseGroup(name string) (*types.ReleaseGroup, error) {
	return get[types.ReleaseGroup](t.tx, bucketGroups, "release group", name)
}

func (t *boltTx) PutReleaseGroup(group *types.ReleaseGroup) error {
	return put(t.tx, bucketGroups, group.Name, group)
}

func (t *boltTx) GetDeployCandidate(name string) (*types.DeployCandidate, error) {
	return get[types.DeployCandidate](t.tx, bucketCandidates, "deploy candidate", name)
}

func (t *boltTx) PutDeployCandidate(candidate *types.DeployCandidate) error {
	if candidate.Creation.IsZero() {
		candidate.Creation = time.Now().UTC()
	}
	return put(t.tx, bucketCandidates, candidate.Name, candidate)
}

func (t *boltTx) ListDeployCandidateDifferences() ([]*types.DeployCandidateDifference, error) {
	return list[types.DeployCandidateDifference](t.tx, bucketDifferences)
}

func (t *boltTx) GetDeployCandidateDifference(source, destination string) (*types.DeployCandidateDifference, error) {
	names := t.scan(bucketIdxDifferencePair, source, destination)
	if len(names) == 0 {
		return nil, &types.NotFoundError{Kind: "deploy candidate difference", Name: source + " → " + destination}
	}
	return get[types.DeployCandidateDifference](t.tx, bucketDifferences, "deploy candidate difference", names[0])
}

func (t *boltTx) PutDeployCandidateDifference(diff *types.DeployCandidateDifference) error {
	if old, err := get[types.DeployCandidateDifference](t.tx, bucketDifferences, "", diff.Name); err == nil {
		if err := t.unindex(bucketIdxDifferencePair, old.Name, old.Source, old.Destination); err != nil {
			return err
		}
	}
	if err := put(t.tx, bucketDifferences, diff.Name, diff); err != nil {
		return err
	}
	return t.index(bucketIdxDifferencePair, diff.Name, diff.Source, diff.Destination)
}

func (t *boltTx) GetBench(name string) (*types.Bench, error) {
	return get[types.Bench](t.tx, bucketBenches, "bench", name)
}

func (t *boltTx) ListBenches() ([]*types.Bench, error) {
	return list[types.Bench](t.tx, bucketBenches)
}

func (t *boltTx) ListBenchesByServer(server string) ([]*types.Bench, error) {
	benches, err := t.ListBenches()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Bench
	for _, bench := range benches {
		if bench.Server == server {
			filtered = append(filtered, bench)
		}
	}
	return filtered, nil
}

func (t *boltTx) PutBench(bench *types.Bench) error {
	stamp(&bench.Creation, &bench.Modified)
	return put(t.tx, bucketBenches, bench.Name, bench)
}

// --- Sites and domains ---

func (t *boltTx) GetSite(name string) (*types.Site, error) {
	return get[types.Site](t.tx, bucketSites, "site", name)
}

func (t *boltTx) ListSites() ([]*types.Site, error) {
	return list[types.Site](t.tx, bucketSites)
}

func (t *boltTx) ListSitesByServer(server string) ([]*types.Site, error) {
	var sites []*types.Site
	for _, name := range t.scan(bucketIdxSiteServer, server) {
		site, err := t.GetSite(name)
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func (t *boltTx) ListSitesByBench(bench string) ([]*types.Site, error) {
	sites, err := t.ListSites()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Site
	for _, site := range sites {
		if site.Bench == bench {
			filtered = append(filtered, site)
		}
	}
	return filtered, nil
}

func (t *boltTx) PutSite(site *types.Site) error {
	stamp(&site.Creation, &site.Modified)
	if old, err := t.GetSite(site.Name); err == nil {
		if err := t.unindex(bucketIdxSiteServer, old.Name, old.Server); err != nil {
			return err
		}
	}
	if err := put(t.tx, bucketSites, site.Name, site); err != nil {
		return err
	}
	return t.index(bucketIdxSiteServer, site.Name, site.Server)
}

// RenameSite moves a site row to a new key and repoints the records that
// belong to it. Agent jobs keep the old name for audit.
func (t *boltTx) RenameSite(oldName, newName string) error {
	site, err := t.GetSite(oldName)
	if err != nil {
		return err
	}
	if _, err := t.GetSite(newName); err == nil {
		return fmt.Errorf("site already exists: %s", newName)
	}

	if err := t.unindex(bucketIdxSiteServer, oldName, site.Server); err != nil {
		return err
	}
	if err := t.tx.Bucket(bucketSites).Delete([]byte(oldName)); err != nil {
		return err
	}
	site.Name = newName
	if err := t.PutSite(site); err != nil {
		return err
	}

	domains, err := t.ListSiteDomains(oldName)
	if err != nil {
		return err
	}
	for _, d := range domains {
		d.Site = newName
		if err := t.PutSiteDomain(d); err != nil {
			return err
		}
	}

	backups, err := t.ListSiteBackupsBySite(oldName)
	if err != nil {
		return err
	}
	for _, b := range backups {
		b.Site = newName
		if err := t.PutSiteBackup(b); err != nil {
			return err
		}
	}

	updates, err := t.ListSiteUpdatesBySite(oldName)
	if err != nil {
		return err
	}
	for _, u := range updates {
		u.Site = newName
		if err := t.PutSiteUpdate(u); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) GetSiteDomain(name string) (*types.SiteDomain, error) {
	return get[types.SiteDomain](t.tx, bucketSiteDomains, "site domain", name)
}

func (t *boltTx) ListSiteDomains(site string) ([]*types.SiteDomain, error) {
	var domains []*types.SiteDomain
	for _, name := range t.scan(bucketIdxDomainSite, site) {
		d, err := t.GetSiteDomain(name)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

func (t *boltTx) PutSiteDomain(domain *types.SiteDomain) error {
	stamp(&domain.Creation, &domain.Modified)
	if old, err := t.GetSiteDomain(domain.Name); err == nil {
		if err := t.unindex(bucketIdxDomainSite, old.Name, old.Site); err != nil {
			return err
		}
	}
	if err := put(t.tx, bucketSiteDomains, domain.Name, domain); err != nil {
		return err
	}
	return t.index(bucketIdxDomainSite, domain.Name, domain.Site)
}

func (t *boltTx) DeleteSiteDomain(name string) error {
	old, err := t.GetSiteDomain(name)
	if err != nil {
		return err
	}
	if err := t.unindex(bucketIdxDomainSite, old.Name, old.Site); err != nil {
		return err
	}
	return t.tx.Bucket(bucketSiteDomains).Delete([]byte(name))
}

// --- Agent jobs ---

func (t *boltTx) GetAgentJob(id string) (*types.AgentJob, error) {
	return get[types.AgentJob](t.tx, bucketAgentJobs, "agent job", id)
}

func (t *boltTx) loadJobs(ids []string) ([]*types.AgentJob, error) {
	jobs := make([]*types.AgentJob, 0, len(ids))
	for _, id := range ids {
		job, err := t.GetAgentJob(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (t *boltTx) ListAgentJobsByStatus(status types.JobStatus) ([]*types.AgentJob, error) {
	return t.loadJobs(t.scan(bucketIdxJobStatus, string(status)))
}

func (t *boltTx) ListAgentJobsByStatusServer(status types.JobStatus, server string) ([]*types.AgentJob, error) {
	return t.loadJobs(t.scan(bucketIdxJobStatus, string(status), server))
}

// ListAgentJobsBySite returns jobs targeting site, oldest first
func (t *boltTx) ListAgentJobsBySite(site string) ([]*types.AgentJob, error) {
	return t.loadJobs(t.scan(bucketIdxJobSite, site))
}

func (t *boltTx) indexAgentJob(job *types.AgentJob) error {
	if err := t.index(bucketIdxJobStatus, job.ID, string(job.Status), job.Server); err != nil {
		return err
	}
	if job.Site != "" {
		return t.index(bucketIdxJobSite, job.ID, job.Site, job.Creation.UTC().Format(sortableTime))
	}
	return nil
}

func (t *boltTx) PutAgentJob(job *types.AgentJob) error {
	stamp(&job.Creation, &job.Modified)
	if old, err := t.GetAgentJob(job.ID); err == nil {
		if err := t.unindex(bucketIdxJobStatus, old.ID, string(old.Status), old.Server); err != nil {
			return err
		}
		if old.Site != "" {
			if err := t.unindex(bucketIdxJobSite, old.ID, old.Site, old.Creation.UTC().Format(sortableTime)); err != nil {
				return err
			}
		}
	}
	if err := put(t.tx, bucketAgentJobs, job.ID, job); err != nil {
		return err
	}
	return t.indexAgentJob(job)
}

// --- Backups ---

func (t *boltTx) GetSiteBackup(name string) (*types.SiteBackup, error) {
	return get[types.SiteBackup](t.tx, bucketSiteBackups, "site backup", name)
}

func (t *boltTx) ListSiteBackups() ([]*types.SiteBackup, error) {
	return list[types.SiteBackup](t.tx, bucketSiteBackups)
}

func (t *boltTx) ListSiteBackupsBySite(site string) ([]*types.SiteBackup, error) {
	names := t.scan(bucketIdxBackupSite, site)
	backups := make([]*types.SiteBackup, 0, len(names))
	for i := len(names) - 1; i >= 0; i-- {
		b, err := t.GetSiteBackup(names[i])
		if err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	return backups, nil
}

func (t *boltTx) PutSiteBackup(backup *types.SiteBackup) error {
	stamp(&backup.Creation, &backup.Modified)
	if old, err := t.GetSiteBackup(backup.Name); err == nil {
		if err := t.unindex(bucketIdxBackupSite, old.Name, old.Site, old.Creation.UTC().Format(sortableTime)); err != nil {
			return err
		}
	}
	if err := put(t.tx, bucketSiteBackups, backup.Name, backup); err != nil {
		return err
	}
	return t.index(bucketIdxBackupSite, backup.Name, backup.Site, backup.Creation.UTC().Format(sortableTime))
}

func (t *boltTx) GetVirtualDiskSnapshot(name string) (*types.VirtualDiskSnapshot, error) {
	return get[types.VirtualDiskSnapshot](t.tx, bucketSnapshots, "virtual disk snapshot", name)
}

func (t *boltTx) PutVirtualDiskSnapshot(snapshot *types.VirtualDiskSnapshot) error {
	if snapshot.Creation.IsZero() {
		snapshot.Creation = time.Now().UTC()
	}
	return put(t.tx, bucketSnapshots, snapshot.Name, snapshot)
}

// --- Updates ---

func (t *boltTx) GetSiteUpdate(name string) (*types.SiteUpdate, error) {
	return get[types.SiteUpdate](t.tx, bucketSiteUpdates, "site update", name)
}

func (t *boltTx) ListSiteUpdates() ([]*types.SiteUpdate, error) {
	updates, err := list[types.SiteUpdate](t.tx, bucketSiteUpdates)
	if err != nil {
		return nil, err
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Creation.Before(updates[j].Creation) })
	return updates, nil
}

func (t *boltTx) ListSiteUpdatesBySite(site string) ([]*types.SiteUpdate, error) {
	return t.loadUpdates(t.scan(bucketIdxUpdatePair, site))
}

func (t *boltTx) ListSiteUpdatesForPair(site, sourceCandidate, destinationCandidate string) ([]*types.SiteUpdate, error) {
	return t.loadUpdates(t.scan(bucketIdxUpdatePair, site, sourceCandidate, destinationCandidate))
}

func (t *boltTx) ListSiteUpdatesByServerStatus(server string, status types.UpdateStatus) ([]*types.SiteUpdate, error) {
	return t.loadUpdates(t.scan(bucketIdxUpdateServer, server, string(status)))
}

func (t *boltTx) loadUpdates(names []string) ([]*types.SiteUpdate, error) {
	updates := make([]*types.SiteUpdate, 0, len(names))
	for _, name := range names {
		u, err := t.GetSiteUpdate(name)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Creation.Before(updates[j].Creation) })
	return updates, nil
}

func (t *boltTx) indexSiteUpdate(u *types.SiteUpdate) error {
	if err := t.index(bucketIdxUpdatePair, u.Name, u.Site, u.SourceCandidate, u.DestinationCandidate); err != nil {
		return err
	}
	return t.index(bucketIdxUpdateServer, u.Name, u.Server, string(u.Status))
}

func (t *boltTx) PutSiteUpdate(update *types.SiteUpdate) error {
	stamp(&update.Creation, &update.Modified)
	if old, err := t.GetSiteUpdate(update.Name); err == nil {
		if err := t.unindex(bucketIdxUpdatePair, old.Name, old.Site, old.SourceCandidate, old.DestinationCandidate); err != nil {
			return err
		}
		if err := t.unindex(bucketIdxUpdateServer, old.Name, old.Server, string(old.Status)); err != nil {
			return err
		}
	}
	if err := put(t.tx, bucketSiteUpdates, update.Name, update); err != nil {
		return err
	}
	return t.indexSiteUpdate(update)
}

// --- Certificates ---

func (t *boltTx) GetTLSCertificate(name string) (*types.TLSCertificate, error) {
	return get[types.TLSCertificate](t.tx, bucketCertificates, "tls certificate", name)
}

func (t *boltTx) ListTLSCertificates() ([]*types.TLSCertificate, error) {
	return list[types.TLSCertificate](t.tx, bucketCertificates)
}

func (t *boltTx) PutTLSCertificate(cert *types.TLSCertificate) error {
	stamp(&cert.Creation, &cert.Modified)
	return put(t.tx, bucketCertificates, cert.Name, cert)
}
