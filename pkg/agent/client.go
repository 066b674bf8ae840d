package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Client issues agent jobs. Every method writes an Undelivered AgentJob in
// the caller's transaction and returns it; the Dispatcher delivers it later.
type Client struct {
	clock clock.Clock
}

// NewClient creates a new agent client
func NewClient(clk clock.Clock) *Client {
	if clk == nil {
		clk = clock.Real()
	}
	return &Client{clock: clk}
}

// JobOption adjusts a job before it is written
type JobOption func(*types.AgentJob)

// WithReference ties the job to the record that requested it
func WithReference(refType, refName string) JobOption {
	return func(j *types.AgentJob) {
		j.ReferenceType = refType
		j.ReferenceName = refName
	}
}

// WithFiles records the offsite keys the agent has to fetch
func WithFiles(files map[string]string) JobOption {
	return func(j *types.AgentJob) {
		j.RequestFiles = files
	}
}

// target is what a job runs against
type target struct {
	server string
	bench  string
	site   string
	host   string
}

func siteTarget(site *types.Site) target {
	return target{server: site.Server, bench: site.Bench, site: site.Name}
}

func proxyTarget(proxy string, site *types.Site) target {
	return target{server: proxy, site: site.Name}
}

func sitePath(site *types.Site, suffix string) string {
	path := fmt.Sprintf("benches/%s/sites/%s", site.Bench, site.Name)
	if suffix != "" {
		path += "/" + suffix
	}
	return path
}

func (c *Client) create(tx storage.Tx, jobType types.JobType, method, path string, data any, to target, opts []JobOption) (*types.AgentJob, error) {
	var body json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s request: %w", jobType, err)
		}
		body = encoded
	}

	now := c.clock.Now()
	job := &types.AgentJob{
		ID:            uuid.NewString(),
		Type:          jobType,
		Server:        to.server,
		Bench:         to.bench,
		Site:          to.site,
		Host:          to.host,
		Status:        types.JobStatusUndelivered,
		RequestMethod: method,
		RequestPath:   path,
		RequestData:   body,
		NextAttemptAt: now,
		Creation:      now,
	}
	for _, opt := range opts {
		opt(job)
	}

	if job.Server == "" {
		return nil, fmt.Errorf("%s job has no target server", jobType)
	}
	if err := tx.PutAgentJob(job); err != nil {
		return nil, fmt.Errorf("failed to save %s job: %w", jobType, err)
	}
	return job, nil
}

// NewSite installs a fresh site on its bench
func (c *Client) NewSite(tx storage.Tx, site *types.Site, adminPassword string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"name":           site.Name,
		"apps":           site.Apps,
		"config":         site.Config,
		"admin_password": adminPassword,
	}
	return c.create(tx, types.JobNewSite, http.MethodPost,
		fmt.Sprintf("benches/%s/sites", site.Bench), data, siteTarget(site), opts)
}

// NewSiteFromBackup creates a site and restores the backup into it
func (c *Client) NewSiteFromBackup(tx storage.Tx, site *types.Site, backup *types.SiteBackup, adminPassword string, skipFailingPatches bool, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"name":                 site.Name,
		"apps":                 site.Apps,
		"config":               site.Config,
		"admin_password":       adminPassword,
		"skip_failing_patches": skipFailingPatches,
		"database":             backup.RemoteDatabaseFile,
		"public":               backup.RemotePublicFile,
		"private":              backup.RemotePrivateFile,
	}
	opts = append([]JobOption{WithFiles(backupFiles(backup))}, opts...)
	return c.create(tx, types.JobNewSiteFromBackup, http.MethodPost,
		fmt.Sprintf("benches/%s/sites/restore", site.Bench), data, siteTarget(site), opts)
}

// AddSiteToUpstream routes the site's hostname to its app server
func (c *Client) AddSiteToUpstream(tx storage.Tx, proxy string, site *types.Site, upstreamIP string, opts ...JobOption) (*types.AgentJob, error) {
	to := proxyTarget(proxy, site)
	to.host = upstreamIP
	return c.create(tx, types.JobAddSiteToUpstream, http.MethodPost,
		fmt.Sprintf("proxy/upstreams/%s/sites", upstreamIP), map[string]any{"name": site.Name}, to, opts)
}

// RemoveSiteFromUpstream drops the site from the proxy
func (c *Client) RemoveSiteFromUpstream(tx storage.Tx, proxy string, site *types.Site, upstreamIP string, opts ...JobOption) (*types.AgentJob, error) {
	to := proxyTarget(proxy, site)
	to.host = upstreamIP
	return c.create(tx, types.JobRemoveSiteFromUpstream, http.MethodDelete,
		fmt.Sprintf("proxy/upstreams/%s/sites/%s", upstreamIP, site.Name), nil, to, opts)
}

// ArchiveSite drops the site's database and files
func (c *Client) ArchiveSite(tx storage.Tx, site *types.Site, force bool, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobArchiveSite, http.MethodPost,
		sitePath(site, "archive"), map[string]any{"force": force}, siteTarget(site), opts)
}

// RenameSite renames the site directory and database on its bench
func (c *Client) RenameSite(tx storage.Tx, site *types.Site, newName string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"new_name": newName}
	return c.create(tx, types.JobRenameSite, http.MethodPost, sitePath(site, "rename"), data, siteTarget(site), opts)
}

// RenameSiteOnUpstream renames the site's host on the proxy
func (c *Client) RenameSiteOnUpstream(tx storage.Tx, proxy string, site *types.Site, upstreamIP, newName string, opts ...JobOption) (*types.AgentJob, error) {
	to := proxyTarget(proxy, site)
	to.host = upstreamIP
	data := map[string]any{"name": site.Name, "new_name": newName}
	return c.create(tx, types.JobRenameSiteOnUpstream, http.MethodPost,
		fmt.Sprintf("proxy/upstreams/%s/rename", upstreamIP), data, to, opts)
}

// UpdateOptions are the flags of an UpdateSite job
type UpdateOptions struct {
	DeployType           types.DeployType
	SkipFailingPatches   bool
	SkipBackups          bool
	SkipSearchIndex      bool
	BeforeMigrateScripts map[string]string
	Apps                 []string
}

// UpdateSite moves the site from its current bench to destination
func (c *Client) UpdateSite(tx storage.Tx, site *types.Site, destination *types.Bench, options UpdateOptions, opts ...JobOption) (*types.AgentJob, error) {
	jobType, action := types.JobUpdateSitePull, "update/pull"
	if options.DeployType == types.DeployTypeMigrate {
		jobType, action = types.JobUpdateSiteMigrate, "update/migrate"
	}

	data := map[string]any{
		"target":                 destination.Name,
		"activate":               true,
		"skip_failing_patches":   options.SkipFailingPatches,
		"skip_backups":           options.SkipBackups,
		"before_migrate_scripts": options.BeforeMigrateScripts,
		"skip_search_index":      options.SkipSearchIndex,
	}
	if len(options.Apps) > 0 {
		data["apps"] = options.Apps
	}
	return c.create(tx, jobType, http.MethodPost, sitePath(site, action), data, siteTarget(site), opts)
}

// UpdateSiteRecover restores a site after a failed in-place update
func (c *Client) UpdateSiteRecover(tx storage.Tx, site *types.Site, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobUpdateSiteRecover, http.MethodPost,
		sitePath(site, "update/recover"), map[string]any{}, siteTarget(site), opts)
}

// UpdateSiteRecoverMove restores the pre-update backup and moves the site
// back to the source bench
func (c *Client) UpdateSiteRecoverMove(tx storage.Tx, site *types.Site, source *types.Bench, activate bool, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"target": source.Name, "activate": activate}
	return c.create(tx, types.JobUpdateSiteRecoverMove, http.MethodPost,
		sitePath(site, "update/migrate/recover"), data, siteTarget(site), opts)
}

// RestoreSite replaces the site's data with a backup
func (c *Client) RestoreSite(tx storage.Tx, site *types.Site, backup *types.SiteBackup, adminPassword string, skipFailingPatches bool, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"apps":                 site.Apps,
		"admin_password":       adminPassword,
		"skip_failing_patches": skipFailingPatches,
		"database":             backup.RemoteDatabaseFile,
		"public":               backup.RemotePublicFile,
		"private":              backup.RemotePrivateFile,
	}
	opts = append([]JobOption{WithFiles(backupFiles(backup))}, opts...)
	return c.create(tx, types.JobRestoreSite, http.MethodPost, sitePath(site, "restore"), data, siteTarget(site), opts)
}

// RestoreSiteTables restores selected tables from a backup
func (c *Client) RestoreSiteTables(tx storage.Tx, site *types.Site, backup *types.SiteBackup, tables []string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"tables":   tables,
		"database": backup.RemoteDatabaseFile,
	}
	opts = append([]JobOption{WithFiles(backupFiles(backup))}, opts...)
	return c.create(tx, types.JobRestoreSiteTables, http.MethodPost, sitePath(site, "restore-tables"), data, siteTarget(site), opts)
}

// ReinstallSite wipes the site and installs its apps again
func (c *Client) ReinstallSite(tx storage.Tx, site *types.Site, adminPassword string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"admin_password": adminPassword}
	return c.create(tx, types.JobReinstallSite, http.MethodPost, sitePath(site, "reinstall"), data, siteTarget(site), opts)
}

// BackupSite takes the backup described by the SiteBackup row
func (c *Client) BackupSite(tx storage.Tx, site *types.Site, backup *types.SiteBackup, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"with_files": backup.WithFiles,
		"offsite":    backup.Offsite,
		"physical":   backup.Physical,
		"deactivate": backup.DeactivateSiteDuringBackup,
	}
	if backup.Offsite && backup.Bucket != "" {
		data["offsite"] = map[string]any{"bucket": backup.Bucket, "prefix": site.Name}
	}
	opts = append([]JobOption{WithReference("Site Backup", backup.Name)}, opts...)
	return c.create(tx, types.JobBackupSite, http.MethodPost, sitePath(site, "backup"), data, siteTarget(site), opts)
}

// InstallAppOnSite installs one app already present on the bench
func (c *Client) InstallAppOnSite(tx storage.Tx, site *types.Site, app string, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobInstallAppOnSite, http.MethodPost,
		sitePath(site, "apps"), map[string]any{"name": app}, siteTarget(site), opts)
}

// UninstallAppFromSite removes one app from the site
func (c *Client) UninstallAppFromSite(tx storage.Tx, site *types.Site, app string, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobUninstallAppFromSite, http.MethodDelete,
		sitePath(site, "apps/"+app), nil, siteTarget(site), opts)
}

// ClearSiteCache flushes the site's redis cache
func (c *Client) ClearSiteCache(tx storage.Tx, site *types.Site, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobClearSiteCache, http.MethodPost, sitePath(site, "cache"), map[string]any{}, siteTarget(site), opts)
}

// MoveSiteToBench moves the site to another bench on the same server
func (c *Client) MoveSiteToBench(tx storage.Tx, site *types.Site, destination *types.Bench, skipFailingPatches bool, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{
		"target":               destination.Name,
		"deactivate":           true,
		"skip_failing_patches": skipFailingPatches,
	}
	return c.create(tx, types.JobMoveSiteToBench, http.MethodPost, sitePath(site, "move_to_bench"), data, siteTarget(site), opts)
}

// SetupRedirects points the given domains at target on the proxy
func (c *Client) SetupRedirects(tx storage.Tx, proxy string, site *types.Site, domains []string, redirectTo string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"domains": domains, "target": redirectTo}
	return c.create(tx, types.JobSetupRedirects, http.MethodPost, "proxy/hosts/redirects", data, proxyTarget(proxy, site), opts)
}

// RemoveRedirects drops redirects for the given domains
func (c *Client) RemoveRedirects(tx storage.Tx, proxy string, site *types.Site, domains []string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"domains": domains}
	return c.create(tx, types.JobRemoveRedirects, http.MethodDelete, "proxy/hosts/redirects", data, proxyTarget(proxy, site), opts)
}

// TLSBundle is certificate material as shipped to agents
type TLSBundle struct {
	Certificate       string `json:"certificate"`
	FullChain         string `json:"full_chain"`
	IntermediateChain string `json:"intermediate_chain"`
	PrivateKey        string `json:"privkey"`
}

// NewHost terminates host on the proxy and routes it to the site
func (c *Client) NewHost(tx storage.Tx, proxy string, site *types.Site, host string, bundle TLSBundle, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"name": host, "target": site.Name, "certificate": bundle}
	to := proxyTarget(proxy, site)
	to.host = host
	return c.create(tx, types.JobNewHost, http.MethodPost, "proxy/hosts", data, to, opts)
}

// RemoveHost stops terminating host on the proxy
func (c *Client) RemoveHost(tx storage.Tx, proxy string, site *types.Site, host string, opts ...JobOption) (*types.AgentJob, error) {
	to := proxyTarget(proxy, site)
	to.host = host
	return c.create(tx, types.JobRemoveHost, http.MethodDelete, "proxy/hosts/"+host, nil, to, opts)
}

// UpdateSiteConfig merges config into the site's site_config.json
func (c *Client) UpdateSiteConfig(tx storage.Tx, site *types.Site, config map[string]any, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"config": config, "remove": []string{}}
	return c.create(tx, types.JobUpdateSiteConfig, http.MethodPost, sitePath(site, "config"), data, siteTarget(site), opts)
}

// UpdateSiteStatus sets how the proxy serves the site: active, suspended or
// deactivated
func (c *Client) UpdateSiteStatus(tx storage.Tx, proxy string, site *types.Site, upstreamIP, status string, opts ...JobOption) (*types.AgentJob, error) {
	to := proxyTarget(proxy, site)
	to.host = upstreamIP
	return c.create(tx, types.JobUpdateSiteStatus, http.MethodPost,
		fmt.Sprintf("proxy/upstreams/%s/sites/%s/status", upstreamIP, site.Name),
		map[string]any{"status": status}, to, opts)
}

// FetchDatabaseTableSchema reads table definitions from the site database
func (c *Client) FetchDatabaseTableSchema(tx storage.Tx, site *types.Site, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobFetchDatabaseTableSchema, http.MethodPost,
		sitePath(site, "database/schema"), map[string]any{"include_index_info": true}, siteTarget(site), opts)
}

// AnalyzeSlowQueries asks the agent for index suggestions
func (c *Client) AnalyzeSlowQueries(tx storage.Tx, site *types.Site, queries []string, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobAnalyzeSlowQueries, http.MethodPost,
		sitePath(site, "database/analyze-slow-queries"), map[string]any{"queries": queries}, siteTarget(site), opts)
}

// AddDatabaseIndex creates an index on table
func (c *Client) AddDatabaseIndex(tx storage.Tx, site *types.Site, table string, columns []string, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"indexes": []map[string]any{{"table": table, "columns": columns}}}
	return c.create(tx, types.JobAddDatabaseIndex, http.MethodPost, sitePath(site, "database/indexes"), data, siteTarget(site), opts)
}

// OptimizeTables runs OPTIMIZE TABLE over the site database
func (c *Client) OptimizeTables(tx storage.Tx, site *types.Site, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobOptimizeTables, http.MethodPost, sitePath(site, "optimize"), map[string]any{}, siteTarget(site), opts)
}

// BinlogRange bounds a binlog query
type BinlogRange struct {
	Start time.Time
	End   time.Time
}

func (r BinlogRange) data(database string) map[string]any {
	return map[string]any{
		"database":   database,
		"start_time": r.Start.Unix(),
		"end_time":   r.End.Unix(),
	}
}

func databaseTarget(site *types.Site, dbServer string) target {
	return target{server: dbServer, site: site.Name}
}

// GetBinlogsTimeline counts binlog events per interval on the site's database server
func (c *Client) GetBinlogsTimeline(tx storage.Tx, dbServer string, site *types.Site, database string, r BinlogRange, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobGetBinlogsTimeline, http.MethodPost,
		"database/binlogs/indexer/timeline", r.data(database), databaseTarget(site, dbServer), opts)
}

// SearchBinlogs searches indexed binlogs
func (c *Client) SearchBinlogs(tx storage.Tx, dbServer string, site *types.Site, database, query string, r BinlogRange, opts ...JobOption) (*types.AgentJob, error) {
	data := r.data(database)
	data["search_string"] = query
	return c.create(tx, types.JobSearchBinlogs, http.MethodPost,
		"database/binlogs/indexer/search", data, databaseTarget(site, dbServer), opts)
}

// GetBinlogQueries fetches full statements for the given row ids
func (c *Client) GetBinlogQueries(tx storage.Tx, dbServer string, site *types.Site, database string, rowIDs []int64, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"database": database, "row_ids": rowIDs}
	return c.create(tx, types.JobGetBinlogQueries, http.MethodPost,
		"database/binlogs/indexer/query", data, databaseTarget(site, dbServer), opts)
}

// User is a site user created through the agent
type User struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password,omitempty"`
}

// CreateUser adds a system user to the site
func (c *Client) CreateUser(tx storage.Tx, site *types.Site, user User, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobCreateUser, http.MethodPost, sitePath(site, "create-user"), user, siteTarget(site), opts)
}

// CompleteSetupWizard finishes the setup wizard with data
func (c *Client) CompleteSetupWizard(tx storage.Tx, site *types.Site, data map[string]any, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobCompleteSetupWizard, http.MethodPost,
		sitePath(site, "complete-setup-wizard"), map[string]any{"data": data}, siteTarget(site), opts)
}

// AddDomain registers a custom domain with the site
func (c *Client) AddDomain(tx storage.Tx, site *types.Site, domain string, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobAddDomain, http.MethodPost,
		sitePath(site, "domains"), map[string]any{"domain": domain}, siteTarget(site), opts)
}

// SetupWildcardHosts installs wildcard certificates on a proxy
func (c *Client) SetupWildcardHosts(tx storage.Tx, proxy string, domains []string, bundle TLSBundle, opts ...JobOption) (*types.AgentJob, error) {
	wildcards := make([]map[string]any, 0, len(domains))
	for _, d := range domains {
		wildcards = append(wildcards, map[string]any{"domain": d, "certificate": bundle})
	}
	return c.create(tx, types.JobSetupWildcardHosts, http.MethodPost, "proxy/wildcards", wildcards, target{server: proxy}, opts)
}

// UpdateTLSCertificate installs a certificate on any server that terminates TLS
func (c *Client) UpdateTLSCertificate(tx storage.Tx, server string, cert *types.TLSCertificate, bundle TLSBundle, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"domain": cert.Domain, "wildcard": cert.Wildcard, "certificate": bundle}
	opts = append([]JobOption{WithReference("TLS Certificate", cert.Name)}, opts...)
	return c.create(tx, types.JobUpdateTLSCertificate, http.MethodPost, "ssl", data, target{server: server, host: cert.Domain}, opts)
}

// ResizeVolume grows the server's data volume filesystem
func (c *Client) ResizeVolume(tx storage.Tx, server string, sizeGB int64, opts ...JobOption) (*types.AgentJob, error) {
	return c.create(tx, types.JobResizeVolume, http.MethodPost,
		"server/volume/resize", map[string]any{"size": sizeGB}, target{server: server}, opts)
}

// UpdateBenchWorkers sets the bench's worker counts
func (c *Client) UpdateBenchWorkers(tx storage.Tx, bench *types.Bench, gunicorn, background int, opts ...JobOption) (*types.AgentJob, error) {
	data := map[string]any{"gunicorn_workers": gunicorn, "background_workers": background}
	return c.create(tx, types.JobUpdateBenchWorkers, http.MethodPost,
		fmt.Sprintf("benches/%s/workers", bench.Name), data, target{server: bench.Server, bench: bench.Name}, opts)
}

// DeleteSnapshot removes a volume snapshot backing a physical backup
func (c *Client) DeleteSnapshot(tx storage.Tx, snapshot *types.VirtualDiskSnapshot, opts ...JobOption) (*types.AgentJob, error) {
	opts = append([]JobOption{WithReference("Virtual Disk Snapshot", snapshot.Name)}, opts...)
	return c.create(tx, types.JobDeleteSnapshot, http.MethodDelete,
		"server/snapshots/"+snapshot.Name, nil, target{server: snapshot.Server}, opts)
}

func backupFiles(backup *types.SiteBackup) map[string]string {
	files := make(map[string]string)
	if backup.RemoteDatabaseFile != "" {
		files["database"] = backup.RemoteDatabaseFile
	}
	if backup.RemotePublicFile != "" {
		files["public"] = backup.RemotePublicFile
	}
	if backup.RemotePrivateFile != "" {
		files["private"] = backup.RemotePrivateFile
	}
	if backup.RemoteConfigFile != "" {
		files["config"] = backup.RemoteConfigFile
	}
	return files
}

// ExpireSnapshot marks a physical backup's snapshot expired and asks its
// server to delete it. Expired snapshots are left alone.
func (c *Client) ExpireSnapshot(tx storage.Tx, name string) (*types.AgentJob, error) {
	snapshot, err := tx.GetVirtualDiskSnapshot(name)
	if err != nil {
		return nil, err
	}
	if snapshot.Expired {
		return nil, nil
	}
	snapshot.Expired = true
	snapshot.Status = types.SnapshotStatusUnavailable
	if err := tx.PutVirtualDiskSnapshot(snapshot); err != nil {
		return nil, err
	}
	return c.DeleteSnapshot(tx, snapshot)
}
