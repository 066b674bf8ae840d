package types

import (
	"encoding/json"
	"time"
)

// ServerKind identifies what a managed host does in the fleet
type ServerKind string

const (
	ServerKindApp      ServerKind = "Server"
	ServerKindDatabase ServerKind = "Database Server"
	ServerKindProxy    ServerKind = "Proxy Server"
	ServerKindMonitor  ServerKind = "Monitor Server"
	ServerKindLog      ServerKind = "Log Server"
	ServerKindRegistry ServerKind = "Registry Server"
	ServerKindTrace    ServerKind = "Trace Server"
)

// ServerStatus is shared by servers and benches
type ServerStatus string

const (
	ServerStatusInstalling ServerStatus = "Installing"
	ServerStatusActive     ServerStatus = "Active"
	ServerStatusBroken     ServerStatus = "Broken"
	ServerStatusArchived   ServerStatus = "Archived"
)

// Server represents a managed host of any kind
type Server struct {
	Name           string
	Kind           ServerKind
	Address        string // Agent endpoint, e.g. "https://n1.example.com:25052"
	IP             string
	Cluster        string
	Status         ServerStatus
	Team           string
	Public         bool   // Shared by many teams
	ProxyServer    string // App servers only
	DatabaseServer string // App servers only

	RAMMB      int64
	DiskGB     int64
	DiskUsedGB int64

	SkipScheduledBackups        bool
	TLSCertificateRenewalFailed bool
	AutoIncreaseStorage         bool
	LastVolumeResize            time.Time

	Creation time.Time
	Modified time.Time
}

// CanHostSites reports whether benches and sites may be placed on the server
func (s *Server) CanHostSites() bool {
	return s.Kind == ServerKindApp
}

// CanTerminateTLS reports whether the server receives certificates
func (s *Server) CanTerminateTLS() bool {
	switch s.Kind {
	case ServerKindProxy, ServerKindApp, ServerKindMonitor, ServerKindLog, ServerKindRegistry, ServerKindTrace:
		return true
	}
	return false
}

// OwnsDNS reports whether site hostnames point at the server
func (s *Server) OwnsDNS() bool {
	return s.Kind == ServerKindProxy
}

// FreeDiskGB returns the unused volume space
func (s *Server) FreeDiskGB() int64 {
	return s.DiskGB - s.DiskUsedGB
}

// Cluster is a fault domain within a cloud region
type Cluster struct {
	Name          string
	Region        string
	CloudProvider string
}

// Team owns sites and receives notifications
type Team struct {
	Name           string
	Email          string
	Timezone       string // IANA name, e.g. "Asia/Kolkata"
	BillingEnabled bool
}

// Plan caps the resources a site may use
type Plan struct {
	Name                string
	IsTrial             bool
	MaxStorageMB        int64
	MaxDatabaseMB       int64
	CPUTimePerDay       int
	OffsiteBackups      bool
	AllowPhysicalBackup bool
	Dedicated           bool // Sites on this plan live on private benches
}

// RootDomain holds the DNS provider binding for a parent domain
type RootDomain struct {
	Name         string
	DNSProvider  string
	DefaultProxy string
}

// ReleaseGroup is a versioned collection of apps deployable as benches
type ReleaseGroup struct {
	Name    string
	Title   string
	Team    string
	Public  bool
	Servers []string
}

// AllowsServer reports whether the group may deploy to server
func (g *ReleaseGroup) AllowsServer(server string) bool {
	for _, s := range g.Servers {
		if s == server {
			return true
		}
	}
	return false
}

// AppRelease is one app at a specific revision inside a candidate
type AppRelease struct {
	App                 string
	PreviousName        string // Set when the app was renamed
	Hash                string
	BeforeMigrateScript string
}

// DeployCandidate is a buildable revision of a release group
type DeployCandidate struct {
	Name          string
	Group         string
	FrappeVersion int // Major version, e.g. 15
	Apps          []AppRelease
	Creation      time.Time
}

// DeployType classifies what an update has to do to a site
type DeployType string

const (
	DeployTypePull    DeployType = "Pull"    // Code only
	DeployTypeMigrate DeployType = "Migrate" // Schema changes
)

// AppDifference is the per-app part of a DeployCandidateDifference
type AppDifference struct {
	App        string
	DeployType DeployType
}

// DeployCandidateDifference describes the transition between two candidates
type DeployCandidateDifference struct {
	Name        string
	Group       string
	Source      string
	Destination string
	Apps        []AppDifference
}

// DeployType returns Migrate if any app needs a migration
func (d *DeployCandidateDifference) DeployType() DeployType {
	for _, app := range d.Apps {
		if app.DeployType == DeployTypeMigrate {
			return DeployTypeMigrate
		}
	}
	return DeployTypePull
}

// BenchApp is an app available on a bench
type BenchApp struct {
	App  string
	Hash string
}

// Bench is an immutable deployed image of a group candidate on one server
type Bench struct {
	Name                string
	Group               string
	Candidate           string
	Server              string
	Cluster             string
	Status              ServerStatus
	Public              bool
	Apps                []BenchApp
	WorkloadScore       float64
	GunicornWorkers     int
	BackgroundWorkers   int
	KeepBackupsForHours int
	Creation            time.Time
	Modified            time.Time
}

// HasApp reports whether app is available on the bench
func (b *Bench) HasApp(app string) bool {
	for _, a := range b.Apps {
		if a.App == app {
			return true
		}
	}
	return false
}

// SiteStatus is the lifecycle state of a site
type SiteStatus string

const (
	SiteStatusPending    SiteStatus = "Pending"
	SiteStatusInstalling SiteStatus = "Installing"
	SiteStatusUpdating   SiteStatus = "Updating"
	SiteStatusRecovering SiteStatus = "Recovering"
	SiteStatusActive     SiteStatus = "Active"
	SiteStatusInactive   SiteStatus = "Inactive"
	SiteStatusBroken     SiteStatus = "Broken"
	SiteStatusArchived   SiteStatus = "Archived"
	SiteStatusSuspended  SiteStatus = "Suspended"
)

// InMaintenance reports whether no update, migrate or archive may start
func (s SiteStatus) InMaintenance() bool {
	switch s {
	case SiteStatusUpdating, SiteStatusRecovering, SiteStatusPending, SiteStatusInstalling:
		return true
	}
	return false
}

// Site is a tenant Frappe instance housed in a bench
type Site struct {
	Name      string // "{subdomain}.{domain}"
	Subdomain string
	Domain    string
	Bench     string
	Group     string
	Server    string
	Cluster   string
	Team      string
	Plan      string
	HostName  string

	Status             SiteStatus
	StatusBeforeUpdate SiteStatus
	SuspendReason      string
	SuspendedOn        time.Time

	AdminPassword []byte // Encrypted at rest
	Config        map[string]any
	Apps          []string

	CurrentCPUUsage      float64 // Percent of plan
	CurrentDiskUsage     float64 // Percent of plan
	CurrentDatabaseUsage float64 // Percent of plan
	DiskUsedMB           int64
	DatabaseUsedMB       int64

	SiteUsageExceeded              bool
	SiteUsageExceededOn            time.Time
	SiteUsageExceededLastChecked   time.Time
	LastSiteUsageWarningMailSentOn time.Time

	TrialEndDate time.Time

	SkipAutoUpdates                    bool
	DeployHours                        []int // Hours of day in the team's timezone; empty allows any
	OnlyUpdateAtSpecifiedTime          bool
	ScheduleLogicalBackupAtCustomTime  bool
	SchedulePhysicalBackupAtCustomTime bool
	LogicalBackupTimes                 []string // "HH:MM" in UTC
	PhysicalBackupTimes                []string
	AllowPhysicalBackupByUser          bool
	SubscriptionsDisabled              bool
	SetupWizardComplete                bool

	CreationFailed time.Time
	ArchiveFailed  bool

	Creation time.Time
	Modified time.Time
}

// DefaultDomain returns "{subdomain}.{domain}"
func (s *Site) DefaultDomain() string {
	return s.Subdomain + "." + s.Domain
}

// HasApp reports whether app is installed on the site
func (s *Site) HasApp(app string) bool {
	for _, a := range s.Apps {
		if a == app {
			return true
		}
	}
	return false
}

// DomainStatus is the lifecycle state of a SiteDomain
type DomainStatus string

const (
	DomainStatusPending    DomainStatus = "Pending"
	DomainStatusInProgress DomainStatus = "In Progress"
	DomainStatusActive     DomainStatus = "Active"
	DomainStatusBroken     DomainStatus = "Broken"
)

// DNSRecordType is a record type the core manages
type DNSRecordType string

const (
	DNSRecordA     DNSRecordType = "A"
	DNSRecordCNAME DNSRecordType = "CNAME"
	DNSRecordNS    DNSRecordType = "NS"
	DNSRecordTXT   DNSRecordType = "TXT" // ACME challenges only
)

// SiteDomain maps an FQDN to a site
type SiteDomain struct {
	Name              string // FQDN
	Site              string
	Team              string
	Status            DomainStatus
	DNSType           DNSRecordType
	RedirectToPrimary bool
	TLSCertificate    string
	Error             string
	Creation          time.Time
	Modified          time.Time
}

// JobType names a remote agent operation
type JobType string

const (
	JobNewSite                  JobType = "New Site"
	JobNewSiteFromBackup        JobType = "New Site from Backup"
	JobAddSiteToUpstream        JobType = "Add Site to Upstream"
	JobRemoveSiteFromUpstream   JobType = "Remove Site from Upstream"
	JobArchiveSite              JobType = "Archive Site"
	JobRenameSite               JobType = "Rename Site"
	JobRenameSiteOnUpstream     JobType = "Rename Site on Upstream"
	JobUpdateSitePull           JobType = "Update Site Pull"
	JobUpdateSiteMigrate        JobType = "Update Site Migrate"
	JobUpdateSiteRecover        JobType = "Recover Failed Site Update"
	JobUpdateSiteRecoverMove    JobType = "Recover Failed Site Migrate"
	JobRestoreSite              JobType = "Restore Site"
	JobRestoreSiteTables        JobType = "Restore Site Tables"
	JobReinstallSite            JobType = "Reinstall Site"
	JobBackupSite               JobType = "Backup Site"
	JobInstallAppOnSite         JobType = "Install App on Site"
	JobUninstallAppFromSite     JobType = "Uninstall App from Site"
	JobClearSiteCache           JobType = "Clear Cache"
	JobMoveSiteToBench          JobType = "Move Site to Bench"
	JobSetupRedirects           JobType = "Setup Redirects on Hosts"
	JobRemoveRedirects          JobType = "Remove Redirects on Hosts"
	JobNewHost                  JobType = "Add Host to Proxy"
	JobRemoveHost               JobType = "Remove Host from Proxy"
	JobUpdateSiteConfig         JobType = "Update Site Configuration"
	JobUpdateSiteStatus         JobType = "Update Site Status"
	JobFetchDatabaseTableSchema JobType = "Fetch Database Table Schema"
	JobAnalyzeSlowQueries       JobType = "Analyze Slow Queries"
	JobAddDatabaseIndex         JobType = "Add Database Index"
	JobOptimizeTables           JobType = "Optimize Tables"
	JobGetBinlogsTimeline       JobType = "Get Binlogs Timeline"
	JobSearchBinlogs            JobType = "Search Binlogs"
	JobGetBinlogQueries         JobType = "Get Binlog Queries"
	JobCreateUser               JobType = "Create User"
	JobCompleteSetupWizard      JobType = "Complete Setup Wizard"
	JobAddDomain                JobType = "Add Domain"
	JobSetupWildcardHosts       JobType = "Add Wildcard Hosts to Proxy"
	JobUpdateTLSCertificate     JobType = "Update TLS Certificate"
	JobResizeVolume             JobType = "Resize Volume"
	JobUpdateBenchWorkers       JobType = "Update Bench Workers"
	JobDeleteSnapshot           JobType = "Delete Snapshot"
)

// JobStatus is the lifecycle state of an AgentJob
type JobStatus string

const (
	JobStatusUndelivered     JobStatus = "Undelivered"
	JobStatusPending         JobStatus = "Pending"
	JobStatusRunning         JobStatus = "Running"
	JobStatusSuccess         JobStatus = "Success"
	JobStatusFailure         JobStatus = "Failure"
	JobStatusDeliveryFailure JobStatus = "Delivery Failure"
)

// Terminal reports whether the job will not change status again on its own
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailure, JobStatusDeliveryFailure:
		return true
	}
	return false
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusUndelivered:
		return 0
	case JobStatusPending:
		return 1
	case JobStatusRunning:
		return 2
	}
	return 3
}

// CanTransition reports whether a job may move from s to next.
// Statuses only move forward; the single exception is the delivery retry.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s == next {
		return true
	}
	if s == JobStatusDeliveryFailure {
		return next == JobStatusPending || next == JobStatusUndelivered
	}
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// StepStatus is the state of one step of an agent job
type StepStatus string

const (
	StepStatusPending StepStatus = "Pending"
	StepStatusRunning StepStatus = "Running"
	StepStatusSuccess StepStatus = "Success"
	StepStatusFailure StepStatus = "Failure"
	StepStatusSkipped StepStatus = "Skipped"
)

// AgentJobStep is one ordered step of an agent job
type AgentJobStep struct {
	Name     string
	Status   StepStatus
	Output   string
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// AgentJob records one remote operation issued to an agent
type AgentJob struct {
	ID       string
	Type     JobType
	Server   string
	Bench    string
	Site     string
	Host     string // Upstream host for proxy jobs
	Status   JobStatus
	RemoteID string

	RequestMethod string
	RequestPath   string
	RequestData   json.RawMessage
	RequestFiles  map[string]string

	Output    string
	Traceback string
	Data      json.RawMessage
	Steps     []AgentJobStep

	// Reference ties the job to the record that asked for it
	ReferenceType string
	ReferenceName string

	DeliveryAttempts  int
	NextAttemptAt     time.Time
	LastDeliveryError string

	// CallbackStatus is the last status a callback ran to completion for
	CallbackStatus JobStatus

	Creation time.Time
	Modified time.Time
	Start    time.Time
	End      time.Time
}

// FailedStep returns the first failed step, or nil
func (j *AgentJob) FailedStep() *AgentJobStep {
	for i := range j.Steps {
		if j.Steps[i].Status == StepStatusFailure {
			return &j.Steps[i]
		}
	}
	return nil
}

// StepStatus returns the status of the named step, or "" when absent
func (j *AgentJob) StepStatus(name string) StepStatus {
	for _, step := range j.Steps {
		if step.Name == name {
			return step.Status
		}
	}
	return ""
}

// BackupStatus is the state of a SiteBackup
type BackupStatus string

const (
	BackupStatusPending BackupStatus = "Pending"
	BackupStatusRunning BackupStatus = "Running"
	BackupStatusSuccess BackupStatus = "Success"
	BackupStatusFailure BackupStatus = "Failure"
)

// Active reports whether the backup is still in flight
func (s BackupStatus) Active() bool {
	return s == BackupStatusPending || s == BackupStatusRunning
}

// Availability tells whether backup artifacts still exist
type Availability string

const (
	Available   Availability = "Available"
	Unavailable Availability = "Unavailable"
)

// BackupType selects logical dumps or volume snapshots
type BackupType string

const (
	BackupTypeLogical  BackupType = "Logical"
	BackupTypePhysical BackupType = "Physical"
)

// SiteBackup requests and records one backup of a site
type SiteBackup struct {
	Name   string
	Site   string
	Bench  string
	Server string
	Team   string
	Status BackupStatus

	WithFiles                  bool
	Offsite                    bool
	Physical                   bool
	ForSiteUpdate              bool
	DeactivateSiteDuringBackup bool
	SystemInitiated            bool

	FilesAvailability Availability

	Bucket             string
	RemoteDatabaseFile string
	RemotePublicFile   string
	RemotePrivateFile  string
	RemoteConfigFile   string
	DatabaseSizeBytes  int64
	PublicSizeBytes    int64
	PrivateSizeBytes   int64

	DatabaseSnapshot string
	Job              string

	Creation time.Time
	Modified time.Time
}

// Type returns Physical or Logical
func (b *SiteBackup) Type() BackupType {
	if b.Physical {
		return BackupTypePhysical
	}
	return BackupTypeLogical
}

// RemoteKeys returns the offsite object keys the backup owns
func (b *SiteBackup) RemoteKeys() []string {
	var keys []string
	for _, k := range []string{b.RemoteDatabaseFile, b.RemotePublicFile, b.RemotePrivateFile, b.RemoteConfigFile} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SnapshotStatus is the state of a volume snapshot
type SnapshotStatus string

const (
	SnapshotStatusPending     SnapshotStatus = "Pending"
	SnapshotStatusCompleted   SnapshotStatus = "Completed"
	SnapshotStatusUnavailable SnapshotStatus = "Unavailable"
)

// VirtualDiskSnapshot is a volume snapshot backing a physical backup
type VirtualDiskSnapshot struct {
	Name     string
	Server   string
	Status   SnapshotStatus
	Expired  bool
	Creation time.Time
}

// UpdateStatus is the state of a SiteUpdate
type UpdateStatus string

const (
	UpdateStatusScheduled UpdateStatus = "Scheduled"
	UpdateStatusPending   UpdateStatus = "Pending"
	UpdateStatusRunning   UpdateStatus = "Running"
	UpdateStatusSuccess   UpdateStatus = "Success"
	UpdateStatusFailure   UpdateStatus = "Failure"
	UpdateStatusRecovered UpdateStatus = "Recovered"
	UpdateStatusFatal     UpdateStatus = "Fatal"
	UpdateStatusCancelled UpdateStatus = "Cancelled"
)

// Terminal reports whether the update is finished
func (s UpdateStatus) Terminal() bool {
	switch s {
	case UpdateStatusSuccess, UpdateStatusRecovered, UpdateStatusFatal, UpdateStatusCancelled:
		return true
	}
	return false
}

// SiteUpdate requests and records one move of a site to a newer bench
type SiteUpdate struct {
	Name   string
	Site   string
	Server string
	Team   string
	Group  string

	SourceBench          string
	DestinationBench     string
	SourceCandidate      string
	DestinationCandidate string
	Difference           string

	DeployType         DeployType
	BackupType         BackupType
	SkipFailingPatches bool
	SkipBackups        bool

	Status        UpdateStatus
	UpdateJob     string
	RecoverJob    string
	ScheduledTime time.Time

	CauseOfFailureIsResolved bool
	Touched                  bool // Site data changed before the failure

	Creation time.Time
	Modified time.Time
}

// Settled reports whether nothing more will happen to the update. A failed
// update stays open only while its recovery job runs.
func (u *SiteUpdate) Settled() bool {
	if u.Status == UpdateStatusFailure {
		return u.RecoverJob == ""
	}
	return u.Status.Terminal()
}

// CertificateStatus is the state of a TLSCertificate
type CertificateStatus string

const (
	CertificateStatusPending CertificateStatus = "Pending"
	CertificateStatusActive  CertificateStatus = "Active"
	CertificateStatusExpired CertificateStatus = "Expired"
	CertificateStatusRevoked CertificateStatus = "Revoked"
	CertificateStatusFailure CertificateStatus = "Failure"
)

const (
	ProviderLetsEncrypt = "Let's Encrypt"
	ProviderOther       = "Other"
)

// TLSCertificate is a certificate for one domain or wildcard
type TLSCertificate struct {
	Name       string // Domain, or "*.domain" for wildcards
	Domain     string
	Wildcard   bool
	Status     CertificateStatus
	Provider   string
	Team       string
	RootDomain string

	PrivateKey        []byte // Encrypted at rest
	Certificate       string
	FullChain         string
	IntermediateChain string
	IssuedOn          time.Time
	ExpiresOn         time.Time

	RetryCount int
	Error      string

	Creation time.Time
	Modified time.Time
}

// CertificateName returns the record name for a domain
func CertificateName(domain string, wildcard bool) string {
	if wildcard {
		return "*." + domain
	}
	return domain
}
