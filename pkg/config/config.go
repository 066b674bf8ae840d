package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backup rotation schemes
const (
	RotationFIFO = "FIFO"
	RotationGFS  = "Grandfather-father-son"
)

// Config is the press settings snapshot handed to every worker
type Config struct {
	DataDir    string `yaml:"data_dir"`
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	ListenAddr string `yaml:"listen_addr"`

	// Backups
	BackupInterval        int      `yaml:"backup_interval"` // Hours
	BackupLimit           int      `yaml:"backup_limit"`
	OffsiteBackupsCount   int      `yaml:"offsite_backups_count"`
	BackupRotationScheme  string   `yaml:"backup_rotation_scheme"`
	GFSDailyDays          int      `yaml:"gfs_daily_days"`
	GFSWeeklyDay          string   `yaml:"gfs_weekly_day"`
	GFSMonthlyDay         int      `yaml:"gfs_monthly_day"`
	GFSYearlyDay          int      `yaml:"gfs_yearly_day"`
	KeepBackupsForHours   int      `yaml:"keep_backups_for_hours"`
	DisablePhysicalBackup bool     `yaml:"disable_physical_backup"`
	NoOffsiteBackupPlans  []string `yaml:"no_offsite_backup_plans"`

	// Updates
	AutoUpdateQueueSize int `yaml:"auto_update_queue_size"`

	// Suspension
	EnforceStorageLimits         bool `yaml:"enforce_storage_limits"`
	UsageRecordCreationBatchSize int  `yaml:"usage_record_creation_batch_size"`
	ArchiveSuspendedSitesPerTick int  `yaml:"archive_suspended_sites_per_tick"`

	// TLS
	TLSRenewalQueueSize int `yaml:"tls_renewal_queue_size"`

	// Workers and agents
	WorkerTimeout            time.Duration `yaml:"worker_timeout"`
	AgentRequestTimeout      time.Duration `yaml:"agent_request_timeout"`
	AgentMaxDeliveryAttempts int           `yaml:"agent_max_delivery_attempts"`
	AgentRequestsPerSecond   float64       `yaml:"agent_requests_per_second"`
	AgentToken               string        `yaml:"agent_token"`
	PollerParallelism        int           `yaml:"poller_parallelism"`

	Offsite   OffsiteConfig `yaml:"offsite"`
	ACME      ACMEConfig    `yaml:"acme"`
	SMTP      SMTPConfig    `yaml:"smtp"`
	DNS       DNSConfig     `yaml:"dns"`
	SecretKey string        `yaml:"secret_key"`
}

// DNSConfig configures the built-in DNS server that answers for root
// domains kept by the "memory" provider. An empty listen address disables it.
type DNSConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Upstream   []string `yaml:"upstream"`
}

// OffsiteConfig points at the object store holding offsite backups
type OffsiteConfig struct {
	Provider        string `yaml:"provider"` // "oss" or "memory"
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
}

// Enabled reports whether offsite storage is configured
func (o OffsiteConfig) Enabled() bool {
	return o.Provider != "" && o.Bucket != ""
}

// ACMEConfig configures certificate issuance
type ACMEConfig struct {
	Email        string        `yaml:"email"`
	DirectoryURL string        `yaml:"directory_url"`
	Staging      bool          `yaml:"staging"`
	Webroot      string        `yaml:"webroot"`
	DNSTimeout   time.Duration `yaml:"dns_timeout"`
	Nameservers  []string      `yaml:"nameservers"`
}

// SMTPConfig configures outgoing mail
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the settings used when a key is absent
func Default() *Config {
	return &Config{
		DataDir:    "/var/lib/press",
		LogLevel:   "info",
		ListenAddr: "127.0.0.1:9090",

		BackupInterval:       6,
		BackupLimit:          100,
		OffsiteBackupsCount:  30,
		BackupRotationScheme: RotationFIFO,
		GFSDailyDays:         7,
		GFSWeeklyDay:         "Sunday",
		GFSMonthlyDay:        1,
		GFSYearlyDay:         1,
		KeepBackupsForHours:  24,

		AutoUpdateQueueSize: 10,

		UsageRecordCreationBatchSize: 500,
		ArchiveSuspendedSitesPerTick: 5,

		TLSRenewalQueueSize: 20,

		WorkerTimeout:            50 * time.Minute,
		AgentRequestTimeout:      30 * time.Second,
		AgentMaxDeliveryAttempts: 5,
		AgentRequestsPerSecond:   5,
		PollerParallelism:        8,

		ACME: ACMEConfig{
			DirectoryURL: "https://acme-v02.api.letsencrypt.org/directory",
			Webroot:      "/var/lib/press/acme-challenge",
			DNSTimeout:   2 * time.Minute,
		},
		SMTP: SMTPConfig{Port: 587},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the workers cannot run with
func (c *Config) Validate() error {
	if c.BackupInterval <= 0 {
		return fmt.Errorf("backup_interval must be positive, got %d", c.BackupInterval)
	}
	if c.BackupLimit <= 0 {
		return fmt.Errorf("backup_limit must be positive, got %d", c.BackupLimit)
	}
	if c.OffsiteBackupsCount <= 0 {
		return fmt.Errorf("offsite_backups_count must be positive, got %d", c.OffsiteBackupsCount)
	}
	switch c.BackupRotationScheme {
	case RotationFIFO, RotationGFS:
	default:
		return fmt.Errorf("unknown backup_rotation_scheme %q", c.BackupRotationScheme)
	}
	if _, err := ParseWeekday(c.GFSWeeklyDay); err != nil {
		return err
	}
	if c.GFSMonthlyDay < 1 || c.GFSMonthlyDay > 28 {
		return fmt.Errorf("gfs_monthly_day must be between 1 and 28, got %d", c.GFSMonthlyDay)
	}
	if c.GFSYearlyDay < 1 || c.GFSYearlyDay > 365 {
		return fmt.Errorf("gfs_yearly_day must be between 1 and 365, got %d", c.GFSYearlyDay)
	}
	if c.AutoUpdateQueueSize <= 0 {
		return fmt.Errorf("auto_update_queue_size must be positive, got %d", c.AutoUpdateQueueSize)
	}
	if c.TLSRenewalQueueSize <= 0 {
		return fmt.Errorf("tls_renewal_queue_size must be positive, got %d", c.TLSRenewalQueueSize)
	}
	if c.WorkerTimeout <= 0 {
		return fmt.Errorf("worker_timeout must be positive")
	}
	if c.AgentMaxDeliveryAttempts <= 0 {
		return fmt.Errorf("agent_max_delivery_attempts must be positive, got %d", c.AgentMaxDeliveryAttempts)
	}
	return nil
}

// BackupIntervalDuration returns backup_interval as a duration
func (c *Config) BackupIntervalDuration() time.Duration {
	return time.Duration(c.BackupInterval) * time.Hour
}

// OffsiteDisabledForPlan reports whether plan is listed in no_offsite_backup_plans
func (c *Config) OffsiteDisabledForPlan(plan string) bool {
	for _, p := range c.NoOffsiteBackupPlans {
		if p == plan {
			return true
		}
	}
	return false
}

// ParseWeekday parses an English weekday name
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if d.String() == s {
			return d, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", s)
}
