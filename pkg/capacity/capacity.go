package capacity

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/press/pkg/agent"
	"github.com/cuemby/press/pkg/clock"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

const (
	// DefaultCooldown is how long a volume must rest between two resizes
	DefaultCooldown = 6 * time.Hour

	// DefaultStepGB is the smallest increment an auto-grow asks for
	DefaultStepGB = 10

	mb = 1024
)

// Config controls auto-grow
type Config struct {
	Cooldown time.Duration
	StepGB   int64
}

// Checker runs the disk pre-flight before backups and restores
type Checker struct {
	agent  *agent.Client
	clock  clock.Clock
	config Config
	logger zerolog.Logger
}

// NewChecker creates a Checker
func NewChecker(client *agent.Client, clk clock.Clock, config Config) *Checker {
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultCooldown
	}
	if config.StepGB <= 0 {
		config.StepGB = DefaultStepGB
	}
	return &Checker{
		agent:  client,
		clock:  clk,
		config: config,
		logger: log.WithComponent("capacity"),
	}
}

// Ensure makes sure the server has needGB free. Public servers and servers
// with auto_increase_storage grow their volume when short, at most once per
// cooldown; other servers report ErrInsufficientSpaceOnServer.
func (c *Checker) Ensure(tx storage.Tx, serverName string, needGB int64) error {
	server, err := tx.GetServer(serverName)
	if err != nil {
		return err
	}
	free := server.FreeDiskGB()
	if free >= needGB {
		return nil
	}

	if !server.Public && !server.AutoIncreaseStorage {
		return fmt.Errorf("%w: %s has %d GB free, needs %d GB", types.ErrInsufficientSpaceOnServer, server.Name, free, needGB)
	}

	now := c.clock.Now()
	if !server.LastVolumeResize.IsZero() {
		if elapsed := now.Sub(server.LastVolumeResize); elapsed < c.config.Cooldown {
			return &types.VolumeResizeLimitError{Server: server.Name, Remaining: c.config.Cooldown - elapsed}
		}
	}

	grow := needGB - free
	if grow < c.config.StepGB {
		grow = c.config.StepGB
	}
	size := server.DiskGB + grow
	if _, err := c.agent.ResizeVolume(tx, server.Name, size); err != nil {
		return err
	}

	server.DiskGB = size
	server.LastVolumeResize = now
	if err := tx.PutServer(server); err != nil {
		return err
	}

	c.logger.Info().
		Str("server", server.Name).
		Int64("size_gb", size).
		Msg("Growing volume")
	return nil
}

// BackupSpaceGB estimates the local space a backup of site needs. Dumps are
// compressed but staged uncompressed first, so the database counts twice.
func BackupSpaceGB(site *types.Site, withFiles bool) int64 {
	needMB := 2 * site.DatabaseUsedMB
	if withFiles {
		needMB += site.DiskUsedMB
	}
	return ceilGB(needMB)
}

// RestoreSpaceGB estimates the space restoring backup needs
func RestoreSpaceGB(backup *types.SiteBackup) int64 {
	bytes := 8*backup.DatabaseSizeBytes + 2*(backup.PublicSizeBytes+backup.PrivateSizeBytes)
	return ceilGB((bytes + mb*mb - 1) / (mb * mb))
}

func ceilGB(megabytes int64) int64 {
	if megabytes <= 0 {
		return 0
	}
	return (megabytes + mb - 1) / mb
}
