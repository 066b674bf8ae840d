package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/storage"
)

var (
	dataDir    = flag.String("data-dir", "/var/lib/press", "Press data directory")
	dryRun     = flag.Bool("dry-run", false, "Show bucket sizes without making changes")
	backupPath = flag.String("backup", "", "Path to backup the database before migration (default: <data-dir>/press.db.backup)")
)

// press-migrate rebuilds the secondary index buckets of press.db from the
// records. Run it with press stopped, after an upgrade that changes an
// index layout or when an index query disagrees with the records.
func main() {
	flag.Parse()
	log.Init(log.Config{Level: log.InfoLevel})

	if err := rebuild(*dataDir, *dryRun, *backupPath); err != nil {
		log.Logger.Fatal().Err(err).Msg("Migration failed")
	}
}

func rebuild(dir string, dryRun bool, backup string) error {
	logger := log.WithComponent("migrate")

	dbPath := filepath.Join(dir, "press.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}
	logger.Info().Str("database", dbPath).Bool("dry_run", dryRun).Msg("Rebuilding indexes")

	counts, err := bucketCounts(dbPath)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Info().Str("bucket", name).Int("keys", counts[name]).Msg("Bucket")
	}

	if dryRun {
		logger.Info().Msg("Dry run completed, no changes made")
		return nil
	}

	if backup == "" {
		backup = dbPath + ".backup"
	}
	if err := copyFile(dbPath, backup); err != nil {
		return fmt.Errorf("failed to create backup: %w", err)
	}
	logger.Info().Str("backup", backup).Msg("Backup created")

	store, err := storage.NewBoltStore(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.RebuildIndexes(); err != nil {
		return fmt.Errorf("failed to rebuild indexes: %w", err)
	}
	logger.Info().Msg("Indexes rebuilt")
	return nil
}

// bucketCounts returns the number of keys in every top-level bucket
func bucketCounts(dbPath string) (map[string]int, error) {
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	counts := make(map[string]int)
	err = db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bolt.Bucket) error {
			counts[string(name)] = b.Stats().KeyN
			return nil
		})
	})
	return counts, err
}

func copyFile(src, dst string) error {
	input, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, input, 0600)
}
