package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/press/pkg/api"
	"github.com/cuemby/press/pkg/config"
	"github.com/cuemby/press/pkg/log"
	"github.com/cuemby/press/pkg/manager"
	"github.com/cuemby/press/pkg/metrics"
	"github.com/cuemby/press/pkg/reconciler"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "press",
	Short: "Press - control plane for managed Frappe hosting",
	Long: `Press provisions and operates Frappe sites on a fleet of servers.

It drives agents on the servers through asynchronous jobs and runs the
background workers that back up, update, suspend and certify sites.

Commands other than run open the store directly and cannot run while
press run holds it.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("log-level")
		jsonOutput, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOutput})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Press version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Override data_dir from the config")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(loopCmd)
}

// loadConfig reads --config and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("log-level") {
		return cfg, nil
	}
	if cfg.LogLevel != "" {
		log.Init(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	}
	return cfg, nil
}

// openManager builds a manager for one-shot commands
func openManager(cmd *cobra.Command) (*manager.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	mgr, err := manager.NewManager(manager.Config{Settings: cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to open press: %w", err)
	}
	return mgr, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker loops and the health server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := log.WithComponent("press")

		mgr, err := manager.NewManager(manager.Config{Settings: cfg})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		defer mgr.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := mgr.Start(ctx); err != nil {
			return err
		}
		if err := mgr.SyncDNSRecords(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to load DNS records")
		}

		recon := reconciler.NewReconciler(mgr)
		if err := recon.Start(); err != nil {
			return err
		}

		metrics.SetVersion(Version)
		health := api.NewHealthServer(Version)
		health.AddCheck("storage", mgr.Ready)
		errCh := make(chan error, 1)
		go func() {
			if err := health.Start(cfg.ListenAddr); err != nil {
				errCh <- fmt.Errorf("health server: %w", err)
			}
		}()

		logger.Info().
			Str("version", Version).
			Str("data_dir", cfg.DataDir).
			Str("listen_addr", cfg.ListenAddr).
			Msg("Press is running")

		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
		case err = <-errCh:
			logger.Error().Err(err).Msg("Shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := health.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn().Err(shutdownErr).Msg("Failed to stop health server")
		}
		recon.Stop()
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "press %s (commit %s, built %s)\n", Version, Commit, BuildTime)
	},
}

var loopCmd = &cobra.Command{
	Use:   "loop",
	Short: "Inspect and run worker loops",
}

var loopListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker loops and their schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		for _, loop := range reconciler.Loops(mgr) {
			fmt.Fprintf(cmd.OutOrStdout(), "%-40s %s\n", loop.Name, loop.Schedule)
		}
		return nil
	},
}

var loopRunCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run one tick of a worker loop now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		recon := reconciler.NewReconciler(mgr)
		err = recon.RunOnce(cmd.Context(), args[0])
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("loop %s timed out after %s", args[0], mgr.Settings.WorkerTimeout)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s done\n", args[0])
		return nil
	},
}

func init() {
	loopCmd.AddCommand(loopListCmd)
	loopCmd.AddCommand(loopRunCmd)
}
