package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/press/pkg/backup"
	"github.com/cuemby/press/pkg/site"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
	"github.com/cuemby/press/pkg/update"
)

// Site commands
var siteCmd = &cobra.Command{
	Use:   "site",
	Short: "Manage sites",
}

var siteNewCmd = &cobra.Command{
	Use:   "new SUBDOMAIN",
	Short: "Create a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		req := site.CreateRequest{Subdomain: args[0]}
		req.Domain, _ = cmd.Flags().GetString("domain")
		req.Group, _ = cmd.Flags().GetString("group")
		req.Server, _ = cmd.Flags().GetString("server")
		req.Bench, _ = cmd.Flags().GetString("bench")
		req.Team, _ = cmd.Flags().GetString("team")
		req.Plan, _ = cmd.Flags().GetString("plan")
		req.Apps, _ = cmd.Flags().GetStringSlice("app")

		st, err := mgr.Sites.Create(cmd.Context(), site.System, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Site %s created on %s (%s)\n", st.Name, st.Bench, st.Status)
		return nil
	},
}

var siteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sites",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		server, _ := cmd.Flags().GetString("server")
		var sites []*types.Site
		err = mgr.Store.View(func(tx storage.Tx) error {
			var err error
			if server != "" {
				sites, err = tx.ListSitesByServer(server)
			} else {
				sites, err = tx.ListSites()
			}
			return err
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tSERVER\tBENCH\tPLAN\tTEAM")
		for _, st := range sites {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", st.Name, st.Status, st.Server, st.Bench, st.Plan, st.Team)
		}
		return w.Flush()
	},
}

var siteArchiveCmd = &cobra.Command{
	Use:   "archive NAME",
	Short: "Archive a site",
	Long: `Archive a site: drop it from its bench and its proxy.

A forced archive skips the maintenance check and is also how a failed
archive is retried.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		force, _ := cmd.Flags().GetBool("force")
		retry, _ := cmd.Flags().GetBool("retry")
		if retry {
			err = mgr.Sites.RetryArchive(cmd.Context(), site.System, args[0])
		} else {
			err = mgr.Sites.Archive(cmd.Context(), site.System, args[0], force)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Archive of %s queued\n", args[0])
		return nil
	},
}

var siteBackupCmd = &cobra.Command{
	Use:   "backup NAME",
	Short: "Take a backup of a site",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var opts backup.Options
		opts.WithFiles, _ = cmd.Flags().GetBool("with-files")
		opts.Offsite, _ = cmd.Flags().GetBool("offsite")
		opts.Physical, _ = cmd.Flags().GetBool("physical")

		b, err := mgr.Backups.Create(cmd.Context(), site.System, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Backup %s queued\n", b.Name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(siteCmd)
	siteCmd.AddCommand(siteNewCmd)
	siteCmd.AddCommand(siteListCmd)
	siteCmd.AddCommand(siteArchiveCmd)
	siteCmd.AddCommand(siteBackupCmd)

	siteNewCmd.Flags().String("domain", "", "Root domain")
	siteNewCmd.Flags().String("group", "", "Release group")
	siteNewCmd.Flags().String("server", "", "App server")
	siteNewCmd.Flags().String("bench", "", "Bench (newest Active bench of the group by default)")
	siteNewCmd.Flags().String("team", "", "Owning team")
	siteNewCmd.Flags().String("plan", "", "Plan")
	siteNewCmd.Flags().StringSlice("app", nil, "App to install, repeatable")
	_ = siteNewCmd.MarkFlagRequired("domain")
	_ = siteNewCmd.MarkFlagRequired("group")
	_ = siteNewCmd.MarkFlagRequired("server")
	_ = siteNewCmd.MarkFlagRequired("team")

	siteListCmd.Flags().String("server", "", "Only sites on this server")

	siteArchiveCmd.Flags().Bool("force", false, "Archive even while the site is under maintenance")
	siteArchiveCmd.Flags().Bool("retry", false, "Retry a failed archive")

	siteBackupCmd.Flags().Bool("with-files", false, "Include public and private files")
	siteBackupCmd.Flags().Bool("offsite", false, "Upload to offsite storage")
	siteBackupCmd.Flags().Bool("physical", false, "Take a physical backup")
}

// Update commands
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Manage site updates",
}

var updateCreateCmd = &cobra.Command{
	Use:   "create SITE",
	Short: "Update a site to its group's newest bench",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var opts update.Options
		opts.SkipFailingPatches, _ = cmd.Flags().GetBool("skip-failing-patches")
		opts.SkipBackups, _ = cmd.Flags().GetBool("skip-backups")
		opts.PhysicalBackup, _ = cmd.Flags().GetBool("physical-backup")

		u, err := mgr.Updates.Create(cmd.Context(), site.System, args[0], opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Update %s created (%s → %s, %s)\n", u.Name, u.SourceBench, u.DestinationBench, u.Status)
		return nil
	},
}

var updateCancelCmd = &cobra.Command{
	Use:   "cancel NAME",
	Short: "Cancel a scheduled update",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		if err := mgr.Updates.Cancel(cmd.Context(), site.System, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Update %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.AddCommand(updateCreateCmd)
	updateCmd.AddCommand(updateCancelCmd)

	updateCreateCmd.Flags().Bool("skip-failing-patches", false, "Continue past failing patches")
	updateCreateCmd.Flags().Bool("skip-backups", false, "Do not back up before migrating")
	updateCreateCmd.Flags().Bool("physical-backup", false, "Take a physical backup before migrating")
}
