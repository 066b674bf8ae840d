package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/press/pkg/manager"
	"github.com/cuemby/press/pkg/security"
	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

// Certificate commands
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Manage TLS certificates",
}

func requireTLS(mgr *manager.Manager) error {
	if mgr.TLS == nil {
		return fmt.Errorf("certificate issuance is disabled, set acme.email in the config")
	}
	return nil
}

var certCreateCmd = &cobra.Command{
	Use:   "create DOMAIN",
	Short: "Obtain a certificate for a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()
		if err := requireTLS(mgr); err != nil {
			return err
		}

		wildcard, _ := cmd.Flags().GetBool("wildcard")
		team, _ := cmd.Flags().GetString("team")
		cert, err := mgr.TLS.Create(args[0], wildcard, team)
		if err != nil {
			return err
		}
		if err := mgr.TLS.Obtain(cmd.Context(), cert.Name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Certificate %s obtained\n", cert.Name)
		return nil
	},
}

var certRetryCmd = &cobra.Command{
	Use:   "retry NAME",
	Short: "Retry a failed certificate",
	Long: `Retry obtaining a certificate the renewal loop gave up on.

An operator retry is allowed more attempts than the renewal loop.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()
		if err := requireTLS(mgr); err != nil {
			return err
		}

		if err := mgr.TLS.Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Certificate %s obtained\n", args[0])
		return nil
	},
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var certs []*types.TLSCertificate
		err = mgr.Store.View(func(tx storage.Tx) error {
			var err error
			certs, err = tx.ListTLSCertificates()
			return err
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATUS\tEXPIRES\tRETRIES\tERROR")
		for _, c := range certs {
			expires := "-"
			if !c.ExpiresOn.IsZero() {
				expires = c.ExpiresOn.Format(time.DateOnly)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", c.Name, c.Status, expires, c.RetryCount, c.Error)
		}
		return w.Flush()
	},
}

var certShowCmd = &cobra.Command{
	Use:   "show NAME",
	Short: "Show the issued certificate of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Close()

		var cert *types.TLSCertificate
		err = mgr.Store.View(func(tx storage.Tx) error {
			var err error
			cert, err = tx.GetTLSCertificate(args[0])
			return err
		})
		if err != nil {
			return err
		}
		return printCertificate(cmd.OutOrStdout(), cert)
	},
}

func printCertificate(out io.Writer, cert *types.TLSCertificate) error {
	fmt.Fprintf(out, "Name:     %s\n", cert.Name)
	fmt.Fprintf(out, "Status:   %s\n", cert.Status)
	fmt.Fprintf(out, "Wildcard: %t\n", cert.Wildcard)
	if cert.Certificate == "" {
		fmt.Fprintln(out, "No certificate issued yet")
		return nil
	}
	leaf, err := security.ParseCertificatePEM(cert.Certificate)
	if err != nil {
		return err
	}
	info := security.GetCertInfo(leaf)
	for _, key := range []string{"subject", "issuer", "dns_names", "serial_number", "not_before", "not_after"} {
		fmt.Fprintf(out, "%-9s %v\n", key+":", info[key])
	}
	return nil
}

func init() {
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certCreateCmd)
	certCmd.AddCommand(certRetryCmd)
	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certShowCmd)

	certCreateCmd.Flags().Bool("wildcard", false, "Obtain *.DOMAIN over DNS-01")
	certCreateCmd.Flags().String("team", "", "Owning team")
}
