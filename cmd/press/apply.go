package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/press/pkg/storage"
	"github.com/cuemby/press/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a fleet definition file",
	Long: `Create or replace fleet records from a YAML file.

The file holds one or more documents separated by ---. Every document has
a kind and a spec:

  kind: Server
  spec:
    name: n1.example.com
    kind: Proxy Server
    address: https://n1.example.com:25052
    ip: 10.0.0.2

Supported kinds are Cluster, Team, Plan, RootDomain and Server. All
documents are applied in one transaction.`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// Resource is one document of a fleet definition
type Resource struct {
	Kind string    `yaml:"kind"`
	Spec yaml.Node `yaml:"spec"`
}

type clusterSpec struct {
	Name          string `yaml:"name"`
	Region        string `yaml:"region"`
	CloudProvider string `yaml:"cloud_provider"`
}

type teamSpec struct {
	Name           string `yaml:"name"`
	Email          string `yaml:"email"`
	Timezone       string `yaml:"timezone"`
	BillingEnabled bool   `yaml:"billing_enabled"`
}

type planSpec struct {
	Name                string `yaml:"name"`
	IsTrial             bool   `yaml:"is_trial"`
	MaxStorageMB        int64  `yaml:"max_storage_mb"`
	MaxDatabaseMB       int64  `yaml:"max_database_mb"`
	CPUTimePerDay       int    `yaml:"cpu_time_per_day"`
	OffsiteBackups      bool   `yaml:"offsite_backups"`
	AllowPhysicalBackup bool   `yaml:"allow_physical_backup"`
	Dedicated           bool   `yaml:"dedicated"`
}

type rootDomainSpec struct {
	Name         string `yaml:"name"`
	DNSProvider  string `yaml:"dns_provider"`
	DefaultProxy string `yaml:"default_proxy"`
}

type serverSpec struct {
	Name                string `yaml:"name"`
	Kind                string `yaml:"kind"`
	Address             string `yaml:"address"`
	IP                  string `yaml:"ip"`
	Cluster             string `yaml:"cluster"`
	Status              string `yaml:"status"`
	Team                string `yaml:"team"`
	Public              bool   `yaml:"public"`
	ProxyServer         string `yaml:"proxy_server"`
	DatabaseServer      string `yaml:"database_server"`
	RAMMB               int64  `yaml:"ram_mb"`
	DiskGB              int64  `yaml:"disk_gb"`
	AutoIncreaseStorage bool   `yaml:"auto_increase_storage"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %v", err)
	}
	defer f.Close()

	resources, err := decodeResources(f)
	if err != nil {
		return err
	}

	mgr, err := openManager(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	err = mgr.Store.Update(func(tx storage.Tx) error {
		for i := range resources {
			name, err := applyResource(tx, &resources[i])
			if err != nil {
				return fmt.Errorf("document %d: %w", i+1, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s %s applied\n", resources[i].Kind, name)
		}
		return nil
	})
	return err
}

// decodeResources reads every document of r
func decodeResources(r io.Reader) ([]Resource, error) {
	var resources []Resource
	dec := yaml.NewDecoder(r)
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			return resources, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %v", err)
		}
		if res.Kind == "" {
			return nil, fmt.Errorf("document %d has no kind", len(resources)+1)
		}
		resources = append(resources, res)
	}
}

// applyResource stores one resource and returns its name
func applyResource(tx storage.Tx, res *Resource) (string, error) {
	switch res.Kind {
	case "Cluster":
		var spec clusterSpec
		if err := decodeSpec(res, &spec.Name, &spec); err != nil {
			return "", err
		}
		return spec.Name, tx.PutCluster(&types.Cluster{
			Name:          spec.Name,
			Region:        spec.Region,
			CloudProvider: spec.CloudProvider,
		})
	case "Team":
		var spec teamSpec
		if err := decodeSpec(res, &spec.Name, &spec); err != nil {
			return "", err
		}
		return spec.Name, tx.PutTeam(&types.Team{
			Name:           spec.Name,
			Email:          spec.Email,
			Timezone:       spec.Timezone,
			BillingEnabled: spec.BillingEnabled,
		})
	case "Plan":
		var spec planSpec
		if err := decodeSpec(res, &spec.Name, &spec); err != nil {
			return "", err
		}
		return spec.Name, tx.PutPlan(&types.Plan{
			Name:                spec.Name,
			IsTrial:             spec.IsTrial,
			MaxStorageMB:        spec.MaxStorageMB,
			MaxDatabaseMB:       spec.MaxDatabaseMB,
			CPUTimePerDay:       spec.CPUTimePerDay,
			OffsiteBackups:      spec.OffsiteBackups,
			AllowPhysicalBackup: spec.AllowPhysicalBackup,
			Dedicated:           spec.Dedicated,
		})
	case "RootDomain":
		var spec rootDomainSpec
		if err := decodeSpec(res, &spec.Name, &spec); err != nil {
			return "", err
		}
		return spec.Name, tx.PutRootDomain(&types.RootDomain{
			Name:         spec.Name,
			DNSProvider:  spec.DNSProvider,
			DefaultProxy: spec.DefaultProxy,
		})
	case "Server":
		var spec serverSpec
		if err := decodeSpec(res, &spec.Name, &spec); err != nil {
			return "", err
		}
		server, err := serverFromSpec(tx, &spec)
		if err != nil {
			return "", err
		}
		return spec.Name, tx.PutServer(server)
	default:
		return "", fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}

func decodeSpec(res *Resource, name *string, spec interface{}) error {
	if err := res.Spec.Decode(spec); err != nil {
		return fmt.Errorf("invalid %s spec: %v", res.Kind, err)
	}
	if *name == "" {
		return fmt.Errorf("%s spec has no name", res.Kind)
	}
	return nil
}

// serverFromSpec keeps the runtime state of an existing server, such as
// disk usage and the renewal flag, and replaces what the spec describes
func serverFromSpec(tx storage.Tx, spec *serverSpec) (*types.Server, error) {
	kind := types.ServerKind(spec.Kind)
	switch kind {
	case types.ServerKindApp, types.ServerKindDatabase, types.ServerKindProxy, types.ServerKindMonitor,
		types.ServerKindLog, types.ServerKindRegistry, types.ServerKindTrace:
	case "":
		kind = types.ServerKindApp
	default:
		return nil, fmt.Errorf("unknown server kind %q", spec.Kind)
	}
	status := types.ServerStatus(spec.Status)
	switch status {
	case types.ServerStatusInstalling, types.ServerStatusActive, types.ServerStatusBroken, types.ServerStatusArchived:
	case "":
		status = types.ServerStatusActive
	default:
		return nil, fmt.Errorf("unknown server status %q", spec.Status)
	}

	server, err := tx.GetServer(spec.Name)
	if errors.Is(err, types.ErrNotFound) {
		server = &types.Server{Name: spec.Name}
	} else if err != nil {
		return nil, err
	}

	server.Kind = kind
	server.Status = status
	server.Address = spec.Address
	server.IP = spec.IP
	server.Cluster = spec.Cluster
	server.Team = spec.Team
	server.Public = spec.Public
	server.ProxyServer = spec.ProxyServer
	server.DatabaseServer = spec.DatabaseServer
	server.RAMMB = spec.RAMMB
	server.DiskGB = spec.DiskGB
	server.AutoIncreaseStorage = spec.AutoIncreaseStorage
	return server, nil
}
