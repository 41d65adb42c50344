package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/client"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/server"
)

func newMachinesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "machines",
		Aliases: []string{"machine", "m"},
		Short:   "Inspect and administer pool machines",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List every registered machine (admin)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ms, err := g.client().ListMachines(cmd.Context())
				if err != nil {
					return err
				}
				return printMachines(cmd.OutOrStdout(), g.output, ms)
			},
		},
		&cobra.Command{
			Use:   "available",
			Short: "List the machines a reservation could get now",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				eps, err := g.client().AvailableMachines(cmd.Context())
				if err != nil {
					return err
				}
				return printEndpoints(cmd.OutOrStdout(), g.output, eps)
			},
		},
		newRegisterCmd(g),
		newUpdateCmd(g),
		&cobra.Command{
			Use:   "deregister NAME...",
			Short: "Remove unreserved machines from the pool (admin)",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c := g.client()
				for _, name := range args {
					if err := c.DeregisterMachine(cmd.Context(), name); err != nil {
						return errors.Annotatef(err, "deregistering %s", name)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deregistered %s\n", name)
				}
				return nil
			},
		},
	)
	return cmd
}

func newRegisterCmd(g *globals) *cobra.Command {
	var (
		file string
		spec models.MachineSpec
	)
	cmd := &cobra.Command{
		Use:   "register [NAME]",
		Short: "Register a machine, or every machine of a YAML file (admin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var specs []models.MachineSpec
			switch {
			case file != "" && len(args) > 0:
				return errors.NotValidf("both --file and a machine name")
			case file != "":
				var err error
				if specs, err = loadMachineFile(file); err != nil {
					return err
				}
			case len(args) == 1:
				spec.Name = args[0]
				if err := server.ValidateMachineSpec(&spec); err != nil {
					return err
				}
				specs = []models.MachineSpec{spec}
			default:
				return errors.NotValidf("no machine name or --file")
			}

			c := g.client()
			var registered []models.Machine
			for _, s := range specs {
				m, err := c.RegisterMachine(cmd.Context(), s)
				if err != nil {
					return errors.Annotatef(err, "registering %s", s.Name)
				}
				registered = append(registered, *m)
			}
			return printMachines(cmd.OutOrStdout(), g.output, registered)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML file with a list of machines")
	f.StringVar(&spec.Host, "host", "", "address of the machine")
	f.IntVar(&spec.Port, "port", 22, "SSH port")
	f.StringVar(&spec.AdminUser, "user", "root", "administrative SSH user")
	f.StringVar(&spec.AdminCredential, "password", "", "password of the administrative user")
	return cmd
}

type machineFile struct {
	Machines []models.MachineSpec `yaml:"machines"`
}

// loadMachineFile reads machine specs from YAML, either a top level list or
// a document with a machines key. Every spec is validated before anything
// is sent.
func loadMachineFile(path string) ([]models.MachineSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading %s", path)
	}
	var specs []models.MachineSpec
	if listErr := yaml.Unmarshal(data, &specs); listErr != nil {
		var doc machineFile
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, errors.Annotatef(err, "parsing %s", path)
		}
		specs = doc.Machines
	}
	if len(specs) == 0 {
		return nil, errors.NotValidf("%s: no machines", path)
	}
	seen := make(map[string]bool, len(specs))
	for i := range specs {
		if err := server.ValidateMachineSpec(&specs[i]); err != nil {
			return nil, errors.Annotatef(err, "%s: entry %d", path, i+1)
		}
		if seen[specs[i].Name] {
			return nil, errors.NotValidf("%s: duplicate machine %q", path, specs[i].Name)
		}
		seen[specs[i].Name] = true
	}
	return specs, nil
}

func newUpdateCmd(g *globals) *cobra.Command {
	var enabled, online string
	cmd := &cobra.Command{
		Use:   "update NAME",
		Short: "Enable, disable or mark a machine online/offline (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd models.MachineUpdate
			if enabled != "" {
				v, err := client.ParseBool(enabled)
				if err != nil {
					return err
				}
				upd.Enabled = &v
			}
			if online != "" {
				v, err := client.ParseBool(online)
				if err != nil {
					return err
				}
				upd.Online = &v
			}
			m, err := g.client().UpdateMachine(cmd.Context(), args[0], upd)
			if err != nil {
				return err
			}
			return printMachines(cmd.OutOrStdout(), g.output, []models.Machine{*m})
		},
	}
	cmd.Flags().StringVar(&enabled, "enabled", "", "on or off")
	cmd.Flags().StringVar(&online, "online", "", "on or off")
	return cmd
}
