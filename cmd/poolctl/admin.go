package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAdminCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Pool-wide administrative operations",
	}
	var yes bool
	releaseAll := &cobra.Command{
		Use:   "release-all",
		Short: "Force release every active lease",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("this deletes every lease holder's accounts; pass --yes to confirm")
			}
			n, err := g.client().ReleaseAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d lease(s)\n", n)
			return nil
		},
	}
	releaseAll.Flags().BoolVar(&yes, "yes", false, "confirm")
	cmd.AddCommand(
		releaseAll,
		&cobra.Command{
			Use:   "stale",
			Short: "List accounts whose deletion failed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				entries, err := g.client().StaleAccounts(cmd.Context())
				if err != nil {
					return err
				}
				return printStale(cmd.OutOrStdout(), g.output, entries)
			},
		},
	)
	return cmd
}
