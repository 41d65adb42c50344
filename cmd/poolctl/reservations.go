package main

import (
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
)

func newReserveCmd(g *globals) *cobra.Command {
	var (
		count    int
		duration time.Duration
		password string
		userRef  string
	)
	cmd := &cobra.Command{
		Use:   "reserve",
		Short: "Reserve machines and create an account on each",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				return errors.NotValidf("empty --password")
			}
			grant, err := g.client().Reserve(cmd.Context(), count, duration, password, userRef)
			if err != nil {
				return err
			}
			return printGrant(cmd.OutOrStdout(), g.output, grant)
		},
	}
	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 1, "number of machines")
	f.DurationVarP(&duration, "duration", "d", 0, "lease duration, e.g. 2h (server default when unset)")
	f.StringVar(&password, "password", "", "password of the account created on the machines")
	f.StringVar(&userRef, "ref", "", "free-form reference stored with the lease")
	return cmd
}

func newListCmd(g *globals) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your reservations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			leases, err := g.client().ListReservations(cmd.Context(), all)
			if err != nil {
				return err
			}
			return printLeases(cmd.OutOrStdout(), g.output, leases)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every principal's reservations (admin)")
	return cmd
}

func newGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get LEASE",
		Short: "Show one reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := g.client().GetReservation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if g.output == "json" {
				return printJSON(cmd.OutOrStdout(), l)
			}
			return printLeases(cmd.OutOrStdout(), g.output, []models.Lease{*l})
		},
	}
}

func newReleaseCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "release LEASE...",
		Short: "End reservations early",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := g.client()
			var failed int
			for _, id := range args {
				if err := c.Release(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", id)
			}
			if failed > 0 {
				return errors.Errorf("%d of %d releases failed", failed, len(args))
			}
			return nil
		},
	}
}
