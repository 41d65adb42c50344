// Command poolmgr runs the machine pool lease manager: the HTTP API
// (serve) and the expiry sweeper (sweep).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
)

func main() {
	if err := newRootCmd(os.Args[1:]).Execute(); err != nil {
		os.Exit(1)
	}
}

// configPath finds --config ahead of cobra so the file can seed the flag
// defaults.
func configPath(args []string) string {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String("config", os.Getenv("POOLMGR_CONFIG"), "")
	_ = fs.Parse(args)
	return *path
}

func newRootCmd(args []string) *cobra.Command {
	path := configPath(args)
	cfg, loadErr := config.Load(path)

	root := &cobra.Command{
		Use:          "poolmgr",
		Short:        "Machine pool lease manager",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if loadErr != nil {
				return loadErr
			}
			return cfg.Validate()
		},
	}
	root.SetArgs(args)
	root.PersistentFlags().String("config", path, "YAML configuration file (env POOLMGR_CONFIG)")
	cfg.BindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(&cfg),
		newSweepCmd(&cfg),
		newSchemaCmd(&cfg),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

var version = "dev"
