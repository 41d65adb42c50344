package main

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
)

func newSchemaCmd(cfg *config.Config) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the database schema, or create it with --apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !apply {
				stmts, err := storage.Schema(cfg.Database.Driver)
				if err != nil {
					return errors.Trace(err)
				}
				for _, stmt := range stmts {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
				}
				return nil
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger, err := cfg.BuildLogger()
			if err != nil {
				return errors.Trace(err)
			}
			defer func() { _ = logger.Sync() }()
			// Open creates the schema.
			s, err := storage.Open(ctx, cfg.Database.StorageConfig(), logger)
			if err != nil {
				return errors.Trace(err)
			}
			logger.Info("schema ready", zap.String("driver", s.Driver()))
			return s.Close()
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "create the tables in the configured database")
	return cmd
}
