package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsclient "github.com/devghori1264/aerophoenix/poolmgr/internal/nats"
)

func newWatchCmd(g *globals) *cobra.Command {
	var url, prefix string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lease events published on NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := g.logger()
			defer func() { _ = logger.Sync() }()
			subject := prefix + ".lease.>"
			logger.Info("watching", zap.String("url", url), zap.String("subject", subject))
			return natsclient.Watch(cmd.Context(), url, subject, func(subject string, data []byte) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", subject, data)
			})
		},
	}
	cmd.Flags().StringVar(&url, "nats-url", envOr("POOLCTL_NATS_URL", "nats://localhost:4222"), "NATS server")
	cmd.Flags().StringVar(&prefix, "subject-prefix", "poolmgr", "subject prefix used by the server")
	return cmd
}
