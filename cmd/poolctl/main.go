// Command poolctl is the command line client of the poolmgr API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/client"
)

type globals struct {
	server    string
	principal string
	admin     bool
	output    string
	verbose   bool
}

func (g *globals) client() *client.Client {
	return client.New(g.server, g.principal, g.admin)
}

func (g *globals) logger() *zap.Logger {
	zc := zap.NewDevelopmentConfig()
	zc.DisableStacktrace = true
	if !g.verbose {
		zc.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	logger, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:          "poolctl",
		Short:        "Reserve and administer pool machines",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.server, "server", envOr("POOLCTL_SERVER", "http://localhost:8080"), "poolmgr API address (env POOLCTL_SERVER)")
	pf.StringVar(&g.principal, "principal", envOr("POOLCTL_PRINCIPAL", os.Getenv("USER")), "principal to act as (env POOLCTL_PRINCIPAL)")
	pf.BoolVar(&g.admin, "admin", false, "act with administrator rights")
	pf.StringVarP(&g.output, "output", "o", "table", "output format: table or json")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newReserveCmd(g),
		newListCmd(g),
		newGetCmd(g),
		newReleaseCmd(g),
		newMachinesCmd(g),
		newAdminCmd(g),
		newWatchCmd(g),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
