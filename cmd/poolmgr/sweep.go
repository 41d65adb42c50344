package main

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

func newSweepCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Release expired leases periodically, or once with --once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), *cfg)
		},
	}
	cmd.Flags().BoolVar(&cfg.Sweeper.Once, "once", cfg.Sweeper.Once, "run a single cycle and exit")
	cmd.Flags().BoolVar(&cfg.Health.Enabled, "health", cfg.Health.Enabled, "also probe machine reachability")
	return cmd
}

func runSweep(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer a.Close()
	logger := a.logger

	sw, err := a.newSweeper()
	if err != nil {
		return errors.Trace(err)
	}

	if cfg.Sweeper.Once {
		ctx, stop := signalContext(ctx)
		defer stop()
		if cfg.Health.Enabled {
			hc, err := a.newHealthChecker()
			if err != nil {
				return errors.Trace(err)
			}
			if _, err := hc.RunOnce(ctx); err != nil {
				logger.Error("health check failed", zap.Error(err))
			}
		}
		n, err := sw.RunCycle(ctx)
		if errors.Is(err, poolerr.ErrLockUnavailable) {
			logger.Info("another sweeper is running, nothing to do")
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
		if ctx.Err() != nil {
			logger.Warn("sweep interrupted, finished batches were cleared", zap.Int("cleared", n))
			return errors.Annotate(ctx.Err(), "sweep interrupted")
		}
		logger.Info("sweep complete", zap.Int("cleared", n))
		return nil
	}

	var workers []worker.Worker
	sweepWorker, err := sw.NewWorker(true)
	if err != nil {
		return errors.Trace(err)
	}
	workers = append(workers, sweepWorker)
	if cfg.Health.Enabled {
		hc, err := a.newHealthChecker()
		if err != nil {
			return errors.Trace(err)
		}
		hw, err := hc.NewWorker(true)
		if err != nil {
			_ = worker.Stop(sweepWorker)
			return errors.Trace(err)
		}
		workers = append(workers, hw)
	}
	logger.Info("sweeper running",
		zap.Duration("interval", cfg.Sweeper.Interval),
		zap.Bool("health", cfg.Health.Enabled))

	waitForSignal(logger)
	for _, w := range workers {
		if err := worker.Stop(w); err != nil {
			logger.Warn("worker stopped with error", zap.Error(err))
		}
	}
	logger.Info("shutdown complete")
	return nil
}
