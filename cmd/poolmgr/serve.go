package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/api"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/auth"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/server"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var withSweeper bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reservation API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfg, withSweeper)
		},
	}
	cmd.Flags().BoolVar(&withSweeper, "with-sweeper", false, "also run the expiry sweeper in this process")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, withSweeper bool) error {
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
	alloc, err := a.newAllocator(sw)
	if err != nil {
		return errors.Trace(err)
	}
	srv, err := server.New(server.Config{
		Store:     a.store,
		Allocator: alloc,
		Releaser:  sw,
		Journal:   a.journal,
		Clock:     a.clock,
		Logger:    logger,
	})
	if err != nil {
		return errors.Trace(err)
	}

	var sweepWorker worker.Worker
	if withSweeper {
		w, err := sw.NewWorker(true)
		if err != nil {
			return errors.Trace(err)
		}
		sweepWorker = w
	}

	// The metrics listener is optional; /metrics is always on the API too.
	handler := api.NewHTTPHandler(srv, api.Options{
		Authenticator: auth.HeaderAuthenticator{
			PrincipalHeader: cfg.HTTP.PrincipalHeader,
			AdminHeader:     cfg.HTTP.AdminHeader,
		},
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Gatherer:       a.registry,
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// A reservation blocks for up to the provision timeout.
		WriteTimeout: cfg.Allocator.ProvisionTimeout + cfg.HTTP.RequestTimeout + time.Minute,
	}
	errc := make(chan error, 2)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- errors.Annotate(err, "http listen")
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		r := mux.NewRouter()
		api.RegisterMetrics(r, a.registry)
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("Prometheus metrics available", zap.String("addr", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errc <- errors.Annotate(err, "metrics listen")
			}
		}()
	}

	go func() {
		waitForSignal(logger)
		errc <- nil
	}()
	err = <-errc

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http server shutdown error", zap.Error(serr))
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if sweepWorker != nil {
		if werr := worker.Stop(sweepWorker); werr != nil {
			logger.Warn("sweeper stopped with error", zap.Error(werr))
		}
	}
	logger.Info("shutdown complete")
	return err
}
