package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/allocator"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/events"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/health"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/lock"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	natsclient "github.com/devghori1264/aerophoenix/poolmgr/internal/nats"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/provisioner"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/sweeper"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/tracing"
)

// app holds the components shared by serve and sweep.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    clock.Clock
	store    *storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	journal  journal.Journal
	events   events.Emitter
	gateway  provisioner.Gateway

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	logger, err := cfg.BuildLogger()
	if err != nil {
		return nil, errors.Trace(err)
	}
	a := &app{cfg: cfg, logger: logger, clock: clock.WallClock}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = storage.Open(ctx, cfg.Database.StorageConfig(), logger)
	if err != nil {
		return nil, errors.Annotate(err, "opening pool store")
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	tp, shutdown, err := tracing.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		return nil, errors.Annotate(err, "setting up tracing")
	}
	a.tracer = tracing.Tracer(tp)
	a.closers = append(a.closers, func() { _ = shutdown(context.Background()) })

	a.journal, err = openJournal(cfg.Journal, a.store)
	if err != nil {
		return nil, errors.Annotate(err, "opening stale-account journal")
	}
	a.closers = append(a.closers, func() { _ = a.journal.Close() })
	if cfg.Journal.Backend == config.JournalBadger {
		logger.Warn("stale-account journal is local to this process; other servers and sweepers will not see it",
			zap.String("path", cfg.Journal.Path))
	}

	a.events = events.Discard
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, "poolmgr", logger)
		if err != nil {
			return nil, errors.Trace(err)
		}
		a.closers = append(a.closers, pub.Close)
		a.events = events.NewPublisherEmitter(pub, cfg.NATS.SubjectPrefix, logger)
	}

	a.gateway, err = provisioner.NewAnsibleGateway(provisioner.AnsibleConfig{
		Playbook:   cfg.Provisioner.Playbook,
		Forks:      cfg.Provisioner.Forks,
		SSHTimeout: cfg.Provisioner.SSHTimeout,
		TempDir:    cfg.Provisioner.TempDir,
		Logger:     logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return a, nil
}

// openJournal returns the stale-account journal selected by cfg. The store
// backend shares one record between every process on the pool.
func openJournal(cfg config.Journal, store *storage.Store) (journal.Journal, error) {
	if cfg.Backend == config.JournalBadger {
		j, err := journal.NewBadgerJournal(cfg.Path)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return j, nil
	}
	return journal.NewSQLJournal(store.DB()), nil
}

func (a *app) newSweeper() (*sweeper.Sweeper, error) {
	locker, err := lock.New(lock.Config{
		Mode:    lock.Mode(a.cfg.Lock.Mode),
		Timeout: a.cfg.Lock.Timeout,
		TTL:     a.cfg.Lock.TTL,
		Clock:   a.clock,
	}, a.store.DB(), a.logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return sweeper.New(sweeper.Config{
		Store:            a.store,
		Gateway:          a.gateway,
		Locker:           locker,
		Metrics:          a.metrics,
		Journal:          a.journal,
		Events:           a.events,
		Tracer:           a.tracer,
		Clock:            a.clock,
		Logger:           a.logger,
		Interval:         a.cfg.Sweeper.Interval,
		BatchSize:        a.cfg.Sweeper.BatchSize,
		LockName:         a.cfg.Lock.Name,
		ProvisionTimeout: a.cfg.Allocator.ProvisionTimeout,
	})
}

func (a *app) newAllocator(revoker allocator.Revoker) (*allocator.Allocator, error) {
	return allocator.New(allocator.Config{
		Store:            a.store,
		Gateway:          a.gateway,
		Revoker:          revoker,
		Metrics:          a.metrics,
		Events:           a.events,
		Tracer:           a.tracer,
		Clock:            a.clock,
		Logger:           a.logger,
		DefaultDuration:  a.cfg.Allocator.DefaultDuration,
		MaxDuration:      a.cfg.Allocator.MaxDuration,
		ProvisionTimeout: a.cfg.Allocator.ProvisionTimeout,
		HoldGrace:        a.cfg.Allocator.HoldGrace,
	})
}

func (a *app) newHealthChecker() (*health.Checker, error) {
	return health.New(health.Config{
		Store:       a.store,
		Prober:      health.SSHProber{},
		Metrics:     a.metrics,
		Clock:       a.clock,
		Logger:      a.logger,
		Interval:    a.cfg.Health.Interval,
		Concurrency: a.cfg.Health.Concurrency,
		Timeout:     a.cfg.Health.Timeout,
	})
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = a.logger.Sync()
}

// signalContext returns a copy of ctx that is cancelled on SIGINT or
// SIGTERM. stop restores default signal handling.
func signalContext(ctx context.Context) (_ context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// waitForSignal blocks until SIGINT or SIGTERM.
func waitForSignal(logger *zap.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)
	sig := <-stop
	logger.Info("shutdown initiated", zap.String("signal", sig.String()))
}
