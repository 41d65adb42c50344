// Package health probes pool machines over SSH and keeps their online flag
// and last_seen_at current, so unreachable machines drop out of allocation.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/periodic"
)

const (
	DefaultInterval    = 5 * time.Minute
	DefaultConcurrency = 10
	DefaultTimeout     = 10 * time.Second
)

// Prober checks that a machine accepts its admin credential.
type Prober interface {
	Probe(ctx context.Context, m models.Machine) error
}

// Store is the part of the pool store the checker needs.
type Store interface {
	ListMachines(ctx context.Context) ([]models.Machine, error)
	SetMachineHealth(ctx context.Context, id int64, online bool, seenAt *time.Time) (bool, error)
}

// Config configures a Checker.
type Config struct {
	Store       Store
	Prober      Prober
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Logger      *zap.Logger
	Interval    time.Duration
	Concurrency int
	// Timeout bounds each probe.
	Timeout time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Prober == nil {
		return errors.NotValidf("missing prober")
	}
	if c.Metrics == nil {
		return errors.NotValidf("missing metrics")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Stats summarises one pass.
type Stats struct {
	Total       int
	Reachable   int
	Unreachable int
	WentOffline int
	CameOnline  int
}

// Checker runs health passes.
type Checker struct {
	cfg Config
}

// New returns a checker; zero tuning values take their defaults.
func New(cfg Config) (*Checker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Logger = cfg.Logger.Named("health")
	return &Checker{cfg: cfg}, nil
}

// RunOnce probes every registered machine, at most Concurrency at a time.
// Disabled machines are probed too so they can be re-enabled with an
// accurate online flag.
func (c *Checker) RunOnce(ctx context.Context) (Stats, error) {
	machines, err := c.cfg.Store.ListMachines(ctx)
	if err != nil {
		return Stats{}, errors.Trace(err)
	}

	var total, reachable, unreachable, wentOffline, cameOnline atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, m := range machines {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			total.Add(1)
			pctx, cancel := context.WithTimeout(gctx, c.cfg.Timeout)
			probeErr := c.cfg.Prober.Probe(pctx, m)
			cancel()
			if gctx.Err() != nil {
				return gctx.Err()
			}

			online := probeErr == nil
			var seen *time.Time
			if online {
				now := c.cfg.Clock.Now()
				seen = &now
				reachable.Add(1)
				c.cfg.Metrics.HealthProbes.WithLabelValues("reachable").Inc()
			} else {
				unreachable.Add(1)
				c.cfg.Metrics.HealthProbes.WithLabelValues("unreachable").Inc()
				c.cfg.Logger.Debug("probe failed", zap.String("machine", m.Name), zap.Error(probeErr))
			}
			changed, err := c.cfg.Store.SetMachineHealth(gctx, m.ID, online, seen)
			if err != nil {
				c.cfg.Logger.Warn("recording health", zap.String("machine", m.Name), zap.Error(err))
				return nil
			}
			if changed && online {
				cameOnline.Add(1)
				c.cfg.Logger.Info("machine back online", zap.String("machine", m.Name))
			} else if changed {
				wentOffline.Add(1)
				c.cfg.Logger.Warn("machine went offline", zap.String("machine", m.Name), zap.Error(probeErr))
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	stats := Stats{
		Total:       int(total.Load()),
		Reachable:   int(reachable.Load()),
		Unreachable: int(unreachable.Load()),
		WentOffline: int(wentOffline.Load()),
		CameOnline:  int(cameOnline.Load()),
	}
	if err != nil {
		return stats, errors.Trace(err)
	}
	c.cfg.Logger.Info("health pass finished",
		zap.Int("total", stats.Total),
		zap.Int("reachable", stats.Reachable),
		zap.Int("unreachable", stats.Unreachable))
	return stats, nil
}

// NewWorker returns a worker running RunOnce every interval.
func (c *Checker) NewWorker(runImmediately bool) (*periodic.Worker, error) {
	return periodic.New(periodic.Config{
		Name:           "health",
		Interval:       c.cfg.Interval,
		RunImmediately: runImmediately,
		Clock:          c.cfg.Clock,
		Logger:         c.cfg.Logger,
		Func: func(ctx context.Context) error {
			_, err := c.RunOnce(ctx)
			return err
		},
	})
}
