// Package periodic runs a function on a fixed interval until killed.
package periodic

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"
)

// Config configures a Worker.
type Config struct {
	Name     string
	Interval time.Duration
	// RunImmediately runs Func once at start instead of waiting a full
	// interval.
	RunImmediately bool
	Func           func(ctx context.Context) error
	Clock          clock.Clock
	Logger         *zap.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Name == "" {
		return errors.NotValidf("missing name")
	}
	if c.Interval <= 0 {
		return errors.NotValidf("interval %v", c.Interval)
	}
	if c.Func == nil {
		return errors.NotValidf("missing func")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Worker calls Func every Interval. An error from Func is logged and the
// loop carries on; killing the worker cancels the context of the call in
// flight and prevents further calls.
type Worker struct {
	tomb tomb.Tomb
	cfg  Config
}

var _ worker.Worker = (*Worker)(nil)

// New starts a worker.
func New(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.Logger = cfg.Logger.Named(cfg.Name)
	w := &Worker{cfg: cfg}
	w.tomb.Go(w.loop)
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.tomb.Wait()
}

func (w *Worker) loop() error {
	first := w.cfg.Interval
	if w.cfg.RunImmediately {
		first = 0
	}
	timer := w.cfg.Clock.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case <-timer.Chan():
			ctx := w.tomb.Context(context.Background())
			if err := w.cfg.Func(ctx); err != nil {
				select {
				case <-w.tomb.Dying():
					w.cfg.Logger.Info("run interrupted by shutdown", zap.Error(err))
				default:
					w.cfg.Logger.Error("run failed", zap.Error(err))
				}
			}
			timer.Reset(w.cfg.Interval)
		}
	}
}
