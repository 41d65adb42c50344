// Package sweeper revokes expired leases.
//
// Release is fail-open: once a batch of account deletions has run, the
// leases of that batch are cleared whatever the provisioner reported. A
// machine that cannot be reached must not stay reserved forever; failed
// deletions are logged, counted and written to the stale-account journal
// instead of being retried.
package sweeper

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/events"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/lock"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/periodic"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/provisioner"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/tracing"
)

// Revocation reasons.
const (
	ReasonExpired  = "expired"
	ReasonReleased = "released"
	ReasonForced   = "forced"
)

const (
	DefaultInterval           = time.Minute
	DefaultBatchSize          = 20
	DefaultLockName           = "poolmgr-sweeper"
	DefaultProvisionTimeout   = 10 * time.Minute
	DefaultBookkeepingTimeout = 30 * time.Second
)

// Store is the part of the pool store the sweeper needs.
type Store interface {
	ExpiredLeaseTargets(ctx context.Context, now time.Time) ([]models.LeaseTarget, error)
	ActiveLeaseTargets(ctx context.Context) ([]models.LeaseTarget, error)
	ClearLeases(ctx context.Context, refs []models.LeaseRef) (int, error)
	ExpireHolds(ctx context.Context, now time.Time) (int, error)
}

// Config holds the sweeper dependencies and tuning.
type Config struct {
	Store   Store
	Gateway provisioner.Gateway
	Locker  lock.Locker
	Metrics *metrics.Metrics
	// Journal, Events and Tracer are optional.
	Journal journal.Journal
	Events  events.Emitter
	Tracer  trace.Tracer
	Clock   clock.Clock
	Logger  *zap.Logger

	Interval           time.Duration
	BatchSize          int
	LockName           string
	ProvisionTimeout   time.Duration
	BookkeepingTimeout time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Gateway == nil {
		return errors.NotValidf("missing gateway")
	}
	if c.Locker == nil {
		return errors.NotValidf("missing locker")
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
	if c.BatchSize < 0 {
		return errors.NotValidf("batch size %d", c.BatchSize)
	}
	return nil
}

// Sweeper clears expired leases.
type Sweeper struct {
	cfg Config
}

// New returns a sweeper; zero tuning values take their defaults.
func New(cfg Config) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = DefaultProvisionTimeout
	}
	if cfg.BookkeepingTimeout <= 0 {
		cfg.BookkeepingTimeout = DefaultBookkeepingTimeout
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Tracer(nil)
	}
	cfg.Logger = cfg.Logger.Named("sweeper")
	return &Sweeper{cfg: cfg}, nil
}

// SweepOnce revokes every lease whose deadline has passed and returns how
// many were cleared. It does not take the exclusion lock; see RunCycle.
func (s *Sweeper) SweepOnce(ctx context.Context) (n int, err error) {
	ctx, span := s.cfg.Tracer.Start(ctx, "sweeper.SweepOnce")
	defer func() {
		span.SetAttributes(attribute.Int("cleared", n))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	now := s.cfg.Clock.Now()
	if dropped, err := s.cfg.Store.ExpireHolds(ctx, now); err != nil {
		s.cfg.Logger.Warn("expiring allocation holds", zap.Error(err))
	} else if dropped > 0 {
		s.cfg.Metrics.HoldsExpired.Add(float64(dropped))
		s.cfg.Logger.Info("dropped stale allocation holds", zap.Int("machines", dropped))
	}

	expired, err := s.cfg.Store.ExpiredLeaseTargets(ctx, now)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	return s.Revoke(ctx, expired, ReasonExpired)
}

// RunCycle runs SweepOnce under the exclusion lock. When another process
// holds the lock it returns an error satisfying
// errors.Is(err, poolerr.ErrLockUnavailable) without touching the store.
// Losing the lock mid-cycle abandons the batch in flight and returns an
// error satisfying errors.Is(err, poolerr.ErrLockLost).
func (s *Sweeper) RunCycle(ctx context.Context) (int, error) {
	start := s.cfg.Clock.Now()
	var n int
	err := lock.WithLock(ctx, s.cfg.Locker, s.cfg.LockName, func(ctx context.Context) error {
		var err error
		n, err = s.SweepOnce(ctx)
		if lock.Lost(ctx) {
			err = context.Cause(ctx)
		}
		return err
	})
	switch {
	case errors.Is(err, poolerr.ErrLockUnavailable):
		s.cfg.Metrics.Sweeps.WithLabelValues(metrics.OutcomeSkipped).Inc()
		s.cfg.Logger.Debug("another sweeper holds the lock, skipping cycle")
		return 0, err
	case errors.Is(err, poolerr.ErrLockBackend):
		s.cfg.Metrics.Sweeps.WithLabelValues(metrics.OutcomeError).Inc()
		s.cfg.Logger.Error("exclusion lock unusable, not sweeping", zap.Error(err))
		return 0, err
	case errors.Is(err, poolerr.ErrLockLost):
		s.cfg.Metrics.Sweeps.WithLabelValues(metrics.OutcomeError).Inc()
		s.cfg.Logger.Error("exclusion lock lost mid-cycle, stopped sweeping", zap.Int("cleared", n), zap.Error(err))
		return n, err
	case err != nil:
		s.cfg.Metrics.Sweeps.WithLabelValues(metrics.OutcomeError).Inc()
	default:
		s.cfg.Metrics.Sweeps.WithLabelValues(metrics.OutcomeOK).Inc()
	}
	s.cfg.Metrics.SweepDuration.Observe(s.cfg.Clock.Now().Sub(start).Seconds())
	if n > 0 || err != nil {
		s.cfg.Logger.Info("sweep finished", zap.Int("cleared", n), zap.Error(err))
	}
	return n, err
}

// ReleaseAll revokes every active lease regardless of its deadline, under
// the exclusion lock.
func (s *Sweeper) ReleaseAll(ctx context.Context) (int, error) {
	var n int
	err := lock.WithLock(ctx, s.cfg.Locker, s.cfg.LockName, func(ctx context.Context) error {
		active, err := s.cfg.Store.ActiveLeaseTargets(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		n, err = s.Revoke(ctx, active, ReasonForced)
		if lock.Lost(ctx) {
			err = context.Cause(ctx)
		}
		return err
	})
	if err == nil {
		s.cfg.Logger.Warn("force released all leases", zap.Int("cleared", n))
	}
	return n, err
}

// NewWorker returns a worker running RunCycle every interval. Lock
// contention is expected and not reported as a failure.
func (s *Sweeper) NewWorker(runImmediately bool) (*periodic.Worker, error) {
	return periodic.New(periodic.Config{
		Name:           "sweeper",
		Interval:       s.cfg.Interval,
		RunImmediately: runImmediately,
		Clock:          s.cfg.Clock,
		Logger:         s.cfg.Logger,
		Func:           s.tick,
	})
}

// tick is one worker run. Only lock contention is swallowed; a broken lock
// backend fails the run so the worker reports it.
func (s *Sweeper) tick(ctx context.Context) error {
	_, err := s.RunCycle(ctx)
	if errors.Is(err, poolerr.ErrLockUnavailable) {
		return nil
	}
	return err
}

// Revoke deletes the accounts of targets through the provisioner, grouped
// by principal and batched, then clears their lease state. Each group is
// cleared in its own transaction; a failing group does not stop the
// others. It returns the number of leases cleared.
//
// If ctx is cancelled the batch in flight is abandoned and stays reserved,
// while batches that already ran are still cleared.
func (s *Sweeper) Revoke(ctx context.Context, targets []models.LeaseTarget, reason string) (int, error) {
	groups := GroupByPrincipal(targets)
	var (
		total int
		errs  []error
	)
	for _, principal := range groups.Principals {
		if ctx.Err() != nil {
			break
		}
		n, err := s.revokeGroup(ctx, principal, groups.Leases[principal], reason)
		total += n
		if err != nil {
			s.cfg.Logger.Error("clearing leases", zap.String("principal", principal), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return total, stderrors.Join(errs...)
}

func (s *Sweeper) revokeGroup(ctx context.Context, principal string, leases []ExpiredLease, reason string) (int, error) {
	logger := s.cfg.Logger.With(zap.String("principal", principal), zap.String("reason", reason))

	var done []ExpiredLease
	for _, batch := range batches(leases, s.cfg.BatchSize) {
		if ctx.Err() != nil {
			break
		}
		targets := make([]provisioner.Target, len(batch))
		for i, l := range batch {
			targets[i] = provisioner.LeaseTarget(l)
		}
		res, err := provisioner.Invoke(ctx, s.cfg.Gateway, provisioner.Batch{
			Action:   provisioner.ActionDelete,
			Username: principal,
			Targets:  targets,
		}, s.cfg.ProvisionTimeout, s.observe)
		if err != nil && ctx.Err() != nil {
			logger.Info("shutdown interrupted account deletion, batch stays reserved",
				zap.Int("leases", len(batch)), zap.Error(err))
			break
		}
		s.recordOutcome(ctx, logger, batch, res, err, reason)
		done = append(done, batch...)
	}
	if len(done) == 0 {
		return 0, nil
	}

	refs := make([]models.LeaseRef, len(done))
	for i, l := range done {
		refs[i] = l.Ref()
	}
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BookkeepingTimeout)
	defer cancel()
	cleared, err := s.cfg.Store.ClearLeases(bctx, refs)
	if err != nil {
		return 0, errors.Annotatef(err, "clearing %d leases of %q", len(refs), principal)
	}
	s.cfg.Metrics.Releases.WithLabelValues(reason).Add(float64(cleared))

	evType := events.LeaseReleased
	if reason == ReasonExpired {
		evType = events.LeaseExpired
	}
	now := s.cfg.Clock.Now()
	for _, l := range done {
		s.cfg.Events.Emit(bctx, events.Event{
			Type:          evType,
			LeaseID:       l.LeaseID,
			Principal:     l.Principal,
			Machine:       l.MachineName,
			ReservedUntil: l.ReservedUntil,
			Reason:        reason,
			At:            now,
		})
	}
	logger.Info("leases cleared", zap.Int("cleared", cleared), zap.Int("stale", len(done)-cleared))
	return cleared, nil
}

// recordOutcome logs and journals the per-host result of a delete batch.
// When the batch failed as a whole, only hosts the provisioner explicitly
// reported ok count as done.
func (s *Sweeper) recordOutcome(ctx context.Context, logger *zap.Logger, batch []ExpiredLease, res provisioner.Result, batchErr error, reason string) {
	ctx = context.WithoutCancel(ctx)
	now := s.cfg.Clock.Now()
	var failed []string
	for _, l := range batch {
		status := res.Status(l.MachineName)
		ok := status == provisioner.HostOK || (batchErr == nil && status == provisioner.HostUnknown)
		if ok {
			if s.cfg.Journal != nil {
				if err := s.cfg.Journal.Resolve(ctx, l.Principal, l.MachineName); err != nil {
					logger.Warn("journal resolve", zap.String("machine", l.MachineName), zap.Error(err))
				}
			}
			continue
		}
		failed = append(failed, l.MachineName)
		msg := string(status)
		if batchErr != nil {
			msg = batchErr.Error()
		}
		if s.cfg.Journal != nil {
			err := s.cfg.Journal.Record(ctx, journal.Entry{
				Principal:    l.Principal,
				Machine:      l.MachineName,
				Host:         l.Host,
				LeaseID:      l.LeaseID,
				Reason:       reason,
				LastError:    msg,
				LastFailedAt: now,
			})
			if err != nil {
				logger.Warn("journal record", zap.String("machine", l.MachineName), zap.Error(err))
			}
		}
		s.cfg.Events.Emit(ctx, events.Event{
			Type:      events.LeaseRevokeFailed,
			LeaseID:   l.LeaseID,
			Principal: l.Principal,
			Machine:   l.MachineName,
			Reason:    msg,
			At:        now,
		})
	}
	if len(failed) > 0 {
		s.cfg.Metrics.RevokeFailures.Add(float64(len(failed)))
		logger.Warn("account deletion failed, releasing anyway",
			zap.Strings("machines", failed), zap.Error(batchErr))
	}
}

func (s *Sweeper) observe(action provisioner.Action, d time.Duration, err error) {
	s.cfg.Metrics.ObserveProvision(string(action), d, err)
}
