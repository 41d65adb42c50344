// Package lock provides the cross-process exclusion used to make sure only
// one sweeper acts on the pool at a time. Acquisition never blocks beyond
// the configured timeout: a lock held elsewhere is reported as
// poolerr.ErrLockUnavailable so the caller can skip its cycle.
package lock

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
)

// Locker acquires named locks. The returned release func must be called
// exactly once; it never fails, problems are logged.
//
// held is derived from ctx and stays live only while the lock is known to
// be held. When the lock is taken over or can no longer be confirmed, held
// is cancelled with poolerr.ErrLockLost as its cause. Work that must not
// overlap another holder runs under held.
type Locker interface {
	Acquire(ctx context.Context, name string) (held context.Context, release func(), err error)
}

// WithLock runs fn while holding name. fn is not called when the lock
// cannot be acquired. fn receives the lock-scoped context. The lock is
// released on every exit path, including a panic in fn and cancellation of
// ctx.
func WithLock(ctx context.Context, l Locker, name string, fn func(ctx context.Context) error) error {
	held, release, err := l.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer release()
	return fn(held)
}

// Lost reports whether ctx was cancelled because its lock was lost.
func Lost(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), poolerr.ErrLockLost)
}

// Mode selects the lock implementation.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeAdvisory Mode = "advisory"
	ModeTable    Mode = "table"
	ModeNone     Mode = "none"
)

// Config configures New.
type Config struct {
	Mode Mode
	// Timeout is how long Acquire waits for a held lock. Zero means a
	// single attempt.
	Timeout time.Duration
	// TTL bounds how long a table lock survives a crashed holder.
	TTL   time.Duration
	Clock clock.Clock
}

// New returns the locker for cfg.Mode on db. ModeAuto picks advisory locks
// on MySQL and the lock table everywhere else.
func New(cfg Config, db *sqlx.DB, logger *zap.Logger) (Locker, error) {
	mode := cfg.Mode
	if mode == "" || mode == ModeAuto {
		mode = ModeTable
		if db != nil && db.DriverName() == storage.DriverMySQL {
			mode = ModeAdvisory
		}
	}
	switch mode {
	case ModeAdvisory:
		if db == nil || db.DriverName() != storage.DriverMySQL {
			return nil, errors.NotValidf("advisory lock without a mysql database")
		}
		return NewAdvisoryLocker(db.DB, cfg.Timeout, cfg.Clock, logger), nil
	case ModeTable:
		if db == nil {
			return nil, errors.NotValidf("table lock without a database")
		}
		return NewTableLocker(db, TableConfig{TTL: cfg.TTL, Timeout: cfg.Timeout, Clock: cfg.Clock}, logger), nil
	case ModeNone:
		return NewNoopLocker(logger), nil
	default:
		return nil, errors.NotValidf("lock mode %q", cfg.Mode)
	}
}

const releaseTimeout = 10 * time.Second

// releaseContext returns a context for releasing a lock that outlives the
// caller's cancellation.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}
