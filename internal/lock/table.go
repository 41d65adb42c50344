package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
)

// DefaultTTL is the table lock expiry when none is configured.
const DefaultTTL = 5 * time.Minute

// TableConfig configures a TableLocker.
type TableConfig struct {
	TTL     time.Duration
	Timeout time.Duration
	Clock   clock.Clock
}

// TableLocker keeps locks as rows of scheduler_locks. A row names its
// holder and an expiry; the holder extends the expiry while it runs so only
// a crashed holder's row goes stale.
type TableLocker struct {
	db     *sqlx.DB
	cfg    TableConfig
	logger *zap.Logger
}

// NewTableLocker returns a locker backed by the scheduler_locks table.
func NewTableLocker(db *sqlx.DB, cfg TableConfig, logger *zap.Logger) *TableLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &TableLocker{db: db, cfg: cfg, logger: logger.Named("lock.table")}
}

// Acquire implements Locker.
func (l *TableLocker) Acquire(ctx context.Context, name string) (context.Context, func(), error) {
	holder := uuid.NewString()
	var expires time.Time
	try := func() (err error) {
		expires, err = l.tryAcquire(ctx, name, holder)
		return err
	}

	var err error
	if l.cfg.Timeout <= 0 {
		err = try()
	} else {
		err = retry.Call(retry.CallArgs{
			Func: try,
			IsFatalError: func(err error) bool {
				return !errors.Is(err, poolerr.ErrLockUnavailable)
			},
			Delay:       time.Second,
			MaxDuration: l.cfg.Timeout,
			Clock:       l.cfg.Clock,
			Stop:        ctx.Done(),
		})
		err = retry.LastError(err)
	}
	if err != nil {
		return nil, nil, err
	}
	l.logger.Debug("acquired", zap.String("name", name), zap.String("holder", holder))

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.heartbeat(ctx, name, holder, expires, done); err != nil {
			cancel(err)
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(context.Canceled)
			rctx, rcancel := releaseContext(ctx)
			defer rcancel()
			if _, err := l.db.ExecContext(rctx,
				`DELETE FROM scheduler_locks WHERE name = ? AND holder = ?`, name, holder); err != nil {
				l.logger.Warn("release failed, lock expires on its own",
					zap.String("name", name), zap.Error(err))
				return
			}
			l.logger.Debug("released", zap.String("name", name), zap.String("holder", holder))
		})
	}, nil
}

// tryAcquire inserts the lock row and returns its expiry.
func (l *TableLocker) tryAcquire(ctx context.Context, name, holder string) (time.Time, error) {
	now := l.cfg.Clock.Now().UTC().Truncate(time.Second)
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return time.Time{}, &poolerr.LockBackendError{Name: name, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scheduler_locks WHERE name = ? AND expires_at <= ?`, name, now); err != nil {
		return time.Time{}, &poolerr.LockBackendError{Name: name, Err: err}
	}
	expires := now.Add(l.cfg.TTL)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduler_locks (name, holder, expires_at) VALUES (?, ?, ?)`,
		name, holder, expires)
	if storage.IsUniqueViolation(err) {
		return time.Time{}, fmt.Errorf("table lock %q: %w", name, poolerr.ErrLockUnavailable)
	} else if err != nil {
		return time.Time{}, &poolerr.LockBackendError{Name: name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return time.Time{}, &poolerr.LockBackendError{Name: name, Err: err}
	}
	return expires, nil
}

// heartbeat pushes the expiry forward every third of the TTL until done
// is closed. It returns poolerr.ErrLockLost once the row belongs to someone
// else, or once the last confirmed expiry has passed without a successful
// extension. Any other node may take the lock from that point on.
func (l *TableLocker) heartbeat(ctx context.Context, name, holder string, expires time.Time, done <-chan struct{}) error {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-done:
			return nil
		case <-l.cfg.Clock.After(l.cfg.TTL / 3):
		}
		now := l.cfg.Clock.Now().UTC().Truncate(time.Second)
		next := now.Add(l.cfg.TTL)
		res, err := l.db.ExecContext(ctx,
			`UPDATE scheduler_locks SET expires_at = ? WHERE name = ? AND holder = ?`, next, name, holder)
		if err != nil {
			if !now.Before(expires) {
				l.logger.Error("lock expired while the store was unreachable",
					zap.String("name", name), zap.String("holder", holder), zap.Error(err))
				return fmt.Errorf("table lock %q: %w: %w", name, poolerr.ErrLockLost, err)
			}
			l.logger.Warn("extending lock", zap.String("name", name), zap.Error(err))
			continue
		}
		if n, _ := res.RowsAffected(); n == 0 {
			l.logger.Error("lock lost to another holder", zap.String("name", name), zap.String("holder", holder))
			return fmt.Errorf("table lock %q: %w", name, poolerr.ErrLockLost)
		}
		expires = next
	}
}
