package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

// advisoryCheckInterval is how often a holder confirms its session still
// owns the lock.
const advisoryCheckInterval = 30 * time.Second

// AdvisoryLocker uses MySQL GET_LOCK/RELEASE_LOCK. The lock belongs to the
// session, so each acquisition pins a dedicated connection until release;
// a crashed holder's lock disappears with its connection.
type AdvisoryLocker struct {
	db      *sql.DB
	timeout time.Duration
	clock   clock.Clock
	logger  *zap.Logger
}

// NewAdvisoryLocker returns a locker on a MySQL handle.
func NewAdvisoryLocker(db *sql.DB, timeout time.Duration, clk clock.Clock, logger *zap.Logger) *AdvisoryLocker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &AdvisoryLocker{db: db, timeout: timeout, clock: clk, logger: logger.Named("lock.advisory")}
}

// Acquire implements Locker.
func (l *AdvisoryLocker) Acquire(ctx context.Context, name string) (context.Context, func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, nil, &poolerr.LockBackendError{Name: name, Err: err}
	}

	secs := int(l.timeout / time.Second)
	qctx := ctx
	if secs > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, l.timeout+500*time.Millisecond)
		defer cancel()
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(qctx, "SELECT GET_LOCK(?, ?)", name, secs).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, nil, &poolerr.LockBackendError{Name: name, Err: err}
	}
	switch {
	case !got.Valid:
		_ = conn.Close()
		return nil, nil, &poolerr.LockBackendError{Name: name, Err: fmt.Errorf("GET_LOCK returned NULL")}
	case got.Int64 != 1:
		_ = conn.Close()
		return nil, nil, fmt.Errorf("advisory lock %q: %w", name, poolerr.ErrLockUnavailable)
	}
	l.logger.Debug("acquired", zap.String("name", name))

	held, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := l.monitor(ctx, conn, name, done); err != nil {
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
			if _, err := conn.ExecContext(rctx, "SELECT RELEASE_LOCK(?)", name); err != nil {
				l.logger.Warn("release failed, closing session", zap.String("name", name), zap.Error(err))
			}
			_ = conn.Close()
			l.logger.Debug("released", zap.String("name", name))
		})
	}, nil
}

// monitor checks that the pinned session still owns name until done is
// closed. A broken session has already dropped the lock on the server.
func (l *AdvisoryLocker) monitor(ctx context.Context, conn *sql.Conn, name string, done <-chan struct{}) error {
	ctx = context.WithoutCancel(ctx)
	for {
		select {
		case <-done:
			return nil
		case <-l.clock.After(advisoryCheckInterval):
		}
		var owned sql.NullBool
		err := conn.QueryRowContext(ctx, "SELECT IS_USED_LOCK(?) = CONNECTION_ID()", name).Scan(&owned)
		if err != nil {
			l.logger.Error("lock session lost", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("advisory lock %q: %w: %w", name, poolerr.ErrLockLost, err)
		}
		if !owned.Valid || !owned.Bool {
			l.logger.Error("lock no longer owned by this session", zap.String("name", name))
			return fmt.Errorf("advisory lock %q: %w", name, poolerr.ErrLockLost)
		}
	}
}
