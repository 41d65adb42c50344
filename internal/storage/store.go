package storage

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"

	// sqlite3 is the single-node and test backend, mysql the shared
	// production backend.
	_ "github.com/mattn/go-sqlite3"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

// Supported database/sql driver names.
const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

// Config describes how to reach the pool database.
type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WaitAttempts and WaitDelay bound how long Open waits for the
	// database to answer a ping.
	WaitAttempts int
	WaitDelay    time.Duration

	Clock clock.Clock
}

// Store is the SQL-backed pool store. It exclusively owns the machines and
// leases tables; every multi-row mutation runs in a single transaction.
type Store struct {
	db     *sqlx.DB
	driver string
	logger *zap.Logger
}

// Open connects to the database, waits for it to become reachable and
// ensures the schema exists.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverMySQL:
	default:
		return nil, errors.NotValidf("database driver %q", cfg.Driver)
	}
	dsn, err := NormalizeDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, errors.Trace(err)
	}
	db, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s database", cfg.Driver)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	attempts := cfg.WaitAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.WaitDelay
	if delay <= 0 {
		delay = time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			return db.PingContext(ctx)
		},
		NotifyFunc: func(lastErr error, attempt int) {
			logger.Info("database not reachable yet", zap.Int("attempt", attempt), zap.Error(lastErr))
		},
		Attempts: attempts,
		Delay:    delay,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Annotate(retry.LastError(err), "database not reachable")
	}

	s := New(db, logger)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Trace(err)
	}
	return s, nil
}

// NormalizeDSN makes a MySQL DSN scan DATETIME columns into UTC
// time.Time values whatever the operator wrote. Other drivers pass through.
func NormalizeDSN(driver, dsn string) (string, error) {
	if driver != DriverMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.NotValidf("mysql dsn: %v", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// New wraps an already opened database handle.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, driver: db.DriverName(), logger: logger.Named("store")}
}

// SQLiteDSN returns a DSN for a SQLite file tuned for concurrent writers:
// every transaction begins IMMEDIATE so the candidate selection and the hold
// placed on it cannot interleave with another writer.
func SQLiteDSN(path string) string {
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", "10000")
	q.Set("_foreign_keys", "on")
	q.Set("_journal_mode", "WAL")
	return fmt.Sprintf("file:%s?%s", path, q.Encode())
}

// DB exposes the handle for store-backed locks.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Driver returns the database/sql driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return poolerr.Storef(s.db.PingContext(ctx), "ping")
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return poolerr.Storef(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				s.logger.Warn("rollback failed", zap.Error(rbErr))
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return poolerr.Storef(err, "commit transaction")
	}
	return nil
}

// dbTime normalises timestamps before they reach the database: UTC, whole
// seconds, so that comparisons agree across drivers.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
