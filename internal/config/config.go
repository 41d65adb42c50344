// Package config holds the configuration shared by the poolmgr binaries.
// Values come from defaults, then an optional YAML file, then flags.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/allocator"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/auth"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/health"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/lock"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/sweeper"
)

type Database struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	WaitAttempts    int           `yaml:"wait_attempts"`
	WaitDelay       time.Duration `yaml:"wait_delay"`
}

// StorageConfig returns the store configuration. A SQLite database without
// an explicit DSN is opened at Path.
func (d Database) StorageConfig() storage.Config {
	dsn := d.DSN
	if dsn == "" && d.Driver == storage.DriverSQLite {
		dsn = storage.SQLiteDSN(d.Path)
	}
	return storage.Config{
		Driver:          d.Driver,
		DSN:             dsn,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		WaitAttempts:    d.WaitAttempts,
		WaitDelay:       d.WaitDelay,
	}
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	PrincipalHeader string        `yaml:"principal_header"`
	AdminHeader     string        `yaml:"admin_header"`
}

type Allocator struct {
	DefaultDuration  time.Duration `yaml:"default_duration"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	HoldGrace        time.Duration `yaml:"hold_grace"`
}

type Sweeper struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Once      bool          `yaml:"once"`
}

type Lock struct {
	Name    string        `yaml:"name"`
	Mode    string        `yaml:"mode"`
	Timeout time.Duration `yaml:"timeout"`
	TTL     time.Duration `yaml:"ttl"`
}

type Health struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Provisioner struct {
	Playbook   string        `yaml:"playbook"`
	Forks      int           `yaml:"forks"`
	SSHTimeout time.Duration `yaml:"ssh_timeout"`
	TempDir    string        `yaml:"temp_dir"`
}

// Journal backends.
const (
	JournalStore  = "store"
	JournalBadger = "badger"
)

type Journal struct {
	// Backend is "store", the stale_accounts table every process shares,
	// or "badger", a directory private to one process.
	Backend string `yaml:"backend"`
	// Path of the badger directory. Empty keeps it in memory.
	Path string `yaml:"path"`
}

type NATS struct {
	// URL of the NATS server. Empty disables event publishing.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Metrics struct {
	// Addr serves /metrics on a separate listener. Empty serves it on the
	// API listener only.
	Addr string `yaml:"addr"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full poolmgr configuration.
type Config struct {
	Database    Database    `yaml:"database"`
	HTTP        HTTP        `yaml:"http"`
	Allocator   Allocator   `yaml:"allocator"`
	Sweeper     Sweeper     `yaml:"sweeper"`
	Lock        Lock        `yaml:"lock"`
	Health      Health      `yaml:"health"`
	Provisioner Provisioner `yaml:"provisioner"`
	Journal     Journal     `yaml:"journal"`
	NATS        NATS        `yaml:"nats"`
	Metrics     Metrics     `yaml:"metrics"`
	Tracing     Tracing     `yaml:"tracing"`
	Log         Log         `yaml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: Database{
			Driver:       storage.DriverSQLite,
			Path:         "./data/pool.db",
			WaitAttempts: 30,
			WaitDelay:    2 * time.Second,
		},
		HTTP: HTTP{
			Addr:            ":8080",
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			PrincipalHeader: auth.DefaultPrincipalHeader,
			AdminHeader:     auth.DefaultAdminHeader,
		},
		Allocator: Allocator{
			DefaultDuration:  allocator.DefaultDuration,
			MaxDuration:      allocator.DefaultMaxDuration,
			ProvisionTimeout: allocator.DefaultProvisionTimeout,
			HoldGrace:        allocator.DefaultHoldGrace,
		},
		Sweeper: Sweeper{
			Interval:  sweeper.DefaultInterval,
			BatchSize: sweeper.DefaultBatchSize,
		},
		Lock: Lock{
			Name: sweeper.DefaultLockName,
			Mode: string(lock.ModeAuto),
			TTL:  lock.DefaultTTL,
		},
		Health: Health{
			Interval:    health.DefaultInterval,
			Concurrency: health.DefaultConcurrency,
			Timeout:     health.DefaultTimeout,
		},
		Provisioner: Provisioner{
			Playbook:   "playbooks/manage_user.yml",
			Forks:      10,
			SSHTimeout: 15 * time.Second,
		},
		Journal: Journal{Backend: JournalStore},
		NATS:    NATS{SubjectPrefix: "poolmgr"},
		Log:     Log{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Annotatef(err, "reading config %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Annotatef(err, "parsing config %q", path)
	}
	return cfg, nil
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case storage.DriverSQLite:
		if c.Database.DSN == "" && c.Database.Path == "" {
			return errors.NotValidf("sqlite database without path or dsn")
		}
	case storage.DriverMySQL:
		if c.Database.DSN == "" {
			return errors.NotValidf("mysql database without dsn")
		}
		if _, err := storage.NormalizeDSN(storage.DriverMySQL, c.Database.DSN); err != nil {
			return errors.Trace(err)
		}
	default:
		return errors.NotValidf("database driver %q", c.Database.Driver)
	}
	if c.Allocator.DefaultDuration <= 0 || c.Allocator.MaxDuration <= 0 {
		return errors.NotValidf("non-positive lease duration")
	}
	if c.Allocator.DefaultDuration > c.Allocator.MaxDuration {
		return errors.NotValidf("default duration %s above max duration %s",
			c.Allocator.DefaultDuration, c.Allocator.MaxDuration)
	}
	if c.Allocator.ProvisionTimeout <= 0 {
		return errors.NotValidf("provision timeout %s", c.Allocator.ProvisionTimeout)
	}
	if c.Sweeper.Interval <= 0 {
		return errors.NotValidf("sweeper interval %s", c.Sweeper.Interval)
	}
	if c.Sweeper.BatchSize <= 0 {
		return errors.NotValidf("sweeper batch size %d", c.Sweeper.BatchSize)
	}
	switch lock.Mode(c.Lock.Mode) {
	case lock.ModeAuto, lock.ModeAdvisory, lock.ModeTable, lock.ModeNone:
	default:
		return errors.NotValidf("lock mode %q", c.Lock.Mode)
	}
	if c.Lock.Name == "" {
		return errors.NotValidf("empty lock name")
	}
	if c.Lock.Timeout < 0 || c.Lock.TTL < 0 {
		return errors.NotValidf("negative lock timing")
	}
	if c.Health.Interval <= 0 || c.Health.Concurrency <= 0 || c.Health.Timeout <= 0 {
		return errors.NotValidf("health check settings")
	}
	if c.Provisioner.Playbook == "" {
		return errors.NotValidf("empty playbook path")
	}
	if c.Provisioner.Forks <= 0 {
		return errors.NotValidf("provisioner forks %d", c.Provisioner.Forks)
	}
	switch c.Journal.Backend {
	case JournalStore, JournalBadger:
	default:
		return errors.NotValidf("journal backend %q", c.Journal.Backend)
	}
	if c.HTTP.RequestTimeout < 0 {
		return errors.NotValidf("request timeout %s", c.HTTP.RequestTimeout)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return errors.NotValidf("log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.NotValidf("log format %q", c.Log.Format)
	}
	return nil
}

// BindFlags registers the commonly overridden settings on fs. Flags the
// user sets win over the file.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Database.Driver, "db-driver", c.Database.Driver, "database driver (sqlite3 or mysql)")
	fs.StringVar(&c.Database.DSN, "db-dsn", c.Database.DSN, "database DSN")
	fs.StringVar(&c.Database.Path, "db-path", c.Database.Path, "SQLite database file")
	fs.StringVar(&c.HTTP.Addr, "http-addr", c.HTTP.Addr, "HTTP listen address")
	fs.StringVar(&c.Metrics.Addr, "metrics-addr", c.Metrics.Addr, "separate Prometheus listen address")
	fs.DurationVar(&c.Sweeper.Interval, "interval", c.Sweeper.Interval, "sweep interval")
	fs.IntVar(&c.Sweeper.BatchSize, "batch-size", c.Sweeper.BatchSize, "machines per provisioner call")
	fs.StringVar(&c.Lock.Mode, "lock-mode", c.Lock.Mode, "exclusion lock: auto, advisory, table or none")
	fs.DurationVar(&c.Lock.Timeout, "lock-timeout", c.Lock.Timeout, "how long to wait for the sweeper lock")
	fs.StringVar(&c.Provisioner.Playbook, "playbook", c.Provisioner.Playbook, "user management playbook")
	fs.StringVar(&c.Journal.Backend, "journal-backend", c.Journal.Backend, "stale-account journal: store (shared) or badger (this process only)")
	fs.StringVar(&c.Journal.Path, "journal-path", c.Journal.Path, "badger journal directory")
	fs.StringVar(&c.NATS.URL, "nats-url", c.NATS.URL, "NATS server for lease events")
	fs.BoolVar(&c.Tracing.Enabled, "tracing", c.Tracing.Enabled, "print trace spans to stdout")
	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format (json or console)")
}

// BuildLogger returns a zap logger for the log section.
func (c Config) BuildLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.NotValidf("log level %q", c.Log.Level)
	}
	var zc zap.Config
	if strings.EqualFold(c.Log.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	return logger, errors.Trace(err)
}
