package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	assert.NilError(t, cfg.Validate())
	assert.Check(t, is.Equal(cfg.Allocator.DefaultDuration, time.Hour))
	assert.Check(t, is.Equal(cfg.Allocator.MaxDuration, 7*24*time.Hour))
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poolmgr.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(`
database:
  driver: mysql
  dsn: "pool:pw@tcp(db:3306)/pool?parseTime=true"
sweeper:
  interval: 30s
lock:
  mode: advisory
  timeout: 5s
log:
  level: debug
  format: console
`), 0o600))

	cfg, err := config.Load(path)
	assert.NilError(t, err)
	assert.NilError(t, cfg.Validate())
	assert.Check(t, is.Equal(cfg.Database.Driver, storage.DriverMySQL))
	assert.Check(t, is.Equal(cfg.Sweeper.Interval, 30*time.Second))
	assert.Check(t, is.Equal(cfg.Lock.Mode, "advisory"))
	assert.Check(t, is.Equal(cfg.Lock.Timeout, 5*time.Second))
	// untouched sections keep their defaults
	assert.Check(t, is.Equal(cfg.Sweeper.BatchSize, config.Default().Sweeper.BatchSize))

	logger, err := cfg.BuildLogger()
	assert.NilError(t, err)
	_ = logger.Sync()
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Check(t, is.ErrorContains(err, "reading config"))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	assert.NilError(t, os.WriteFile(path, []byte("sweeper: [1, 2"), 0o600))
	_, err = config.Load(path)
	assert.Check(t, is.ErrorContains(err, "parsing config"))

	cfg, err := config.Load("")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(cfg, config.Default()))
}

func TestValidateRejects(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"driver", func(c *config.Config) { c.Database.Driver = "postgres" }},
		{"mysql without dsn", func(c *config.Config) { c.Database.Driver = storage.DriverMySQL }},
		{"mysql dsn", func(c *config.Config) {
			c.Database.Driver = storage.DriverMySQL
			c.Database.DSN = "u:p@tcp(db:3306)"
		}},
		{"journal backend", func(c *config.Config) { c.Journal.Backend = "etcd" }},
		{"default above max", func(c *config.Config) { c.Allocator.DefaultDuration = 30 * 24 * time.Hour }},
		{"provision timeout", func(c *config.Config) { c.Allocator.ProvisionTimeout = 0 }},
		{"batch size", func(c *config.Config) { c.Sweeper.BatchSize = 0 }},
		{"lock mode", func(c *config.Config) { c.Lock.Mode = "zookeeper" }},
		{"health", func(c *config.Config) { c.Health.Concurrency = 0 }},
		{"forks", func(c *config.Config) { c.Provisioner.Forks = -1 }},
		{"log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"log format", func(c *config.Config) { c.Log.Format = "xml" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(&cfg)
			assert.Check(t, errors.Is(cfg.Validate(), errors.NotValid))
		})
	}
}

func TestBindFlags(t *testing.T) {
	cfg := config.Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	assert.NilError(t, fs.Parse([]string{"--interval=2m", "--lock-mode=none", "--db-path=/tmp/x.db"}))
	assert.Check(t, is.Equal(cfg.Sweeper.Interval, 2*time.Minute))
	assert.Check(t, is.Equal(cfg.Lock.Mode, "none"))
	assert.Check(t, is.Equal(cfg.Database.StorageConfig().DSN, storage.SQLiteDSN("/tmp/x.db")))
}
