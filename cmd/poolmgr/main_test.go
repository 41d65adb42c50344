package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestConfigPath(t *testing.T) {
	t.Setenv("POOLMGR_CONFIG", "")
	assert.Check(t, is.Equal(configPath([]string{"sweep", "--once", "--config", "/etc/pool.yaml"}), "/etc/pool.yaml"))
	assert.Check(t, is.Equal(configPath([]string{"serve", "--config=/x.yaml", "--with-sweeper"}), "/x.yaml"))
	assert.Check(t, is.Equal(configPath([]string{"serve"}), ""))

	t.Setenv("POOLMGR_CONFIG", "/env.yaml")
	assert.Check(t, is.Equal(configPath([]string{"serve"}), "/env.yaml"))
}

func TestSchemaCommandPrintsDDL(t *testing.T) {
	t.Setenv("POOLMGR_CONFIG", "")
	cmd := newRootCmd([]string{"schema", "--db-driver", "mysql", "--db-dsn", "u:p@tcp(db)/pool"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	assert.NilError(t, cmd.Execute())
	assert.Check(t, is.Contains(out.String(), "CREATE TABLE IF NOT EXISTS machines"))
	assert.Check(t, is.Contains(out.String(), "ENGINE=InnoDB"))
}

func TestSchemaApplyCreatesDatabase(t *testing.T) {
	t.Setenv("POOLMGR_CONFIG", "")
	path := filepath.Join(t.TempDir(), "pool.db")
	cmd := newRootCmd([]string{"schema", "--apply", "--db-path", path, "--log-level", "error"})
	cmd.SetOut(&bytes.Buffer{})
	assert.NilError(t, cmd.Execute())
	_, err := os.Stat(path)
	assert.NilError(t, err)
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Setenv("POOLMGR_CONFIG", "")
	cmd := newRootCmd([]string{"schema", "--lock-mode", "zookeeper"})
	var stderr bytes.Buffer
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	assert.Assert(t, err != nil)
	assert.Check(t, strings.Contains(err.Error(), "zookeeper"))
}
