package main

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/config"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "pool.db")
	cfg.Database.WaitAttempts = 1
	cfg.Log.Level = "error"
	cfg.Provisioner.TempDir = t.TempDir()
	assert.NilError(t, cfg.Validate())
	return cfg
}

func TestAppsOnOneConfigShareTheJournal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	sweep, err := newApp(ctx, cfg)
	assert.NilError(t, err)
	defer sweep.Close()
	serve, err := newApp(ctx, cfg)
	assert.NilError(t, err)
	defer serve.Close()

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.NilError(t, sweep.journal.Record(ctx, journal.Entry{
		Principal: "bob", Machine: "m3", Reason: "expired", LastError: "unreachable", LastFailedAt: at,
	}))

	got, err := serve.journal.List(ctx)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(got, 1))
	assert.Check(t, is.Equal(got[0].Principal, "bob"))
	assert.Check(t, is.Equal(got[0].LastError, "unreachable"))

	assert.NilError(t, serve.journal.Resolve(ctx, "bob", "m3"))
	got, err = sweep.journal.List(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Len(got, 0))
}

func TestJournalBackendSelection(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := newApp(ctx, cfg)
	assert.NilError(t, err)
	defer a.Close()
	_, ok := a.journal.(*journal.SQLJournal)
	assert.Check(t, ok, "default journal is %T", a.journal)

	cfg.Journal.Backend = config.JournalBadger
	local, err := newApp(ctx, cfg)
	assert.NilError(t, err)
	defer local.Close()
	_, ok = local.journal.(*journal.BadgerJournal)
	assert.Check(t, ok, "badger journal is %T", local.journal)
}

func TestSignalContextCancelsOnSIGTERM(t *testing.T) {
	ctx, stop := signalContext(context.Background())
	defer stop()

	assert.NilError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
	assert.Check(t, is.ErrorIs(ctx.Err(), context.Canceled))
}
