package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/allocator"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/api"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/lock"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/provisioner"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/server"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/sweeper"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu   sync.Mutex
	fail bool
}

func (f *fakeGateway) Apply(_ context.Context, b provisioner.Batch) (provisioner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return provisioner.Result{ExitCode: 2, Stderr: "unreachable"}, errors.New("exit status 2")
	}
	return provisioner.Result{}, nil
}

func (f *fakeGateway) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeGateway) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	clk := testclock.NewClock(epoch)
	s, err := storage.Open(ctx, storage.Config{
		Driver:       storage.DriverSQLite,
		DSN:          storage.SQLiteDSN(filepath.Join(t.TempDir(), "pool.db")),
		WaitAttempts: 1,
	}, logger)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for i := 1; i <= 2; i++ {
		_, err := s.RegisterMachine(ctx, models.MachineSpec{
			Name: fmt.Sprintf("m%d", i), Host: fmt.Sprintf("10.0.0.%d", i), Port: 22,
			AdminUser: "root", AdminCredential: "pw",
		}, epoch)
		assert.NilError(t, err)
	}

	gw := &fakeGateway{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sw, err := sweeper.New(sweeper.Config{
		Store:   s,
		Gateway: gw,
		Locker:  lock.NewTableLocker(s.DB(), lock.TableConfig{Clock: clk}, logger),
		Metrics: m,
		Clock:   clk,
		Logger:  logger,
	})
	assert.NilError(t, err)
	alloc, err := allocator.New(allocator.Config{
		Store: s, Gateway: gw, Revoker: sw, Metrics: m, Clock: clk, Logger: logger,
	})
	assert.NilError(t, err)
	srv, err := server.New(server.Config{
		Store: s, Allocator: alloc, Releaser: sw, Clock: clk, Logger: logger,
	})
	assert.NilError(t, err)

	ts := httptest.NewServer(api.NewHTTPHandler(srv, api.Options{
		RequestTimeout: time.Minute,
		Gatherer:       reg,
		Logger:         logger,
	}))
	t.Cleanup(ts.Close)
	return ts, gw
}

func do(t *testing.T, ts *httptest.Server, method, path, principal string, admin bool, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		assert.NilError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	assert.NilError(t, err)
	if principal != "" {
		req.Header.Set("X-Pool-Principal", principal)
	}
	if admin {
		req.Header.Set("X-Pool-Admin", "true")
	}
	resp, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	assert.NilError(t, err)
	return resp, out
}

func TestReserveAndRelease(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodPost, "/v1/reservations", "alice", false,
		api.ReserveBody{Count: 1, DurationMinutes: 30, Password: "s3cret"})
	assert.Equal(t, resp.StatusCode, http.StatusCreated, string(body))
	var grant models.Grant
	assert.NilError(t, json.Unmarshal(body, &grant))
	assert.Assert(t, is.Len(grant.LeaseIDs, 1))
	assert.Check(t, is.DeepEqual(grant.Machines, []models.Endpoint{{Name: "m1", Host: "10.0.0.1", Port: 22}}))
	assert.Check(t, grant.Deadline.Equal(epoch.Add(30*time.Minute)))

	resp, body = do(t, ts, http.MethodGet, "/v1/reservations", "alice", false, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	var list struct {
		Reservations []models.Lease `json:"reservations"`
	}
	assert.NilError(t, json.Unmarshal(body, &list))
	assert.Assert(t, is.Len(list.Reservations, 1))
	assert.Check(t, is.Equal(list.Reservations[0].MachineName, "m1"))

	id := grant.LeaseIDs[0]
	resp, _ = do(t, ts, http.MethodGet, "/v1/reservations/"+id, "bob", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusForbidden))
	resp, _ = do(t, ts, http.MethodDelete, "/v1/reservations/"+id, "bob", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusForbidden))

	resp, _ = do(t, ts, http.MethodDelete, "/v1/reservations/"+id, "alice", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	resp, _ = do(t, ts, http.MethodDelete, "/v1/reservations/"+id, "alice", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNotFound))
}

func TestReserveErrors(t *testing.T) {
	ts, gw := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/v1/reservations", "", false, api.ReserveBody{Count: 1, Password: "pw"})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusUnauthorized))

	resp, _ = do(t, ts, http.MethodPost, "/v1/reservations", "alice", false, api.ReserveBody{Count: 0, Password: "pw"})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusBadRequest))

	resp, body := do(t, ts, http.MethodPost, "/v1/reservations", "alice", false, api.ReserveBody{Count: 3, Password: "pw"})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusConflict))
	var eb api.ErrorBody
	assert.NilError(t, json.Unmarshal(body, &eb))
	assert.Check(t, is.Equal(eb.Error, api.CodeInsufficientCapacity))
	assert.Assert(t, eb.Available != nil)
	assert.Check(t, is.Equal(*eb.Available, 2))

	gw.setFail(true)
	resp, body = do(t, ts, http.MethodPost, "/v1/reservations", "alice", false, api.ReserveBody{Count: 1, Password: "pw"})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusBadGateway))
	eb = api.ErrorBody{}
	assert.NilError(t, json.Unmarshal(body, &eb))
	assert.Check(t, is.Equal(eb.Error, api.CodeProvisionerFailure))
	assert.Check(t, is.Equal(eb.Details, "unreachable"))

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/reservations", strings.NewReader(`{"count":`))
	assert.NilError(t, err)
	req.Header.Set("X-Pool-Principal", "alice")
	r, err := http.DefaultClient.Do(req)
	assert.NilError(t, err)
	_ = r.Body.Close()
	assert.Check(t, is.Equal(r.StatusCode, http.StatusBadRequest))
}

func TestMachineAdministration(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, ts, http.MethodGet, "/v1/machines", "alice", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusForbidden))

	resp, body := do(t, ts, http.MethodPost, "/v1/machines", "ops", true, models.MachineSpec{
		Name: "m3", Host: "10.0.0.3", AdminUser: "root", AdminCredential: "pw",
	})
	assert.Equal(t, resp.StatusCode, http.StatusCreated, string(body))
	assert.Check(t, !strings.Contains(string(body), "pw"))

	resp, _ = do(t, ts, http.MethodPost, "/v1/machines", "ops", true, models.MachineSpec{
		Name: "m3", Host: "10.0.0.3", AdminUser: "root",
	})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusConflict))

	off := false
	resp, _ = do(t, ts, http.MethodPatch, "/v1/machines/m3", "ops", true, models.MachineUpdate{Online: &off})
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))

	resp, body = do(t, ts, http.MethodGet, "/v1/machines/available", "alice", false, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK)
	var avail struct {
		Available int               `json:"available"`
		Machines  []models.Endpoint `json:"machines"`
	}
	assert.NilError(t, json.Unmarshal(body, &avail))
	assert.Check(t, is.Equal(avail.Available, 2))

	resp, _ = do(t, ts, http.MethodDelete, "/v1/machines/m3", "ops", true, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	resp, _ = do(t, ts, http.MethodDelete, "/v1/machines/m3", "ops", true, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusNotFound))
}

func TestAdminReleaseAll(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, ts, http.MethodPost, "/v1/reservations", "alice", false, api.ReserveBody{Count: 2, Password: "pw"})
	assert.Assert(t, is.Equal(resp.StatusCode, http.StatusCreated))

	resp, _ = do(t, ts, http.MethodPost, "/v1/admin/release-all", "alice", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusForbidden))

	resp, body := do(t, ts, http.MethodPost, "/v1/admin/release-all", "ops", true, nil)
	assert.Equal(t, resp.StatusCode, http.StatusOK, string(body))
	assert.Check(t, is.Equal(strings.TrimSpace(string(body)), `{"released":2}`))

	resp, body = do(t, ts, http.MethodGet, "/v1/admin/stale-accounts", "ops", true, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	assert.Check(t, is.Equal(strings.TrimSpace(string(body)), `{"accounts":[]}`))
}

func TestHealthzAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, ts, http.MethodGet, "/healthz", "", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	assert.Check(t, is.Contains(string(body), "ok"))

	_, _ = do(t, ts, http.MethodPost, "/v1/reservations", "alice", false, api.ReserveBody{Count: 1, Password: "pw"})
	resp, body = do(t, ts, http.MethodGet, "/metrics", "", false, nil)
	assert.Check(t, is.Equal(resp.StatusCode, http.StatusOK))
	assert.Check(t, is.Contains(string(body), "poolmgr_reservations_total"))
}
