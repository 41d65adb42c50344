package allocator_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/allocator"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/lock"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/provisioner"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/sweeper"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeGateway struct {
	mu    sync.Mutex
	calls []provisioner.Batch
	apply func(ctx context.Context, b provisioner.Batch) (provisioner.Result, error)
}

func (f *fakeGateway) Apply(ctx context.Context, b provisioner.Batch) (provisioner.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, b)
	fn := f.apply
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, b)
	}
	return provisioner.Result{}, nil
}

func (f *fakeGateway) Calls() []provisioner.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provisioner.Batch(nil), f.calls...)
}

type fixture struct {
	store   *storage.Store
	gw      *fakeGateway
	clock   *testclock.Clock
	alloc   *allocator.Allocator
	sweeper *sweeper.Sweeper
}

func newFixture(t *testing.T, machines int, wrap func(allocator.Store) allocator.Store) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	s, err := storage.Open(ctx, storage.Config{
		Driver:       storage.DriverSQLite,
		DSN:          storage.SQLiteDSN(filepath.Join(t.TempDir(), "pool.db")),
		WaitAttempts: 1,
	}, logger)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	for i := 1; i <= machines; i++ {
		_, err := s.RegisterMachine(ctx, models.MachineSpec{
			Name:            fmt.Sprintf("m%d", i),
			Host:            fmt.Sprintf("10.0.0.%d", i),
			Port:            22,
			AdminUser:       "root",
			AdminCredential: "admin-pw",
		}, epoch)
		assert.NilError(t, err)
	}

	f := &fixture{store: s, gw: &fakeGateway{}, clock: testclock.NewClock(epoch)}
	m := metrics.New(prometheus.NewRegistry())
	f.sweeper, err = sweeper.New(sweeper.Config{
		Store:   s,
		Gateway: f.gw,
		Locker:  lock.NewTableLocker(s.DB(), lock.TableConfig{Clock: f.clock}, logger),
		Metrics: m,
		Clock:   f.clock,
		Logger:  logger,
	})
	assert.NilError(t, err)

	var store allocator.Store = s
	if wrap != nil {
		store = wrap(s)
	}
	f.alloc, err = allocator.New(allocator.Config{
		Store:   store,
		Gateway: f.gw,
		Revoker: f.sweeper,
		Metrics: m,
		Clock:   f.clock,
		Logger:  logger,
	})
	assert.NilError(t, err)
	return f
}

func (f *fixture) reservedNames(t *testing.T) []string {
	t.Helper()
	ms, err := f.store.ListMachines(context.Background())
	assert.NilError(t, err)
	var out []string
	for _, m := range ms {
		if m.Reserved {
			out = append(out, m.Name)
		}
	}
	return out
}

func req(principal string, count int) allocator.Request {
	return allocator.Request{Principal: principal, Count: count, Duration: time.Hour, Credential: "s3cret"}
}

func TestReserveEndToEnd(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()

	grant, err := f.alloc.Reserve(ctx, req("alice", 2))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(grant.Machines, []models.Endpoint{
		{Name: "m1", Host: "10.0.0.1", Port: 22},
		{Name: "m2", Host: "10.0.0.2", Port: 22},
	}))
	assert.Check(t, grant.Deadline.Equal(epoch.Add(time.Hour)))
	assert.Check(t, is.Len(grant.LeaseIDs, 2))
	assert.Check(t, is.DeepEqual(f.reservedNames(t), []string{"m1", "m2"}))

	create := f.gw.Calls()[0]
	assert.Check(t, is.Equal(create.Action, provisioner.ActionCreate))
	assert.Check(t, is.Equal(create.Username, "alice"))
	assert.Check(t, is.Equal(create.Secret, "s3cret"))
	assert.Check(t, is.Equal(create.Targets[0].AdminCredential, "admin-pw"))

	_, err = f.alloc.Reserve(ctx, req("bob", 2))
	var capErr *poolerr.InsufficientCapacityError
	assert.Assert(t, errors.As(err, &capErr), "got %v", err)
	assert.Check(t, is.Equal(capErr.Available, 1))

	f.clock.Advance(time.Hour)
	n, err := f.sweeper.RunCycle(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(n, 2))
	assert.Check(t, is.Len(f.reservedNames(t), 0))
}

func TestReserveValidation(t *testing.T) {
	f := newFixture(t, 1, nil)
	for name, r := range map[string]allocator.Request{
		"no principal":     {Count: 1, Credential: "x"},
		"zero count":       {Principal: "alice", Credential: "x"},
		"negative":         {Principal: "alice", Count: 1, Duration: -time.Minute, Credential: "x"},
		"above maximum":    {Principal: "alice", Count: 1, Duration: 8 * 24 * time.Hour, Credential: "x"},
		"blank credential": {Principal: "alice", Count: 1, Credential: "  "},
		"system account":   {Principal: "root", Count: 1, Credential: "x"},
		"email principal":  {Principal: "a@b.com", Count: 1, Credential: "x"},
		"uppercase":        {Principal: "Alice", Count: 1, Credential: "x"},
		"shell metachars":  {Principal: "a;rm", Count: 1, Credential: "x"},
		"too long":         {Principal: "a234567890123456789012345678901234", Count: 1, Credential: "x"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.alloc.Reserve(context.Background(), r)
			assert.Check(t, errors.Is(err, poolerr.ErrInvalidRequest), "got %v", err)
		})
	}
	assert.Check(t, is.Len(f.gw.Calls(), 0))
	assert.Check(t, is.Len(f.reservedNames(t), 0))
}

func TestReserveDefaultDuration(t *testing.T) {
	f := newFixture(t, 1, nil)
	r := req("alice", 1)
	r.Duration = 0
	grant, err := f.alloc.Reserve(context.Background(), r)
	assert.NilError(t, err)
	assert.Check(t, grant.Deadline.Equal(epoch.Add(allocator.DefaultDuration)))
}

func TestReserveSubSecondDurationEndsAfterGrant(t *testing.T) {
	f := newFixture(t, 1, nil)
	f.clock.Advance(700 * time.Millisecond)
	r := req("alice", 1)
	r.Duration = 200 * time.Millisecond

	grant, err := f.alloc.Reserve(context.Background(), r)
	assert.NilError(t, err)
	assert.Check(t, grant.Deadline.After(f.clock.Now()), "deadline %s", grant.Deadline)
	assert.Check(t, grant.Deadline.Equal(epoch.Add(time.Second)), "deadline %s", grant.Deadline)

	lease, err := f.store.GetLease(context.Background(), grant.LeaseIDs[0])
	assert.NilError(t, err)
	assert.Check(t, lease.ReservedUntil.Equal(epoch.Add(time.Second)))
}

func TestReserveRejectsMachineAdminAccount(t *testing.T) {
	f := newFixture(t, 0, nil)
	ctx := context.Background()
	_, err := f.store.RegisterMachine(ctx, models.MachineSpec{
		Name: "m1", Host: "10.0.0.1", Port: 22, AdminUser: "iac", AdminCredential: "pw",
	}, epoch)
	assert.NilError(t, err)

	_, err = f.alloc.Reserve(ctx, req("iac", 1))
	assert.Check(t, errors.Is(err, poolerr.ErrInvalidRequest), "got %v", err)
	assert.Check(t, is.Len(f.gw.Calls(), 0))

	avail, err := f.store.AvailableMachines(ctx, epoch)
	assert.NilError(t, err)
	assert.Check(t, is.Len(avail, 1))
}

func TestReserveInsufficientCapacityChangesNothing(t *testing.T) {
	f := newFixture(t, 2, nil)
	ctx := context.Background()
	before, err := f.store.ListMachines(ctx)
	assert.NilError(t, err)

	_, err = f.alloc.Reserve(ctx, req("alice", 3))
	assert.Check(t, errors.Is(err, poolerr.ErrInsufficientCapacity), "got %v", err)

	after, err := f.store.ListMachines(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(before, after))
	assert.Check(t, is.Len(f.gw.Calls(), 0))
}

func TestReserveProvisionerFailureLeavesNoState(t *testing.T) {
	f := newFixture(t, 3, nil)
	ctx := context.Background()
	before, err := f.store.ListMachines(ctx)
	assert.NilError(t, err)
	f.gw.apply = func(context.Context, provisioner.Batch) (provisioner.Result, error) {
		return provisioner.Result{ExitCode: 2, Stderr: "fatal: [m2]: UNREACHABLE!"}, errors.New("exit status 2")
	}

	_, err = f.alloc.Reserve(ctx, req("alice", 2))
	var perr *poolerr.ProvisionerError
	assert.Assert(t, errors.As(err, &perr), "got %v", err)
	assert.Check(t, is.Equal(perr.ExitCode, 2))
	assert.Check(t, is.Contains(perr.Details, "UNREACHABLE"))

	after, err := f.store.ListMachines(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(before, after))
	leases, err := f.store.ListLeases(ctx, "")
	assert.NilError(t, err)
	assert.Check(t, is.Len(leases, 0))
}

func TestReserveSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	f.gw.apply = func(ctx context.Context, b provisioner.Batch) (provisioner.Result, error) {
		cancel()
		return provisioner.Result{}, ctx.Err()
	}
	_, err := f.alloc.Reserve(ctx, req("alice", 1))
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(f.reservedNames(t), []string{"m1"}))
}

func TestConcurrentReservesNeverOverAllocate(t *testing.T) {
	f := newFixture(t, 5, nil)
	f.gw.apply = func(context.Context, provisioner.Batch) (provisioner.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return provisioner.Result{}, nil
	}

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		grants []*models.Grant
		errs   []error
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := f.alloc.Reserve(context.Background(), req(fmt.Sprintf("user%d", i), 2))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			grants = append(grants, g)
		}(i)
	}
	wg.Wait()

	assert.Check(t, is.Len(grants, 2))
	seen := map[string]bool{}
	for _, g := range grants {
		for _, m := range g.Machines {
			assert.Check(t, !seen[m.Name], "%s assigned twice", m.Name)
			seen[m.Name] = true
		}
	}
	for _, err := range errs {
		assert.Check(t, errors.Is(err, poolerr.ErrInsufficientCapacity), "got %v", err)
	}
	assert.Check(t, is.Len(f.reservedNames(t), 4))
}

// lostHoldStore simulates another actor stealing the hold between
// provisioning and commit.
type lostHoldStore struct {
	allocator.Store
}

func (s lostHoldStore) CommitHold(ctx context.Context, token string, want int, principal string, userRef *string, deadline, now time.Time) ([]models.Lease, error) {
	if err := s.Store.DiscardHold(ctx, token); err != nil {
		return nil, err
	}
	return s.Store.CommitHold(ctx, token, want, principal, userRef, deadline, now)
}

func TestReserveLostHoldCompensates(t *testing.T) {
	f := newFixture(t, 2, func(s allocator.Store) allocator.Store { return lostHoldStore{s} })

	_, err := f.alloc.Reserve(context.Background(), req("alice", 2))
	assert.Check(t, errors.Is(err, poolerr.ErrStore), "got %v", err)

	calls := f.gw.Calls()
	assert.Assert(t, is.Len(calls, 2))
	assert.Check(t, is.Equal(calls[1].Action, provisioner.ActionDelete))
	assert.Check(t, is.Equal(calls[1].Username, "alice"))
	assert.Check(t, is.Len(f.reservedNames(t), 0))

	avail, err := f.store.AvailableMachines(context.Background(), epoch)
	assert.NilError(t, err)
	assert.Check(t, is.Len(avail, 2))
}

func TestRelease(t *testing.T) {
	f := newFixture(t, 2, nil)
	ctx := context.Background()
	grant, err := f.alloc.Reserve(ctx, req("alice", 2))
	assert.NilError(t, err)
	first, second := grant.LeaseIDs[0], grant.LeaseIDs[1]

	err = f.alloc.Release(ctx, "bob", false, first)
	assert.Check(t, errors.Is(err, poolerr.ErrForbidden), "got %v", err)

	f.gw.apply = func(context.Context, provisioner.Batch) (provisioner.Result, error) {
		return provisioner.Result{}, errors.New("host down")
	}
	assert.NilError(t, f.alloc.Release(ctx, "alice", false, first))
	assert.Check(t, is.DeepEqual(f.reservedNames(t), []string{"m2"}))

	err = f.alloc.Release(ctx, "alice", false, first)
	assert.Check(t, errors.Is(err, poolerr.ErrNotFound), "got %v", err)
	assert.Check(t, is.DeepEqual(f.reservedNames(t), []string{"m2"}))

	f.gw.apply = nil
	assert.NilError(t, f.alloc.Release(ctx, "root", true, second))
	assert.Check(t, is.Len(f.reservedNames(t), 0))

	calls := f.gw.Calls()
	last := calls[len(calls)-1]
	assert.Check(t, is.Equal(last.Action, provisioner.ActionDelete))
	assert.Check(t, is.Equal(last.Username, "alice"))
}
