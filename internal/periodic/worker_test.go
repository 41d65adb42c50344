package periodic

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const interval = time.Minute

func newWorker(t *testing.T, runNow bool, fn func(context.Context) error) (*Worker, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	w, err := New(Config{
		Name:           "test",
		Interval:       interval,
		RunImmediately: runNow,
		Func:           fn,
		Clock:          clk,
		Logger:         zaptest.NewLogger(t),
	})
	assert.NilError(t, err)
	return w, clk
}

func TestRunsEveryInterval(t *testing.T) {
	calls := make(chan struct{}, 10)
	w, clk := newWorker(t, false, func(context.Context) error {
		calls <- struct{}{}
		return errors.New("keeps going")
	})
	defer func() { assert.Check(t, worker.Stop(w)) }()

	for i := 0; i < 3; i++ {
		assert.NilError(t, clk.WaitAdvance(interval, time.Second, 1))
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}
	assert.Check(t, is.Len(calls, 0))
}

func TestRunImmediately(t *testing.T) {
	calls := make(chan struct{}, 1)
	w, _ := newWorker(t, true, func(context.Context) error {
		calls <- struct{}{}
		return nil
	})
	defer func() { assert.Check(t, worker.Stop(w)) }()

	select {
	case <-calls:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not happen")
	}
}

func TestKillCancelsRunInFlight(t *testing.T) {
	started := make(chan struct{})
	w, _ := newWorker(t, true, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	w.Kill()
	assert.NilError(t, w.Wait())
}

func TestValidate(t *testing.T) {
	_, err := New(Config{Name: "x", Interval: 0})
	assert.Check(t, errors.Is(err, errors.NotValid))
}
