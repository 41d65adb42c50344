package poolerr

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestInsufficientCapacityMatchesSentinel(t *testing.T) {
	err := error(&InsufficientCapacityError{Requested: 2, Available: 1})
	assert.Assert(t, errors.Is(err, ErrInsufficientCapacity))
	assert.Assert(t, !errors.Is(err, ErrProvisionerFailure))

	var capErr *InsufficientCapacityError
	assert.Assert(t, errors.As(errors.Trace(err), &capErr))
	assert.Check(t, is.Equal(capErr.Available, 1))
}

func TestProvisionerErrorUnwraps(t *testing.T) {
	err := error(&ProvisionerError{Action: "create", ExitCode: -1, Err: context.DeadlineExceeded})
	assert.Assert(t, errors.Is(err, ErrProvisionerFailure))
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))
	assert.Check(t, is.ErrorContains(err, "provisioner create failed (exit -1)"))
}

func TestStorefWrapsBoth(t *testing.T) {
	cause := errors.New("disk on fire")
	err := Storef(cause, "loading lease %q", "abc")
	assert.Assert(t, errors.Is(err, ErrStore))
	assert.Assert(t, errors.Is(err, cause))
	assert.Check(t, Storef(nil, "noop") == nil)
}

func TestLockBackendError(t *testing.T) {
	err := error(&LockBackendError{Name: "sweep", Err: errors.New("connection refused")})
	assert.Assert(t, errors.Is(err, ErrLockBackend))
	assert.Assert(t, !errors.Is(err, ErrLockUnavailable))
}
