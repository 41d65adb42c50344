// Package poolerr defines the error taxonomy shared by the lease manager
// components. Callers classify failures with errors.Is / errors.As.
package poolerr

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrInvalidRequest marks bad input. No state was changed.
	ErrInvalidRequest = errors.ConstError("invalid request")

	// ErrInsufficientCapacity marks a reservation that asked for more
	// machines than are eligible. No state was changed.
	ErrInsufficientCapacity = errors.ConstError("insufficient capacity")

	// ErrProvisionerFailure marks a failed or timed out provisioner call.
	ErrProvisionerFailure = errors.ConstError("provisioner failure")

	// ErrLockUnavailable is returned when the exclusion lock is held
	// elsewhere. It is a normal outcome: skip the cycle.
	ErrLockUnavailable = errors.ConstError("lock unavailable")

	// ErrLockBackend marks a failure of the exclusion mechanism itself.
	ErrLockBackend = errors.ConstError("lock backend error")

	// ErrLockLost is the cancellation cause of a lock-scoped context whose
	// lock was taken over or could no longer be confirmed.
	ErrLockLost = errors.ConstError("lock lost")

	// ErrStore marks a transaction or connectivity failure of the pool store.
	ErrStore = errors.ConstError("store error")

	// ErrNotFound is returned for unknown machines or leases.
	ErrNotFound = errors.ConstError("not found")

	// ErrForbidden is returned when the caller lacks the capability for an
	// operation.
	ErrForbidden = errors.ConstError("forbidden")

	// ErrConflict is returned when an operation clashes with current state,
	// e.g. deregistering a reserved machine or registering a duplicate name.
	ErrConflict = errors.ConstError("conflict")
)

// InsufficientCapacityError reports how many machines were eligible when a
// reservation could not be satisfied.
type InsufficientCapacityError struct {
	Requested int
	Available int
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("insufficient capacity: requested %d, available %d", e.Requested, e.Available)
}

// Is lets errors.Is match ErrInsufficientCapacity.
func (e *InsufficientCapacityError) Is(target error) bool {
	return target == ErrInsufficientCapacity
}

// ProvisionerError carries the outcome of a failed provisioner invocation.
type ProvisionerError struct {
	Action   string
	ExitCode int
	Details  string
	Err      error
}

func (e *ProvisionerError) Error() string {
	msg := fmt.Sprintf("provisioner %s failed (exit %d)", e.Action, e.ExitCode)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is lets errors.Is match ErrProvisionerFailure.
func (e *ProvisionerError) Is(target error) bool {
	return target == ErrProvisionerFailure
}

func (e *ProvisionerError) Unwrap() error {
	return e.Err
}

// LockBackendError wraps a failure of the lock mechanism.
type LockBackendError struct {
	Name string
	Err  error
}

func (e *LockBackendError) Error() string {
	return fmt.Sprintf("lock %q: backend error: %v", e.Name, e.Err)
}

// Is lets errors.Is match ErrLockBackend.
func (e *LockBackendError) Is(target error) bool {
	return target == ErrLockBackend
}

func (e *LockBackendError) Unwrap() error {
	return e.Err
}

// Invalidf returns an ErrInvalidRequest annotated with a message.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidRequest)
}

// Storef wraps err as an ErrStore with context. A nil err yields nil.
func Storef(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", fmt.Sprintf(format, args...), ErrStore, err)
}
