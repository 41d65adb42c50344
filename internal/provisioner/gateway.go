// Package provisioner is the boundary to the external mechanism that creates
// and deletes accounts on leased machines. The lease manager treats it as a
// black box that succeeds or fails per batch.
package provisioner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

// Action is what the provisioner does with the account.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
)

// Target is one machine in a batch, with the admin credential used to reach
// it.
type Target struct {
	Name            string
	Host            string
	Port            int
	AdminUser       string
	AdminCredential string
}

// MachineTarget builds a target from a pool machine.
func MachineTarget(m models.Machine) Target {
	return Target{Name: m.Name, Host: m.Host, Port: m.Port, AdminUser: m.AdminUser, AdminCredential: m.AdminCredential}
}

// LeaseTarget builds a target from a lease joined with its machine.
func LeaseTarget(t models.LeaseTarget) Target {
	return Target{Name: t.MachineName, Host: t.Host, Port: t.Port, AdminUser: t.AdminUser, AdminCredential: t.AdminCredential}
}

// Batch is a single provisioner invocation: one action for one account on
// a set of machines. Secret is passed through untouched and only used for
// ActionCreate.
type Batch struct {
	Action   Action
	Username string
	Secret   string
	Targets  []Target
}

// Validate checks the batch is well formed.
func (b Batch) Validate() error {
	switch b.Action {
	case ActionCreate:
		if strings.TrimSpace(b.Secret) == "" {
			return errors.NotValidf("create batch without secret")
		}
	case ActionDelete:
	default:
		return errors.NotValidf("action %q", b.Action)
	}
	if strings.TrimSpace(b.Username) == "" {
		return errors.NotValidf("empty username")
	}
	if len(b.Targets) == 0 {
		return errors.NotValidf("empty batch")
	}
	return nil
}

// HostStatus is the per-host outcome reported by the provisioner.
type HostStatus string

const (
	HostOK          HostStatus = "ok"
	HostFailed      HostStatus = "failed"
	HostUnreachable HostStatus = "unreachable"
	HostUnknown     HostStatus = "unknown"
)

// Result is the outcome of one invocation.
type Result struct {
	ExitCode int
	Stderr   string
	Hosts    map[string]HostStatus
}

// Status returns the reported status of a host, HostUnknown when the
// provisioner said nothing about it.
func (r Result) Status(name string) HostStatus {
	if s, ok := r.Hosts[name]; ok {
		return s
	}
	return HostUnknown
}

// NotOK lists the hosts that did not report HostOK, sorted.
func (r Result) NotOK(targets []Target) []string {
	var out []string
	for _, t := range targets {
		if r.Status(t.Name) != HostOK {
			out = append(out, t.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Gateway applies a batch. It must honour ctx cancellation by terminating
// the external call.
type Gateway interface {
	Apply(ctx context.Context, b Batch) (Result, error)
}

// Observer receives the duration of each invocation.
type Observer func(action Action, d time.Duration, err error)

// Invoke applies b through gw under its own timeout and normalises every
// failure, including timeouts and cancellation, into a
// *poolerr.ProvisionerError.
func Invoke(ctx context.Context, gw Gateway, b Batch, timeout time.Duration, observe Observer) (Result, error) {
	if err := b.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", poolerr.ErrInvalidRequest, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := gw.Apply(ctx, b)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if observe != nil {
		observe(b.Action, time.Since(start), err)
	}
	if err != nil {
		code := res.ExitCode
		if code == 0 {
			code = -1
		}
		return res, &poolerr.ProvisionerError{
			Action:   string(b.Action),
			ExitCode: code,
			Details:  summarize(res.Stderr, 512),
			Err:      err,
		}
	}
	return res, nil
}

// summarize trims provisioner output to its last max bytes.
func summarize(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
