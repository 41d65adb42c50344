// Package allocator reserves machines for principals.
//
// Reservation is provision-then-commit: machines are first held in one
// store transaction, accounts are created through the provisioner outside
// any transaction, and only then are the machines marked reserved together
// with their lease rows. A machine is never reserved without a lease, and a
// failed provisioner call leaves no state behind.
package allocator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/events"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/metrics"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/provisioner"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/tracing"
)

const (
	DefaultDuration         = time.Hour
	DefaultMaxDuration      = 7 * 24 * time.Hour
	DefaultProvisionTimeout = 10 * time.Minute
	DefaultHoldGrace        = time.Minute
)

// Store is the part of the pool store the allocator needs.
type Store interface {
	HoldMachines(ctx context.Context, token string, count int, now, heldUntil time.Time) ([]models.Machine, error)
	CommitHold(ctx context.Context, token string, want int, principal string, userRef *string, deadline, now time.Time) ([]models.Lease, error)
	DiscardHold(ctx context.Context, token string) error
	LeaseTarget(ctx context.Context, id string) (*models.LeaseTarget, error)
}

// Revoker deletes accounts and clears lease state, failing open.
type Revoker interface {
	Revoke(ctx context.Context, targets []models.LeaseTarget, reason string) (int, error)
}

// ReasonReleased is the revocation reason of an explicit release.
const ReasonReleased = "released"

// Config holds the allocator dependencies and policy.
type Config struct {
	Store   Store
	Gateway provisioner.Gateway
	Revoker Revoker
	Metrics *metrics.Metrics
	Events  events.Emitter
	Tracer  trace.Tracer
	Clock   clock.Clock
	Logger  *zap.Logger

	DefaultDuration  time.Duration
	MaxDuration      time.Duration
	ProvisionTimeout time.Duration
	// HoldGrace is added to ProvisionTimeout to bound how long a tentative
	// selection survives a crashed allocator.
	HoldGrace time.Duration
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Gateway == nil {
		return errors.NotValidf("missing gateway")
	}
	if c.Revoker == nil {
		return errors.NotValidf("missing revoker")
	}
	if c.Metrics == nil {
		return errors.NotValidf("missing metrics")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	if c.DefaultDuration < 0 || c.MaxDuration < 0 || c.ProvisionTimeout < 0 || c.HoldGrace < 0 {
		return errors.NotValidf("negative duration")
	}
	return nil
}

// Allocator hands out leases.
type Allocator struct {
	cfg Config
}

// New returns an allocator; zero policy values take their defaults.
func New(cfg Config) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.DefaultDuration == 0 {
		cfg.DefaultDuration = DefaultDuration
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	if cfg.ProvisionTimeout == 0 {
		cfg.ProvisionTimeout = DefaultProvisionTimeout
	}
	if cfg.HoldGrace == 0 {
		cfg.HoldGrace = DefaultHoldGrace
	}
	if cfg.DefaultDuration > cfg.MaxDuration {
		return nil, errors.NotValidf("default duration %v above maximum %v", cfg.DefaultDuration, cfg.MaxDuration)
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracing.Tracer(nil)
	}
	cfg.Logger = cfg.Logger.Named("allocator")
	return &Allocator{cfg: cfg}, nil
}

// Request is a reservation request.
type Request struct {
	Principal string
	Count     int
	// Duration of the lease; zero selects the default.
	Duration time.Duration
	// Credential is handed to the provisioner untouched.
	Credential string
	UserRef    *string
}

// accountName matches login names useradd accepts on every supported
// distribution. The principal becomes the account name on each machine.
var accountName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// systemAccounts exist on stock images. Leasing under one of these names
// would hand out, and on expiry delete, a system account.
var systemAccounts = map[string]bool{
	"root": true, "daemon": true, "bin": true, "sys": true, "sync": true,
	"games": true, "man": true, "lp": true, "mail": true, "news": true,
	"uucp": true, "proxy": true, "www-data": true, "backup": true, "list": true,
	"irc": true, "gnats": true, "nobody": true, "sshd": true, "adm": true,
	"admin": true, "operator": true, "halt": true, "shutdown": true, "ftp": true,
	"systemd-network": true, "systemd-resolve": true, "messagebus": true,
	"syslog": true, "_apt": true, "polkitd": true, "ubuntu": true, "ec2-user": true,
}

func (a *Allocator) validate(req *Request) error {
	if strings.TrimSpace(req.Principal) == "" {
		return poolerr.Invalidf("missing principal")
	}
	if !accountName.MatchString(req.Principal) {
		return poolerr.Invalidf("principal %q is not a valid account name", req.Principal)
	}
	if systemAccounts[req.Principal] {
		return poolerr.Invalidf("principal %q is a reserved system account", req.Principal)
	}
	if req.Count < 1 {
		return poolerr.Invalidf("count must be at least 1, got %d", req.Count)
	}
	if req.Duration < 0 {
		return poolerr.Invalidf("duration must be positive, got %v", req.Duration)
	}
	if req.Duration == 0 {
		req.Duration = a.cfg.DefaultDuration
	}
	if req.Duration > a.cfg.MaxDuration {
		return poolerr.Invalidf("duration %v exceeds maximum %v", req.Duration, a.cfg.MaxDuration)
	}
	if strings.TrimSpace(req.Credential) == "" {
		return poolerr.Invalidf("missing credential")
	}
	return nil
}

// Reserve leases req.Count machines to req.Principal, creating the account
// on each. Either every machine is leased or none is.
func (a *Allocator) Reserve(ctx context.Context, req Request) (_ *models.Grant, err error) {
	ctx, span := a.cfg.Tracer.Start(ctx, "allocator.Reserve", trace.WithAttributes(
		attribute.String("principal", req.Principal),
		attribute.Int("count", req.Count),
	))
	defer func() {
		a.cfg.Metrics.Reservations.WithLabelValues(outcome(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := a.validate(&req); err != nil {
		return nil, err
	}
	logger := a.cfg.Logger.With(zap.String("principal", req.Principal), zap.Int("count", req.Count))

	now := a.cfg.Clock.Now()
	token := uuid.NewString()
	held, err := a.cfg.Store.HoldMachines(ctx, token, req.Count, now, now.Add(a.cfg.ProvisionTimeout+a.cfg.HoldGrace))
	if err != nil {
		logger.Info("reservation not placed", zap.Error(err))
		return nil, err
	}
	names := machineNames(held)
	logger.Debug("machines held", zap.String("hold", token), zap.Strings("machines", names))
	for _, m := range held {
		if m.AdminUser == req.Principal {
			if derr := a.cfg.Store.DiscardHold(context.WithoutCancel(ctx), token); derr != nil {
				logger.Warn("dropping hold failed, it will expire", zap.String("hold", token), zap.Error(derr))
			}
			return nil, poolerr.Invalidf("principal %q is the admin account of machine %s", req.Principal, m.Name)
		}
	}

	// From here on the caller going away must not strand accounts or holds.
	ctx = context.WithoutCancel(ctx)
	targets := make([]provisioner.Target, len(held))
	for i, m := range held {
		targets[i] = provisioner.MachineTarget(m)
	}
	_, err = provisioner.Invoke(ctx, a.cfg.Gateway, provisioner.Batch{
		Action:   provisioner.ActionCreate,
		Username: req.Principal,
		Secret:   req.Credential,
		Targets:  targets,
	}, a.cfg.ProvisionTimeout, a.observe)
	if err != nil {
		if derr := a.cfg.Store.DiscardHold(ctx, token); derr != nil {
			logger.Warn("dropping hold failed, it will expire", zap.String("hold", token), zap.Error(derr))
		}
		logger.Warn("account creation failed", zap.Strings("machines", names), zap.Error(err))
		return nil, err
	}

	now = a.cfg.Clock.Now()
	deadline := ceilSecond(now.Add(req.Duration))
	leases, err := a.cfg.Store.CommitHold(ctx, token, len(held), req.Principal, req.UserRef, deadline, now)
	if err != nil {
		a.compensate(ctx, logger, req.Principal, token, targets)
		if !errors.Is(err, poolerr.ErrStore) {
			err = poolerr.Storef(err, "committing reservation")
		}
		logger.Error("reservation could not be committed", zap.Strings("machines", names), zap.Error(err))
		return nil, err
	}

	grant := &models.Grant{Deadline: leases[0].ReservedUntil}
	for _, l := range leases {
		grant.LeaseIDs = append(grant.LeaseIDs, l.ID)
		grant.Machines = append(grant.Machines, models.Endpoint{Name: l.MachineName, Host: l.Host, Port: l.Port})
		a.cfg.Events.Emit(ctx, events.Event{
			Type:          events.LeaseReserved,
			LeaseID:       l.ID,
			Principal:     l.Principal,
			Machine:       l.MachineName,
			ReservedUntil: l.ReservedUntil,
			At:            now,
		})
	}
	logger.Info("reserved", zap.Strings("machines", names), zap.Time("until", grant.Deadline))
	return grant, nil
}

// compensate undoes account creation after the commit failed. Both steps
// are best effort: the accounts end up in the provisioner logs and the hold
// expires on its own.
func (a *Allocator) compensate(ctx context.Context, logger *zap.Logger, principal, token string, targets []provisioner.Target) {
	_, err := provisioner.Invoke(ctx, a.cfg.Gateway, provisioner.Batch{
		Action:   provisioner.ActionDelete,
		Username: principal,
		Targets:  targets,
	}, a.cfg.ProvisionTimeout, a.observe)
	if err != nil {
		logger.Error("compensating delete failed, accounts may remain", zap.Error(err))
	}
	if err := a.cfg.Store.DiscardHold(ctx, token); err != nil {
		logger.Warn("dropping hold failed, it will expire", zap.String("hold", token), zap.Error(err))
	}
}

// Release ends a lease early. Only its principal or an admin may release
// it. The account is deleted best effort and the lease is cleared whatever
// the provisioner says.
func (a *Allocator) Release(ctx context.Context, principal string, admin bool, leaseID string) error {
	t, err := a.cfg.Store.LeaseTarget(ctx, leaseID)
	if err != nil {
		return err
	}
	if !admin && t.Principal != principal {
		return fmt.Errorf("lease %q belongs to another principal: %w", leaseID, poolerr.ErrForbidden)
	}
	cleared, err := a.cfg.Revoker.Revoke(context.WithoutCancel(ctx), []models.LeaseTarget{*t}, ReasonReleased)
	if err != nil {
		return errors.Trace(err)
	}
	if cleared == 0 {
		return fmt.Errorf("lease %q: %w", leaseID, poolerr.ErrNotFound)
	}
	a.cfg.Logger.Info("released",
		zap.String("lease", leaseID),
		zap.String("machine", t.MachineName),
		zap.String("principal", t.Principal),
		zap.String("by", principal))
	return nil
}

func (a *Allocator) observe(action provisioner.Action, d time.Duration, err error) {
	a.cfg.Metrics.ObserveProvision(string(action), d, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, poolerr.ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.Is(err, poolerr.ErrInsufficientCapacity):
		return metrics.OutcomeCapacity
	case errors.Is(err, poolerr.ErrProvisionerFailure):
		return metrics.OutcomeProvisioner
	case errors.Is(err, poolerr.ErrStore):
		return metrics.OutcomeStore
	default:
		return metrics.OutcomeError
	}
}

func machineNames(ms []models.Machine) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Name
	}
	return out
}

// ceilSecond rounds t up to a whole second. The store keeps whole seconds,
// and truncating instead could put a short lease's deadline at or before
// the moment it was granted.
func ceilSecond(t time.Time) time.Time {
	if r := t.Truncate(time.Second); !r.Equal(t) {
		return r.Add(time.Second)
	}
	return t
}
