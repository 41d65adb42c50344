// Package server is the service layer behind the HTTP API: it applies
// authorization and input checks, then delegates to the allocator, the
// sweeper and the pool store.
package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/allocator"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/auth"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/journal"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

// Store is the part of the pool store the service reads and administers.
type Store interface {
	RegisterMachine(ctx context.Context, spec models.MachineSpec, now time.Time) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	AvailableMachines(ctx context.Context, now time.Time) ([]models.Machine, error)
	UpdateMachine(ctx context.Context, name string, upd models.MachineUpdate) (*models.Machine, error)
	DeregisterMachine(ctx context.Context, name string, now time.Time) error
	GetLease(ctx context.Context, id string) (*models.Lease, error)
	ListLeases(ctx context.Context, principal string) ([]models.Lease, error)
	Ping(ctx context.Context) error
}

// Allocator reserves and releases leases.
type Allocator interface {
	Reserve(ctx context.Context, req allocator.Request) (*models.Grant, error)
	Release(ctx context.Context, principal string, admin bool, leaseID string) error
}

// BulkReleaser force releases every lease.
type BulkReleaser interface {
	ReleaseAll(ctx context.Context) (int, error)
}

// Config holds the server dependencies. Journal is optional.
type Config struct {
	Store     Store
	Allocator Allocator
	Releaser  BulkReleaser
	Journal   journal.Journal
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Validate ensures that the config values are valid.
func (c Config) Validate() error {
	if c.Store == nil {
		return errors.NotValidf("missing store")
	}
	if c.Allocator == nil {
		return errors.NotValidf("missing allocator")
	}
	if c.Releaser == nil {
		return errors.NotValidf("missing releaser")
	}
	if c.Clock == nil {
		return errors.NotValidf("missing clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("missing logger")
	}
	return nil
}

// Server implements the pool operations exposed to callers.
type Server struct {
	cfg Config
}

// New creates a new server instance.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	cfg.Logger = cfg.Logger.Named("server")
	return &Server{cfg: cfg}, nil
}

func requireAdmin(id auth.Identity) error {
	if !id.IsAdmin {
		return fmt.Errorf("%q is not an administrator: %w", id.Principal, poolerr.ErrForbidden)
	}
	return nil
}

// ReserveRequest is the caller-facing reservation request.
type ReserveRequest struct {
	Count      int
	Duration   time.Duration
	Credential string
	UserRef    *string
}

// Reserve leases machines to the caller.
func (s *Server) Reserve(ctx context.Context, id auth.Identity, req ReserveRequest) (*models.Grant, error) {
	return s.cfg.Allocator.Reserve(ctx, allocator.Request{
		Principal:  id.Principal,
		Count:      req.Count,
		Duration:   req.Duration,
		Credential: req.Credential,
		UserRef:    req.UserRef,
	})
}

// ListReservations returns the caller's leases, or every lease when all is
// set and the caller is an administrator.
func (s *Server) ListReservations(ctx context.Context, id auth.Identity, all bool) ([]models.Lease, error) {
	principal := id.Principal
	if all {
		if err := requireAdmin(id); err != nil {
			return nil, err
		}
		principal = ""
	}
	leases, err := s.cfg.Store.ListLeases(ctx, principal)
	if err != nil {
		return nil, err
	}
	if leases == nil {
		leases = []models.Lease{}
	}
	return leases, nil
}

// GetReservation returns one lease of the caller; administrators see all.
func (s *Server) GetReservation(ctx context.Context, id auth.Identity, leaseID string) (*models.Lease, error) {
	l, err := s.cfg.Store.GetLease(ctx, leaseID)
	if err != nil {
		return nil, err
	}
	if !id.IsAdmin && l.Principal != id.Principal {
		return nil, fmt.Errorf("lease %q belongs to another principal: %w", leaseID, poolerr.ErrForbidden)
	}
	return l, nil
}

// ReleaseReservation ends a lease early.
func (s *Server) ReleaseReservation(ctx context.Context, id auth.Identity, leaseID string) error {
	return s.cfg.Allocator.Release(ctx, id.Principal, id.IsAdmin, leaseID)
}

// AvailableMachines lists the machines a reservation could get right now.
func (s *Server) AvailableMachines(ctx context.Context, _ auth.Identity) ([]models.Endpoint, error) {
	ms, err := s.cfg.Store.AvailableMachines(ctx, s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	out := make([]models.Endpoint, len(ms))
	for i := range ms {
		out[i] = ms[i].Endpoint()
	}
	return out, nil
}

// ListMachines lists every registered machine.
func (s *Server) ListMachines(ctx context.Context, id auth.Identity) ([]models.Machine, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	ms, err := s.cfg.Store.ListMachines(ctx)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		ms = []models.Machine{}
	}
	return ms, nil
}

// ValidateMachineSpec checks a registration and fills in the default port.
func ValidateMachineSpec(spec *models.MachineSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Host = strings.TrimSpace(spec.Host)
	spec.AdminUser = strings.TrimSpace(spec.AdminUser)
	switch {
	case spec.Name == "":
		return poolerr.Invalidf("machine name is required")
	case strings.ContainsAny(spec.Name, " \t/="):
		return poolerr.Invalidf("machine name %q contains invalid characters", spec.Name)
	case spec.Host == "":
		return poolerr.Invalidf("machine %q: host is required", spec.Name)
	case spec.AdminUser == "":
		return poolerr.Invalidf("machine %q: admin user is required", spec.Name)
	}
	if spec.Port == 0 {
		spec.Port = 22
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return poolerr.Invalidf("machine %q: port %d out of range", spec.Name, spec.Port)
	}
	return nil
}

// RegisterMachine adds a machine to the pool.
func (s *Server) RegisterMachine(ctx context.Context, id auth.Identity, spec models.MachineSpec) (*models.Machine, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	if err := ValidateMachineSpec(&spec); err != nil {
		return nil, err
	}
	m, err := s.cfg.Store.RegisterMachine(ctx, spec, s.cfg.Clock.Now())
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("machine registered", zap.String("machine", m.Name), zap.String("by", id.Principal))
	return m, nil
}

// UpdateMachine changes the enabled and online flags of a machine.
func (s *Server) UpdateMachine(ctx context.Context, id auth.Identity, name string, upd models.MachineUpdate) (*models.Machine, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	if upd.Enabled == nil && upd.Online == nil {
		return nil, poolerr.Invalidf("nothing to update")
	}
	m, err := s.cfg.Store.UpdateMachine(ctx, name, upd)
	if err != nil {
		return nil, err
	}
	s.cfg.Logger.Info("machine updated",
		zap.String("machine", name), zap.Bool("enabled", m.Enabled), zap.Bool("online", m.Online),
		zap.String("by", id.Principal))
	return m, nil
}

// DeregisterMachine removes an unreserved machine from the pool.
func (s *Server) DeregisterMachine(ctx context.Context, id auth.Identity, name string) error {
	if err := requireAdmin(id); err != nil {
		return err
	}
	if err := s.cfg.Store.DeregisterMachine(ctx, name, s.cfg.Clock.Now()); err != nil {
		return err
	}
	s.cfg.Logger.Info("machine deregistered", zap.String("machine", name), zap.String("by", id.Principal))
	return nil
}

// ReleaseAll force releases every active lease.
func (s *Server) ReleaseAll(ctx context.Context, id auth.Identity) (int, error) {
	if err := requireAdmin(id); err != nil {
		return 0, err
	}
	s.cfg.Logger.Warn("force release of all leases requested", zap.String("by", id.Principal))
	return s.cfg.Releaser.ReleaseAll(context.WithoutCancel(ctx))
}

// StaleAccounts lists accounts whose deletion failed.
func (s *Server) StaleAccounts(ctx context.Context, id auth.Identity) ([]journal.Entry, error) {
	if err := requireAdmin(id); err != nil {
		return nil, err
	}
	if s.cfg.Journal == nil {
		return []journal.Entry{}, nil
	}
	entries, err := s.cfg.Journal.List(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}

// Healthy reports whether the store answers.
func (s *Server) Healthy(ctx context.Context) error {
	return s.cfg.Store.Ping(ctx)
}
