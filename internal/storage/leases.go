package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

const leaseSelect = `SELECT l.id, l.machine_id, m.name AS machine_name, m.host, m.port,
	l.principal, l.user_ref, l.reserved_until, l.created_at
FROM leases l JOIN machines m ON m.id = l.machine_id`

const leaseTargetSelect = `SELECT l.id AS lease_id, l.principal, l.reserved_until,
	m.id AS machine_id, m.name AS machine_name, m.host, m.port, m.admin_user, m.admin_credential
FROM leases l JOIN machines m ON m.id = l.machine_id`

// HoldMachines selects the first count eligible machines by name and marks
// them held by token until heldUntil, in one transaction. When fewer than
// count machines are eligible nothing is written and an
// *poolerr.InsufficientCapacityError is returned.
func (s *Store) HoldMachines(ctx context.Context, token string, count int, now, heldUntil time.Time) ([]models.Machine, error) {
	now = dbTime(now)
	var held []models.Machine
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		q := `SELECT ` + machineColumns + ` FROM machines WHERE ` + eligibleWhere + ` ORDER BY name ASC LIMIT ?`
		if s.driver == DriverMySQL {
			q += ` FOR UPDATE`
		}
		var candidates []models.Machine
		if err := tx.SelectContext(ctx, &candidates, q, now, count); err != nil {
			return poolerr.Storef(err, "selecting eligible machines")
		}
		if len(candidates) < count {
			return &poolerr.InsufficientCapacityError{Requested: count, Available: len(candidates)}
		}

		ids := make([]int64, len(candidates))
		for i, m := range candidates {
			ids[i] = m.ID
		}
		query, args, err := sqlx.In(`
UPDATE machines SET hold_token = ?, held_until = ?
WHERE id IN (?) AND reserved = 0 AND (held_until IS NULL OR held_until <= ?)`,
			token, dbTime(heldUntil), ids, now)
		if err != nil {
			return poolerr.Storef(err, "building hold statement")
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return poolerr.Storef(err, "holding machines")
		}
		if n, _ := res.RowsAffected(); int(n) != count {
			return fmt.Errorf("held %d of %d selected machines: %w", n, count, poolerr.ErrConflict)
		}
		held = candidates
		return nil
	})
	if err != nil {
		return nil, err
	}
	return held, nil
}

// CommitHold turns the machines held by token into reserved machines with
// one lease each, in one transaction. want is the number of machines the
// caller expects to still hold; any other count means the hold was lost and
// yields ErrConflict without writing anything.
func (s *Store) CommitHold(ctx context.Context, token string, want int, principal string, userRef *string, deadline, now time.Time) ([]models.Lease, error) {
	deadline, now = dbTime(deadline), dbTime(now)
	var leases []models.Lease
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var held []models.Machine
		err := tx.SelectContext(ctx, &held,
			`SELECT `+machineColumns+` FROM machines WHERE hold_token = ? AND reserved = 0 ORDER BY name ASC`, token)
		if err != nil {
			return poolerr.Storef(err, "loading held machines")
		}
		if len(held) != want {
			return fmt.Errorf("hold %s covers %d of %d machines: %w", token, len(held), want, poolerr.ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `
UPDATE machines
SET reserved = 1, reserved_by = ?, reserved_until = ?, hold_token = NULL, held_until = NULL
WHERE hold_token = ? AND reserved = 0`, principal, deadline, token)
		if err != nil {
			return poolerr.Storef(err, "reserving held machines")
		}
		if n, _ := res.RowsAffected(); int(n) != want {
			return fmt.Errorf("reserved %d of %d held machines: %w", n, want, poolerr.ErrConflict)
		}
		for _, m := range held {
			l := models.Lease{
				ID:            uuid.NewString(),
				MachineID:     m.ID,
				MachineName:   m.Name,
				Host:          m.Host,
				Port:          m.Port,
				Principal:     principal,
				UserRef:       userRef,
				ReservedUntil: deadline,
				CreatedAt:     now,
			}
			_, err := tx.ExecContext(ctx, `
INSERT INTO leases (id, machine_id, principal, user_ref, reserved_until, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, l.ID, l.MachineID, l.Principal, l.UserRef, l.ReservedUntil, l.CreatedAt)
			if err != nil {
				return poolerr.Storef(err, "inserting lease for machine %q", m.Name)
			}
			leases = append(leases, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leases, nil
}

// DiscardHold drops the hold placed by token. Dropping an unknown or already
// dropped hold is not an error.
func (s *Store) DiscardHold(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE machines SET hold_token = NULL, held_until = NULL WHERE hold_token = ? AND reserved = 0`, token)
	return poolerr.Storef(err, "discarding hold %s", token)
}

// ExpireHolds drops holds whose deadline has passed, returning how many
// machines were freed.
func (s *Store) ExpireHolds(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE machines SET hold_token = NULL, held_until = NULL WHERE held_until IS NOT NULL AND held_until <= ?`, dbTime(now))
	if err != nil {
		return 0, poolerr.Storef(err, "expiring holds")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetLease returns a lease by id.
func (s *Store) GetLease(ctx context.Context, id string) (*models.Lease, error) {
	var l models.Lease
	err := s.db.GetContext(ctx, &l, leaseSelect+` WHERE l.id = ?`, id)
	if isNoRows(err) {
		return nil, fmt.Errorf("lease %q: %w", id, poolerr.ErrNotFound)
	} else if err != nil {
		return nil, poolerr.Storef(err, "loading lease %q", id)
	}
	return &l, nil
}

// ListLeases returns the active leases of principal, or of everyone when
// principal is empty, ordered by principal and machine name.
func (s *Store) ListLeases(ctx context.Context, principal string) ([]models.Lease, error) {
	var (
		out  []models.Lease
		err  error
		tail = ` ORDER BY l.principal ASC, m.name ASC`
	)
	if principal == "" {
		err = s.db.SelectContext(ctx, &out, leaseSelect+tail)
	} else {
		err = s.db.SelectContext(ctx, &out, leaseSelect+` WHERE l.principal = ?`+tail, principal)
	}
	if err != nil {
		return nil, poolerr.Storef(err, "listing leases")
	}
	return out, nil
}

// LeaseTarget returns the revocation target of a single lease.
func (s *Store) LeaseTarget(ctx context.Context, id string) (*models.LeaseTarget, error) {
	var t models.LeaseTarget
	err := s.db.GetContext(ctx, &t, leaseTargetSelect+` WHERE l.id = ?`, id)
	if isNoRows(err) {
		return nil, fmt.Errorf("lease %q: %w", id, poolerr.ErrNotFound)
	} else if err != nil {
		return nil, poolerr.Storef(err, "loading lease %q", id)
	}
	return &t, nil
}

// ExpiredLeaseTargets returns every lease whose deadline is at or before
// now, ordered by principal then machine name.
func (s *Store) ExpiredLeaseTargets(ctx context.Context, now time.Time) ([]models.LeaseTarget, error) {
	var out []models.LeaseTarget
	err := s.db.SelectContext(ctx, &out,
		leaseTargetSelect+` WHERE l.reserved_until <= ? ORDER BY l.principal ASC, m.name ASC`, dbTime(now))
	if err != nil {
		return nil, poolerr.Storef(err, "loading expired leases")
	}
	return out, nil
}

// ActiveLeaseTargets returns every lease regardless of deadline.
func (s *Store) ActiveLeaseTargets(ctx context.Context) ([]models.LeaseTarget, error) {
	var out []models.LeaseTarget
	if err := s.db.SelectContext(ctx, &out, leaseTargetSelect+` ORDER BY l.principal ASC, m.name ASC`); err != nil {
		return nil, poolerr.Storef(err, "loading leases")
	}
	return out, nil
}

// ClearLeases deletes the given leases and un-reserves their machines in one
// transaction. A lease that no longer exists is skipped without touching its
// machine, so clearing twice is harmless. It returns how many leases were
// actually cleared.
func (s *Store) ClearLeases(ctx context.Context, refs []models.LeaseRef) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}
	var cleared int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cleared = 0
		for _, ref := range refs {
			res, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE id = ? AND machine_id = ?`, ref.LeaseID, ref.MachineID)
			if err != nil {
				return poolerr.Storef(err, "deleting lease %q", ref.LeaseID)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			_, err = tx.ExecContext(ctx, `
UPDATE machines SET reserved = 0, reserved_by = NULL, reserved_until = NULL
WHERE id = ?`, ref.MachineID)
			if err != nil {
				return poolerr.Storef(err, "releasing machine %d", ref.MachineID)
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cleared, nil
}
