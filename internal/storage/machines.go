package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/models"
	"github.com/devghori1264/aerophoenix/poolmgr/internal/poolerr"
)

const machineColumns = `id, name, host, port, admin_user, admin_credential, enabled, online,
	reserved, reserved_by, reserved_until, hold_token, held_until, last_seen_at, created_at`

// eligibleWhere selects enabled, online, unreserved machines that are not
// held by an in-flight allocation. The single bind parameter is "now".
const eligibleWhere = `enabled = 1 AND online = 1 AND reserved = 0
	AND (held_until IS NULL OR held_until <= ?)`

// RegisterMachine inserts a new machine. Duplicate names yield ErrConflict.
func (s *Store) RegisterMachine(ctx context.Context, spec models.MachineSpec, now time.Time) (*models.Machine, error) {
	enabled, online := true, true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}
	if spec.Online != nil {
		online = *spec.Online
	}
	var out *models.Machine
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO machines (name, host, port, admin_user, admin_credential, enabled, online, reserved, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
			spec.Name, spec.Host, spec.Port, spec.AdminUser, spec.AdminCredential, enabled, online, dbTime(now))
		if IsUniqueViolation(err) {
			return fmt.Errorf("machine %q already registered: %w", spec.Name, poolerr.ErrConflict)
		} else if err != nil {
			return poolerr.Storef(err, "inserting machine %q", spec.Name)
		}
		out, err = getMachine(ctx, tx, spec.Name)
		return err
	})
	return out, err
}

// GetMachine returns the machine with the given name.
func (s *Store) GetMachine(ctx context.Context, name string) (*models.Machine, error) {
	return getMachine(ctx, s.db, name)
}

func getMachine(ctx context.Context, q sqlx.QueryerContext, name string) (*models.Machine, error) {
	var m models.Machine
	err := sqlx.GetContext(ctx, q, &m, `SELECT `+machineColumns+` FROM machines WHERE name = ?`, name)
	if isNoRows(err) {
		return nil, fmt.Errorf("machine %q: %w", name, poolerr.ErrNotFound)
	} else if err != nil {
		return nil, poolerr.Storef(err, "loading machine %q", name)
	}
	return &m, nil
}

// ListMachines returns every machine ordered by name.
func (s *Store) ListMachines(ctx context.Context) ([]models.Machine, error) {
	var out []models.Machine
	if err := s.db.SelectContext(ctx, &out, `SELECT `+machineColumns+` FROM machines ORDER BY name ASC`); err != nil {
		return nil, poolerr.Storef(err, "listing machines")
	}
	return out, nil
}

// AvailableMachines returns the machines eligible for a new lease at now,
// in allocation order.
func (s *Store) AvailableMachines(ctx context.Context, now time.Time) ([]models.Machine, error) {
	var out []models.Machine
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+machineColumns+` FROM machines WHERE `+eligibleWhere+` ORDER BY name ASC`, dbTime(now))
	if err != nil {
		return nil, poolerr.Storef(err, "listing available machines")
	}
	return out, nil
}

// UpdateMachine changes the administrative flags of a machine.
func (s *Store) UpdateMachine(ctx context.Context, name string, upd models.MachineUpdate) (*models.Machine, error) {
	var out *models.Machine
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := getMachine(ctx, tx, name); err != nil {
			return err
		}
		if upd.Enabled != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE machines SET enabled = ? WHERE name = ?`, *upd.Enabled, name); err != nil {
				return poolerr.Storef(err, "updating machine %q", name)
			}
		}
		if upd.Online != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE machines SET online = ? WHERE name = ?`, *upd.Online, name); err != nil {
				return poolerr.Storef(err, "updating machine %q", name)
			}
		}
		var err error
		out, err = getMachine(ctx, tx, name)
		return err
	})
	return out, err
}

// DeregisterMachine deletes a machine. Reserved or held machines are
// rejected with ErrConflict.
func (s *Store) DeregisterMachine(ctx context.Context, name string, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		m, err := getMachine(ctx, tx, name)
		if err != nil {
			return err
		}
		if m.Reserved {
			return fmt.Errorf("machine %q is reserved: %w", name, poolerr.ErrConflict)
		}
		if m.HeldUntil != nil && m.HeldUntil.After(dbTime(now)) {
			return fmt.Errorf("machine %q is being allocated: %w", name, poolerr.ErrConflict)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM machines WHERE id = ? AND reserved = 0`, m.ID)
		if err != nil {
			return poolerr.Storef(err, "deleting machine %q", name)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("machine %q changed concurrently: %w", name, poolerr.ErrConflict)
		}
		return nil
	})
}

// SetMachineHealth records a health probe outcome. It reports whether the
// online flag changed.
func (s *Store) SetMachineHealth(ctx context.Context, id int64, online bool, seenAt *time.Time) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE machines SET online = ? WHERE id = ? AND online <> ?`, online, id, online)
		if err != nil {
			return poolerr.Storef(err, "updating machine %d health", id)
		}
		n, _ := res.RowsAffected()
		changed = n == 1
		if seenAt != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE machines SET last_seen_at = ? WHERE id = ?`, dbTime(*seenAt), id); err != nil {
				return poolerr.Storef(err, "updating machine %d last seen", id)
			}
		}
		return nil
	})
	return changed, err
}
