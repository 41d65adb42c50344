package journal

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/devghori1264/aerophoenix/poolmgr/internal/storage"
)

// SQLJournal implements Journal on the stale_accounts table of the pool
// store, so every server and sweeper sharing the store sees the same
// record.
type SQLJournal struct {
	db *sqlx.DB
}

// NewSQLJournal returns a journal on db. The schema must already exist
// (see storage.Store.EnsureSchema).
func NewSQLJournal(db *sqlx.DB) *SQLJournal {
	return &SQLJournal{db: db}
}

// Close is a no-op; the handle belongs to the store.
func (j *SQLJournal) Close() error {
	return nil
}

// Record adds e, or bumps the attempt count of an existing entry for the
// same principal and machine. Two processes recording the same entry at
// once both count.
func (j *SQLJournal) Record(ctx context.Context, e Entry) error {
	at := e.LastFailedAt.UTC().Truncate(time.Second)
	for range 2 {
		res, err := j.db.ExecContext(ctx, `
			UPDATE stale_accounts
			SET host = ?, lease_id = ?, reason = ?, last_error = ?, attempts = attempts + 1, last_failed_at = ?
			WHERE principal = ? AND machine = ?`,
			e.Host, e.LeaseID, e.Reason, e.LastError, at, e.Principal, e.Machine)
		if err != nil {
			return errors.Annotatef(err, "recording stale account %s on %s", e.Principal, e.Machine)
		}
		if n, err := res.RowsAffected(); err != nil {
			return errors.Trace(err)
		} else if n > 0 {
			return nil
		}

		_, err = j.db.ExecContext(ctx, `
			INSERT INTO stale_accounts
				(principal, machine, host, lease_id, reason, last_error, attempts, first_failed_at, last_failed_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			e.Principal, e.Machine, e.Host, e.LeaseID, e.Reason, e.LastError, at, at)
		if err == nil {
			return nil
		}
		if !storage.IsUniqueViolation(err) {
			return errors.Annotatef(err, "recording stale account %s on %s", e.Principal, e.Machine)
		}
		// Someone else inserted it between our UPDATE and INSERT.
	}
	return errors.Errorf("recording stale account %s on %s: lost update race twice", e.Principal, e.Machine)
}

// Resolve forgets the entry for principal on machine. Resolving an unknown
// entry is not an error.
func (j *SQLJournal) Resolve(ctx context.Context, principal, machine string) error {
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM stale_accounts WHERE principal = ? AND machine = ?`, principal, machine)
	return errors.Annotatef(err, "resolving stale account %s on %s", principal, machine)
}

// List returns every entry ordered by principal then machine.
func (j *SQLJournal) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := j.db.SelectContext(ctx, &out, `
		SELECT principal, machine, host, lease_id, reason, last_error, attempts, first_failed_at, last_failed_at
		FROM stale_accounts
		ORDER BY principal, machine`)
	if err != nil {
		return nil, errors.Annotate(err, "listing stale accounts")
	}
	for i := range out {
		out[i].FirstFailedAt = out[i].FirstFailedAt.UTC()
		out[i].LastFailedAt = out[i].LastFailedAt.UTC()
	}
	return out, nil
}
