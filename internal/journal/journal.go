// Package journal records account revocations that failed, so operators can
// find accounts that may still exist on machines after their lease was
// released.
//
// SQLJournal keeps the record in the shared pool store and is what every
// process should use. BadgerJournal is local to one process and only fits
// a single-node deployment where the sweeper and the reader are the same
// process.
package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/juju/errors"
)

// Entry is one account that may remain on a machine.
type Entry struct {
	Principal     string    `json:"principal" db:"principal"`
	Machine       string    `json:"machine" db:"machine"`
	Host          string    `json:"host" db:"host"`
	LeaseID       string    `json:"lease_id" db:"lease_id"`
	Reason        string    `json:"reason" db:"reason"`
	LastError     string    `json:"last_error" db:"last_error"`
	Attempts      int       `json:"attempts" db:"attempts"`
	FirstFailedAt time.Time `json:"first_failed_at" db:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at" db:"last_failed_at"`
}

// Journal is the stale-account record (kept minimal, allows swapping
// implementations).
type Journal interface {
	Record(ctx context.Context, e Entry) error
	Resolve(ctx context.Context, principal, machine string) error
	List(ctx context.Context) ([]Entry, error)
	Close() error
}

// BadgerJournal implements Journal with Badger DB. Its data is private to
// the process that opened it.
type BadgerJournal struct {
	db *badger.DB
}

// NewBadgerJournal opens a journal under path. An empty path keeps the
// journal in memory.
func NewBadgerJournal(path string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "opening journal %q", path)
	}
	return &BadgerJournal{db: db}, nil
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}

const keyPrefix = "stale:"

func entryKey(principal, machine string) []byte {
	return []byte(keyPrefix + principal + "\x00" + machine)
}

// Record adds e, or bumps the attempt count of an existing entry for the
// same principal and machine.
func (j *BadgerJournal) Record(_ context.Context, e Entry) error {
	return errors.Trace(j.db.Update(func(txn *badger.Txn) error {
		key := entryKey(e.Principal, e.Machine)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			var prev Entry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &prev) }); err != nil {
				return err
			}
			e.Attempts = prev.Attempts + 1
			e.FirstFailedAt = prev.FirstFailedAt
		case errors.Is(err, badger.ErrKeyNotFound):
			e.Attempts = 1
			e.FirstFailedAt = e.LastFailedAt
		default:
			return err
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	}))
}

// Resolve forgets the entry for principal on machine. Resolving an unknown
// entry is not an error.
func (j *BadgerJournal) Resolve(_ context.Context, principal, machine string) error {
	return errors.Trace(j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(entryKey(principal, machine))
	}))
}

// List returns every entry ordered by principal then machine.
func (j *BadgerJournal) List(_ context.Context) ([]Entry, error) {
	var out []Entry
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Principal != out[b].Principal {
			return out[a].Principal < out[b].Principal
		}
		return out[a].Machine < out[b].Machine
	})
	return out, nil
}
