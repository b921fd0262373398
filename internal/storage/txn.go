package storage

import (
	"fmt"

	"github.com/myuser/typedkv/internal/metrics"
)

// Txn groups writes that commit or abort together. A Txn is not safe for
// concurrent use.
type Txn struct {
	env  *Env
	id   string
	undo []undoEntry
	done bool
}

// undoEntry is the state of a record before this transaction first locked
// it. existed is false for records the transaction inserted.
type undoEntry struct {
	db      *Database
	rec     *record
	existed bool
	data    []byte
}

func (t *Txn) ID() string { return t.id }

// lock takes the write lock on r, logging its prior state the first time.
// The caller has already checked r for conflicts.
func (t *Txn) lock(db *Database, r *record, existed bool) {
	if r.owner == t {
		return
	}
	t.undo = append(t.undo, undoEntry{db: db, rec: r, existed: existed, data: r.data})
	r.owner = t
}

// Commit persists the final state of every record the transaction wrote,
// then releases its locks. If persisting fails the transaction is aborted.
func (t *Txn) Commit() error {
	t.env.mu.Lock()
	defer t.env.mu.Unlock()

	if t.done {
		return wrap("", OpCommit, ErrTxnDone)
	}
	if t.env.closed {
		t.rollbackLocked()
		return wrap("", OpCommit, ErrClosed)
	}

	muts := make([]Mutation, 0, len(t.undo))
	for _, u := range t.undo {
		if !u.existed && u.rec.deleted {
			continue
		}
		m := Mutation{Database: u.db.name, Key: u.db.persistKey(u.rec)}
		if u.rec.deleted {
			m.Delete = true
		} else if u.db.primary == nil {
			m.Value = u.rec.data
		} else {
			m.Value = []byte{}
		}
		muts = append(muts, m)
	}
	if err := t.env.persistLocked(muts); err != nil {
		t.rollbackLocked()
		return wrap("", OpCommit, fmt.Errorf("txn %s: %w", t.id, err))
	}

	for _, u := range t.undo {
		u.rec.owner = nil
		if u.rec.deleted {
			u.db.tree.Delete(u.rec)
		}
	}
	t.undo = nil
	t.done = true
	metrics.Inc(metrics.StorageCommits)
	return nil
}

// Abort undoes every write of the transaction and releases its locks.
func (t *Txn) Abort() error {
	t.env.mu.Lock()
	defer t.env.mu.Unlock()

	if t.done {
		return wrap("", OpAbort, ErrTxnDone)
	}
	t.rollbackLocked()
	return nil
}

func (t *Txn) rollbackLocked() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		u := t.undo[i]
		if !u.existed {
			u.db.tree.Delete(u.rec)
			u.rec.deleted = true
		} else {
			u.rec.data = u.data
			u.rec.deleted = false
		}
		u.rec.owner = nil
	}
	t.undo = nil
	t.done = true
	metrics.Inc(metrics.StorageAborts)
}
