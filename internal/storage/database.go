package storage

import (
	"bytes"
	"fmt"
)

// Record is what reads return. On a secondary, Key is the secondary key and
// Data is the primary record's data. The slices must not be modified.
type Record struct {
	Key        []byte
	PrimaryKey []byte
	Data       []byte
}

type Database struct {
	env  *Env
	name string
	cmp  func(a, b []byte) int
	tree *tree

	// primary is set on secondaries.
	primary     *Database
	creator     KeyCreator
	secondaries []*Database
	populated   bool

	closed bool
}

func newDatabase(e *Env, name string, cmp func(a, b []byte) int) *Database {
	d := &Database{env: e, name: name, cmp: compareOrDefault(cmp)}
	d.tree = newTree(e.opts.Degree, d.less)
	return d
}

func (d *Database) Name() string { return d.name }

// Compare orders two keys of this database.
func (d *Database) Compare(a, b []byte) int { return d.cmp(a, b) }

func (d *Database) IsSecondary() bool { return d.primary != nil }

// Populated reports whether opening this secondary ran a population pass,
// either filling a new secondary or rebuilding an existing one.
func (d *Database) Populated() bool {
	d.env.mu.RLock()
	defer d.env.mu.RUnlock()
	return d.populated
}

func (d *Database) attach(s *Database) {
	for _, x := range d.secondaries {
		if x == s {
			return
		}
	}
	d.secondaries = append(d.secondaries, s)
}

func (d *Database) detach(s *Database) {
	for i, x := range d.secondaries {
		if x == s {
			d.secondaries = append(d.secondaries[:i], d.secondaries[i+1:]...)
			return
		}
	}
}

// Close closes the handle. Closing a primary closes its secondaries;
// closing a secondary stops its maintenance. Records stay in the env.
func (d *Database) Close() error {
	d.env.mu.Lock()
	defer d.env.mu.Unlock()

	if d.primary != nil {
		d.primary.detach(d)
	}
	for _, s := range d.secondaries {
		s.closed = true
	}
	d.secondaries = nil
	d.closed = true
	return nil
}

func (d *Database) checkOpen(t *Txn) error {
	if d.env.closed || d.closed {
		return ErrClosed
	}
	if t != nil && t.done {
		return ErrTxnDone
	}
	return nil
}

func (d *Database) read(t *Txn, op Op, fn func() error) error {
	if err := d.env.intercept(op, d.name); err != nil {
		return wrap(d.name, op, err)
	}
	d.env.mu.RLock()
	defer d.env.mu.RUnlock()

	if err := d.checkOpen(t); err != nil {
		return wrap(d.name, op, err)
	}
	return wrap(d.name, op, fn())
}

// write runs fn under the env write lock. A nil txn runs fn in its own
// transaction that commits on success.
func (d *Database) write(txn *Txn, op Op, fn func(t *Txn) error) error {
	if err := d.env.intercept(op, d.name); err != nil {
		return wrap(d.name, op, err)
	}
	t := txn
	if t == nil {
		t = d.env.Begin()
	}

	d.env.mu.Lock()
	err := d.checkOpen(t)
	if err == nil {
		err = fn(t)
	}
	d.env.mu.Unlock()

	if txn == nil {
		if err != nil {
			_ = t.Abort()
		} else {
			err = t.Commit()
		}
	}
	return wrap(d.name, op, err)
}

// Get returns the data stored under key. On a secondary it returns the data
// of the first primary record with that secondary key.
func (d *Database) Get(txn *Txn, key []byte) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := d.read(txn, OpGet, func() error {
		if d.primary == nil {
			r, ok := d.tree.Get(probe(key, 0))
			if !ok {
				return nil
			}
			vis, err := visible(txn, r)
			if err != nil || !vis {
				return err
			}
			data, found = r.data, true
			return nil
		}
		r, err := d.scan(txn, probe(key, -1), false, true, d.stopAfter(key))
		if err != nil || r == nil {
			return err
		}
		rec, ok, err := d.recordOf(txn, r)
		if err != nil || !ok {
			return err
		}
		data, found = rec.Data, true
		return nil
	})
	return data, found, err
}

// stopAfter ends a forward scan once keys move past key.
func (d *Database) stopAfter(key []byte) func(r *record) bool {
	return func(r *record) bool { return d.cmp(r.key, key) != 0 }
}

// Put stores value under key and returns the previous value. Every attached
// secondary is updated in the same transaction.
func (d *Database) Put(txn *Txn, key, value []byte) (prev []byte, existed bool, err error) {
	if d.primary != nil {
		return nil, false, wrap(d.name, OpPut, ErrReadOnly)
	}
	key = bytes.Clone(key)
	value = bytes.Clone(value)
	if value == nil {
		value = []byte{}
	}
	err = d.write(txn, OpPut, func(t *Txn) error {
		var perr error
		prev, existed, perr = d.putLocked(t, key, value)
		return perr
	})
	return prev, existed, err
}

// Delete removes key and returns the removed value. On a secondary it
// removes every primary record with that secondary key.
func (d *Database) Delete(txn *Txn, key []byte) (prev []byte, existed bool, err error) {
	err = d.write(txn, OpDelete, func(t *Txn) error {
		if d.primary != nil {
			n, derr := d.deleteBySecondaryLocked(t, key)
			existed = n > 0
			return derr
		}
		var derr error
		prev, existed, derr = d.deleteLocked(t, key)
		return derr
	})
	return prev, existed, err
}

// Len counts the records visible to txn.
func (d *Database) Len(txn *Txn) (int, error) {
	n := 0
	err := d.read(txn, OpLen, func() error {
		var err error
		d.tree.Ascend(func(r *record) bool {
			vis, verr := visible(txn, r)
			if verr != nil {
				err = verr
				return false
			}
			if vis {
				n++
			}
			return true
		})
		return err
	})
	return n, err
}

type secondaryChange struct {
	db      *Database
	oldKey  []byte
	hadOld  bool
	newKey  []byte
	hasNew  bool
	unmoved bool
}

// secondaryChangesLocked derives every secondary update for one primary
// write before anything is modified, so a key creator error or a conflict
// leaves the transaction untouched.
func (d *Database) secondaryChangesLocked(t *Txn, key, oldData []byte, existed bool, newData []byte, deleting bool) ([]secondaryChange, error) {
	changes := make([]secondaryChange, 0, len(d.secondaries))
	for _, s := range d.secondaries {
		c := secondaryChange{db: s}
		var err error
		if existed {
			c.oldKey, c.hadOld, err = s.creator.CreateSecondaryKey(key, oldData)
			if err != nil {
				return nil, wrap(s.name, OpPut, err)
			}
		}
		if !deleting {
			c.newKey, c.hasNew, err = s.creator.CreateSecondaryKey(key, newData)
			if err != nil {
				return nil, wrap(s.name, OpPut, err)
			}
		}
		if c.hadOld && c.hasNew && s.cmp(c.oldKey, c.newKey) == 0 {
			c.unmoved = true
		}
		for _, sk := range [][]byte{c.oldKey, c.newKey} {
			if sk == nil {
				continue
			}
			if r, ok := s.tree.Get(&record{key: sk, pkey: key}); ok && r.owner != nil && r.owner != t {
				return nil, wrap(s.name, OpPut, conflict(r.owner))
			}
		}
		changes = append(changes, c)
	}
	return changes, nil
}

func (d *Database) applySecondaryLocked(t *Txn, key []byte, changes []secondaryChange) {
	for _, c := range changes {
		if c.unmoved {
			continue
		}
		if c.hadOld {
			if r, ok := c.db.tree.Get(&record{key: c.oldKey, pkey: key}); ok && !r.deleted {
				t.lock(c.db, r, true)
				r.deleted = true
			}
		}
		if c.hasNew {
			if r, ok := c.db.tree.Get(&record{key: c.newKey, pkey: key}); ok {
				t.lock(c.db, r, true)
				r.deleted = false
			} else {
				r = &record{key: bytes.Clone(c.newKey), pkey: key}
				c.db.tree.ReplaceOrInsert(r)
				t.lock(c.db, r, false)
			}
		}
	}
}

func (d *Database) putLocked(t *Txn, key, value []byte) ([]byte, bool, error) {
	r, found := d.tree.Get(probe(key, 0))
	existed := false
	var prev []byte
	if found {
		vis, err := visible(t, r)
		if err != nil {
			return nil, false, err
		}
		existed = vis
		if vis {
			prev = r.data
		}
	}

	changes, err := d.secondaryChangesLocked(t, key, prev, existed, value, false)
	if err != nil {
		return nil, false, err
	}

	if found {
		t.lock(d, r, true)
		r.data = value
		r.deleted = false
	} else {
		r = &record{key: key, data: value}
		d.tree.ReplaceOrInsert(r)
		t.lock(d, r, false)
	}
	d.applySecondaryLocked(t, key, changes)
	return prev, existed, nil
}

func (d *Database) deleteLocked(t *Txn, key []byte) ([]byte, bool, error) {
	r, found := d.tree.Get(probe(key, 0))
	if !found {
		return nil, false, nil
	}
	vis, err := visible(t, r)
	if err != nil || !vis {
		return nil, false, err
	}

	changes, err := d.secondaryChangesLocked(t, key, r.data, true, nil, true)
	if err != nil {
		return nil, false, err
	}
	prev := r.data
	t.lock(d, r, true)
	r.deleted = true
	d.applySecondaryLocked(t, r.key, changes)
	return prev, true, nil
}

func (d *Database) deleteBySecondaryLocked(t *Txn, skey []byte) (int, error) {
	var (
		pkeys [][]byte
		err   error
	)
	d.tree.AscendGreaterOrEqual(probe(skey, -1), func(r *record) bool {
		if d.cmp(r.key, skey) != 0 {
			return false
		}
		vis, verr := visible(t, r)
		if verr != nil {
			err = verr
			return false
		}
		if vis {
			pkeys = append(pkeys, r.pkey)
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, pk := range pkeys {
		if p, ok := d.primary.tree.Get(probe(pk, 0)); ok {
			if _, err := visible(t, p); err != nil {
				return 0, wrap(d.primary.name, OpDelete, err)
			}
		}
	}
	for _, pk := range pkeys {
		if _, _, err := d.primary.deleteLocked(t, pk); err != nil {
			return 0, wrap(d.primary.name, OpDelete, err)
		}
	}
	return len(pkeys), nil
}

func (d *Database) String() string {
	if d.primary != nil {
		return fmt.Sprintf("secondary %q of %q", d.name, d.primary.name)
	}
	return fmt.Sprintf("database %q", d.name)
}
