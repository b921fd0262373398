package storage

// Cursor walks one database in key order. Positioning calls return the
// record they land on; when nothing qualifies, or on error, the position is
// unchanged. A Cursor is not safe for concurrent use.
type Cursor struct {
	db     *Database
	txn    *Txn
	cur    *record
	closed bool
}

// Cursor opens a cursor reading through txn; a nil txn reads committed
// records and auto-commits writes.
func (d *Database) Cursor(txn *Txn) (*Cursor, error) {
	err := d.read(txn, OpCursor, func() error { return nil })
	if err != nil {
		return nil, err
	}
	return &Cursor{db: d, txn: txn}, nil
}

func (c *Cursor) Database() *Database { return c.db }

func (c *Cursor) Close() error {
	c.closed = true
	c.cur = nil
	return nil
}

func (c *Cursor) move(op Op, pivot *record, exclusive, forward bool, stop func(r *record) bool) (Record, bool, error) {
	if c.closed {
		return Record{}, false, wrap(c.db.name, op, ErrClosed)
	}
	var (
		rec Record
		ok  bool
	)
	err := c.db.read(c.txn, op, func() error {
		r, err := c.db.scan(c.txn, pivot, exclusive, forward, stop)
		if err != nil || r == nil {
			return err
		}
		rec, ok, err = c.db.recordOf(c.txn, r)
		if err != nil || !ok {
			return err
		}
		c.cur = r
		return nil
	})
	if err != nil {
		return Record{}, false, err
	}
	return rec, ok, nil
}

func (c *Cursor) First() (Record, bool, error) {
	return c.move(OpFirst, nil, false, true, nil)
}

func (c *Cursor) Last() (Record, bool, error) {
	return c.move(OpLast, nil, false, false, nil)
}

// SeekGE lands on the first record with key >= key. On a secondary that is
// the first duplicate of the group.
func (c *Cursor) SeekGE(key []byte) (Record, bool, error) {
	return c.move(OpSeekGE, probe(key, -1), false, true, nil)
}

// SeekGT lands on the first record with key > key.
func (c *Cursor) SeekGT(key []byte) (Record, bool, error) {
	return c.move(OpSeekGT, probe(key, 1), false, true, nil)
}

// SeekLE lands on the last record with key <= key. On a secondary that is
// the last duplicate of the group.
func (c *Cursor) SeekLE(key []byte) (Record, bool, error) {
	return c.move(OpSeekLE, probe(key, 1), false, false, nil)
}

// SeekLT lands on the last record with key < key.
func (c *Cursor) SeekLT(key []byte) (Record, bool, error) {
	return c.move(OpSeekLT, probe(key, -1), false, false, nil)
}

// Next moves to the following record, or to the first one when the cursor
// is not positioned.
func (c *Cursor) Next() (Record, bool, error) {
	if c.cur == nil {
		return c.move(OpNext, nil, false, true, nil)
	}
	return c.move(OpNext, c.cur, true, true, nil)
}

// Prev moves to the preceding record, or to the last one when the cursor is
// not positioned.
func (c *Cursor) Prev() (Record, bool, error) {
	if c.cur == nil {
		return c.move(OpPrev, nil, false, false, nil)
	}
	return c.move(OpPrev, c.cur, true, false, nil)
}

// NextDup moves to the next record with the same key.
func (c *Cursor) NextDup() (Record, bool, error) {
	if c.cur == nil {
		return Record{}, false, wrap(c.db.name, OpNextDup, ErrNoCurrent)
	}
	return c.move(OpNextDup, c.cur, true, true, c.db.stopAfter(c.cur.key))
}

// NextNoDup moves to the first record of the next key group.
func (c *Cursor) NextNoDup() (Record, bool, error) {
	if c.cur == nil {
		return c.move(OpNextNoDup, nil, false, true, nil)
	}
	return c.move(OpNextNoDup, probe(c.cur.key, 1), false, true, nil)
}

// PrevNoDup moves to the last record of the previous key group.
func (c *Cursor) PrevNoDup() (Record, bool, error) {
	if c.cur == nil {
		return c.move(OpPrevNoDup, nil, false, false, nil)
	}
	return c.move(OpPrevNoDup, probe(c.cur.key, -1), false, false, nil)
}

// Current re-reads the record under the cursor. ok is false if it has been
// deleted since the cursor landed on it.
func (c *Cursor) Current() (Record, bool, error) {
	if c.closed {
		return Record{}, false, wrap(c.db.name, OpCurrent, ErrClosed)
	}
	if c.cur == nil {
		return Record{}, false, wrap(c.db.name, OpCurrent, ErrNoCurrent)
	}
	var (
		rec Record
		ok  bool
	)
	err := c.db.read(c.txn, OpCurrent, func() error {
		vis, err := visible(c.txn, c.cur)
		if err != nil || !vis {
			return err
		}
		rec, ok, err = c.db.recordOf(c.txn, c.cur)
		return err
	})
	return rec, ok, err
}

// Count returns the number of records sharing the current key.
func (c *Cursor) Count() (int, error) {
	if c.closed {
		return 0, wrap(c.db.name, OpCount, ErrClosed)
	}
	if c.cur == nil {
		return 0, wrap(c.db.name, OpCount, ErrNoCurrent)
	}
	n := 0
	err := c.db.read(c.txn, OpCount, func() error {
		key := c.cur.key
		var err error
		c.db.tree.AscendGreaterOrEqual(probe(key, -1), func(r *record) bool {
			if c.db.cmp(r.key, key) != 0 {
				return false
			}
			vis, verr := visible(c.txn, r)
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

// PutCurrent replaces the data of the current record. Secondaries are
// read-only.
func (c *Cursor) PutCurrent(data []byte) error {
	if c.closed {
		return wrap(c.db.name, OpPutCurrent, ErrClosed)
	}
	if c.db.primary != nil {
		return wrap(c.db.name, OpPutCurrent, ErrReadOnly)
	}
	if c.cur == nil {
		return wrap(c.db.name, OpPutCurrent, ErrNoCurrent)
	}
	key := c.cur.key
	data = append([]byte{}, data...)
	return c.db.write(c.txn, OpPutCurrent, func(t *Txn) error {
		_, _, err := c.db.putLocked(t, key, data)
		return err
	})
}

// DeleteCurrent deletes the current record. On a secondary it deletes the
// primary record, which removes every secondary record pointing at it.
func (c *Cursor) DeleteCurrent() error {
	if c.closed {
		return wrap(c.db.name, OpDeleteCurrent, ErrClosed)
	}
	if c.cur == nil {
		return wrap(c.db.name, OpDeleteCurrent, ErrNoCurrent)
	}
	target, key := c.db, c.cur.key
	if c.db.primary != nil {
		target, key = c.db.primary, c.cur.pkey
	}
	return c.db.write(c.txn, OpDeleteCurrent, func(t *Txn) error {
		_, _, err := target.deleteLocked(t, key)
		return err
	})
}
