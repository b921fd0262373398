package store

import (
	"context"
	"iter"
	"sync"

	"github.com/myuser/typedkv/internal/storage"
)

// View is a bounded, directional window over a store (Q is the key type)
// or an index (Q is the index key type). Views are immutable; every call
// opens its own cursor.
//
// Bounds are kept in ascending engine order whatever the direction, so a
// descending view shares them with the ascending view it reverses.
type View[Q, K, V any] struct {
	store  *Store[K, V]
	db     *storage.Database
	encode func(Q) ([]byte, error)
	decode func([]byte) (Q, error)
	run    runner
	index  bool

	lo, hi bound
	dir    Direction

	descOnce sync.Once
	desc     *View[Q, K, V]
}

func (v *View[Q, K, V]) Direction() Direction { return v.dir }

func (v *View[Q, K, V]) window() window {
	return window{lo: v.lo, hi: v.hi, cmp: v.db.Compare}
}

func (v *View[Q, K, V]) derive(lo, hi bound, dir Direction) (*View[Q, K, V], error) {
	if lo.set && hi.set {
		c := v.db.Compare(lo.key, hi.key)
		if c > 0 {
			return nil, invalidRange("from key is after to key")
		}
		if c == 0 && !(lo.inclusive && hi.inclusive) {
			return nil, invalidRange("equal bounds must both be inclusive")
		}
	}
	return &View[Q, K, V]{
		store:  v.store,
		db:     v.db,
		encode: v.encode,
		decode: v.decode,
		run:    v.run,
		index:  v.index,
		lo:     lo,
		hi:     hi,
		dir:    dir,
	}, nil
}

// checkBound reports whether a new bound at k stays inside v.
func (v *View[Q, K, V]) checkBound(k []byte, inclusive bool) error {
	w := v.window()
	if inclusive && !w.contains(k) || !inclusive && !w.containsClosed(k) {
		return invalidRange("bound outside the view")
	}
	return nil
}

func (v *View[Q, K, V]) newBound(q Q, inclusive bool) (bound, error) {
	k, err := v.encode(q)
	if err != nil {
		return bound{}, err
	}
	if err := v.checkBound(k, inclusive); err != nil {
		return bound{}, err
	}
	return bound{key: k, set: true, inclusive: inclusive}, nil
}

// HeadMap returns the part of v before to, in v's direction.
func (v *View[Q, K, V]) HeadMap(to Q, inclusive bool) (*View[Q, K, V], error) {
	b, err := v.newBound(to, inclusive)
	if err != nil {
		return nil, err
	}
	if v.dir == Descending {
		return v.derive(b, v.hi, v.dir)
	}
	return v.derive(v.lo, b, v.dir)
}

// TailMap returns the part of v from from onwards, in v's direction.
func (v *View[Q, K, V]) TailMap(from Q, inclusive bool) (*View[Q, K, V], error) {
	b, err := v.newBound(from, inclusive)
	if err != nil {
		return nil, err
	}
	if v.dir == Descending {
		return v.derive(v.lo, b, v.dir)
	}
	return v.derive(b, v.hi, v.dir)
}

// SubMap returns the part of v between from and to, in v's direction.
func (v *View[Q, K, V]) SubMap(from Q, fromInclusive bool, to Q, toInclusive bool) (*View[Q, K, V], error) {
	fb, err := v.newBound(from, fromInclusive)
	if err != nil {
		return nil, err
	}
	tb, err := v.newBound(to, toInclusive)
	if err != nil {
		return nil, err
	}
	if v.dir == Descending {
		return v.derive(tb, fb, v.dir)
	}
	return v.derive(fb, tb, v.dir)
}

// DescendingMap returns v in reverse order. The result is cached, and
// reversing it again returns v.
func (v *View[Q, K, V]) DescendingMap() *View[Q, K, V] {
	v.descOnce.Do(func() {
		d, _ := v.derive(v.lo, v.hi, v.dir.Reverse())
		d.descOnce.Do(func() { d.desc = v })
		v.desc = d
	})
	return v.desc
}

type located struct {
	rec storage.Record
	ok  bool
}

// locate runs one position query, in v's direction, on a fresh cursor.
func (v *View[Q, K, V]) locate(txn *storage.Txn, t SearchType, key []byte) (located, error) {
	c, err := v.db.Cursor(txn)
	if err != nil {
		return located{}, err
	}
	defer c.Close()

	rec, ok, err := v.window().search(c, Remap(t, v.dir), key)
	return located{rec: rec, ok: ok}, err
}

// exact finds the first record whose key equals key.
func (v *View[Q, K, V]) exact(txn *storage.Txn, key []byte) (located, error) {
	if !v.window().contains(key) {
		return located{}, nil
	}
	c, err := v.db.Cursor(txn)
	if err != nil {
		return located{}, err
	}
	defer c.Close()

	rec, ok, err := c.SeekGE(key)
	if err != nil || !ok || v.db.Compare(rec.Key, key) != 0 {
		return located{}, err
	}
	return located{rec: rec, ok: true}, nil
}

func (v *View[Q, K, V]) entryOf(l located) *Entry[K, V] {
	if !l.ok {
		return nil
	}
	if v.index {
		return newEntry(v.store, l.rec.PrimaryKey, l.rec.Data)
	}
	return newEntry(v.store, l.rec.Key, l.rec.Data)
}

func (v *View[Q, K, V]) position(ctx context.Context, t SearchType, q *Q) (located, error) {
	var key []byte
	if q != nil {
		var err error
		if key, err = v.encode(*q); err != nil {
			return located{}, err
		}
	}
	return readOp(ctx, v.run, t.String(), func(txn *storage.Txn) (located, error) {
		return v.locate(txn, t, key)
	})
}

func (v *View[Q, K, V]) positionEntry(ctx context.Context, t SearchType, q *Q) (*Entry[K, V], error) {
	l, err := v.position(ctx, t, q)
	if err != nil {
		return nil, err
	}
	return v.entryOf(l), nil
}

// FirstEntry returns the first entry in v's direction, or nil.
func (v *View[Q, K, V]) FirstEntry(ctx context.Context) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchFirst, nil)
}

// LastEntry returns the last entry in v's direction, or nil.
func (v *View[Q, K, V]) LastEntry(ctx context.Context) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchLast, nil)
}

// CeilingEntry returns the first entry at or after q, or nil.
func (v *View[Q, K, V]) CeilingEntry(ctx context.Context, q Q) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchCeiling, &q)
}

// FloorEntry returns the last entry at or before q, or nil.
func (v *View[Q, K, V]) FloorEntry(ctx context.Context, q Q) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchFloor, &q)
}

// HigherEntry returns the first entry strictly after q, or nil.
func (v *View[Q, K, V]) HigherEntry(ctx context.Context, q Q) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchHigher, &q)
}

// LowerEntry returns the last entry strictly before q, or nil.
func (v *View[Q, K, V]) LowerEntry(ctx context.Context, q Q) (*Entry[K, V], error) {
	return v.positionEntry(ctx, SearchLower, &q)
}

func (v *View[Q, K, V]) boundaryKey(ctx context.Context, t SearchType) (Q, error) {
	var zero Q
	l, err := v.position(ctx, t, nil)
	if err != nil {
		return zero, err
	}
	if !l.ok {
		return zero, ErrNoSuchElement
	}
	return v.decode(l.rec.Key)
}

// FirstKey returns ErrNoSuchElement when v is empty.
func (v *View[Q, K, V]) FirstKey(ctx context.Context) (Q, error) {
	return v.boundaryKey(ctx, SearchFirst)
}

// LastKey returns ErrNoSuchElement when v is empty.
func (v *View[Q, K, V]) LastKey(ctx context.Context) (Q, error) {
	return v.boundaryKey(ctx, SearchLast)
}

// Entries iterates v in its direction.
func (v *View[Q, K, V]) Entries(ctx context.Context) *Iterator[K, V] {
	it := newIterator(ctx, v.store, v.db, v.run, v.index)
	w := v.window()
	if v.dir == Descending {
		it.start = w.highest
		it.next = (*storage.Cursor).Prev
		it.accept = func(k []byte) bool { return !w.tooLow(k) }
	} else {
		it.start = w.lowest
		it.next = (*storage.Cursor).Next
		it.accept = func(k []byte) bool { return !w.tooHigh(k) }
	}
	return it
}

func (v *View[Q, K, V]) All(ctx context.Context) iter.Seq2[*Entry[K, V], error] {
	return func(yield func(*Entry[K, V], error) bool) {
		it := v.Entries(ctx)
		defer it.Close()
		for it.Next() {
			if !yield(it.Entry(), nil) {
				return
			}
		}
		if err := it.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Scan calls fn for every entry until fn returns an error.
func (v *View[Q, K, V]) Scan(ctx context.Context, fn func(e *Entry[K, V]) error) error {
	for e, err := range v.All(ctx) {
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the distinct keys of v in its direction.
func (v *View[Q, K, V]) Keys(ctx context.Context) ([]Q, error) {
	it := v.Entries(ctx)
	defer it.Close()

	var (
		keys []Q
		last []byte
	)
	for it.Next() {
		raw := it.rawKey()
		if last != nil && v.db.Compare(raw, last) == 0 {
			continue
		}
		last = raw
		q, err := v.decode(raw)
		if err != nil {
			return nil, err
		}
		keys = append(keys, q)
	}
	return keys, it.Err()
}

// Len counts the entries of v.
func (v *View[Q, K, V]) Len(ctx context.Context) (int, error) {
	it := v.Entries(ctx)
	defer it.Close()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}

func (v *View[Q, K, V]) ContainsKey(ctx context.Context, q Q) (bool, error) {
	e, err := v.Get(ctx, q)
	return e != nil, err
}

// Get returns the entry under q, or nil. On an index view it is the first
// entry with that index key.
func (v *View[Q, K, V]) Get(ctx context.Context, q Q) (*Entry[K, V], error) {
	key, err := v.encode(q)
	if err != nil {
		return nil, err
	}
	l, err := readOp(ctx, v.run, "get", func(txn *storage.Txn) (located, error) {
		return v.exact(txn, key)
	})
	if err != nil {
		return nil, err
	}
	return v.entryOf(l), nil
}

// Put stores val under k, which must lie inside v. Index views are read
// only.
func (v *View[Q, K, V]) Put(ctx context.Context, k K, val V) (V, bool, error) {
	var zero V
	if v.index {
		return zero, false, ErrUnsupported
	}
	key, err := v.store.encodeKey(k)
	if err != nil {
		return zero, false, err
	}
	if !v.window().contains(key) {
		return zero, false, invalidRange("key outside the view")
	}
	raw, err := v.store.encodeValue(ctx, val)
	if err != nil {
		return zero, false, err
	}
	return v.store.putRaw(ctx, key, raw)
}

// PollFirstEntry removes and returns the first entry, or nil.
func (v *View[Q, K, V]) PollFirstEntry(ctx context.Context) (*Entry[K, V], error) {
	return v.poll(ctx, SearchFirst)
}

// PollLastEntry removes and returns the last entry, or nil.
func (v *View[Q, K, V]) PollLastEntry(ctx context.Context) (*Entry[K, V], error) {
	return v.poll(ctx, SearchLast)
}

// poll finds the boundary entry and removes its primary record in one
// transaction, so the record cannot change in between.
func (v *View[Q, K, V]) poll(ctx context.Context, t SearchType) (*Entry[K, V], error) {
	l, err := writeOp(ctx, v.run, "poll_"+t.String(), func(txn *storage.Txn) (located, error) {
		l, err := v.locate(txn, t, nil)
		if err != nil || !l.ok {
			return l, err
		}
		pk := l.rec.Key
		if v.index {
			pk = l.rec.PrimaryKey
		}
		_, _, err = v.store.db.Delete(txn, pk)
		return l, err
	})
	if err != nil {
		return nil, err
	}
	return v.entryOf(l), nil
}

// Remove deletes the entry under q and returns it, or nil when q is absent
// or outside v. On an index view every entry with index key q is removed
// and the first one is returned.
func (v *View[Q, K, V]) Remove(ctx context.Context, q Q) (*Entry[K, V], error) {
	key, err := v.encode(q)
	if err != nil {
		return nil, err
	}
	l, err := writeOp(ctx, v.run, "remove", func(txn *storage.Txn) (located, error) {
		l, err := v.exact(txn, key)
		if err != nil || !l.ok {
			return l, err
		}
		_, _, err = v.db.Delete(txn, l.rec.Key)
		return l, err
	})
	if err != nil {
		return nil, err
	}
	return v.entryOf(l), nil
}

// FastRemove is Remove without reading the removed entry back.
func (v *View[Q, K, V]) FastRemove(ctx context.Context, q Q) (bool, error) {
	key, err := v.encode(q)
	if err != nil {
		return false, err
	}
	if !v.window().contains(key) {
		return false, nil
	}
	return writeOp(ctx, v.run, "fast_remove", func(txn *storage.Txn) (bool, error) {
		_, existed, err := v.db.Delete(txn, key)
		return existed, err
	})
}
