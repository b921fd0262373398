package store

import (
	"context"
	"fmt"

	"github.com/myuser/typedkv/internal/storage"
)

type moveFunc func(c *storage.Cursor) (storage.Record, bool, error)

// Iterator walks entries through one cursor. It holds the cursor until it
// is exhausted or closed; call Close when stopping early. Entries from index
// iterators are primary entries.
type Iterator[K, V any] struct {
	ctx   context.Context
	store *Store[K, V]
	db    *storage.Database
	run   runner
	index bool

	start  moveFunc
	next   moveFunc
	accept func(key []byte) bool

	cursor  *storage.Cursor
	started bool
	done    bool
	rec     storage.Record
	entry   *Entry[K, V]
	err     error
}

func newIterator[K, V any](ctx context.Context, s *Store[K, V], db *storage.Database, run runner, index bool) *Iterator[K, V] {
	return &Iterator[K, V]{ctx: ctx, store: s, db: db, run: run, index: index}
}

func failedIterator[K, V any](err error) *Iterator[K, V] {
	return &Iterator[K, V]{done: true, err: err}
}

func (it *Iterator[K, V]) Next() bool {
	if it.done {
		return false
	}
	if it.cursor == nil {
		c, err := readOp(it.ctx, it.run, string(storage.OpCursor), func(txn *storage.Txn) (*storage.Cursor, error) {
			return it.db.Cursor(txn)
		})
		if err != nil {
			it.fail(err)
			return false
		}
		it.cursor = c
	}

	move := it.next
	if !it.started {
		move = it.start
	}
	rec, ok, err := step(it.ctx, it.run, "iterate", func() (storage.Record, bool, error) {
		return move(it.cursor)
	})
	if err != nil {
		it.fail(err)
		return false
	}
	it.started = true
	if !ok || (it.accept != nil && !it.accept(rec.Key)) {
		it.finish()
		return false
	}

	it.rec = rec
	if it.index {
		it.entry = newEntry(it.store, rec.PrimaryKey, rec.Data)
	} else {
		it.entry = newEntry(it.store, rec.Key, rec.Data)
		it.entry.iter = it
	}
	return true
}

// Entry returns the entry Next moved to.
func (it *Iterator[K, V]) Entry() *Entry[K, V] { return it.entry }

// Err returns the error that ended iteration, if any.
func (it *Iterator[K, V]) Err() error { return it.err }

func (it *Iterator[K, V]) Close() error {
	it.finish()
	return nil
}

// Remove deletes the current entry. On an index iterator the primary
// record goes, and with it every index record pointing at it.
func (it *Iterator[K, V]) Remove() error {
	if it.cursor == nil || it.entry == nil {
		return fmt.Errorf("%w: iterator has no current entry", ErrNoSuchElement)
	}
	_, err := readOp(it.ctx, it.run, "remove", func(*storage.Txn) (struct{}, error) {
		return struct{}{}, it.cursor.DeleteCurrent()
	})
	return err
}

func (it *Iterator[K, V]) putCurrent(raw []byte) error {
	_, err := readOp(it.ctx, it.run, "set_value", func(*storage.Txn) (struct{}, error) {
		return struct{}{}, it.cursor.PutCurrent(raw)
	})
	return err
}

// rawKey is the engine key of the current record: the index key on index
// iterators.
func (it *Iterator[K, V]) rawKey() []byte { return it.rec.Key }

func (it *Iterator[K, V]) fail(err error) {
	it.err = err
	it.finish()
}

func (it *Iterator[K, V]) finish() {
	if it.cursor != nil {
		_ = it.cursor.Close()
		it.cursor = nil
	}
	it.done = true
}
