package store

import (
	"context"
	"fmt"
	"reflect"
)

// Entry is a key/value pair read from a Store. Key and value are decoded
// on first access and cached. An Entry is not safe for concurrent use.
type Entry[K, V any] struct {
	store    *Store[K, V]
	rawKey   []byte
	rawValue []byte

	key      K
	keyErr   error
	keyDone  bool
	value    V
	valueErr error
	valDone  bool

	// iter is the live store iterator that produced the entry, if any.
	iter *Iterator[K, V]
}

func newEntry[K, V any](s *Store[K, V], rawKey, rawValue []byte) *Entry[K, V] {
	return &Entry[K, V]{store: s, rawKey: rawKey, rawValue: rawValue}
}

func (e *Entry[K, V]) Key() (K, error) {
	if !e.keyDone {
		e.key, e.keyErr = e.store.decodeKey(e.rawKey)
		e.keyDone = true
	}
	return e.key, e.keyErr
}

func (e *Entry[K, V]) Value() (V, error) {
	if !e.valDone {
		e.value, e.valueErr = e.store.decodeValue(e.rawValue)
		e.valDone = true
	}
	return e.value, e.valueErr
}

// RawKey returns the encoded primary key.
func (e *Entry[K, V]) RawKey() []byte { return e.rawKey }

// SetValue writes v through to the store and returns the previous value.
// Entries produced by a live store iterator write through its cursor.
func (e *Entry[K, V]) SetValue(ctx context.Context, v V) (V, error) {
	var zero V
	old, err := e.Value()
	if err != nil {
		return zero, err
	}
	raw, err := e.store.encodeValue(ctx, v)
	if err != nil {
		return zero, err
	}

	if it := e.iter; it != nil && it.entry == e && it.cursor != nil {
		err = it.putCurrent(raw)
	} else {
		_, _, err = e.store.putRaw(ctx, e.rawKey, raw)
	}
	if err != nil {
		return zero, err
	}
	e.rawValue = raw
	e.value, e.valueErr, e.valDone = v, nil, true
	return old, nil
}

// Equal compares decoded keys and values.
func (e *Entry[K, V]) Equal(other *Entry[K, V]) (bool, error) {
	if other == nil {
		return false, nil
	}
	k1, err := e.Key()
	if err != nil {
		return false, err
	}
	k2, err := other.Key()
	if err != nil {
		return false, err
	}
	v1, err := e.Value()
	if err != nil {
		return false, err
	}
	v2, err := other.Value()
	if err != nil {
		return false, err
	}
	return reflect.DeepEqual(k1, k2) && reflect.DeepEqual(v1, v2), nil
}

func (e *Entry[K, V]) String() string {
	k, err := e.Key()
	if err != nil {
		return fmt.Sprintf("%x=<%v>", e.rawKey, err)
	}
	v, err := e.Value()
	if err != nil {
		return fmt.Sprintf("%v=<%v>", k, err)
	}
	return fmt.Sprintf("%v=%v", k, v)
}
