// Package store layers typed, lazily decoded, range-queryable maps over
// the storage engine.
//
// A Store maps keys to values through codecs. Indices derive a secondary
// key from each value and are maintained by the engine inside the same
// transaction as the store write. Views are bounded, directional windows
// over a store or an index.
//
// Every operation takes a context. When a transaction is bound with
// WithTxn, operations run inside it and a lock conflict is returned as a
// ConflictError. Otherwise each operation is atomic on its own and is
// retried with backoff until it succeeds or ctx ends.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/myuser/typedkv/internal/codec"
	"github.com/myuser/typedkv/internal/storage"
)

type Config[K, V any] struct {
	Name   string
	Keys   codec.Codec[K]
	Values codec.Codec[V]
	// Compare orders decoded keys. Nil orders by encoded bytes, which
	// needs an order-preserving key codec.
	Compare func(a, b K) int
	// KeyVersion is the fixed version keys are encoded with.
	KeyVersion codec.Version
	Retry      RetryPolicy
}

type Store[K, V any] struct {
	env        *storage.Env
	db         *storage.Database
	name       string
	keys       codec.Codec[K]
	values     codec.Codec[V]
	keyVersion codec.Version
	run        runner

	view *View[K, K, V]

	mu      sync.Mutex
	indices map[string]func() error
	closed  bool
}

func Open[K, V any](ctx context.Context, env *storage.Env, cfg Config[K, V]) (*Store[K, V], error) {
	if cfg.Name == "" || cfg.Keys == nil || cfg.Values == nil {
		return nil, errors.New("store: name, key codec and value codec are required")
	}
	if cfg.KeyVersion == 0 {
		cfg.KeyVersion = codec.DefaultVersion
	}

	db, err := env.OpenDatabase(cfg.Name, storage.DatabaseConfig{
		Compare: rawCompare(cfg.Keys, cfg.KeyVersion, cfg.Compare),
	})
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", cfg.Name, err)
	}

	s := &Store[K, V]{
		env:        env,
		db:         db,
		name:       cfg.Name,
		keys:       cfg.Keys,
		values:     cfg.Values,
		keyVersion: cfg.KeyVersion,
		run:        runner{env: env, policy: cfg.Retry, name: cfg.Name},
		indices:    make(map[string]func() error),
	}
	s.view = &View[K, K, V]{
		store:  s,
		db:     db,
		encode: s.encodeKey,
		decode: s.decodeKey,
		run:    s.run,
	}
	logger(ctx).Debug().Str("store", cfg.Name).Msg("store opened")
	return s, nil
}

// rawCompare lifts an ordering over decoded values to encoded bytes.
// Bytes that fail to decode fall back to byte order.
func rawCompare[T any](c codec.Codec[T], version codec.Version, cmp func(a, b T) int) func(a, b []byte) int {
	if cmp == nil {
		return nil
	}
	return func(a, b []byte) int {
		x, err := c.Decode(a, version)
		if err != nil {
			return bytes.Compare(a, b)
		}
		y, err := c.Decode(b, version)
		if err != nil {
			return bytes.Compare(a, b)
		}
		return cmp(x, y)
	}
}

func (s *Store[K, V]) Name() string { return s.name }

func (s *Store[K, V]) encodeKey(k K) ([]byte, error) {
	return s.keys.Encode(k, s.keyVersion)
}

func (s *Store[K, V]) decodeKey(b []byte) (K, error) {
	return s.keys.Decode(b, s.keyVersion)
}

// Values are stored as uint16(version) | encoded value so any reader can
// decode them regardless of the version it writes with.
func (s *Store[K, V]) encodeValue(ctx context.Context, v V) ([]byte, error) {
	ver := EncodingVersion(ctx)
	b, err := s.values.Encode(v, ver)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(buf, uint16(ver))
	copy(buf[2:], b)
	return buf, nil
}

func (s *Store[K, V]) decodeValue(raw []byte) (V, error) {
	if len(raw) < 2 {
		var zero V
		return zero, &codec.Error{Op: "decode", Type: "value frame", Err: codec.ErrInvalidLength}
	}
	return s.values.Decode(raw[2:], codec.Version(binary.BigEndian.Uint16(raw)))
}

// valuePayload strips the version frame.
func valuePayload(raw []byte) ([]byte, codec.Version, bool) {
	if len(raw) < 2 {
		return nil, 0, false
	}
	return raw[2:], codec.Version(binary.BigEndian.Uint16(raw)), true
}

// Put stores v under k and returns the previous value, if any. Every
// attached index is updated in the same transaction.
func (s *Store[K, V]) Put(ctx context.Context, k K, v V) (V, bool, error) {
	var zero V
	rawKey, err := s.encodeKey(k)
	if err != nil {
		return zero, false, err
	}
	raw, err := s.encodeValue(ctx, v)
	if err != nil {
		return zero, false, err
	}
	return s.putRaw(ctx, rawKey, raw)
}

type prevValue[V any] struct {
	v       V
	existed bool
}

func (s *Store[K, V]) putRaw(ctx context.Context, rawKey, raw []byte) (V, bool, error) {
	res, err := writeOp(ctx, s.run, "put", func(txn *storage.Txn) (prevValue[V], error) {
		prev, existed, err := s.db.Put(txn, rawKey, raw)
		if err != nil || !existed {
			return prevValue[V]{}, err
		}
		v, err := s.decodeValue(prev)
		return prevValue[V]{v: v, existed: true}, err
	})
	return res.v, res.existed, err
}

func (s *Store[K, V]) Get(ctx context.Context, k K) (V, bool, error) {
	var zero V
	e, err := s.GetEntry(ctx, k)
	if err != nil || e == nil {
		return zero, false, err
	}
	v, err := e.Value()
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}

// GetEntry returns the entry for k, or nil if there is none.
func (s *Store[K, V]) GetEntry(ctx context.Context, k K) (*Entry[K, V], error) {
	rawKey, err := s.encodeKey(k)
	if err != nil {
		return nil, err
	}
	return readOp(ctx, s.run, "get", func(txn *storage.Txn) (*Entry[K, V], error) {
		raw, ok, err := s.db.Get(txn, rawKey)
		if err != nil || !ok {
			return nil, err
		}
		return newEntry(s, rawKey, raw), nil
	})
}

func (s *Store[K, V]) ContainsKey(ctx context.Context, k K) (bool, error) {
	e, err := s.GetEntry(ctx, k)
	return e != nil, err
}

// Remove deletes k and returns the removed value.
func (s *Store[K, V]) Remove(ctx context.Context, k K) (V, bool, error) {
	rawKey, err := s.encodeKey(k)
	if err != nil {
		var zero V
		return zero, false, err
	}
	res, err := writeOp(ctx, s.run, "remove", func(txn *storage.Txn) (prevValue[V], error) {
		prev, existed, err := s.db.Delete(txn, rawKey)
		if err != nil || !existed {
			return prevValue[V]{}, err
		}
		v, err := s.decodeValue(prev)
		return prevValue[V]{v: v, existed: true}, err
	})
	return res.v, res.existed, err
}

func (s *Store[K, V]) Len(ctx context.Context) (int, error) {
	return readOp(ctx, s.run, "len", func(txn *storage.Txn) (int, error) {
		return s.db.Len(txn)
	})
}

// Entries iterates the whole store in key order.
func (s *Store[K, V]) Entries(ctx context.Context) *Iterator[K, V] {
	return s.view.Entries(ctx)
}

// View returns the unbounded ascending view of the store.
func (s *Store[K, V]) View() *View[K, K, V] { return s.view }

func (s *Store[K, V]) HeadMap(to K, inclusive bool) (*View[K, K, V], error) {
	return s.view.HeadMap(to, inclusive)
}

func (s *Store[K, V]) TailMap(from K, inclusive bool) (*View[K, K, V], error) {
	return s.view.TailMap(from, inclusive)
}

func (s *Store[K, V]) SubMap(from K, fromInclusive bool, to K, toInclusive bool) (*View[K, K, V], error) {
	return s.view.SubMap(from, fromInclusive, to, toInclusive)
}

func (s *Store[K, V]) DescendingMap() *View[K, K, V] {
	return s.view.DescendingMap()
}

func (s *Store[K, V]) register(name string, closeFn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store %q: %w", s.name, storage.ErrClosed)
	}
	if _, ok := s.indices[name]; ok {
		return fmt.Errorf("index %q: %w", name, storage.ErrExists)
	}
	s.indices[name] = closeFn
	return nil
}

func (s *Store[K, V]) unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indices, name)
}

// Close closes the store and every attached index.
func (s *Store[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, closeFn := range s.indices {
		if err := closeFn(); err != nil {
			errs = append(errs, fmt.Errorf("close index %q: %w", name, err))
		}
	}
	s.indices = nil
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
