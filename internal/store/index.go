package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/myuser/typedkv/internal/codec"
	"github.com/myuser/typedkv/internal/storage"
)

type IndexConfig[IK, K, V any] struct {
	Name string
	Keys codec.Codec[IK]
	// Extract derives the index key of a value; false means the value is
	// not indexed.
	Extract func(V) (IK, bool)
	// Compare orders index keys. Range views need it.
	Compare func(a, b IK) int
	// MarshalKey derives the encoded index key straight from the encoded
	// primary key and value payload, skipping the value decode.
	MarshalKey func(rawKey, rawValue []byte) ([]byte, bool, error)
}

// Index is a secondary ordered multimap from index key to store entries,
// kept in step with its store by the engine.
type Index[IK, K, V any] struct {
	store   *Store[K, V]
	db      *storage.Database
	name    string
	keys    codec.Codec[IK]
	extract func(V) (IK, bool)
	compare func(a, b IK) int
	marshal func(rawKey, rawValue []byte) ([]byte, bool, error)
	run     runner
}

// OpenIndex attaches an index to s. An index created for the first time is
// populated from the current store contents.
func OpenIndex[IK, K, V any](ctx context.Context, s *Store[K, V], cfg IndexConfig[IK, K, V]) (*Index[IK, K, V], error) {
	if cfg.Name == "" || cfg.Keys == nil || (cfg.Extract == nil && cfg.MarshalKey == nil) {
		return nil, errors.New("store: index name, key codec and extractor are required")
	}

	idx := &Index[IK, K, V]{
		store:   s,
		name:    cfg.Name,
		keys:    cfg.Keys,
		extract: cfg.Extract,
		compare: cfg.Compare,
		marshal: cfg.MarshalKey,
		run:     runner{env: s.env, policy: s.run.policy, name: cfg.Name},
	}
	if err := s.register(cfg.Name, idx.close); err != nil {
		return nil, err
	}

	db, err := readOp(ctx, idx.run, "open_index", func(*storage.Txn) (*storage.Database, error) {
		return s.env.OpenSecondary(cfg.Name, s.db, storage.SecondaryConfig{
			Compare:       rawCompare(cfg.Keys, s.keyVersion, cfg.Compare),
			KeyCreator:    storage.KeyCreatorFunc(idx.MarshalKey),
			AllowPopulate: true,
		})
	})
	if err != nil {
		s.unregister(cfg.Name)
		return nil, fmt.Errorf("open index %q: %w", cfg.Name, err)
	}
	idx.db = db
	logger(ctx).Debug().
		Str("store", s.name).
		Str("index", cfg.Name).
		Bool("populated", db.Populated()).
		Msg("index attached")
	return idx, nil
}

func (x *Index[IK, K, V]) Name() string { return x.name }

// Populated reports whether attaching the index ran a population pass.
func (x *Index[IK, K, V]) Populated() bool { return x.db.Populated() }

func (x *Index[IK, K, V]) encodeKey(k IK) ([]byte, error) {
	return x.keys.Encode(k, x.store.keyVersion)
}

func (x *Index[IK, K, V]) decodeKey(b []byte) (IK, error) {
	return x.keys.Decode(b, x.store.keyVersion)
}

// MarshalKey derives the encoded index key of a stored record. It uses
// IndexConfig.MarshalKey when set, and otherwise decodes the value and
// extracts from it.
func (x *Index[IK, K, V]) MarshalKey(rawKey, rawValue []byte) ([]byte, bool, error) {
	if x.marshal != nil {
		payload, _, ok := valuePayload(rawValue)
		if !ok {
			return nil, false, &codec.Error{Op: "decode", Type: "value frame", Err: codec.ErrInvalidLength}
		}
		return x.marshal(rawKey, payload)
	}
	v, err := x.store.decodeValue(rawValue)
	if err != nil {
		return nil, false, err
	}
	ik, ok := x.extract(v)
	if !ok {
		return nil, false, nil
	}
	b, err := x.encodeKey(ik)
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Find iterates the entries whose index key equals ik. With
// onlyDuplicates false the iterator carries on through the rest of the
// index after the group.
func (x *Index[IK, K, V]) Find(ctx context.Context, ik IK, onlyDuplicates bool) *Iterator[K, V] {
	key, err := x.encodeKey(ik)
	if err != nil {
		return failedIterator[K, V](err)
	}
	it := newIterator(ctx, x.store, x.db, x.run, true)
	it.start = func(c *storage.Cursor) (storage.Record, bool, error) {
		rec, ok, err := c.SeekGE(key)
		if err != nil || !ok || x.db.Compare(rec.Key, key) != 0 {
			return storage.Record{}, false, err
		}
		return rec, true, nil
	}
	if onlyDuplicates {
		it.next = (*storage.Cursor).NextDup
	} else {
		it.next = (*storage.Cursor).Next
	}
	return it
}

// Count returns the number of entries with index key ik.
func (x *Index[IK, K, V]) Count(ctx context.Context, ik IK) (int, error) {
	key, err := x.encodeKey(ik)
	if err != nil {
		return 0, err
	}
	return readOp(ctx, x.run, "count", func(txn *storage.Txn) (int, error) {
		c, err := x.db.Cursor(txn)
		if err != nil {
			return 0, err
		}
		defer c.Close()

		rec, ok, err := c.SeekGE(key)
		if err != nil || !ok || x.db.Compare(rec.Key, key) != 0 {
			return 0, err
		}
		return c.Count()
	})
}

func (x *Index[IK, K, V]) ContainsKey(ctx context.Context, ik IK) (bool, error) {
	key, err := x.encodeKey(ik)
	if err != nil {
		return false, err
	}
	return readOp(ctx, x.run, "contains", func(txn *storage.Txn) (bool, error) {
		c, err := x.db.Cursor(txn)
		if err != nil {
			return false, err
		}
		defer c.Close()

		rec, ok, err := c.SeekGE(key)
		if err != nil || !ok {
			return false, err
		}
		return x.db.Compare(rec.Key, key) == 0, nil
	})
}

// CreateMap returns the unbounded ascending view of the index.
func (x *Index[IK, K, V]) CreateMap() (*View[IK, K, V], error) {
	if x.compare == nil {
		return nil, fmt.Errorf("%w: index %q has no ordering", ErrUnsupported, x.name)
	}
	return &View[IK, K, V]{
		store:  x.store,
		db:     x.db,
		encode: x.encodeKey,
		decode: x.decodeKey,
		run:    x.run,
		index:  true,
	}, nil
}

func (x *Index[IK, K, V]) HeadMap(to IK, inclusive bool) (*View[IK, K, V], error) {
	v, err := x.CreateMap()
	if err != nil {
		return nil, err
	}
	return v.HeadMap(to, inclusive)
}

func (x *Index[IK, K, V]) TailMap(from IK, inclusive bool) (*View[IK, K, V], error) {
	v, err := x.CreateMap()
	if err != nil {
		return nil, err
	}
	return v.TailMap(from, inclusive)
}

func (x *Index[IK, K, V]) SubMap(from IK, fromInclusive bool, to IK, toInclusive bool) (*View[IK, K, V], error) {
	v, err := x.CreateMap()
	if err != nil {
		return nil, err
	}
	return v.SubMap(from, fromInclusive, to, toInclusive)
}

// Detach removes the index and all its records. The store stops
// maintaining it.
func (x *Index[IK, K, V]) Detach(ctx context.Context) error {
	_, err := readOp(ctx, x.run, "detach", func(*storage.Txn) (struct{}, error) {
		return struct{}{}, x.store.env.RemoveDatabase(x.name)
	})
	if err != nil {
		return fmt.Errorf("detach index %q: %w", x.name, err)
	}
	x.store.unregister(x.name)
	return nil
}

// Close stops maintaining the index and keeps its records.
func (x *Index[IK, K, V]) Close() error {
	x.store.unregister(x.name)
	return x.close()
}

func (x *Index[IK, K, V]) close() error {
	if x.db == nil {
		return nil
	}
	return x.db.Close()
}
