package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myuser/typedkv/internal/codec"
	"github.com/myuser/typedkv/internal/storage"
)

// faults injects conflicts into chosen engine operations.
type faults struct {
	mu        sync.Mutex
	op        storage.Op
	db        string
	remaining int
	always    bool
}

func (f *faults) inject(op storage.Op, db string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.op, f.db, f.remaining, f.always = op, db, n, false
}

func (f *faults) forever(op storage.Op, db string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.op, f.db, f.always = op, db, true
}

func (f *faults) intercept(op storage.Op, db string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if op != f.op || (f.db != "" && db != f.db) {
		return nil
	}
	if f.always {
		return storage.ErrConflict
	}
	if f.remaining > 0 {
		f.remaining--
		return storage.ErrConflict
	}
	return nil
}

func (f *faults) left() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining
}

type fixture struct {
	env    *storage.Env
	store  *Store[int64, string]
	faults *faults
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &faults{}
	env, err := storage.Open(storage.Options{Interceptor: f.intercept})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	s, err := Open(context.Background(), env, Config[int64, string]{
		Name:   "nums",
		Keys:   codec.Int64{},
		Values: codec.String{},
	})
	require.NoError(t, err)
	return &fixture{env: env, store: s, faults: f}
}

func (fx *fixture) fill(t *testing.T, keys ...int64) {
	t.Helper()
	for _, k := range keys {
		_, _, err := fx.store.Put(context.Background(), k, "v")
		require.NoError(t, err)
	}
}

func (fx *fixture) category(t *testing.T) *Index[string, int64, string] {
	t.Helper()
	idx, err := OpenIndex(context.Background(), fx.store, IndexConfig[string, int64, string]{
		Name:    "category",
		Keys:    codec.String{},
		Extract: func(v string) (string, bool) { return v, v != "" },
		Compare: compareStrings,
	})
	require.NoError(t, err)
	return idx
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func seq(from, to int64) []int64 {
	var out []int64
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}

func keysOf[Q any](t *testing.T, v *View[Q, int64, string]) []int64 {
	t.Helper()
	var out []int64
	for e, err := range v.All(context.Background()) {
		require.NoError(t, err)
		k, err := e.Key()
		require.NoError(t, err)
		out = append(out, k)
	}
	return out
}

func iterKeys(t *testing.T, it *Iterator[int64, string]) []int64 {
	t.Helper()
	defer it.Close()
	var out []int64
	for it.Next() {
		k, err := it.Entry().Key()
		require.NoError(t, err)
		out = append(out, k)
	}
	require.NoError(t, it.Err())
	return out
}

func entryKey(t *testing.T, e *Entry[int64, string]) int64 {
	t.Helper()
	require.NotNil(t, e)
	k, err := e.Key()
	require.NoError(t, err)
	return k
}
