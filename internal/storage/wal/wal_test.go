package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/typedkv/internal/storage"
)

func TestWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_wal.log")

	w, err := Open(path)
	require.NoError(t, err)

	entries := [][]byte{
		[]byte("entry1"),
		[]byte("entry2-longer"),
		[]byte("entry3"),
	}
	for _, e := range entries {
		require.NoError(t, w.Append(e))
	}
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append([]byte("x")), ErrClosed)

	w2, err := Open(path)
	require.NoError(t, err)
	defer w2.Close()

	var read [][]byte
	require.NoError(t, w2.Iterate(func(data []byte) error {
		read = append(read, data)
		return nil
	}))
	assert.Equal(t, entries, read)
}

func TestCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.log")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("payload")))
	require.NoError(t, w.Append([]byte("after")))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[5] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))

	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()
	err = w.Iterate(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), info.Size(), "a corrupt record before the tail is not truncated")
}

func TestTornTail(t *testing.T) {
	entries := [][]byte{[]byte("entry1"), []byte("entry2-longer")}
	good := int64(0)
	for _, e := range entries {
		good += int64(4 + len(e) + 4)
	}

	tests := []struct {
		name string
		tail func(record []byte) []byte
	}{
		{"partial length", func(record []byte) []byte { return record[:2] }},
		{"partial data", func(record []byte) []byte { return record[:7] }},
		{"partial checksum", func(record []byte) []byte { return record[:len(record)-1] }},
		{"bad checksum", func(record []byte) []byte {
			record[len(record)-1] ^= 0xFF
			return record
		}},
		{"oversized length", func([]byte) []byte { return []byte{0xFF, 0xFF, 0xFF, 0xFF, 'x', 'y', 'z', 'w'} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "torn.log")
			w, err := Open(path)
			require.NoError(t, err)
			for _, e := range entries {
				require.NoError(t, w.Append(e))
			}
			require.NoError(t, w.Append([]byte("lost")))
			require.NoError(t, w.Close())

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			raw = append(raw[:good:good], tt.tail(append([]byte{}, raw[good:]...))...)
			require.NoError(t, os.WriteFile(path, raw, 0644))

			w, err = Open(path)
			require.NoError(t, err)
			defer w.Close()
			var read [][]byte
			require.NoError(t, w.Iterate(func(data []byte) error {
				read = append(read, data)
				return nil
			}))
			assert.Equal(t, entries, read)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, good, info.Size())

			require.NoError(t, w.Append([]byte("entry3")))
			read = nil
			require.NoError(t, w.Iterate(func(data []byte) error {
				read = append(read, data)
				return nil
			}))
			assert.Equal(t, append(entries, []byte("entry3")), read)
		})
	}
}

func TestTornTailOnLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.log")
	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.Apply([]storage.Mutation{{Database: "docs", Key: []byte("a"), Value: []byte("1")}}))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 40, '{', '"'})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = Open(path)
	require.NoError(t, err)
	env, err := storage.Open(storage.Options{Persister: w})
	require.NoError(t, err)
	defer env.Close()
	db, err := env.OpenDatabase("docs", storage.DatabaseConfig{})
	require.NoError(t, err)
	v, ok, err := db.Get(nil, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)
}

func load(t *testing.T, w *WAL) []storage.Mutation {
	t.Helper()
	var out []storage.Mutation
	require.NoError(t, w.Load(func(m storage.Mutation) error {
		out = append(out, m)
		return nil
	}))
	return out
}

func TestPersister(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commits.log")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Apply([]storage.Mutation{
		{Database: "docs", Key: []byte("a"), Value: []byte("1")},
		{Database: "docs", Key: []byte("b"), Value: []byte("2")},
	}))
	require.NoError(t, w.Apply([]storage.Mutation{
		{Database: "docs", Key: []byte("a"), Delete: true},
		{Database: "docs", Key: []byte("b"), Value: []byte("3")},
		{Database: "idx", Key: []byte("s"), Value: []byte{}},
	}))

	want := []storage.Mutation{
		{Database: "docs", Key: []byte("b"), Value: []byte("3")},
		{Database: "idx", Key: []byte("s"), Value: []byte{}},
	}
	assert.Equal(t, want, load(t, w))

	before, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, w.Compact())
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Less(t, after.Size(), before.Size())
	assert.Equal(t, want, load(t, w))

	require.NoError(t, w.Apply([]storage.Mutation{{Database: "docs", Key: []byte("c"), Value: []byte("4")}}))
	assert.Len(t, load(t, w), 3)

	require.NoError(t, w.Close())
	_, err = os.Stat(path + ".compact")
	assert.True(t, os.IsNotExist(err))
	w, err = Open(path)
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, load(t, w), 3)
}

func TestEnvSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.log")
	creator := storage.KeyCreatorFunc(func(_, data []byte) ([]byte, bool, error) {
		return data, true, nil
	})

	w, err := Open(path)
	require.NoError(t, err)
	env, err := storage.Open(storage.Options{Persister: w})
	require.NoError(t, err)
	db, err := env.OpenDatabase("main", storage.DatabaseConfig{})
	require.NoError(t, err)
	_, err = env.OpenSecondary("idx", db, storage.SecondaryConfig{KeyCreator: creator, AllowPopulate: true})
	require.NoError(t, err)
	_, _, err = db.Put(nil, []byte("k1"), []byte("x"))
	require.NoError(t, err)
	_, _, err = db.Put(nil, []byte("k2"), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, env.Close())

	w, err = Open(path)
	require.NoError(t, err)
	env, err = storage.Open(storage.Options{Persister: w})
	require.NoError(t, err)
	db, err = env.OpenDatabase("main", storage.DatabaseConfig{})
	require.NoError(t, err)
	_, _, err = db.Put(nil, []byte("k3"), []byte("x"))
	require.NoError(t, err)
	_, _, err = db.Put(nil, []byte("k1"), []byte("y"))
	require.NoError(t, err)
	require.NoError(t, env.Close())

	w, err = Open(path)
	require.NoError(t, err)
	env, err = storage.Open(storage.Options{Persister: w})
	require.NoError(t, err)
	defer env.Close()
	db, err = env.OpenDatabase("main", storage.DatabaseConfig{})
	require.NoError(t, err)
	idx, err := env.OpenSecondary("idx", db, storage.SecondaryConfig{KeyCreator: creator, AllowPopulate: true})
	require.NoError(t, err)
	assert.True(t, idx.Populated())

	c, err := idx.Cursor(nil)
	require.NoError(t, err)
	defer c.Close()
	rec, ok, err := c.SeekGE([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("k2"), rec.PrimaryKey)
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	rec, ok, err = c.SeekGE([]byte("y"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("k1"), rec.PrimaryKey)
}
