package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/typedkv/internal/metrics"
	"github.com/myuser/typedkv/internal/storage"
	"github.com/myuser/typedkv/internal/store"
)

func newCatalog(t *testing.T, encoding string) *Catalog {
	t.Helper()
	env, err := storage.Open(storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })

	c := NewCatalog(env, store.RetryPolicy{})
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.CreateTable(context.Background(), TableConfig{
		Name:     "docs",
		Encoding: encoding,
		Indexes: []FieldIndex{
			{Field: "color", Ordered: true},
			{Field: "shape"},
		},
	})
	require.NoError(t, err)

	run(t, c, `INSERT INTO docs (id, doc) VALUES
		('a', '{"color":"red","shape":"round"}'),
		('b', '{"color":"blue","shape":"square"}'),
		('c', '{"color":"red","shape":"square"}'),
		('d', '{"color":"green"}'),
		('e', '{"color":"yellow","shape":"round"}')`)
	return c
}

func run(t *testing.T, c *Catalog, sql string) []Row {
	t.Helper()
	rows, err := Run(context.Background(), sql, c)
	require.NoError(t, err, sql)
	return rows
}

func ids(rows []Row) []string {
	out := []string{}
	for _, r := range rows {
		out = append(out, r[0])
	}
	return out
}

func TestExecuteSelect(t *testing.T) {
	tests := []struct {
		sql  string
		want []string
	}{
		{"SELECT id FROM docs", []string{"a", "b", "c", "d", "e"}},
		{"SELECT id FROM docs WHERE id = 'c'", []string{"c"}},
		{"SELECT id FROM docs WHERE id = 'zz'", []string{}},
		{"SELECT id FROM docs WHERE id > 'b' AND id <= 'd'", []string{"c", "d"}},
		{"SELECT id FROM docs WHERE id BETWEEN 'b' AND 'd' ORDER BY id DESC", []string{"d", "c", "b"}},
		{"SELECT id FROM docs ORDER BY id DESC LIMIT 2", []string{"e", "d"}},
		{"SELECT id FROM docs WHERE id > 'd' AND id < 'b'", []string{}},
		{"SELECT id FROM docs WHERE color = 'red'", []string{"a", "c"}},
		{"SELECT id FROM docs WHERE color = 'red' LIMIT 1", []string{"a"}},
		{"SELECT id FROM docs WHERE color = 'red' ORDER BY color DESC", []string{"c", "a"}},
		{"SELECT id FROM docs WHERE color >= 'green'", []string{"d", "a", "c", "e"}},
		{"SELECT id FROM docs ORDER BY color", []string{"b", "d", "a", "c", "e"}},
		{"SELECT id FROM docs WHERE shape = 'square'", []string{"b", "c"}},
	}

	c := newCatalog(t, EncodingJSON)
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(run(t, c, tt.sql)))
		})
	}
}

func TestExecuteProjection(t *testing.T) {
	for _, enc := range []string{EncodingJSON, EncodingCBOR} {
		t.Run(enc, func(t *testing.T) {
			c := newCatalog(t, enc)
			rows := run(t, c, "SELECT id, color, shape FROM docs WHERE id = 'd'")
			assert.Equal(t, []Row{{"d", "green", ""}}, rows)

			rows = run(t, c, "SELECT * FROM docs WHERE id = 'a'")
			require.Len(t, rows, 1)
			assert.Equal(t, "a", rows[0][0])
			assert.JSONEq(t, `{"color":"red","shape":"round"}`, rows[0][1])
		})
	}
}

func TestExecuteWrites(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		deleted string
		left    []string
	}{
		{"by key", "DELETE FROM docs WHERE id = 'b'", "1", []string{"a", "c", "d", "e"}},
		{"missing key", "DELETE FROM docs WHERE id = 'x'", "0", []string{"a", "b", "c", "d", "e"}},
		{"key range", "DELETE FROM docs WHERE id >= 'b' AND id < 'e'", "3", []string{"a", "e"}},
		{"ordered field", "DELETE FROM docs WHERE color = 'red'", "2", []string{"b", "d", "e"}},
		{"unordered field", "DELETE FROM docs WHERE shape = 'round'", "2", []string{"b", "c", "d"}},
		{"field range", "DELETE FROM docs WHERE color < 'red'", "2", []string{"a", "c", "e"}},
		{"everything", "DELETE FROM docs", "5", []string{}},
		{"limited key range", "DELETE FROM docs WHERE id >= 'a' LIMIT 1", "1", []string{"b", "c", "d", "e"}},
		{"limit past the matches", "DELETE FROM docs WHERE id > 'c' LIMIT 10", "2", []string{"a", "b", "c"}},
		{"descending limit", "DELETE FROM docs ORDER BY id DESC LIMIT 2", "2", []string{"a", "b", "c"}},
		{"limited duplicates", "DELETE FROM docs WHERE shape = 'round' LIMIT 1", "1", []string{"b", "c", "d", "e"}},
		{"descending field range", "DELETE FROM docs WHERE color < 'red' ORDER BY color DESC LIMIT 1", "1", []string{"a", "b", "c", "e"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCatalog(t, EncodingJSON)
			rows := run(t, c, tt.sql)
			assert.Equal(t, []Row{{"deleted", tt.deleted}}, rows)
			assert.Equal(t, tt.left, ids(run(t, c, "SELECT id FROM docs")))
		})
	}
}

func TestExecuteMaintainsIndexes(t *testing.T) {
	c := newCatalog(t, EncodingJSON)
	before := metrics.Get(metrics.QueryInsert)

	rows := run(t, c, `INSERT INTO docs VALUES ('c', '{"color":"blue"}')`)
	assert.Equal(t, []Row{{"inserted", "1"}}, rows)
	assert.Equal(t, before+1, metrics.Get(metrics.QueryInsert))

	assert.Equal(t, []string{"a"}, ids(run(t, c, "SELECT id FROM docs WHERE color = 'red'")))
	assert.Equal(t, []string{"b", "c"}, ids(run(t, c, "SELECT id FROM docs WHERE color = 'blue'")))
	assert.Equal(t, []string{"b"}, ids(run(t, c, "SELECT id FROM docs WHERE shape = 'square'")))
}

func TestExecuteErrors(t *testing.T) {
	c := newCatalog(t, EncodingJSON)
	ctx := context.Background()

	tests := []struct {
		name string
		sql  string
		err  error
	}{
		{"unknown table", "SELECT * FROM nope", ErrUnknownTable},
		{"unindexed field", "SELECT * FROM docs WHERE size = '1'", ErrUnsupported},
		{"range on unordered index", "SELECT * FROM docs WHERE shape > 'a'", store.ErrUnsupported},
		{"insert into unknown table", `INSERT INTO nope VALUES ('a', '{}')`, ErrUnknownTable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Run(ctx, tt.sql, c)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := c.CreateTable(ctx, TableConfig{Name: "docs"})
	assert.ErrorIs(t, err, storage.ErrExists)
	_, err = c.CreateTable(ctx, TableConfig{Name: "other", Encoding: "xml"})
	assert.Error(t, err)
	assert.Equal(t, []string{"docs"}, c.Tables())
}
