package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelect(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want PlanNode
	}{
		{
			name: "point get",
			sql:  "SELECT * FROM docs WHERE id = 'a'",
			want: &PointGetNode{Table: "docs", Key: "a"},
		},
		{
			name: "full scan",
			sql:  "SELECT id FROM docs",
			want: &RangeScanNode{Table: "docs"},
		},
		{
			name: "key range tightened",
			sql:  "SELECT * FROM docs WHERE id >= 'b' AND id > 'b' AND id < 'x' AND id <= 'y'",
			want: &RangeScanNode{Table: "docs", Range: Range{From: &Bound{"b", false}, To: &Bound{"x", false}}},
		},
		{
			name: "between descending with limit",
			sql:  "SELECT * FROM docs WHERE id BETWEEN 'a' AND 'm' ORDER BY id DESC LIMIT 3",
			want: &RangeScanNode{Table: "docs", Range: Range{From: &Bound{"a", true}, To: &Bound{"m", true}}, Desc: true, Limit: 3},
		},
		{
			name: "field equality",
			sql:  "SELECT * FROM docs WHERE color = 'red'",
			want: &IndexScanNode{Table: "docs", Field: "color", Range: Range{From: &Bound{"red", true}, To: &Bound{"red", true}}},
		},
		{
			name: "order by field",
			sql:  "SELECT * FROM docs ORDER BY color DESC",
			want: &IndexScanNode{Table: "docs", Field: "color", Desc: true},
		},
		{
			name: "numeric literal",
			sql:  "SELECT * FROM docs WHERE size > 10",
			want: &IndexScanNode{Table: "docs", Field: "size", Range: Range{From: &Bound{"10", false}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParseToPlan(tt.sql)
			require.NoError(t, err)
			proj, ok := plan.(*ProjectNode)
			require.True(t, ok, "got %T", plan)
			assert.Equal(t, tt.want, proj.Input)
		})
	}
}

func TestParseProjection(t *testing.T) {
	plan, err := ParseToPlan("SELECT id, color FROM docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "color"}, plan.(*ProjectNode).Columns)

	plan, err = ParseToPlan("SELECT * FROM docs")
	require.NoError(t, err)
	assert.Equal(t, []string{KeyColumn, ValueColumn}, plan.(*ProjectNode).Columns)
	assert.Contains(t, explain(plan), "RangeScan(docs")
}

func TestParseInsert(t *testing.T) {
	plan, err := ParseToPlan(`INSERT INTO docs (doc, id) VALUES ('{"color":"red"}', 'a'), ('{"n":1}', 'b')`)
	require.NoError(t, err)

	ins, ok := plan.(*InsertNode)
	require.True(t, ok)
	assert.Equal(t, "docs", ins.Table)
	assert.Equal(t, []InsertRow{
		{Key: "a", Doc: Document{"color": "red"}},
		{Key: "b", Doc: Document{"n": float64(1)}},
	}, ins.Rows)

	plan, err = ParseToPlan(`INSERT INTO docs VALUES ('c', '{}')`)
	require.NoError(t, err)
	assert.Equal(t, "c", plan.(*InsertNode).Rows[0].Key)
}

func TestParseDelete(t *testing.T) {
	plan, err := ParseToPlan("DELETE FROM docs WHERE id = 'a'")
	require.NoError(t, err)
	del, ok := plan.(*DeleteNode)
	require.True(t, ok)
	assert.Equal(t, &PointGetNode{Table: "docs", Key: "a"}, del.Input)

	plan, err = ParseToPlan("DELETE FROM docs WHERE color = 'red'")
	require.NoError(t, err)
	assert.Equal(t, &IndexScanNode{Table: "docs", Field: "color", Range: Range{From: &Bound{"red", true}, To: &Bound{"red", true}}}, plan.(*DeleteNode).Input)

	plan, err = ParseToPlan("DELETE FROM docs WHERE id >= 'a' LIMIT 1")
	require.NoError(t, err)
	assert.Equal(t, &RangeScanNode{Table: "docs", Range: Range{From: &Bound{"a", true}}, Limit: 1}, plan.(*DeleteNode).Input)

	plan, err = ParseToPlan("DELETE FROM docs ORDER BY color DESC LIMIT 2")
	require.NoError(t, err)
	assert.Equal(t, &IndexScanNode{Table: "docs", Field: "color", Desc: true, Limit: 2}, plan.(*DeleteNode).Input)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		err  error
	}{
		{"garbage", "SELEC * FRM", ErrSyntax},
		{"two columns", "SELECT * FROM docs WHERE id = 'a' AND color = 'b'", ErrUnsupported},
		{"not equal", "SELECT * FROM docs WHERE id != 'a'", ErrUnsupported},
		{"join", "SELECT * FROM a, b", ErrUnsupported},
		{"offset", "SELECT * FROM docs LIMIT 1, 2", ErrUnsupported},
		{"order by other column", "SELECT * FROM docs WHERE id > 'a' ORDER BY color", ErrUnsupported},
		{"bad document", "INSERT INTO docs VALUES ('a', 'not json')", ErrSyntax},
		{"unknown insert column", "INSERT INTO docs (name, doc) VALUES ('a', '{}')", ErrUnsupported},
		{"update", "UPDATE docs SET a = 1", ErrUnsupported},
		{"delete limit zero", "DELETE FROM docs LIMIT 0", ErrUnsupported},
		{"delete order by other column", "DELETE FROM docs WHERE id > 'a' ORDER BY color LIMIT 1", ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseToPlan(tt.sql)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestRangePoint(t *testing.T) {
	k, ok := Range{From: &Bound{"a", true}, To: &Bound{"a", true}}.Point()
	assert.True(t, ok)
	assert.Equal(t, "a", k)

	_, ok = Range{From: &Bound{"a", true}, To: &Bound{"a", false}}.Point()
	assert.False(t, ok)
	assert.Equal(t, `["a", "b")`, Range{From: &Bound{"a", true}, To: &Bound{"b", false}}.String())
	assert.Equal(t, "(-inf, +inf)", Range{}.String())
}
