package query

import (
	"fmt"
	"strings"
)

type NodeType int

const (
	NodePointGet NodeType = iota
	NodeRangeScan
	NodeIndexScan
	NodeProject
	NodeInsert
	NodeDelete
)

type PlanNode interface {
	Type() NodeType
	String() string
	Children() []PlanNode
}

// Bound is one end of a key range.
type Bound struct {
	Key       string
	Inclusive bool
}

// Range is a key interval; a nil end is unbounded.
type Range struct {
	From *Bound
	To   *Bound
}

// Point reports whether r matches exactly one key.
func (r Range) Point() (string, bool) {
	if r.From == nil || r.To == nil || !r.From.Inclusive || !r.To.Inclusive || r.From.Key != r.To.Key {
		return "", false
	}
	return r.From.Key, true
}

func (r Range) String() string {
	var b strings.Builder
	if r.From == nil {
		b.WriteString("(-inf")
	} else if r.From.Inclusive {
		fmt.Fprintf(&b, "[%q", r.From.Key)
	} else {
		fmt.Fprintf(&b, "(%q", r.From.Key)
	}
	b.WriteString(", ")
	if r.To == nil {
		b.WriteString("+inf)")
	} else if r.To.Inclusive {
		fmt.Fprintf(&b, "%q]", r.To.Key)
	} else {
		fmt.Fprintf(&b, "%q)", r.To.Key)
	}
	return b.String()
}

type PointGetNode struct {
	Table string
	Key   string
}

func (n *PointGetNode) Type() NodeType       { return NodePointGet }
func (n *PointGetNode) String() string       { return fmt.Sprintf("PointGet(%s, %q)", n.Table, n.Key) }
func (n *PointGetNode) Children() []PlanNode { return nil }

// RangeScanNode walks the table in key order. Limit 0 means no limit.
type RangeScanNode struct {
	Table string
	Range Range
	Desc  bool
	Limit int
}

func (n *RangeScanNode) Type() NodeType { return NodeRangeScan }
func (n *RangeScanNode) String() string {
	return fmt.Sprintf("RangeScan(%s, %s, desc=%t, limit=%d)", n.Table, n.Range, n.Desc, n.Limit)
}
func (n *RangeScanNode) Children() []PlanNode { return nil }

// IndexScanNode walks the index over Field.
type IndexScanNode struct {
	Table string
	Field string
	Range Range
	Desc  bool
	Limit int
}

func (n *IndexScanNode) Type() NodeType { return NodeIndexScan }
func (n *IndexScanNode) String() string {
	return fmt.Sprintf("IndexScan(%s.%s, %s, desc=%t, limit=%d)", n.Table, n.Field, n.Range, n.Desc, n.Limit)
}
func (n *IndexScanNode) Children() []PlanNode { return nil }

type ProjectNode struct {
	Input   PlanNode
	Columns []string
}

func (n *ProjectNode) Type() NodeType       { return NodeProject }
func (n *ProjectNode) String() string       { return fmt.Sprintf("Project(%v)", n.Columns) }
func (n *ProjectNode) Children() []PlanNode { return []PlanNode{n.Input} }

type InsertRow struct {
	Key string
	Doc Document
}

type InsertNode struct {
	Table string
	Rows  []InsertRow
}

func (n *InsertNode) Type() NodeType       { return NodeInsert }
func (n *InsertNode) String() string       { return fmt.Sprintf("Insert(%s, %d rows)", n.Table, len(n.Rows)) }
func (n *InsertNode) Children() []PlanNode { return nil }

// DeleteNode removes every entry its input scan matches.
type DeleteNode struct {
	Input PlanNode
}

func (n *DeleteNode) Type() NodeType       { return NodeDelete }
func (n *DeleteNode) String() string       { return "Delete" }
func (n *DeleteNode) Children() []PlanNode { return []PlanNode{n.Input} }
