package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

var (
	ErrSyntax       = errors.New("syntax error")
	ErrUnsupported  = errors.New("unsupported statement")
	ErrUnknownTable = errors.New("unknown table")
)

// KeyColumn names the primary key in statements; every other column is a
// document field.
const (
	KeyColumn   = "id"
	ValueColumn = "doc"
)

// ParseToPlan parses a SQL string and returns a logical plan.
func ParseToPlan(sql string) (PlanNode, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}

	switch s := stmt.(type) {
	case *sqlparser.Select:
		return buildSelectPlan(s)
	case *sqlparser.Insert:
		return buildInsertPlan(s)
	case *sqlparser.Delete:
		return buildDeletePlan(s)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, stmt)
	}
}

func buildSelectPlan(stmt *sqlparser.Select) (PlanNode, error) {
	if len(stmt.From) != 1 {
		return nil, fmt.Errorf("%w: SELECT needs exactly one table", ErrUnsupported)
	}
	aliased, ok := stmt.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, fmt.Errorf("%w: complex FROM clause", ErrUnsupported)
	}
	table := sqlparser.String(aliased.Expr)

	column, r, err := wherePredicate(stmt.Where)
	if err != nil {
		return nil, err
	}
	desc, err := orderBy(stmt.OrderBy, &column)
	if err != nil {
		return nil, err
	}
	limit, err := limitOf(stmt.Limit)
	if err != nil {
		return nil, err
	}

	var cols []string
	for _, expr := range stmt.SelectExprs {
		switch e := expr.(type) {
		case *sqlparser.StarExpr:
			cols = append(cols, KeyColumn, ValueColumn)
		case *sqlparser.AliasedExpr:
			col, ok := e.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, fmt.Errorf("%w: select expression %s", ErrUnsupported, sqlparser.String(e.Expr))
			}
			cols = append(cols, col.Name.String())
		default:
			return nil, fmt.Errorf("%w: select expression %s", ErrUnsupported, sqlparser.String(expr))
		}
	}

	return &ProjectNode{Input: scanPlan(table, column, r, desc, limit), Columns: cols}, nil
}

// scanPlan picks the access path for a predicate on column.
func scanPlan(table, column string, r Range, desc bool, limit int) PlanNode {
	switch {
	case column == "" || column == KeyColumn:
		if key, ok := r.Point(); ok {
			return &PointGetNode{Table: table, Key: key}
		}
		return &RangeScanNode{Table: table, Range: r, Desc: desc, Limit: limit}
	default:
		return &IndexScanNode{Table: table, Field: column, Range: r, Desc: desc, Limit: limit}
	}
}

func buildInsertPlan(stmt *sqlparser.Insert) (PlanNode, error) {
	table := sqlparser.String(stmt.Table)

	keyAt, valueAt := 0, 1
	if len(stmt.Columns) > 0 {
		keyAt, valueAt = -1, -1
		for i, col := range stmt.Columns {
			switch col.String() {
			case KeyColumn:
				keyAt = i
			case ValueColumn:
				valueAt = i
			default:
				return nil, fmt.Errorf("%w: insert column %q", ErrUnsupported, col.String())
			}
		}
		if keyAt < 0 || valueAt < 0 {
			return nil, fmt.Errorf("%w: INSERT needs the %s and %s columns", ErrUnsupported, KeyColumn, ValueColumn)
		}
	}

	rows, ok := stmt.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("%w: INSERT from SELECT", ErrUnsupported)
	}
	node := &InsertNode{Table: table}
	for _, row := range rows {
		if len(row) != 2 {
			return nil, fmt.Errorf("%w: INSERT row needs a key and a value", ErrUnsupported)
		}
		key, err := literal(row[keyAt])
		if err != nil {
			return nil, err
		}
		raw, err := literal(row[valueAt])
		if err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("%w: value for %q is not a JSON object: %v", ErrSyntax, key, err)
		}
		node.Rows = append(node.Rows, InsertRow{Key: key, Doc: doc})
	}
	return node, nil
}

func buildDeletePlan(stmt *sqlparser.Delete) (PlanNode, error) {
	table := ""
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		if tn, ok := node.(sqlparser.TableName); ok && !tn.IsEmpty() && table == "" {
			table = sqlparser.String(tn)
		}
		return table == "", nil
	}, stmt)
	if table == "" {
		return nil, fmt.Errorf("%w: DELETE without a table", ErrUnsupported)
	}

	column, r, err := wherePredicate(stmt.Where)
	if err != nil {
		return nil, err
	}
	desc, err := orderBy(stmt.OrderBy, &column)
	if err != nil {
		return nil, err
	}
	limit, err := limitOf(stmt.Limit)
	if err != nil {
		return nil, err
	}
	if stmt.Limit != nil && limit == 0 {
		return nil, fmt.Errorf("%w: DELETE with LIMIT 0", ErrUnsupported)
	}
	return &DeleteNode{Input: scanPlan(table, column, r, desc, limit)}, nil
}

// wherePredicate folds a conjunction of comparisons on one column into a
// range.
func wherePredicate(where *sqlparser.Where) (string, Range, error) {
	if where == nil {
		return "", Range{}, nil
	}
	var (
		column string
		r      Range
	)
	for _, expr := range conjuncts(where.Expr, nil) {
		col, lo, hi, err := comparison(expr)
		if err != nil {
			return "", Range{}, err
		}
		if column != "" && col != column {
			return "", Range{}, fmt.Errorf("%w: predicates on %q and %q", ErrUnsupported, column, col)
		}
		column = col
		if lo != nil {
			r.From = tighterFrom(r.From, lo)
		}
		if hi != nil {
			r.To = tighterTo(r.To, hi)
		}
	}
	return column, r, nil
}

func conjuncts(expr sqlparser.Expr, out []sqlparser.Expr) []sqlparser.Expr {
	switch e := expr.(type) {
	case *sqlparser.AndExpr:
		return conjuncts(e.Right, conjuncts(e.Left, out))
	case *sqlparser.ParenExpr:
		return conjuncts(e.Expr, out)
	}
	return append(out, expr)
}

func comparison(expr sqlparser.Expr) (string, *Bound, *Bound, error) {
	switch e := expr.(type) {
	case *sqlparser.ComparisonExpr:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: predicate %s", ErrUnsupported, sqlparser.String(e))
		}
		v, err := literal(e.Right)
		if err != nil {
			return "", nil, nil, err
		}
		name := col.Name.String()
		switch e.Operator {
		case sqlparser.EqualStr:
			return name, &Bound{v, true}, &Bound{v, true}, nil
		case sqlparser.GreaterThanStr:
			return name, &Bound{v, false}, nil, nil
		case sqlparser.GreaterEqualStr:
			return name, &Bound{v, true}, nil, nil
		case sqlparser.LessThanStr:
			return name, nil, &Bound{v, false}, nil
		case sqlparser.LessEqualStr:
			return name, nil, &Bound{v, true}, nil
		}
		return "", nil, nil, fmt.Errorf("%w: operator %s", ErrUnsupported, e.Operator)
	case *sqlparser.RangeCond:
		col, ok := e.Left.(*sqlparser.ColName)
		if !ok || e.Operator != sqlparser.BetweenStr {
			return "", nil, nil, fmt.Errorf("%w: predicate %s", ErrUnsupported, sqlparser.String(e))
		}
		from, err := literal(e.From)
		if err != nil {
			return "", nil, nil, err
		}
		to, err := literal(e.To)
		if err != nil {
			return "", nil, nil, err
		}
		return col.Name.String(), &Bound{from, true}, &Bound{to, true}, nil
	}
	return "", nil, nil, fmt.Errorf("%w: predicate %s", ErrUnsupported, sqlparser.String(expr))
}

func tighterFrom(cur, b *Bound) *Bound {
	if cur == nil || b.Key > cur.Key || (b.Key == cur.Key && !b.Inclusive) {
		return b
	}
	return cur
}

func tighterTo(cur, b *Bound) *Bound {
	if cur == nil || b.Key < cur.Key || (b.Key == cur.Key && !b.Inclusive) {
		return b
	}
	return cur
}

func literal(expr sqlparser.Expr) (string, error) {
	v, ok := expr.(*sqlparser.SQLVal)
	if !ok {
		return "", fmt.Errorf("%w: expected a literal, got %s", ErrUnsupported, sqlparser.String(expr))
	}
	switch v.Type {
	case sqlparser.StrVal, sqlparser.IntVal, sqlparser.FloatVal:
		return string(v.Val), nil
	}
	return "", fmt.Errorf("%w: literal %s", ErrUnsupported, sqlparser.String(v))
}

// orderBy accepts one ORDER BY term on the predicated column, or on any
// column when there is no predicate.
func orderBy(order sqlparser.OrderBy, column *string) (bool, error) {
	if len(order) == 0 {
		return false, nil
	}
	if len(order) > 1 {
		return false, fmt.Errorf("%w: ORDER BY more than one column", ErrUnsupported)
	}
	col, ok := order[0].Expr.(*sqlparser.ColName)
	if !ok {
		return false, fmt.Errorf("%w: ORDER BY %s", ErrUnsupported, sqlparser.String(order[0].Expr))
	}
	name := col.Name.String()
	switch {
	case *column == "":
		*column = name
	case *column != name:
		return false, fmt.Errorf("%w: ORDER BY %q with a predicate on %q", ErrUnsupported, name, *column)
	}
	return order[0].Direction == sqlparser.DescScr, nil
}

func limitOf(limit *sqlparser.Limit) (int, error) {
	if limit == nil {
		return 0, nil
	}
	if limit.Offset != nil {
		return 0, fmt.Errorf("%w: LIMIT with OFFSET", ErrUnsupported)
	}
	s, err := literal(limit.Rowcount)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: LIMIT %s", ErrSyntax, s)
	}
	return n, nil
}
