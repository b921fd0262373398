package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/metrics"
	"github.com/myuser/typedkv/internal/store"
)

// Row is one result row.
type Row []string

type (
	entry     = store.Entry[string, Document]
	tableView = store.View[string, string, Document]
)

// Execute runs a plan against the tables of c.
func Execute(ctx context.Context, plan PlanNode, c *Catalog) ([]Row, error) {
	switch n := plan.(type) {
	case *ProjectNode:
		metrics.Inc(metrics.QuerySelect)
		return executeProject(ctx, n, c)
	case *InsertNode:
		metrics.Inc(metrics.QueryInsert)
		return executeInsert(ctx, n, c)
	case *DeleteNode:
		metrics.Inc(metrics.QueryDelete)
		return executeDelete(ctx, n, c)
	case *PointGetNode, *RangeScanNode, *IndexScanNode:
		return executeProject(ctx, &ProjectNode{Input: plan, Columns: []string{KeyColumn, ValueColumn}}, c)
	default:
		return nil, fmt.Errorf("%w: plan node %T", ErrUnsupported, plan)
	}
}

// Run parses and executes one statement.
func Run(ctx context.Context, sql string, c *Catalog) ([]Row, error) {
	plan, err := ParseToPlan(sql)
	if err != nil {
		return nil, err
	}
	log.Query.Debug().Str("plan", explain(plan)).Msg("executing")
	return Execute(ctx, plan, c)
}

func explain(plan PlanNode) string {
	s := plan.String()
	for _, child := range plan.Children() {
		s += " <- " + explain(child)
	}
	return s
}

func executeProject(ctx context.Context, n *ProjectNode, c *Catalog) ([]Row, error) {
	rows := []Row{}
	err := scan(ctx, n.Input, c, func(e *entry) (bool, error) {
		row, err := project(e, n.Columns)
		if err != nil {
			return false, err
		}
		rows = append(rows, row)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func project(e *entry, cols []string) (Row, error) {
	key, err := e.Key()
	if err != nil {
		return nil, err
	}
	row := make(Row, 0, len(cols))
	for _, col := range cols {
		if col == KeyColumn {
			row = append(row, key)
			continue
		}
		doc, err := e.Value()
		if err != nil {
			return nil, err
		}
		if col == ValueColumn {
			b, err := json.Marshal(doc)
			if err != nil {
				return nil, fmt.Errorf("render %q: %w", key, err)
			}
			row = append(row, string(b))
			continue
		}
		v, _ := fieldString(doc, col)
		row = append(row, v)
	}
	return row, nil
}

func executeInsert(ctx context.Context, n *InsertNode, c *Catalog) ([]Row, error) {
	t, err := c.Table(n.Table)
	if err != nil {
		return nil, err
	}
	for _, r := range n.Rows {
		if _, _, err := t.store.Put(ctx, r.Key, r.Doc); err != nil {
			return nil, fmt.Errorf("insert %q: %w", r.Key, err)
		}
	}
	return []Row{{"inserted", strconv.Itoa(len(n.Rows))}}, nil
}

func executeDelete(ctx context.Context, n *DeleteNode, c *Catalog) ([]Row, error) {
	removed, err := remove(ctx, n.Input, c)
	if err != nil {
		return nil, err
	}
	return []Row{{"deleted", strconv.Itoa(removed)}}, nil
}

// scan feeds fn the entries a scan node selects until fn returns false.
func scan(ctx context.Context, node PlanNode, c *Catalog, fn func(e *entry) (bool, error)) error {
	switch n := node.(type) {
	case *PointGetNode:
		t, err := c.Table(n.Table)
		if err != nil {
			return err
		}
		e, err := t.store.GetEntry(ctx, n.Key)
		if err != nil || e == nil {
			return err
		}
		_, err = fn(e)
		return err
	case *IndexScanNode:
		if key, ok := n.Range.Point(); ok && !n.Desc {
			return scanDuplicates(ctx, n, key, c, fn)
		}
		return scanView(ctx, node, c, fn)
	case *RangeScanNode:
		return scanView(ctx, node, c, fn)
	default:
		return fmt.Errorf("%w: scan over %T", ErrUnsupported, node)
	}
}

func scanView(ctx context.Context, node PlanNode, c *Catalog, fn func(e *entry) (bool, error)) error {
	v, limit, err := viewOf(ctx, node, c)
	if err != nil || v == nil {
		return err
	}
	seen := 0
	for e, err := range v.All(ctx) {
		if err != nil {
			return err
		}
		more, err := fn(e)
		if err != nil {
			return err
		}
		seen++
		if !more || (limit > 0 && seen >= limit) {
			return nil
		}
	}
	return nil
}

// scanDuplicates walks the entries whose field equals key. Unordered
// indices serve it too.
func scanDuplicates(ctx context.Context, n *IndexScanNode, key string, c *Catalog, fn func(e *entry) (bool, error)) error {
	idx, err := indexOf(c, n)
	if err != nil {
		return err
	}
	it := idx.Find(ctx, key, true)
	defer it.Close()

	seen := 0
	for it.Next() {
		more, err := fn(it.Entry())
		if err != nil {
			return err
		}
		seen++
		if !more || (n.Limit > 0 && seen >= n.Limit) {
			return nil
		}
	}
	return it.Err()
}

func indexOf(c *Catalog, n *IndexScanNode) (*store.Index[string, string, Document], error) {
	t, err := c.Table(n.Table)
	if err != nil {
		return nil, err
	}
	idx := t.Index(n.Field)
	if idx == nil {
		return nil, fmt.Errorf("%w: no index on %s.%s", ErrUnsupported, n.Table, n.Field)
	}
	return idx, nil
}

// remove deletes what a scan node selects and reports how many entries
// went.
func remove(ctx context.Context, node PlanNode, c *Catalog) (int, error) {
	switch n := node.(type) {
	case *PointGetNode:
		t, err := c.Table(n.Table)
		if err != nil {
			return 0, err
		}
		_, existed, err := t.store.Remove(ctx, n.Key)
		if err != nil || !existed {
			return 0, err
		}
		return 1, nil
	case *IndexScanNode:
		if key, ok := n.Range.Point(); ok {
			return removeDuplicates(ctx, n, key, c)
		}
	}

	v, limit, err := viewOf(ctx, node, c)
	if err != nil || v == nil {
		return 0, err
	}
	removed := 0
	for limit == 0 || removed < limit {
		e, err := v.PollFirstEntry(ctx)
		if err != nil {
			return removed, err
		}
		if e == nil {
			return removed, nil
		}
		removed++
	}
	return removed, nil
}

// removeDuplicates deletes the entries whose field equals key, at most
// n.Limit of them when it is set. It needs no ordering on the index.
func removeDuplicates(ctx context.Context, n *IndexScanNode, key string, c *Catalog) (int, error) {
	idx, err := indexOf(c, n)
	if err != nil {
		return 0, err
	}
	it := idx.Find(ctx, key, true)
	defer it.Close()

	removed := 0
	for (n.Limit == 0 || removed < n.Limit) && it.Next() {
		if err := it.Remove(); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, it.Err()
}

// viewOf builds the view a range or index scan walks. A nil view with no
// error means the range is empty.
func viewOf(ctx context.Context, node PlanNode, c *Catalog) (*tableView, int, error) {
	var (
		base  *tableView
		r     Range
		desc  bool
		limit int
	)
	switch n := node.(type) {
	case *RangeScanNode:
		t, err := c.Table(n.Table)
		if err != nil {
			return nil, 0, err
		}
		base, r, desc, limit = t.store.View(), n.Range, n.Desc, n.Limit
	case *IndexScanNode:
		idx, err := indexOf(c, n)
		if err != nil {
			return nil, 0, err
		}
		if base, err = idx.CreateMap(); err != nil {
			return nil, 0, err
		}
		r, desc, limit = n.Range, n.Desc, n.Limit
	default:
		return nil, 0, fmt.Errorf("%w: scan over %T", ErrUnsupported, node)
	}

	v, err := bounded(base, r)
	if errors.Is(err, store.ErrInvalidRange) {
		log.Query.Debug().Str("range", r.String()).Msg("empty range")
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	if desc {
		v = v.DescendingMap()
	}
	return v, limit, nil
}

func bounded(v *tableView, r Range) (*tableView, error) {
	switch {
	case r.From != nil && r.To != nil:
		return v.SubMap(r.From.Key, r.From.Inclusive, r.To.Key, r.To.Inclusive)
	case r.From != nil:
		return v.TailMap(r.From.Key, r.From.Inclusive)
	case r.To != nil:
		return v.HeadMap(r.To.Key, r.To.Inclusive)
	}
	return v, nil
}
