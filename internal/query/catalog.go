// Package query is a small SQL front end over document tables. A table is
// a typed store from string keys to JSON or CBOR documents; field indices
// serve predicates and ordering on document fields.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/myuser/typedkv/internal/codec"
	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/storage"
	"github.com/myuser/typedkv/internal/store"
)

// Document is a table value.
type Document map[string]any

// Value encodings.
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// FieldIndex indexes one top-level document field. Ordered indices
// support range predicates and ORDER BY.
type FieldIndex struct {
	Name    string
	Field   string
	Ordered bool
}

type TableConfig struct {
	Name     string
	Encoding string
	Indexes  []FieldIndex
}

type Table struct {
	name    string
	store   *store.Store[string, Document]
	indexes map[string]*store.Index[string, string, Document]
}

func (t *Table) Name() string { return t.name }

func (t *Table) Store() *store.Store[string, Document] { return t.store }

// Index returns the index over field, or nil.
func (t *Table) Index(field string) *store.Index[string, string, Document] {
	return t.indexes[field]
}

func (t *Table) close() error {
	var errs []error
	for _, idx := range t.indexes {
		errs = append(errs, idx.Close())
	}
	errs = append(errs, t.store.Close())
	return errors.Join(errs...)
}

// Catalog holds the open tables of one environment.
type Catalog struct {
	env   *storage.Env
	retry store.RetryPolicy

	mu     sync.RWMutex
	tables map[string]*Table
}

func NewCatalog(env *storage.Env, retry store.RetryPolicy) *Catalog {
	return &Catalog{env: env, retry: retry, tables: make(map[string]*Table)}
}

// CreateTable opens the table and its indices, creating them on first use.
func (c *Catalog) CreateTable(ctx context.Context, cfg TableConfig) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tables[cfg.Name]; ok {
		return nil, fmt.Errorf("table %q: %w", cfg.Name, storage.ErrExists)
	}
	values, err := documentCodec(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	s, err := store.Open(ctx, c.env, store.Config[string, Document]{
		Name:   cfg.Name,
		Keys:   codec.String{},
		Values: values,
		Retry:  c.retry,
	})
	if err != nil {
		return nil, err
	}

	t := &Table{name: cfg.Name, store: s, indexes: make(map[string]*store.Index[string, string, Document])}
	for _, fi := range cfg.Indexes {
		if _, ok := t.indexes[fi.Field]; ok {
			_ = t.close()
			return nil, fmt.Errorf("table %q: field %q indexed twice", cfg.Name, fi.Field)
		}
		name := fi.Name
		if name == "" {
			name = cfg.Name + "." + fi.Field
		}
		icfg := store.IndexConfig[string, string, Document]{
			Name:    name,
			Keys:    codec.String{},
			Extract: fieldExtractor(fi.Field),
		}
		if fi.Ordered {
			icfg.Compare = strings.Compare
		}
		idx, err := store.OpenIndex(ctx, s, icfg)
		if err != nil {
			_ = t.close()
			return nil, err
		}
		t.indexes[fi.Field] = idx
	}

	c.tables[cfg.Name] = t
	log.Query.Info().Str("table", cfg.Name).Int("indexes", len(t.indexes)).Msg("table ready")
	return t, nil
}

func (c *Catalog) Table(name string) (*Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// Tables lists the open table names in order.
func (c *Catalog) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every table. The environment stays open.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for name, t := range c.tables {
		if err := t.close(); err != nil {
			errs = append(errs, fmt.Errorf("close table %q: %w", name, err))
		}
	}
	c.tables = make(map[string]*Table)
	return errors.Join(errs...)
}

func documentCodec(encoding string) (codec.Codec[Document], error) {
	switch encoding {
	case "", EncodingJSON:
		return codec.JSON[Document]{}, nil
	case EncodingCBOR:
		c, err := codec.NewCBOR[Document]()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown document encoding %q", encoding)
}

func fieldExtractor(field string) func(Document) (string, bool) {
	return func(doc Document) (string, bool) {
		return fieldString(doc, field)
	}
}

// fieldString renders a scalar field as its index key. Missing, null and
// composite fields are not indexed.
func fieldString(doc Document, field string) (string, bool) {
	v, ok := doc[field]
	if !ok {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	}
	return "", false
}
