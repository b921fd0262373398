package storage

import (
	"bytes"
	"fmt"

	"github.com/google/btree"
)

// record is one entry of a database tree. Records of a secondary also carry
// the primary key they point at; their data lives in the primary.
type record struct {
	key  []byte
	pkey []byte
	data []byte

	// owner holds the write lock until commit or abort.
	owner   *Txn
	deleted bool

	// bound marks search probes: -1 sorts before every record with an equal
	// key, +1 after. Stored records always have bound 0.
	bound int8
}

func probe(key []byte, bound int8) *record {
	return &record{key: key, bound: bound}
}

type tree = btree.BTreeG[*record]

func newTree(degree int, less func(a, b *record) bool) *tree {
	return btree.NewG[*record](degree, less)
}

func (d *Database) less(a, b *record) bool {
	if c := d.cmp(a.key, b.key); c != 0 {
		return c < 0
	}
	if a.bound != b.bound {
		return a.bound < b.bound
	}
	if d.primary == nil || a.bound != 0 {
		return false
	}
	return d.primary.cmp(a.pkey, b.pkey) < 0
}

func compareOrDefault(cmp func(a, b []byte) int) func(a, b []byte) int {
	if cmp == nil {
		return bytes.Compare
	}
	return cmp
}

func (d *Database) persistKey(r *record) []byte {
	if d.primary == nil {
		return r.key
	}
	return EncodeSecondaryKey(r.key, r.pkey)
}

// restoreLocked fills the tree from records loaded by the persister.
func (d *Database) restoreLocked() error {
	for _, m := range d.env.loaded[d.name] {
		r := &record{data: m.Value}
		if d.primary == nil {
			r.key = m.Key
		} else {
			skey, pkey, err := DecodeSecondaryKey(m.Key)
			if err != nil {
				return fmt.Errorf("restore %q: %w", d.name, err)
			}
			r.key, r.pkey, r.data = skey, pkey, nil
		}
		d.tree.ReplaceOrInsert(r)
	}
	return nil
}

// populateLocked derives every secondary record from the primary. It fails
// with a conflict if any primary record is locked.
func (d *Database) populateLocked() ([]Mutation, error) {
	var (
		muts []Mutation
		err  error
	)
	d.primary.tree.Ascend(func(p *record) bool {
		if p.owner != nil {
			err = conflict(p.owner)
			return false
		}
		skey, ok, kerr := d.creator.CreateSecondaryKey(p.key, p.data)
		if kerr != nil {
			err = kerr
			return false
		}
		if !ok {
			return true
		}
		r := &record{key: skey, pkey: p.key}
		d.tree.ReplaceOrInsert(r)
		muts = append(muts, Mutation{Database: d.name, Key: d.persistKey(r), Value: []byte{}})
		return true
	})
	if err != nil {
		return nil, err
	}
	d.env.logger.Info().
		Str("database", d.name).
		Str("primary", d.primary.name).
		Int("records", len(muts)).
		Msg("populated secondary")
	return muts, nil
}

// rebuildLocked replaces the records of an existing secondary with ones
// derived from the primary. It returns the mutations that move the
// persisted state from the old records to the new ones. On error the old
// records are kept.
func (d *Database) rebuildLocked() ([]Mutation, error) {
	old := make(map[string]struct{}, d.tree.Len())
	var err error
	d.tree.Ascend(func(r *record) bool {
		if r.owner != nil {
			err = conflict(r.owner)
			return false
		}
		old[string(d.persistKey(r))] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}

	prev := d.tree
	d.tree = newTree(d.env.opts.Degree, d.less)
	fresh, err := d.populateLocked()
	if err != nil {
		d.tree = prev
		return nil, err
	}

	var muts []Mutation
	for _, m := range fresh {
		if _, ok := old[string(m.Key)]; ok {
			delete(old, string(m.Key))
			continue
		}
		muts = append(muts, m)
	}
	for k := range old {
		muts = append(muts, Mutation{Database: d.name, Key: []byte(k), Delete: true})
	}
	return muts, nil
}

// visible reports whether r exists for t, or a conflict when another
// transaction holds it.
func visible(t *Txn, r *record) (bool, error) {
	if r.owner != nil && r.owner != t {
		return false, conflict(r.owner)
	}
	return !r.deleted, nil
}

// scan walks records from pivot (or the tree edge when pivot is nil) and
// returns the first visible one. exclusive skips records equal to pivot.
func (d *Database) scan(t *Txn, pivot *record, exclusive, forward bool, stop func(r *record) bool) (*record, error) {
	var (
		found *record
		err   error
	)
	visit := func(r *record) bool {
		if exclusive && pivot != nil && !d.less(pivot, r) && !d.less(r, pivot) {
			return true
		}
		if stop != nil && stop(r) {
			return false
		}
		ok, verr := visible(t, r)
		if verr != nil {
			err = verr
			return false
		}
		if !ok {
			return true
		}
		found = r
		return false
	}
	switch {
	case forward && pivot == nil:
		d.tree.Ascend(visit)
	case forward:
		d.tree.AscendGreaterOrEqual(pivot, visit)
	case pivot == nil:
		d.tree.Descend(visit)
	default:
		d.tree.DescendLessOrEqual(pivot, visit)
	}
	return found, err
}

// recordOf builds the caller-facing Record for r, resolving secondary data
// through the primary.
func (d *Database) recordOf(t *Txn, r *record) (Record, bool, error) {
	if d.primary == nil {
		return Record{Key: r.key, Data: r.data}, true, nil
	}
	p, ok := d.primary.tree.Get(probe(r.pkey, 0))
	if !ok {
		return Record{}, false, nil
	}
	vis, err := visible(t, p)
	if err != nil || !vis {
		return Record{}, false, err
	}
	return Record{Key: r.key, PrimaryKey: r.pkey, Data: p.data}, true, nil
}
