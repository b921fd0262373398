package store

import (
	"github.com/myuser/typedkv/internal/storage"
)

// SearchType is a position query relative to a view's direction.
type SearchType int

const (
	SearchFirst SearchType = iota
	SearchLast
	SearchCeiling
	SearchFloor
	SearchHigher
	SearchLower
)

func (t SearchType) String() string {
	switch t {
	case SearchFirst:
		return "first"
	case SearchLast:
		return "last"
	case SearchCeiling:
		return "ceiling"
	case SearchFloor:
		return "floor"
	case SearchHigher:
		return "higher"
	case SearchLower:
		return "lower"
	}
	return "unknown"
}

type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) Reverse() Direction {
	if d == Ascending {
		return Descending
	}
	return Ascending
}

func (d Direction) String() string {
	if d == Descending {
		return "descending"
	}
	return "ascending"
}

// Remap translates a search in direction d into the engine's ascending
// order.
func Remap(t SearchType, d Direction) SearchType {
	if d == Ascending {
		return t
	}
	switch t {
	case SearchFirst:
		return SearchLast
	case SearchLast:
		return SearchFirst
	case SearchCeiling:
		return SearchFloor
	case SearchFloor:
		return SearchCeiling
	case SearchHigher:
		return SearchLower
	case SearchLower:
		return SearchHigher
	}
	return t
}

// bound is one end of a window over encoded keys.
type bound struct {
	key       []byte
	set       bool
	inclusive bool
}

// window is the ascending key range of a view.
type window struct {
	lo, hi bound
	cmp    func(a, b []byte) int
}

func (w window) tooLow(k []byte) bool {
	if !w.lo.set {
		return false
	}
	c := w.cmp(k, w.lo.key)
	return c < 0 || (c == 0 && !w.lo.inclusive)
}

func (w window) tooHigh(k []byte) bool {
	if !w.hi.set {
		return false
	}
	c := w.cmp(k, w.hi.key)
	return c > 0 || (c == 0 && !w.hi.inclusive)
}

func (w window) contains(k []byte) bool {
	return !w.tooLow(k) && !w.tooHigh(k)
}

// containsClosed ignores inclusivity at both ends.
func (w window) containsClosed(k []byte) bool {
	return (!w.lo.set || w.cmp(k, w.lo.key) >= 0) && (!w.hi.set || w.cmp(k, w.hi.key) <= 0)
}

// search runs one ascending-order position query on c. Queries that fall
// below the window resolve to its first record, above it to its last.
// Results outside the window are reported as none.
func (w window) search(c *storage.Cursor, t SearchType, key []byte) (storage.Record, bool, error) {
	switch t {
	case SearchFirst:
		return w.lowest(c)
	case SearchLast:
		return w.highest(c)
	case SearchCeiling:
		if w.tooLow(key) {
			return w.lowest(c)
		}
		return w.belowHigh(c.SeekGE(key))
	case SearchHigher:
		if w.tooLow(key) {
			return w.lowest(c)
		}
		return w.belowHigh(c.SeekGT(key))
	case SearchFloor:
		if w.tooHigh(key) {
			return w.highest(c)
		}
		return w.aboveLow(c.SeekLE(key))
	case SearchLower:
		if w.tooHigh(key) {
			return w.highest(c)
		}
		return w.aboveLow(c.SeekLT(key))
	}
	return storage.Record{}, false, nil
}

func (w window) lowest(c *storage.Cursor) (storage.Record, bool, error) {
	switch {
	case !w.lo.set:
		return w.belowHigh(c.First())
	case w.lo.inclusive:
		return w.belowHigh(c.SeekGE(w.lo.key))
	default:
		return w.belowHigh(c.SeekGT(w.lo.key))
	}
}

func (w window) highest(c *storage.Cursor) (storage.Record, bool, error) {
	switch {
	case !w.hi.set:
		return w.aboveLow(c.Last())
	case w.hi.inclusive:
		return w.aboveLow(c.SeekLE(w.hi.key))
	default:
		return w.aboveLow(c.SeekLT(w.hi.key))
	}
}

func (w window) belowHigh(rec storage.Record, ok bool, err error) (storage.Record, bool, error) {
	if err != nil || !ok || w.tooHigh(rec.Key) {
		return storage.Record{}, false, err
	}
	return rec, true, nil
}

func (w window) aboveLow(rec storage.Record, ok bool, err error) (storage.Record, bool, error) {
	if err != nil || !ok || w.tooLow(rec.Key) {
		return storage.Record{}, false, err
	}
	return rec, true, nil
}
