// Package storage is an embedded transactional ordered byte-store.
//
// An Env holds named databases. Each database is an ordered tree of records
// keyed by a comparator over raw bytes. Secondary databases are derived
// from a primary through a KeyCreator and are kept in step with it inside
// the same transaction; their records are ordered by secondary key and then
// by primary key, so one secondary key may map to many primary records.
//
// Writes take a per-record lock that is held until the owning transaction
// commits or aborts. Touching a record locked by another transaction fails
// with ErrConflict. Committed state is handed to an optional Persister.
package storage

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/metrics"
)

// Mutation is the committed state of one record as seen by a Persister.
// Secondary record keys are encoded with EncodeSecondaryKey.
type Mutation struct {
	Database string
	Key      []byte
	Value    []byte
	Delete   bool
}

// Persister makes committed records durable.
type Persister interface {
	// Load replays every live record.
	Load(fn func(Mutation) error) error
	// Apply durably writes the final states of one commit, atomically.
	Apply(muts []Mutation) error
	Close() error
}

// Interceptor runs before every database and cursor operation. A non-nil
// error fails the operation before it touches any record.
type Interceptor func(op Op, database string) error

type Options struct {
	// Persister is optional; without one the env is memory only.
	Persister   Persister
	Interceptor Interceptor
	// Degree is the btree degree of every database tree.
	Degree int
	Logger *zerolog.Logger
}

type Env struct {
	mu sync.RWMutex

	opts    Options
	logger  zerolog.Logger
	dbs     map[string]*Database
	catalog map[string]catalogEntry
	loaded  map[string][]Mutation
	closed  bool
}

func Open(opts Options) (*Env, error) {
	if opts.Degree <= 1 {
		opts.Degree = 32
	}
	e := &Env{
		opts:    opts,
		dbs:     make(map[string]*Database),
		catalog: make(map[string]catalogEntry),
		loaded:  make(map[string][]Mutation),
	}
	if opts.Logger != nil {
		e.logger = *opts.Logger
	} else {
		e.logger = log.Storage
	}

	if opts.Persister != nil {
		n := 0
		err := opts.Persister.Load(func(m Mutation) error {
			if m.Database == catalogName {
				entry, err := decodeCatalogEntry(m.Value)
				if err != nil {
					return fmt.Errorf("catalog entry %q: %w", m.Key, err)
				}
				e.catalog[string(m.Key)] = entry
				return nil
			}
			e.loaded[m.Database] = append(e.loaded[m.Database], m)
			n++
			return nil
		})
		if err != nil {
			return nil, wrap("", OpOpen, fmt.Errorf("load: %w", err))
		}
		e.logger.Info().Int("records", n).Int("databases", len(e.catalog)).Msg("loaded persisted records")
	}
	return e, nil
}

// Begin starts a transaction.
func (e *Env) Begin() *Txn {
	return &Txn{env: e, id: uuid.NewString()}
}

type DatabaseConfig struct {
	// Compare orders keys; nil means bytes.Compare.
	Compare func(a, b []byte) int
}

// KeyCreator derives the secondary key of a primary record. Returning
// false means the record has no secondary key.
type KeyCreator interface {
	CreateSecondaryKey(primaryKey, data []byte) ([]byte, bool, error)
}

type KeyCreatorFunc func(primaryKey, data []byte) ([]byte, bool, error)

func (f KeyCreatorFunc) CreateSecondaryKey(primaryKey, data []byte) ([]byte, bool, error) {
	return f(primaryKey, data)
}

type SecondaryConfig struct {
	// Compare orders secondary keys; nil means bytes.Compare.
	Compare    func(a, b []byte) int
	KeyCreator KeyCreator
	// AllowPopulate fills a newly created secondary from the primary.
	AllowPopulate bool
}

// OpenDatabase opens or creates a primary database.
func (e *Env) OpenDatabase(name string, cfg DatabaseConfig) (*Database, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkName(name); err != nil {
		return nil, wrap(name, OpOpen, err)
	}
	if entry, ok := e.catalog[name]; ok && entry.secondary {
		return nil, wrap(name, OpOpen, fmt.Errorf("%w: exists as a secondary of %q", ErrExists, entry.primary))
	}

	if d, ok := e.dbs[name]; ok {
		if !d.closed {
			return nil, wrap(name, OpOpen, ErrExists)
		}
		d.closed = false
		return d, nil
	}

	d := newDatabase(e, name, cfg.Compare)
	if err := d.restoreLocked(); err != nil {
		return nil, wrap(name, OpOpen, err)
	}
	if _, ok := e.catalog[name]; !ok {
		if err := e.registerLocked(name, catalogEntry{}, nil); err != nil {
			return nil, wrap(name, OpOpen, err)
		}
	}
	e.dbs[name] = d
	delete(e.loaded, name)
	return d, nil
}

// OpenSecondary opens or creates a secondary database of primary. With
// AllowPopulate a new secondary is populated from the primary and an
// existing one is rebuilt from it, since the primary may have changed while
// the secondary was not attached. Without it the records are used as is.
func (e *Env) OpenSecondary(name string, primary *Database, cfg SecondaryConfig) (*Database, error) {
	if cfg.KeyCreator == nil {
		return nil, wrap(name, OpOpen, fmt.Errorf("nil key creator"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkName(name); err != nil {
		return nil, wrap(name, OpOpen, err)
	}
	if primary.closed || primary.primary != nil {
		return nil, wrap(name, OpOpen, fmt.Errorf("primary %q: %w", primary.name, ErrClosed))
	}
	if entry, ok := e.catalog[name]; ok && (!entry.secondary || entry.primary != primary.name) {
		return nil, wrap(name, OpOpen, fmt.Errorf("%w: catalog kind mismatch", ErrExists))
	}

	d, ok := e.dbs[name]
	if ok {
		if !d.closed {
			return nil, wrap(name, OpOpen, ErrExists)
		}
		d.creator = cfg.KeyCreator
		if cfg.AllowPopulate {
			if err := e.rebuildLocked(d); err != nil {
				return nil, err
			}
		}
		d.closed = false
		primary.attach(d)
		return d, nil
	}

	d = newDatabase(e, name, cfg.Compare)
	d.primary = primary
	d.creator = cfg.KeyCreator
	if err := d.restoreLocked(); err != nil {
		return nil, wrap(name, OpOpen, err)
	}

	if _, ok := e.catalog[name]; ok {
		if cfg.AllowPopulate {
			if err := e.rebuildLocked(d); err != nil {
				return nil, err
			}
		}
	} else {
		var muts []Mutation
		if cfg.AllowPopulate {
			var err error
			if muts, err = d.populateLocked(); err != nil {
				d.tree.Clear(false)
				return nil, wrap(name, OpPopulate, err)
			}
			d.populated = true
			metrics.Add(metrics.StoragePopulatedRecords, int64(len(muts)))
		}
		if err := e.registerLocked(name, catalogEntry{secondary: true, primary: primary.name}, muts); err != nil {
			d.tree.Clear(false)
			return nil, wrap(name, OpOpen, err)
		}
	}
	e.dbs[name] = d
	delete(e.loaded, name)
	primary.attach(d)
	return d, nil
}

// rebuildLocked brings an existing secondary back in step with its primary
// and persists the difference in one batch.
func (e *Env) rebuildLocked(d *Database) error {
	prev := d.tree
	muts, err := d.rebuildLocked()
	if err != nil {
		return wrap(d.name, OpPopulate, err)
	}
	if err := e.persistLocked(muts); err != nil {
		d.tree = prev
		return wrap(d.name, OpPopulate, err)
	}
	d.populated = true
	metrics.Add(metrics.StoragePopulatedRecords, int64(d.tree.Len()))
	e.logger.Debug().Str("database", d.name).Int("mutations", len(muts)).Msg("rebuilt secondary")
	return nil
}

// RemoveDatabase drops a database and all its records. Removing a primary
// removes its secondaries too.
func (e *Env) RemoveDatabase(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return wrap(name, OpRemove, ErrClosed)
	}
	if _, ok := e.catalog[name]; !ok {
		return nil
	}
	d, err := e.openForRemoveLocked(name)
	if err != nil {
		return wrap(name, OpRemove, err)
	}

	victims := []*Database{d}
	for other, entry := range e.catalog {
		if !entry.secondary || entry.primary != name {
			continue
		}
		v, err := e.openForRemoveLocked(other)
		if err != nil {
			return wrap(other, OpRemove, err)
		}
		victims = append(victims, v)
	}

	var muts []Mutation
	for _, v := range victims {
		var lockErr error
		v.tree.Ascend(func(r *record) bool {
			if r.owner != nil {
				lockErr = conflict(r.owner)
				return false
			}
			muts = append(muts, Mutation{Database: v.name, Key: v.persistKey(r), Delete: true})
			return true
		})
		if lockErr != nil {
			return wrap(v.name, OpRemove, lockErr)
		}
		muts = append(muts, Mutation{Database: catalogName, Key: []byte(v.name), Delete: true})
	}
	if err := e.persistLocked(muts); err != nil {
		return wrap(name, OpRemove, err)
	}

	for _, v := range victims {
		if v.primary != nil {
			v.primary.detach(v)
		}
		v.tree.Clear(false)
		v.closed = true
		delete(e.dbs, v.name)
		delete(e.catalog, v.name)
		delete(e.loaded, v.name)
	}
	e.logger.Info().Str("database", name).Int("records", len(muts)-len(victims)).Msg("removed database")
	return nil
}

// openForRemoveLocked returns the in-memory database for name, restoring a
// detached handle for a persisted database that was never opened.
func (e *Env) openForRemoveLocked(name string) (*Database, error) {
	if d, ok := e.dbs[name]; ok {
		return d, nil
	}
	entry := e.catalog[name]
	d := newDatabase(e, name, nil)
	if entry.secondary {
		p, ok := e.dbs[entry.primary]
		if !ok {
			p = newDatabase(e, entry.primary, nil)
		}
		d.primary = p
	}
	if err := d.restoreLocked(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close closes every database and the persister.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	for _, d := range e.dbs {
		d.closed = true
	}
	if e.opts.Persister != nil {
		if err := e.opts.Persister.Close(); err != nil {
			return wrap("", OpOpen, fmt.Errorf("close persister: %w", err))
		}
	}
	return nil
}

func (e *Env) checkName(name string) error {
	if e.closed {
		return ErrClosed
	}
	if name == "" || name == catalogName {
		return fmt.Errorf("%w: %q", ErrReserved, name)
	}
	return nil
}

func (e *Env) registerLocked(name string, entry catalogEntry, muts []Mutation) error {
	muts = append(muts, Mutation{Database: catalogName, Key: []byte(name), Value: encodeCatalogEntry(entry)})
	if err := e.persistLocked(muts); err != nil {
		return err
	}
	e.catalog[name] = entry
	return nil
}

func (e *Env) persistLocked(muts []Mutation) error {
	if e.opts.Persister == nil || len(muts) == 0 {
		return nil
	}
	if err := e.opts.Persister.Apply(muts); err != nil {
		e.logger.Error().Err(err).Int("mutations", len(muts)).Msg("persist failed")
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}

func (e *Env) intercept(op Op, database string) error {
	if e.opts.Interceptor == nil {
		return nil
	}
	return e.opts.Interceptor(op, database)
}
