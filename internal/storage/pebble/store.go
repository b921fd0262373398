// Package pebble persists engine records in a cockroachdb/pebble database.
//
// Every record is one pebble key:
//
//	uint16(len(database)) | database | record key
//
// so the records of one database are contiguous and ordered by raw key.
package pebble

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/rs/zerolog"

	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/storage"
)

type Options struct {
	// CacheSize is the block cache size in bytes.
	CacheSize    int64
	MemTableSize uint64
	// FS overrides the filesystem; vfs.NewMem() keeps everything in memory.
	FS     vfs.FS
	Logger *zerolog.Logger
}

// Persister implements storage.Persister.
type Persister struct {
	db     *pebble.DB
	closed bool
	mu     sync.RWMutex
}

var _ storage.Persister = (*Persister)(nil)

func Open(path string, opts Options) (*Persister, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64 * 1024 * 1024
	}
	if opts.MemTableSize == 0 {
		opts.MemTableSize = 32 * 1024 * 1024
	}
	logger := log.Storage
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	cache := pebble.NewCache(opts.CacheSize)
	defer cache.Unref()

	popts := &pebble.Options{
		Cache:        cache,
		MemTableSize: opts.MemTableSize,
		FS:           opts.FS,
		Logger:       zerologAdapter{logger: logger.With().Str("backend", "pebble").Logger()},
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", path, err)
	}
	return &Persister{db: db}, nil
}

// OpenInMemory opens a persister over an in-memory filesystem.
func OpenInMemory() (*Persister, error) {
	return Open("typedkv", Options{FS: vfs.NewMem()})
}

// OpenFS opens a persister over fs, which lets tests reopen an in-memory
// filesystem.
func OpenFS(fs vfs.FS, path string) (*Persister, error) {
	return Open(path, Options{FS: fs})
}

func (p *Persister) Load(fn func(storage.Mutation) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	iter, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("new iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		name, key, err := decodeKey(iter.Key())
		if err != nil {
			return err
		}
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(storage.Mutation{Database: name, Key: key, Value: value}); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Apply writes one commit as a single synced batch.
func (p *Persister) Apply(muts []storage.Mutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	b := p.db.NewBatch()
	defer b.Close()

	for _, m := range muts {
		k, err := encodeKey(m.Database, m.Key)
		if err != nil {
			return err
		}
		if m.Delete {
			err = b.Delete(k, nil)
		} else {
			err = b.Set(k, m.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("batch %s: %w", m.Database, err)
		}
	}
	return b.Commit(pebble.Sync)
}

func (p *Persister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}

func encodeKey(name string, key []byte) ([]byte, error) {
	if len(name) > math.MaxUint16 {
		return nil, ErrNameTooBig
	}
	buf := make([]byte, 2+len(name)+len(key))
	binary.BigEndian.PutUint16(buf, uint16(len(name)))
	copy(buf[2:], name)
	copy(buf[2+len(name):], key)
	return buf, nil
}

func decodeKey(k []byte) (string, []byte, error) {
	if len(k) < 2 {
		return "", nil, ErrMalformed
	}
	n := int(binary.BigEndian.Uint16(k))
	if len(k) < 2+n {
		return "", nil, ErrMalformed
	}
	key := make([]byte, len(k)-2-n)
	copy(key, k[2+n:])
	return string(k[2 : 2+n]), key, nil
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Infof(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

func (z zerologAdapter) Fatalf(format string, args ...interface{}) {
	z.logger.Fatal().Msgf(format, args...)
}
