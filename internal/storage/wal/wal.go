// Package wal persists engine commits in an append-only checksummed log.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/myuser/typedkv/internal/log"
	"github.com/myuser/typedkv/internal/storage"
)

var (
	ErrCorrupt = errors.New("wal: corrupt record")
	ErrClosed  = errors.New("wal: closed")
)

// WAL represents a Write Ahead Log.
type WAL struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	closed bool
}

var _ storage.Persister = (*WAL)(nil)

// commit is the JSON body of one log record.
type commit struct {
	Mutations []mutation `json:"mutations"`
}

type mutation struct {
	Database string `json:"db"`
	Key      []byte `json:"key"`
	Value    []byte `json:"value,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
}

// Open opens or creates a WAL file.
func Open(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{
		f:    f,
		path: path,
	}, nil
}

// Append writes an entry to the WAL.
// Format: Len(4) | Data(N) | CRC(4)
func (w *WAL) Append(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return appendRecord(w.f, data)
}

func appendRecord(f *os.File, data []byte) error {
	buf := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	binary.BigEndian.PutUint32(buf[4+len(data):], crc32.ChecksumIEEE(data))
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// Iterate reads all entries from the WAL calling handler for each.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.iterateLocked(handler)
}

func (w *WAL) iterateLocked(handler func(data []byte) error) error {
	info, err := w.f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// Appends use O_APPEND, the read offset does not affect them.
	defer w.f.Seek(0, io.SeekEnd)

	var off int64
	lenBuf := make([]byte, 4)
	crcBuf := make([]byte, 4)
	for off < size {
		if size-off < 8 {
			return w.truncateLocked(off, size, "truncated length")
		}
		if _, err := io.ReadFull(w.f, lenBuf); err != nil {
			return err
		}
		length := int64(binary.BigEndian.Uint32(lenBuf))
		end := off + 4 + length + 4
		if end > size {
			return w.truncateLocked(off, size, "truncated record")
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(w.f, data); err != nil {
			return err
		}
		if _, err := io.ReadFull(w.f, crcBuf); err != nil {
			return err
		}
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(crcBuf) {
			if end == size {
				return w.truncateLocked(off, size, "checksum mismatch")
			}
			return fmt.Errorf("%w at offset %d", ErrCorrupt, off)
		}

		if err := handler(data); err != nil {
			return err
		}
		off = end
	}
	return nil
}

// truncateLocked drops a torn final record left by an interrupted append.
func (w *WAL) truncateLocked(off, size int64, reason string) error {
	log.Storage.Warn().
		Str("path", w.path).
		Int64("offset", off).
		Int64("dropped", size-off).
		Str("reason", reason).
		Msg("truncating torn wal tail")
	if err := w.f.Truncate(off); err != nil {
		return fmt.Errorf("wal: truncate torn tail: %w", err)
	}
	return w.f.Sync()
}

// Apply appends one commit as a single record.
func (w *WAL) Apply(muts []storage.Mutation) error {
	c := commit{Mutations: make([]mutation, len(muts))}
	for i, m := range muts {
		c.Mutations[i] = mutation{Database: m.Database, Key: m.Key, Value: m.Value, Delete: m.Delete}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("wal: encode commit: %w", err)
	}
	return w.Append(data)
}

// Load folds the log into the latest state of every record.
func (w *WAL) Load(fn func(storage.Mutation) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	state, err := w.foldLocked()
	if err != nil {
		return err
	}
	for _, m := range state {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// foldLocked replays the log and returns the live records sorted by
// database and key.
func (w *WAL) foldLocked() ([]storage.Mutation, error) {
	type recKey struct{ db, key string }
	live := make(map[recKey][]byte)

	err := w.iterateLocked(func(data []byte) error {
		var c commit
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("wal: decode commit: %w", err)
		}
		for _, m := range c.Mutations {
			k := recKey{m.Database, string(m.Key)}
			if m.Delete {
				delete(live, k)
				continue
			}
			v := m.Value
			if v == nil {
				v = []byte{}
			}
			live[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]storage.Mutation, 0, len(live))
	for k, v := range live {
		out = append(out, storage.Mutation{Database: k.db, Key: []byte(k.key), Value: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return string(out[i].Key) < string(out[j].Key)
	})
	return out, nil
}

// Compact rewrites the log so it holds one record with the live state.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	state, err := w.foldLocked()
	if err != nil {
		return err
	}

	c := commit{Mutations: make([]mutation, len(state))}
	for i, m := range state {
		c.Mutations[i] = mutation{Database: m.Database, Key: m.Key, Value: m.Value}
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("wal: encode snapshot: %w", err)
	}

	tmp := w.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if len(state) > 0 {
		if err := appendRecord(f, data); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := os.Rename(tmp, w.path); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	w.f.Close()
	w.f = f
	return syncDir(filepath.Dir(w.path))
}

// syncDir makes a rename in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("wal: sync %s: %w", dir, err)
	}
	return d.Close()
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}
