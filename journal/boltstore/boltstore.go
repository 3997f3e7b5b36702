// Package boltstore implements the journal.Store contract on top of
// go.etcd.io/bbolt, the idiomatic Go analogue of the LMDB backend the
// original Knot DNS journal is built on: both are single-file,
// mmap-backed B+trees with single-writer/multi-reader MVCC transactions.
package boltstore

import (
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhishupp/knot/journal"
)

// defaultLockTimeout bounds how long Open waits for the file lock bbolt
// takes on the database file, so a second handle to an already-open
// journal fails fast instead of hanging (spec §7 *busy* "also returned
// when open finds an already-open handle").
const defaultLockTimeout = 200 * time.Millisecond

// Options configures a Store.
type Options struct {
	// SizeLimit is the soft byte budget the journal is willing to
	// occupy. bbolt itself has no LMDB-style hard mapsize; the Store
	// enforces this as a soft cap reported through Size() and used by
	// the journal's free-space accounting (spec §4.E step 3).
	SizeLimit uint64

	// TxWriteBudget bounds how many bytes of key+value data a single
	// write transaction may accumulate before Put/Delete start
	// returning journal.ErrTxFull. Zero disables the cap. This mirrors
	// LMDB's MDB_TXN_FULL / map-full behavior, which the original
	// journal's chunked-insert and eviction-sweep logic are written
	// against (spec §4.D, §4.E step 6).
	TxWriteBudget uint64

	// LockTimeout overrides defaultLockTimeout. Zero uses the default.
	LockTimeout time.Duration
}

// Store is a journal.Store backed by a single bbolt file.
type Store struct {
	db    *bolt.DB
	path  string
	limit uint64
	txCap uint64
}

// ErrLocked is returned by Open when another handle already holds the
// database file's lock.
var ErrLocked = bolt.ErrTimeout

// Backend adapts this package's Open/StatSize/Wipe to journal.Backend,
// so journal.Open can construct a bbolt-backed store without the
// journal package ever importing this one (this package already imports
// journal, to implement journal.Store — the reverse import would
// cycle). TxWriteBudget is forwarded to every Store this Backend opens.
type Backend struct {
	TxWriteBudget uint64
	LockTimeout   time.Duration
}

func (b Backend) StatSize(path string) (uint64, error) { return StatSize(path) }

func (b Backend) Wipe(path string) error { return Wipe(path) }

func (b Backend) Open(path string, sizeLimit uint64) (journal.Store, error) {
	s, err := Open(path, Options{SizeLimit: sizeLimit, TxWriteBudget: b.TxWriteBudget, LockTimeout: b.LockTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, journal.BusyError("boltstore: journal already open elsewhere")
		}
		return nil, err
	}
	return s, nil
}

// Open opens (creating if absent) the bbolt file at path. StatSize reports
// the on-disk file size before open so callers can detect a shrunk mapping
// (spec §4.H) prior to calling Open.
func Open(path string, opts Options) (*Store, error) {
	timeout := opts.LockTimeout
	if timeout == 0 {
		timeout = defaultLockTimeout
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	return &Store{db: db, path: path, limit: opts.SizeLimit, txCap: opts.TxWriteBudget}, nil
}

// StatSize returns the current on-disk file size of the bbolt file at
// path, or 0 if it does not exist. Used by journal.Open to detect a
// shrunk size limit before the store is even opened.
func StatSize(path string) (uint64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("boltstore: stat %s: %w", path, err)
	}
	return uint64(fi.Size()), nil
}

// Wipe removes the bbolt file at path so a fresh one can be created with a
// new size limit (spec §4.H, shrunk-mapping recovery when no unflushed
// history exists).
func Wipe(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("boltstore: wipe %s: %w", path, err)
	}
	return nil
}

func (s *Store) Begin(writable bool) (journal.Tx, error) {
	tx, err := s.db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("boltstore: begin(writable=%v): %w", writable, err)
	}
	budget := &txBudget{cap: s.txCap}
	return &Tx{tx: tx, budget: budget}, nil
}

func (s *Store) Size() (used, limit uint64) {
	var total int64
	_ = s.db.View(func(tx *bolt.Tx) error {
		total = tx.Size()
		return nil
	})
	stats := s.db.Stats()
	pageSize := uint64(os.Getpagesize())
	free := uint64(stats.FreePageN) * pageSize
	u := uint64(total)
	if free > u {
		free = u
	}
	return u - free, s.limit
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("boltstore: close: %w", err)
	}
	return nil
}

// txBudget tracks bytes written by one transaction against TxWriteBudget.
type txBudget struct {
	cap, used uint64
}

func (b *txBudget) add(n int) error {
	if b.cap == 0 {
		return nil
	}
	b.used += uint64(n)
	if b.used > b.cap {
		return journal.ErrTxFull
	}
	return nil
}

// Tx adapts *bolt.Tx to journal.Tx.
type Tx struct {
	tx     *bolt.Tx
	budget *txBudget
}

func (t *Tx) Writable() bool { return t.tx.Writable() }

func (t *Tx) Bucket(name []byte) (journal.Bucket, error) {
	if t.tx.Writable() {
		b, err := t.tx.CreateBucketIfNotExists(name)
		if err != nil {
			return nil, fmt.Errorf("boltstore: create bucket %s: %w", name, err)
		}
		return &Bucket{b: b, budget: t.budget}, nil
	}
	b := t.tx.Bucket(name)
	if b == nil {
		return nil, nil
	}
	return &Bucket{b: b, budget: t.budget}, nil
}

func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("boltstore: commit: %w", err)
	}
	return nil
}

func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("boltstore: rollback: %w", err)
	}
	return nil
}

// Bucket adapts *bolt.Bucket to journal.Bucket.
type Bucket struct {
	b      *bolt.Bucket
	budget *txBudget
}

func (b *Bucket) Get(key []byte) []byte {
	v := b.b.Get(key)
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (b *Bucket) Put(key, value []byte) error {
	if err := b.b.Put(key, value); err != nil {
		return fmt.Errorf("boltstore: put: %w", err)
	}
	return b.budget.add(len(key) + len(value))
}

func (b *Bucket) Delete(key []byte) error {
	if err := b.b.Delete(key); err != nil {
		return fmt.Errorf("boltstore: delete: %w", err)
	}
	return b.budget.add(len(key))
}

func (b *Bucket) Count() int {
	n := 0
	c := b.b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func (b *Bucket) Cursor() journal.Cursor {
	return &Cursor{c: b.b.Cursor(), budget: b.budget}
}

// Cursor adapts *bolt.Cursor to journal.Cursor.
type Cursor struct {
	c      *bolt.Cursor
	budget *txBudget
}

func (c *Cursor) First() (key, value []byte) { return cloneKV(c.c.First()) }

func (c *Cursor) Seek(key []byte) (k, v []byte) { return cloneKV(c.c.Seek(key)) }

func (c *Cursor) Next() (key, value []byte) { return cloneKV(c.c.Next()) }

func (c *Cursor) Delete() error {
	if err := c.c.Delete(); err != nil {
		return fmt.Errorf("boltstore: cursor delete: %w", err)
	}
	return c.budget.add(1)
}

func cloneKV(k, v []byte) ([]byte, []byte) {
	if k == nil {
		return nil, nil
	}
	ck := make([]byte, len(k))
	copy(ck, k)
	var cv []byte
	if v != nil {
		cv = make([]byte, len(v))
		copy(cv, v)
	}
	return ck, cv
}
