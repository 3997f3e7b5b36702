package journal

import "errors"

// Store is the ordered key/value store with MVCC transactions the journal
// core is built against (spec §6, "backing-store interface"). Any backend
// that is a B-tree (or equivalent) with single-writer/multi-reader
// transactions and byte-wise key ordering satisfies this contract; the
// journal never reaches for a concrete backend type directly. The shipped
// implementation is journal/boltstore, on top of go.etcd.io/bbolt.
type Store interface {
	// Begin starts a transaction. Only one writable transaction may be
	// active at a time; any number of read-only transactions may run
	// concurrently with it and with each other.
	Begin(writable bool) (Tx, error)

	// Size reports the store's current occupied bytes and its configured
	// size limit, both used by the Writer's free-space accounting.
	Size() (used, limit uint64)

	// Close releases the backend. No pending writes are flushed because
	// every journal operation commits as it happens.
	Close() error
}

// Tx is one backend transaction. A Tx is either read-only or writable, set
// at Begin time.
type Tx interface {
	// Bucket returns the named bucket, creating it if the transaction is
	// writable and the bucket does not yet exist. A read-only Tx against
	// a bucket that does not exist returns (nil, nil).
	Bucket(name []byte) (Bucket, error)

	Writable() bool
	Commit() error
	Rollback() error
}

// Bucket is one flat key/value namespace inside a Tx.
type Bucket interface {
	Get(key []byte) []byte
	// Put may return ErrTxFull after performing the write, signalling
	// that the caller should commit the enclosing transaction, open a
	// new one, and resume.
	Put(key, value []byte) error
	Delete(key []byte) error
	Count() int
	Cursor() Cursor
}

// Cursor walks a Bucket's keys in byte-wise lexicographic order.
type Cursor interface {
	First() (key, value []byte)
	Seek(key []byte) (k, v []byte)
	Next() (key, value []byte)
	// Delete removes the item at the cursor's current position without
	// invalidating the cursor for a subsequent Next call.
	Delete() error
}

// Backend constructs and inspects a Store's on-disk representation
// without the journal core ever importing a concrete backend package
// (journal/boltstore imports journal, so the reverse import would
// cycle). journal.Open takes a Backend value from its caller — typically
// a boltstore.Backend{} — exactly as spec §6 describes the backing store
// as an external collaborator reached only through an interface.
type Backend interface {
	// StatSize reports the on-disk size of the store at path without
	// opening it, or 0 if nothing exists there yet. Used by Open to
	// detect a shrunk size limit before committing to either wiping or
	// reopening (spec §4.H).
	StatSize(path string) (uint64, error)

	// Wipe removes the on-disk store at path so Open can recreate it
	// fresh with a new size limit.
	Wipe(path string) error

	// Open opens (creating if absent) the store at path with the given
	// soft byte budget. Returns a BusyError if another handle already
	// holds it open.
	Open(path string, sizeLimit uint64) (Store, error)
}

// ErrTxFull is the "transaction-full" signal named in spec §4.D and §4.E
// step 6: a backend may return it from Put/Delete/Commit once a
// transaction has accumulated more writes than it is willing to hold
// before a commit. The journal's Iterator and Writer both know how to
// recover from it by committing, starting a fresh transaction, and
// re-seeking to where they left off.
var ErrTxFull = errors.New("journal: backend transaction full")

// Bucket names, matching the three named sub-databases ("data", "meta",
// "merged") the original LMDB-backed journal uses. A backend is free to
// fold them into one namespace as long as keys stay disjoint; boltstore
// keeps the three-bucket layout because it costs nothing and makes the
// on-disk structure easy to eyeball with a generic bbolt browser.
var (
	BucketData   = []byte("data")
	BucketMeta   = []byte("meta")
	BucketMerged = []byte("merged")
)

// Under BucketMerged, the merged changeset's chunks are stored with the
// ordinary chunk key layout, with serial == the merged changeset's
// from-serial.
