package journal

import "fmt"

// Component B: the transaction helper (spec §4.B). One txn wraps one
// backend transaction plus a sticky error and a shadow copy of metadata;
// every metadata mutation during the operation is written to the shadow
// and only becomes visible — both on disk and in the live Journal struct —
// if the backend transaction commits.
//
// Helper functions that build a larger operation out of smaller ones
// (storeChangesets calling prepareInsert calling evict, say) take a *txn
// directly and never end it themselves: only the function that opened
// the txn (beginTxn) owns it and is responsible for ending it. The one
// exception is the commit-and-reopen of refreshTx, which sub-commits and
// swaps a fresh transaction into the same *txn. This is the "reuse pattern" spec §4.B describes.
type txn struct {
	j      *Journal
	tx     Tx
	active bool
	err    error

	shadow metadata
	dirty  map[metaField]bool
}

// withTxn runs fn inside a single freshly-begun transaction, committing
// on success and aborting on failure. It is the right tool for operations
// that need exactly one commit (Flush, LoadChangesets, Check); operations
// that must sub-commit partway through (Insert) manage their own txn
// sequence instead.
func (j *Journal) withTxn(writable bool, fn func(t *txn) error) error {
	t, err := beginTxn(j, writable)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		t.abort()
		return err
	}
	return t.commit()
}

func beginTxn(j *Journal, writable bool) (*txn, error) {
	tx, err := j.store.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("journal: begin transaction: %w", err)
	}
	return &txn{j: j, tx: tx, active: true, shadow: j.meta, dirty: map[metaField]bool{}}, nil
}

// fail records the first error seen by this helper; every subsequent
// operation on it becomes a no-op that re-returns it (spec §9
// "error-code ping-pong" / sticky state).
func (t *txn) fail(err error) error {
	if t.err == nil {
		t.err = err
	}
	return t.err
}

func (t *txn) dataBucket() (Bucket, error) {
	if t.err != nil {
		return nil, t.err
	}
	b, err := t.tx.Bucket(BucketData)
	if err != nil {
		return nil, t.fail(err)
	}
	return b, nil
}

func (t *txn) metaBucket() (Bucket, error) {
	if t.err != nil {
		return nil, t.err
	}
	b, err := t.tx.Bucket(BucketMeta)
	if err != nil {
		return nil, t.fail(err)
	}
	return b, nil
}

func (t *txn) mergedBucket() (Bucket, error) {
	if t.err != nil {
		return nil, t.err
	}
	b, err := t.tx.Bucket(BucketMerged)
	if err != nil {
		return nil, t.fail(err)
	}
	return b, nil
}

// find looks a key up without failing the helper when it's absent.
func (t *txn) find(b Bucket, key []byte) ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	return b.Get(key), nil
}

// findOrFail is find, but a miss becomes a sticky NotFoundError.
func (t *txn) findOrFail(b Bucket, key []byte, context string) ([]byte, error) {
	if t.err != nil {
		return nil, t.err
	}
	v := b.Get(key)
	if v == nil {
		return nil, t.fail(NotFoundError(context))
	}
	return v, nil
}

// insert returns ErrTxFull verbatim (a control signal, not a failure) and
// otherwise fails the helper sticky on any other backend error.
func (t *txn) insert(b Bucket, key, value []byte) error {
	if t.err != nil {
		return t.err
	}
	if err := b.Put(key, value); err != nil {
		if err == ErrTxFull {
			return ErrTxFull
		}
		return t.fail(err)
	}
	return nil
}

func (t *txn) delete(b Bucket, key []byte) error {
	if t.err != nil {
		return t.err
	}
	if err := b.Delete(key); err != nil {
		if err == ErrTxFull {
			return ErrTxFull
		}
		return t.fail(err)
	}
	return nil
}

func (t *txn) count(b Bucket) (int, error) {
	if t.err != nil {
		return 0, t.err
	}
	return b.Count(), nil
}

// Metadata shadow mutators. Every one marks its field dirty so commit
// knows to persist it; none of them touch the live Journal struct.

func (t *txn) setFirstSerial(s Serial)  { t.shadow.firstSerial = s; t.dirty[fFirstSerial] = true }
func (t *txn) setLastSerial(s Serial)   { t.shadow.lastSerial = s; t.dirty[fLastSerial] = true }
func (t *txn) setLastSerialTo(s Serial) { t.shadow.lastSerialTo = s; t.dirty[fLastSerialTo] = true }
func (t *txn) setLastFlushed(s Serial)  { t.shadow.lastFlushed = s; t.dirty[fLastFlushed] = true }
func (t *txn) setMergedSerial(s Serial) { t.shadow.mergedSerial = s; t.dirty[fMergedSerial] = true }
func (t *txn) setDirtySerial(s Serial)  { t.shadow.dirtySerial = s; t.dirty[fDirtySerial] = true }

func (t *txn) raiseFlag(f metaFlags) {
	t.shadow.flags |= f
	t.dirty[fFlags] = true
}

func (t *txn) clearFlag(f metaFlags) {
	if t.shadow.flags&f == 0 {
		return
	}
	t.shadow.flags &^= f
	t.dirty[fFlags] = true
}

// commit writes every dirty metadata field, commits the backend
// transaction, and — only on success — publishes the shadow as the
// journal's live metadata. The journal has a single writer serialized by
// the backend's write lock, so this plain struct assignment is safe
// without further synchronization (spec §5).
func (t *txn) commit() error {
	if t.err != nil {
		t.abort()
		return t.err
	}
	if len(t.dirty) > 0 {
		mb, err := t.tx.Bucket(BucketMeta)
		if err != nil {
			t.fail(err)
			t.abort()
			return t.err
		}
		for f := range t.dirty {
			if err := writeMetaField(mb, t.shadow, f); err != nil {
				t.fail(err)
				t.abort()
				return t.err
			}
		}
	}
	// A read-only backend transaction has nothing to commit; bbolt (and
	// most MVCC backends) reject Commit on one, so it is released with
	// Rollback instead. Either way the shadow — unmutated on a read-only
	// path — is republished for consistency.
	if t.tx.Writable() {
		if err := t.tx.Commit(); err != nil {
			t.active = false
			return t.fail(fmt.Errorf("journal: commit: %w", err))
		}
	} else if err := t.tx.Rollback(); err != nil {
		t.active = false
		return t.fail(fmt.Errorf("journal: release read-only transaction: %w", err))
	}
	t.active = false
	t.j.meta = t.shadow
	return nil
}

// abort discards the shadow and rolls back the backend transaction. It is
// safe to call on an already-failed or already-ended helper.
func (t *txn) abort() error {
	if t.active {
		_ = t.tx.Rollback()
		t.active = false
	}
	return t.err
}

// refreshClosure builds a refreshFunc that commits t, begins a new
// transaction in its place (copying the new helper's fields over t so
// every caller holding t observes the swap), and opens a fresh cursor on
// the named bucket positioned at the start — callers always re-seek
// immediately after, so starting position doesn't matter.
func (t *txn) refreshClosure(bucketName []byte) refreshFunc {
	return func() (Cursor, error) {
		nt, err := t.refreshTx()
		if err != nil {
			return nil, err
		}
		*t = *nt
		b, err := t.tx.Bucket(bucketName)
		if err != nil {
			return nil, err
		}
		return b.Cursor(), nil
	}
}

// refreshTx commits the current transaction, data and metadata changes
// alike, and begins a new writable
// transaction, used by walkByChunk/walkByChangeset's refresh callback when
// a long eviction sweep or load trips ErrTxFull. The returned *txn
// replaces t in the caller; t must not be used again.
func (t *txn) refreshTx() (*txn, error) {
	if err := t.commit(); err != nil {
		return nil, err
	}
	return beginTxn(t.j, true)
}
