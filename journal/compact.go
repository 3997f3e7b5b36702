package journal

import (
	"fmt"

	"github.com/zhishupp/knot/internal/log"
)

// Component G: the compactor (spec §4.G) — the flush marker, the
// eviction sweep that reclaims flushed history, merge-mode compaction,
// and drop.

// Flush marks the entire history up to last_serial as eligible for
// eviction: it is the caller's contract that the external zone has
// already been durably persisted. Apart from that metadata update, the
// only data it touches is a merged changeset that tryFlushEligibility
// finds redundant, which it deletes.
func (j *Journal) Flush() error {
	return j.withTxn(true, func(t *txn) error {
		if err := j.tryFlushEligibility(t); err != nil {
			return err
		}
		if !t.shadow.flags.has(flagSerialToValid) {
			return nil
		}
		t.setLastFlushed(t.shadow.lastSerial)
		t.raiseFlag(flagLastFlushedValid)
		return nil
	})
}

// isFullyFlushed reports whether every committed changeset has already
// been named by a successful flush.
func isFullyFlushed(m metadata) bool {
	if !m.flags.has(flagSerialToValid) {
		return true
	}
	return m.flags.has(flagLastFlushedValid) && m.lastFlushed == m.lastSerial
}

// tryFlushEligibility deletes a merged changeset that has become
// redundant: everything is flushed and merging is no longer permitted by
// policy, so the merged changeset is pure dead weight (spec §9 open
// question 3, resolved in SPEC_FULL.md §9).
func (j *Journal) tryFlushEligibility(t *txn) error {
	if !isFullyFlushed(t.shadow) {
		return nil
	}
	if !t.shadow.flags.has(flagMergedSerialValid) || j.policy.MergeEnabled {
		return nil
	}
	mergedBucket, err := t.mergedBucket()
	if err != nil {
		return err
	}
	bundle, err := readOneChangeset(mergedBucket, t.shadow.mergedSerial)
	if err != nil {
		if IsNotFound(err) {
			t.clearFlag(flagMergedSerialValid)
			return nil
		}
		return err
	}
	if err := deleteChangesetChunks(t, mergedBucket, bundle); err != nil {
		return err
	}
	t.clearFlag(flagMergedSerialValid)
	return nil
}

// evict walks flushed history forward from first_serial, deleting
// chunks, and stops as soon as freed bytes reach wantBytes or the next
// candidate would be unflushed (spec §4.G delete_tofree). It never
// touches a changeset past last_flushed.
func (j *Journal) evict(t *txn, dataBucket Bucket, wantBytes uint64) (uint64, error) {
	if !t.shadow.flags.has(flagSerialToValid) || !t.shadow.flags.has(flagLastFlushedValid) {
		return 0, nil
	}
	limit := t.shadow.lastFlushed
	var freed uint64

	cur := dataBucket.Cursor()
	err := walkByChunk(cur, t.shadow.firstSerial, limit, t.refreshClosure(BucketData), func(cur Cursor, e chunkEntry, last bool) (bool, error) {
		if err := cur.Delete(); err != nil {
			return false, err
		}
		freed += uint64(KeySize + HeaderSize + len(e.payload))
		if !last {
			return false, nil
		}
		t.setFirstSerial(e.header.serialTo)
		if e.key.serial == limit {
			t.clearFlag(flagLastFlushedValid)
			return true, nil
		}
		return freed >= wantBytes, nil
	})
	return freed, err
}

// evictThrough deletes every changeset in [first_serial, through]
// inclusive, used when a duplicate-serial collision is detected (spec
// §4.E step 2). The caller must have already ensured that range is
// flushed.
func (j *Journal) evictThrough(t *txn, dataBucket Bucket, through Serial) error {
	if !t.shadow.flags.has(flagSerialToValid) {
		return nil
	}
	cur := dataBucket.Cursor()
	err := walkByChunk(cur, t.shadow.firstSerial, through, t.refreshClosure(BucketData), func(cur Cursor, e chunkEntry, last bool) (bool, error) {
		if err := cur.Delete(); err != nil {
			return false, err
		}
		if !last {
			return false, nil
		}
		t.setFirstSerial(e.header.serialTo)
		if t.shadow.flags.has(flagLastFlushedValid) && e.key.serial == t.shadow.lastFlushed {
			t.clearFlag(flagLastFlushedValid)
		}
		return e.key.serial == through, nil
	})
	if err != nil {
		return err
	}
	if through == t.shadow.lastSerial {
		t.clearFlag(flagSerialToValid)
	}
	return nil
}

// dropHistory deletes every non-merged chunk in [first_serial,
// last_serial] and clears SERIAL_TO_VALID/LAST_FLUSHED_VALID. Used by
// prepareInsert's discontinuity-recovery path (spec §4.E step 1) and
// by DropJournal for the non-merged portion.
func (j *Journal) dropHistory(t *txn, dataBucket Bucket) error {
	if !t.shadow.flags.has(flagSerialToValid) {
		return nil
	}
	cur := dataBucket.Cursor()
	err := walkByChunk(cur, t.shadow.firstSerial, t.shadow.lastSerial, t.refreshClosure(BucketData), func(cur Cursor, e chunkEntry, last bool) (bool, error) {
		if err := cur.Delete(); err != nil {
			return false, err
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	t.clearFlag(flagSerialToValid)
	t.clearFlag(flagLastFlushedValid)
	return nil
}

// DropJournal deletes the merged changeset (if any) and all non-merged
// history, clearing the corresponding metadata flags (spec §4.G drop).
func (j *Journal) DropJournal() error {
	return j.withTxn(true, func(t *txn) error {
		if t.shadow.flags.has(flagMergedSerialValid) {
			mergedBucket, err := t.mergedBucket()
			if err != nil {
				return err
			}
			bundle, err := readOneChangeset(mergedBucket, t.shadow.mergedSerial)
			if err != nil && !IsNotFound(err) {
				return err
			}
			if err == nil {
				if err := deleteChangesetChunks(t, mergedBucket, bundle); err != nil {
					return err
				}
			}
			t.clearFlag(flagMergedSerialValid)
		}
		dataBucket, err := t.dataBucket()
		if err != nil {
			return err
		}
		return j.dropHistory(t, dataBucket)
	})
}

// firstUnflushedSerial returns the from-serial of the oldest changeset
// not yet named by a flush, and false if there is none (either no
// history at all, or everything already flushed).
func (j *Journal) firstUnflushedSerial(t *txn, dataBucket Bucket) (Serial, bool, error) {
	m := t.shadow
	if !m.flags.has(flagSerialToValid) {
		return 0, false, nil
	}
	if !m.flags.has(flagLastFlushedValid) {
		return m.firstSerial, true, nil
	}
	if m.lastFlushed == m.lastSerial {
		return 0, false, nil
	}
	key := encodeKey(m.lastFlushed, 0)
	v := dataBucket.Get(key[:])
	if v == nil {
		return 0, false, NotFoundError(fmt.Sprintf("firstUnflushedSerial: changeset %d named by last_flushed is missing", m.lastFlushed))
	}
	h, _ := decodeChunkValue(v)
	return h.serialTo, true, nil
}

// readOneChangeset reassembles the single changeset starting at serial
// from bucket, without following the continuity chain further — the
// caller already knows exactly where it starts.
func readOneChangeset(bucket Bucket, serial Serial) (changesetBundle, error) {
	cur := bucket.Cursor()
	head, ok := seekChangesetHead(cur, serial)
	if !ok {
		return changesetBundle{}, NotFoundError(fmt.Sprintf("readOneChangeset: no changeset at serial %d", serial))
	}
	count := head.header.chunkCount
	chunks := make([][]byte, count)
	chunks[0] = head.payload
	for idx := uint32(1); idx < count; idx++ {
		next, ok := nextChunkInChangeset(cur, serial, idx)
		if !ok {
			return changesetBundle{}, fmt.Errorf("journal: readOneChangeset: changeset %d missing chunk %d of %d", serial, idx, count)
		}
		chunks[idx] = next.payload
	}
	return changesetBundle{from: serial, to: head.header.serialTo, chunks: chunks}, nil
}

// deleteChangesetChunks removes every physical chunk of bundle from
// bucket.
func deleteChangesetChunks(t *txn, bucket Bucket, bundle changesetBundle) error {
	for i := range bundle.chunks {
		key := encodeKey(bundle.from, uint32(i))
		if err := t.delete(bucket, key[:]); err != nil {
			return err
		}
	}
	return nil
}

// mergeJournal folds every unflushed changeset into a single merged
// changeset and advances last_flushed to last_serial (spec §4.G merge
// mode), invoked by the Writer as the alternative to returning *busy*
// when the caller's policy allows merging.
func (j *Journal) mergeJournal(t *txn, dataBucket Bucket) error {
	firstUnflushed, ok, err := j.firstUnflushedSerial(t, dataBucket)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var seed Changeset
	if !t.shadow.flags.has(flagMergedSerialValid) {
		bundle, err := readOneChangeset(dataBucket, firstUnflushed)
		if err != nil {
			return err
		}
		seed, err = j.codec.DeserializeChunks(bundle.from, bundle.to, bundle.chunks)
		if err != nil {
			return err
		}
		if err := deleteChangesetChunks(t, dataBucket, bundle); err != nil {
			return err
		}
		t.setFirstSerial(seed.To())
	} else {
		mergedBucket, err := t.mergedBucket()
		if err != nil {
			return err
		}
		bundle, err := readOneChangeset(mergedBucket, t.shadow.mergedSerial)
		if err != nil {
			return err
		}
		if bundle.to != firstUnflushed {
			return fmt.Errorf("journal: merge: merged changeset's to=%d does not match first unflushed from=%d", bundle.to, firstUnflushed)
		}
		seed, err = j.codec.DeserializeChunks(bundle.from, bundle.to, bundle.chunks)
		if err != nil {
			return err
		}
		if err := deleteChangesetChunks(t, mergedBucket, bundle); err != nil {
			return err
		}
	}

	if seed.To() != t.shadow.lastSerialTo {
		cur := dataBucket.Cursor()
		err = walkByChangeset(cur, seed.To(), t.shadow.lastSerial, t.refreshClosure(BucketData), func(b changesetBundle) (bool, error) {
			next, err := j.codec.DeserializeChunks(b.from, b.to, b.chunks)
			if err != nil {
				return false, err
			}
			folded, err := j.codec.Merge(seed, next)
			if err != nil {
				return false, err
			}
			seed = folded
			return false, nil
		})
		if err != nil {
			return err
		}
	}

	if err := j.insertChangeset(t, seed, modeMerged); err != nil {
		return err
	}
	log.Info("journal: merged history up to serial %d into serial %d", uint32(t.shadow.lastSerial), uint32(seed.From()))
	t.setLastFlushed(t.shadow.lastSerial)
	t.raiseFlag(flagLastFlushedValid)
	return nil
}
