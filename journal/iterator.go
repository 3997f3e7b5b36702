package journal

import "fmt"

// Component D: the chunk/changeset iterator (spec §4.D). Two primitives
// do all the work: nextChunkInChangeset advances within one changeset's
// chunk_index run (optimistic Next, falling back to Seek if a fragmented
// write landed the next chunk elsewhere), and seekChangesetHead jumps to
// the first chunk of the changeset the continuity chain says comes next.
// Higher-level walkers (by-chunk, by-changeset) compose these and accept
// a refresh callback for the "transaction-full" recovery spec describes.

type chunkEntry struct {
	key     chunkKey
	header  chunkHeader
	payload []byte
}

// entryFromKV fully decodes one stored (key, value) pair.
func entryFromKV(k, v []byte) chunkEntry {
	header, payload := decodeChunkValue(v)
	return chunkEntry{key: decodeKey(k), header: header, payload: payload}
}

// seekChangesetHead seeks the cursor to (serial, 0) and returns that
// chunk. ok is false if no such chunk exists.
func seekChangesetHead(cur Cursor, serial Serial) (chunkEntry, bool) {
	kb := encodeKey(serial, 0)
	k, v := cur.Seek(kb[:])
	if k == nil {
		return chunkEntry{}, false
	}
	e := entryFromKV(k, v)
	if e.key.serial != serial || e.key.chunkIndex != 0 {
		return chunkEntry{}, false
	}
	return e, true
}

// nextChunkInChangeset advances from chunk (serial, index-1) to chunk
// (serial, index), first trying the cursor's optimistic Next() — correct
// when the changeset's chunks were written contiguously — and falling
// back to an explicit Seek when that lands somewhere else, which happens
// when an earlier insert was chunked across sub-commits and another
// changeset's chunks were interleaved on disk.
func nextChunkInChangeset(cur Cursor, serial Serial, index uint32) (chunkEntry, bool) {
	if k, v := cur.Next(); k != nil {
		e := entryFromKV(k, v)
		if e.key.serial == serial && e.key.chunkIndex == index {
			return e, true
		}
	}
	kb := encodeKey(serial, index)
	k, v := cur.Seek(kb[:])
	if k == nil {
		return chunkEntry{}, false
	}
	e := entryFromKV(k, v)
	if e.key.serial != serial || e.key.chunkIndex != index {
		return chunkEntry{}, false
	}
	return e, true
}

// refreshFunc commits the current transaction, opens a new one, and
// returns a cursor re-seeked to resume iteration. Returning a nil cursor
// with a nil error signals the caller to stop (used in tests/degenerate
// cases); a non-nil error aborts the walk.
type refreshFunc func() (Cursor, error)

// noRefresh is used by walks that run inside a transaction expected never
// to hit ErrTxFull (e.g. read-only self-check); if it does, the walk
// simply stops rather than attempting a refresh it has no recipe for.
func noRefresh() refreshFunc {
	return func() (Cursor, error) { return nil, nil }
}

// byChunkVisitor is invoked once per physical chunk, with the cursor
// positioned exactly at that chunk's key so the visitor may call
// cur.Delete() if it needs to (the sweep in compact.go does). lastOfChangeset
// is true when this chunk is the final one (chunk_index == chunk_count-1)
// of its changeset. Returning stop=true ends the walk without error.
type byChunkVisitor func(cur Cursor, e chunkEntry, lastOfChangeset bool) (stop bool, err error)

// walkByChunk walks physical chunks starting at the head of the
// changeset named by `from`, following the continuity chain
// (serial_to-based, not raw key order) until `through` is reached
// inclusive, or visit requests a stop. If a visit reports ErrTxFull,
// refresh is invoked to get a fresh cursor positioned at the
// current (serial, chunkIndex) and the walk resumes.
func walkByChunk(cur Cursor, from, through Serial, refresh refreshFunc, visit byChunkVisitor) error {
	serial := from
	var refreshGuardSerial Serial
	haveGuard := false

	for {
		head, ok := seekChangesetHead(cur, serial)
		if !ok {
			return NotFoundError(fmt.Sprintf("walkByChunk: no changeset at serial %d", serial))
		}
		count := head.header.chunkCount
		to := head.header.serialTo

		entry := head
		idx := uint32(0)
		for {
			last := idx == count-1
			stop, err := visit(cur, entry, last)
			if err == ErrTxFull {
				if haveGuard && refreshGuardSerial == serial {
					return fmt.Errorf("journal: walkByChunk: repeated tx-full refresh with no progress at serial %d", serial)
				}
				haveGuard, refreshGuardSerial = true, serial
				nc, rerr := refresh()
				if rerr != nil {
					return rerr
				}
				if nc == nil {
					return nil
				}
				cur = nc
				kb := encodeKey(serial, idx)
				k, v := cur.Seek(kb[:])
				if k == nil {
					return NotFoundError("walkByChunk: resume position missing after refresh")
				}
				entry = entryFromKV(k, v)
				continue // retry visit at the same idx against the fresh transaction
			}
			if err != nil {
				return err
			}
			haveGuard = false
			if stop {
				return nil
			}
			if last {
				break
			}
			next, ok := nextChunkInChangeset(cur, serial, idx+1)
			if !ok {
				return fmt.Errorf("journal: walkByChunk: changeset %d missing chunk %d of %d", serial, idx+1, count)
			}
			entry = next
			idx++
		}

		if serial == through {
			return nil
		}
		serial = to
	}
}

// changesetBundle is every chunk of one reassembled changeset, payload
// bytes in chunk order, plus the changeset's from/to serials.
type changesetBundle struct {
	from, to Serial
	chunks   [][]byte
}

// changesetVisitor is invoked once per whole changeset.
type changesetVisitor func(b changesetBundle) (stop bool, err error)

// walkByChangeset is walkByChunk's counterpart that buffers a whole
// changeset's chunks before invoking visit once.
func walkByChangeset(cur Cursor, from, through Serial, refresh refreshFunc, visit changesetVisitor) error {
	serial := from
	var refreshGuardSerial Serial
	haveGuard := false

	for {
		head, ok := seekChangesetHead(cur, serial)
		if !ok {
			return NotFoundError(fmt.Sprintf("walkByChangeset: no changeset at serial %d", serial))
		}
		count := head.header.chunkCount
		to := head.header.serialTo
		chunks := make([][]byte, count)
		chunks[0] = head.payload

		ok = true
		for idx := uint32(1); idx < count && ok; idx++ {
			next, found := nextChunkInChangeset(cur, serial, idx)
			if !found {
				return fmt.Errorf("journal: walkByChangeset: changeset %d missing chunk %d of %d", serial, idx, count)
			}
			chunks[idx] = next.payload
		}

		stop, err := visit(changesetBundle{from: serial, to: to, chunks: chunks})
		if err == ErrTxFull {
			if haveGuard && refreshGuardSerial == serial {
				return fmt.Errorf("journal: walkByChangeset: repeated tx-full refresh with no progress at serial %d", serial)
			}
			haveGuard, refreshGuardSerial = true, serial
			nc, rerr := refresh()
			if rerr != nil {
				return rerr
			}
			if nc == nil {
				return nil
			}
			cur = nc
			continue // re-walk the same changeset against the fresh transaction
		}
		if err != nil {
			return err
		}
		haveGuard = false
		if stop {
			return nil
		}
		if serial == through {
			return nil
		}
		serial = to
	}
}
