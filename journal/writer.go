package journal

import (
	"fmt"
	"math"

	"github.com/zhishupp/knot/internal/log"
)

// Component E: the Writer (spec §4.E). Insert handles continuity and
// duplicate-serial recovery, space planning against the policy's
// occupancy ratios, chunked serialization, and mid-insert durability via
// the dirty-serial marker — then insertChangeset does the actual
// chunk-by-chunk commit sequence shared by normal inserts and the
// merged-changeset insert mergeJournal performs.

// insertMode distinguishes a normal insert (advances the visible
// history chain) from a merged-changeset insert (only ever touches
// merged_serial).
type insertMode int

const (
	modeNormal insertMode = iota
	modeMerged
)

// StoreChangeset is the normal-mode insert (spec §4.E, §6 store_changeset).
func (j *Journal) StoreChangeset(ch Changeset) error {
	return j.storeChangesets([]Changeset{ch})
}

// StoreChangesets inserts a batch atomically: continuity/duplicate
// recovery and space planning run once against the whole batch's edges,
// and every changeset lands in the same sequence of sub-commits (spec §6
// store_changesets).
func (j *Journal) StoreChangesets(list []Changeset) error {
	return j.storeChangesets(list)
}

func (j *Journal) storeChangesets(list []Changeset) error {
	if len(list) == 0 {
		return InvalidArgumentError("storeChangesets: empty list")
	}

	t, err := beginTxn(j, true)
	if err != nil {
		return err
	}

	if err := j.prepareInsert(t, list[0].From()); err != nil {
		t.abort()
		return err
	}

	for _, ch := range list {
		if err := j.insertChangeset(t, ch, modeNormal); err != nil {
			t.abort()
			return err
		}
	}

	return t.commit()
}

// prepareInsert runs the continuity check, duplicate check, and space
// planning steps (spec §4.E steps 1-4) ahead of the actual chunk commit.
// S is the from-serial of the first changeset about to be inserted.
func (j *Journal) prepareInsert(t *txn, s Serial) error {
	// Every step below re-fetches the data bucket instead of caching it
	// across calls: evict/dropHistory/mergeJournal can refresh the
	// backend transaction internally (spec §4.D transaction-full
	// recovery), which replaces t.tx and invalidates any Bucket handle
	// obtained from the transaction it replaced.
	dataBucket, err := t.dataBucket()
	if err != nil {
		return err
	}

	// Step 1: continuity check.
	if t.shadow.flags.has(flagSerialToValid) && t.shadow.lastSerialTo != s {
		log.Warn("journal: discontinuity, last_serial_to=%d next from=%d, dropping history", uint32(t.shadow.lastSerialTo), uint32(s))
		if dataBucket, err = t.dataBucket(); err != nil {
			return err
		}
		if err := j.requestFlushOrMerge(t, dataBucket); err != nil {
			return err
		}
		if dataBucket, err = t.dataBucket(); err != nil {
			return err
		}
		if err := j.dropHistory(t, dataBucket); err != nil {
			return err
		}
	}

	// Step 2: duplicate check.
	if t.shadow.flags.has(flagSerialToValid) {
		if dataBucket, err = t.dataBucket(); err != nil {
			return err
		}
		key := encodeKey(s, 0)
		if dataBucket.Get(key[:]) != nil {
			log.Warn("journal: duplicate-serial collision at %d, evicting history prefix", uint32(s))
			if err := j.requestFlushOrMerge(t, dataBucket); err != nil {
				return err
			}
			if dataBucket, err = t.dataBucket(); err != nil {
				return err
			}
			if err := j.evictThrough(t, dataBucket, s); err != nil {
				return err
			}
		}
	}

	// Step 3: space planning.
	used, limit := j.store.Size()
	occupancy := float64(used) / float64(limit)
	allowed := j.policy.allowedOccupancy(t.shadow.flags.has(flagMergedSerialValid))
	if occupancy > allowed {
		want := uint64((occupancy - allowed) * float64(limit))
		if dataBucket, err = t.dataBucket(); err != nil {
			return err
		}
		freed, err := j.evict(t, dataBucket, want*uint64(j.policy.DisposeRatio))
		if err != nil {
			return err
		}
		if freed < want {
			// Step 4: nothing flushed (or not enough) — flush or merge.
			if dataBucket, err = t.dataBucket(); err != nil {
				return err
			}
			if err := j.requestFlushOrMerge(t, dataBucket); err != nil {
				return err
			}
		}
	}
	return nil
}

// requestFlushOrMerge is the flush-or-merge fallback of spec §4.E steps
// 1/2/4 (the original's try_flush): if a prior Flush() already covers
// every changeset in play, there is nothing to ask the caller for, so it
// also takes the chance to drop a merged changeset left over from a
// policy change (spec §9 open question 3). Otherwise, if the zone's
// policy allows merging, merge unflushed history in place; failing that
// the caller must externalize the zone first, signalled by *busy*.
func (j *Journal) requestFlushOrMerge(t *txn, dataBucket Bucket) error {
	if err := j.tryFlushEligibility(t); err != nil {
		return err
	}
	if isFullyFlushed(t.shadow) {
		return nil
	}
	if j.policy.MergeEnabled {
		return j.mergeJournal(t, dataBucket)
	}
	return BusyError("prepareInsert: flush required before further inserts")
}

// insertChangeset performs steps 5-7 of spec §4.E: serialize ch into
// chunks, commit them (sub-committing and marking dirty_serial if the
// insert grows past the policy's threshold), and update the shadow
// metadata for mode.
func (j *Journal) insertChangeset(t *txn, ch Changeset, mode insertMode) error {
	size, err := j.codec.SerializedSize(ch)
	if err != nil {
		return fmt.Errorf("journal: insertChangeset: serialized size: %w", err)
	}
	maxChunks := int(math.Ceil(2*float64(size)/float64(ChunkPayloadMax))) + 1
	chunks, err := j.codec.SerializeChunks(ch, ChunkPayloadMax)
	if err != nil {
		return fmt.Errorf("journal: insertChangeset: serialize: %w", err)
	}
	if len(chunks) == 0 {
		return InvalidArgumentError("insertChangeset: changeset serialized to zero chunks")
	}
	if len(chunks) > maxChunks {
		return fmt.Errorf("journal: insertChangeset: serialize produced %d chunks, budgeted %d", len(chunks), maxChunks)
	}

	s, to := ch.From(), ch.To()
	header := chunkHeader{serialTo: to, chunkCount: uint32(len(chunks)), chunkSize: 0}

	_, limit := j.store.Size()
	subCommitThreshold := uint64(j.policy.DirtySubCommitFraction * float64(limit))
	var sinceCommit uint64

	for idx, payload := range chunks {
		h := header
		h.chunkSize = uint32(len(payload))
		value := encodeChunkValue(h, payload)

		var bucket Bucket
		var err error
		if mode == modeMerged {
			bucket, err = t.mergedBucket()
		} else {
			bucket, err = t.dataBucket()
		}
		if err != nil {
			return err
		}
		key := encodeKey(s, uint32(idx))
		if err := t.insert(bucket, key[:], value); err != nil {
			return err
		}
		sinceCommit += uint64(KeySize + len(value))

		if mode == modeNormal && sinceCommit >= subCommitThreshold && idx < len(chunks)-1 {
			t.setDirtySerial(s)
			t.raiseFlag(flagDirtySerialValid)
			nt, err := t.refreshTx()
			if err != nil {
				return err
			}
			*t = *nt
			t.clearFlag(flagDirtySerialValid)
			sinceCommit = 0
		}
	}

	switch mode {
	case modeNormal:
		if !t.shadow.flags.has(flagSerialToValid) {
			t.setFirstSerial(s)
		}
		t.setLastSerial(s)
		t.setLastSerialTo(to)
		t.raiseFlag(flagSerialToValid)
	case modeMerged:
		t.setMergedSerial(s)
		t.raiseFlag(flagMergedSerialValid)
	}
	return nil
}
