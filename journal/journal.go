package journal

import (
	"fmt"
	"os"

	"github.com/zhishupp/knot/internal/log"
)

// Component H: lifecycle and recovery (spec §4.H, §6). Open/Close/Exists
// and the self-check are the only operations that don't go through the
// transaction helper in the usual read/write sense — Open runs before
// there is a Journal to hand beginTxn, and Check is a pure read walk.

// minSizeLimit is the floor spec §4.H clamps size_limit up to.
const minSizeLimit = 1 << 20 // 1 MiB

// Journal is the in-memory handle for one zone's changeset journal.
type Journal struct {
	store  Store
	meta   metadata
	codec  ChangesetCodec
	policy Policy

	sizeLimit   uint64
	claimedZone []byte
	path        string
	open        bool
}

// New allocates a zeroed, unopened handle (spec §6 new()). No I/O.
func New() *Journal { return &Journal{} }

// Free releases the handle's in-memory state (spec §6 free()). It does
// not close the backing store; call Close first if it is open.
func (j *Journal) Free() { *j = Journal{} }

// Exists reports whether a journal file is present at path (spec §6
// exists(path), a stat-level check).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Open opens the backing store at path via backend, clamping sizeLimit
// up to the 1 MiB floor, detects a shrunk mapping, sweeps a leftover
// dirty serial, and checks the stored format version (spec §4.H, §6
// open()). zoneName is the zone's presentation-format name (e.g.
// "example.com."); it is stored in a brand-new journal as the wire-format
// dname EncodeDName produces, and
// otherwise only compared lazily by LoadZoneName. backend is typically
// boltstore.Backend{}.
func (j *Journal) Open(path string, sizeLimit uint64, zoneName string, policy Policy, codec ChangesetCodec, backend Backend) error {
	if j.open {
		return BusyError("Open: handle already open")
	}
	if codec == nil {
		return InvalidArgumentError("Open: nil codec")
	}
	if sizeLimit < minSizeLimit {
		sizeLimit = minSizeLimit
	}

	onDisk, err := backend.StatSize(path)
	if err != nil {
		return err
	}
	if onDisk > sizeLimit {
		shrunk, err := j.probeShrunkMapping(backend, path, onDisk)
		if err != nil {
			return err
		}
		if shrunk {
			return TryAgainError("Open: size limit shrunk below on-disk size with unflushed history present")
		}
		if err := backend.Wipe(path); err != nil {
			return err
		}
	}

	store, err := backend.Open(path, sizeLimit)
	if err != nil {
		return err
	}

	j.store = store
	j.sizeLimit = sizeLimit
	j.claimedZone = EncodeDName(zoneName)
	j.policy = policy
	j.codec = codec
	j.path = path

	if err := j.loadOrInitMetadata(); err != nil {
		_ = store.Close()
		return err
	}
	if err := checkVersion(j.meta.version); err != nil {
		_ = store.Close()
		return err
	}
	if err := j.sweepDirtySerial(); err != nil {
		_ = store.Close()
		return err
	}

	j.open = true
	return nil
}

// Close detaches the handle from its backing store. No pending writes
// exist to flush — every state transition already committed as it
// happened (spec §4.H close()).
func (j *Journal) Close() error {
	if !j.open {
		return nil
	}
	err := j.store.Close()
	j.open = false
	return err
}

// loadOrInitMetadata loads the metadata record, or — if the store is
// brand new — writes the initial version/zone_name record.
func (j *Journal) loadOrInitMetadata() error {
	return j.withTxn(true, func(t *txn) error {
		mb, err := t.metaBucket()
		if err != nil {
			return err
		}
		m, empty, err := loadMetadata(mb)
		if err != nil {
			return err
		}
		if empty {
			m, err = initMetadata(mb, j.claimedZone)
			if err != nil {
				return err
			}
		}
		t.shadow = m
		return nil
	})
}

// sweepDirtySerial deletes a partially-committed insert left behind by a
// crash between sub-commits (spec §4.E step 6, §4.H open()).
func (j *Journal) sweepDirtySerial() error {
	if !j.meta.flags.has(flagDirtySerialValid) {
		return nil
	}
	return j.withTxn(true, func(t *txn) error {
		if !t.shadow.flags.has(flagDirtySerialValid) {
			return nil
		}
		db, err := t.dataBucket()
		if err != nil {
			return err
		}
		serial := t.shadow.dirtySerial
		for idx := uint32(0); ; idx++ {
			key := encodeKey(serial, idx)
			if db.Get(key[:]) == nil {
				break
			}
			if err := t.delete(db, key[:]); err != nil {
				return err
			}
		}
		t.clearFlag(flagDirtySerialValid)
		log.Info("journal: swept partial insert at serial %d left by a crash", uint32(serial))
		return nil
	})
}

// probeShrunkMapping opens the existing store read-only at its current
// on-disk size to check whether unflushed history would be destroyed by
// wiping it for a smaller limit.
func (j *Journal) probeShrunkMapping(backend Backend, path string, onDiskSize uint64) (bool, error) {
	probe, err := backend.Open(path, onDiskSize)
	if err != nil {
		return false, err
	}
	defer probe.Close()

	tx, err := probe.Begin(false)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	mb, err := tx.Bucket(BucketMeta)
	if err != nil {
		return false, err
	}
	if mb == nil {
		return false, nil
	}
	m, empty, err := loadMetadata(mb)
	if err != nil {
		return false, err
	}
	if empty {
		return false, nil
	}
	return !isFullyFlushed(m), nil
}

// MetadataInfo reports the currently visible serial range: empty is true
// when the journal holds no history at all (neither merged nor plain);
// from is merged_serial when a merged changeset exists, else
// first_serial; to is last_serial_to (spec §6 metadata_info, supplemented
// per SPEC_FULL.md with the explicit empty flag the original C journal's
// journal_metadata_info also reports).
func (j *Journal) MetadataInfo() (empty bool, from, to Serial) {
	m := j.meta
	hasMerged := m.flags.has(flagMergedSerialValid)
	hasHistory := m.flags.has(flagSerialToValid)
	if !hasMerged && !hasHistory {
		return true, 0, 0
	}
	if hasMerged {
		from = m.mergedSerial
	} else {
		from = m.firstSerial
	}
	return false, from, m.lastSerialTo
}

// LoadZoneName returns the journal's stored zone name (wire format), and
// a SemanticCheckError if it differs from the name the handle was opened
// with (spec §6 load_zone_name).
func (j *Journal) LoadZoneName() ([]byte, error) {
	if err := checkZoneName(j.meta.zoneName, j.claimedZone); err != nil {
		return j.meta.zoneName, err
	}
	return j.meta.zoneName, nil
}

// CheckLevel selects how thorough Check is (supplemented from
// original_source/'s multi-level self-check, SPEC_FULL.md §"Supplemented
// features").
type CheckLevel int

const (
	// CheckQuick verifies metadata consistency only: last_flushed and
	// merged_serial, if set, name entries that actually exist.
	CheckQuick CheckLevel = iota
	// CheckFull additionally walks the entire chain by continuity and
	// verifies it reaches last_serial_to without holes.
	CheckFull
)

// CheckReport is Check's result.
type CheckReport struct {
	TotalBytes  uint64
	ChangesetCount int
}

// Check performs a read-only self-check of chain continuity and metadata
// consistency (spec §4.H Self-check).
func (j *Journal) Check(level CheckLevel) (CheckReport, error) {
	var report CheckReport
	err := j.withTxn(false, func(t *txn) error {
		if t.shadow.flags.has(flagLastFlushedValid) {
			db, err := t.dataBucket()
			if err != nil {
				return err
			}
			key := encodeKey(t.shadow.lastFlushed, 0)
			if db.Get(key[:]) == nil {
				return MalformedError(fmt.Sprintf("Check: last_flushed %d names no existing changeset", uint32(t.shadow.lastFlushed)))
			}
		}
		if t.shadow.flags.has(flagMergedSerialValid) {
			mb, err := t.mergedBucket()
			if err != nil {
				return err
			}
			bundle, err := readOneChangeset(mb, t.shadow.mergedSerial)
			if err != nil {
				return fmt.Errorf("Check: merged changeset: %w", err)
			}
			if t.shadow.flags.has(flagSerialToValid) && bundle.to != t.shadow.firstSerial {
				return MalformedError(fmt.Sprintf("Check: merged changeset's to=%d does not match first_serial=%d", uint32(bundle.to), uint32(t.shadow.firstSerial)))
			}
			report.ChangesetCount++
		}

		if level == CheckQuick || !t.shadow.flags.has(flagSerialToValid) {
			return nil
		}

		db, err := t.dataBucket()
		if err != nil {
			return err
		}
		cur := db.Cursor()
		reached := false
		err = walkByChunk(cur, t.shadow.firstSerial, t.shadow.lastSerial, noRefresh(), func(cur Cursor, e chunkEntry, last bool) (bool, error) {
			report.TotalBytes += uint64(KeySize + HeaderSize + len(e.payload))
			if last {
				report.ChangesetCount++
				if e.key.serial == t.shadow.lastSerial {
					reached = e.header.serialTo == t.shadow.lastSerialTo
				}
			}
			return false, nil
		})
		if err != nil {
			return fmt.Errorf("Check: chain walk: %w", err)
		}
		if !reached {
			return MalformedError("Check: chain does not reach last_serial_to")
		}
		return nil
	})
	return report, err
}
