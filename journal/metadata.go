package journal

import (
	"bytes"
	"fmt"
)

// Component C: the metadata record (spec §3, §4.C). A handful of
// well-known ASCII-keyed records live in BucketMeta alongside the data
// bucket, in the same backend store.

// journalVersion is 4-byte big-endian, BCD-flavoured: 10 means "1.0", so
// the leading decimal digit (1) is the major version spec §6 checks.
const journalVersion uint32 = 10

type metaFlags uint32

const (
	flagSerialToValid metaFlags = 1 << iota
	flagLastFlushedValid
	flagMergedSerialValid
	flagDirtySerialValid
)

func (f metaFlags) has(bit metaFlags) bool { return f&bit != 0 }

// metadata mirrors spec §3's journal metadata record.
type metadata struct {
	firstSerial  Serial
	lastSerial   Serial
	lastSerialTo Serial
	lastFlushed  Serial
	mergedSerial Serial
	flags        metaFlags
	dirtySerial  Serial
	zoneName     []byte
	version      uint32
}

// metaField enumerates the individually-persisted metadata fields so the
// transaction helper (component B) can write only what a given operation
// actually changed.
type metaField int

const (
	fFirstSerial metaField = iota
	fLastSerial
	fLastSerialTo
	fLastFlushed
	fMergedSerial
	fFlags
	fDirtySerial
	fZoneName
	fVersion
)

var metaKeys = map[metaField][]byte{
	fFirstSerial:  []byte("first_serial"),
	fLastSerial:   []byte("last_serial"),
	fLastSerialTo: []byte("last_serial_to"),
	fLastFlushed:  []byte("last_flushed"),
	fMergedSerial: []byte("merged_serial"),
	fFlags:        []byte("flags"),
	fDirtySerial:  []byte("dirty_serial"),
	fZoneName:     []byte("zone_name"),
	fVersion:      []byte("version"),
}

// fieldValue extracts the on-disk byte representation of one field from a
// metadata snapshot.
func fieldValue(m metadata, f metaField) []byte {
	switch f {
	case fFirstSerial:
		return encodeUint32(uint32(m.firstSerial))
	case fLastSerial:
		return encodeUint32(uint32(m.lastSerial))
	case fLastSerialTo:
		return encodeUint32(uint32(m.lastSerialTo))
	case fLastFlushed:
		return encodeUint32(uint32(m.lastFlushed))
	case fMergedSerial:
		return encodeUint32(uint32(m.mergedSerial))
	case fFlags:
		return encodeUint32(uint32(m.flags))
	case fDirtySerial:
		return encodeUint32(uint32(m.dirtySerial))
	case fZoneName:
		return m.zoneName
	case fVersion:
		return encodeUint32(m.version)
	default:
		return nil
	}
}

// writeMetaField persists one field's current value into the meta bucket.
func writeMetaField(b Bucket, m metadata, f metaField) error {
	if err := b.Put(metaKeys[f], fieldValue(m, f)); err != nil {
		return fmt.Errorf("journal: write metadata field %s: %w", metaKeys[f], err)
	}
	return nil
}

// loadMetadata reads the full metadata record from the meta bucket.
// empty is true when the bucket holds no "version" record yet, i.e. this
// is a brand-new journal.
func loadMetadata(b Bucket) (m metadata, empty bool, err error) {
	versionRaw := b.Get(metaKeys[fVersion])
	if versionRaw == nil {
		return metadata{}, true, nil
	}
	version, ok := decodeUint32(versionRaw)
	if !ok {
		return metadata{}, false, MalformedError("metadata: version record has unexpected size")
	}
	m.version = version

	getU32 := func(f metaField) (uint32, error) {
		raw := b.Get(metaKeys[f])
		if raw == nil {
			return 0, nil
		}
		v, ok := decodeUint32(raw)
		if !ok {
			return 0, MalformedError(fmt.Sprintf("metadata: field %s has unexpected size", metaKeys[f]))
		}
		return v, nil
	}

	fields := []struct {
		f metaField
		p *Serial
	}{
		{fFirstSerial, &m.firstSerial},
		{fLastSerial, &m.lastSerial},
		{fLastSerialTo, &m.lastSerialTo},
		{fLastFlushed, &m.lastFlushed},
		{fMergedSerial, &m.mergedSerial},
		{fDirtySerial, &m.dirtySerial},
	}
	for _, ff := range fields {
		v, err := getU32(ff.f)
		if err != nil {
			return metadata{}, false, err
		}
		*ff.p = Serial(v)
	}
	flagsRaw, err := getU32(fFlags)
	if err != nil {
		return metadata{}, false, err
	}
	m.flags = metaFlags(flagsRaw)

	m.zoneName = b.Get(metaKeys[fZoneName])
	return m, false, nil
}

// initMetadata writes the initial record for a brand-new journal: only
// version and zone_name are meaningful until the first insert.
func initMetadata(b Bucket, zoneName []byte) (metadata, error) {
	m := metadata{version: journalVersion, zoneName: zoneName}
	for _, f := range []metaField{fVersion, fZoneName} {
		if err := writeMetaField(b, m, f); err != nil {
			return metadata{}, err
		}
	}
	return m, nil
}

// checkVersion compares only the leading decimal digit of the stored
// version against journalVersion's, per spec §4.C.
func checkVersion(stored uint32) error {
	if stored/10 != journalVersion/10 {
		return UnsupportedError(fmt.Sprintf("metadata: stored version %d, want major %d", stored, journalVersion/10))
	}
	return nil
}

// checkZoneName compares the stored zone_name against the caller's
// claimed name, returning SemanticCheckError on mismatch (non-fatal).
func checkZoneName(stored, claimed []byte) error {
	if len(stored) == 0 || bytes.Equal(stored, claimed) {
		return nil
	}
	return SemanticCheckError{Context: "journal.LoadZoneName", StoredName: string(stored)}
}
