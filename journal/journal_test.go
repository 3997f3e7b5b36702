package journal_test

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhishupp/knot/changeset"
	"github.com/zhishupp/knot/journal"
	"github.com/zhishupp/knot/journal/boltstore"
)

func randomBytes(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	b := make([]byte, n)
	r.Read(b)
	return b
}

func soaRecord(serial uint32) changeset.Record {
	rdata := make([]byte, 4)
	rdata[0], rdata[1], rdata[2], rdata[3] = byte(serial>>24), byte(serial>>16), byte(serial>>8), byte(serial)
	return changeset.Record{Owner: []byte("test."), Type: 6, Class: 1, TTL: 3600, RData: rdata}
}

func txtRecord(owner string, rdataSize int, seed int64) changeset.Record {
	return changeset.Record{Owner: []byte(owner), Type: 16, Class: 1, TTL: 3600, RData: randomBytes(rdataSize, seed)}
}

// randomChangeset builds a changeset from=>to carrying n addition and n
// removal TXT records under *.test, each with a small random payload —
// the literal shape of spec §8 scenario 1.
func randomChangeset(from, to journal.Serial, n int, seed int64) *changeset.Changeset {
	cs := &changeset.Changeset{
		FromSerial: from,
		ToSerial:   to,
		SOAFrom:    soaRecord(uint32(from)),
		SOATo:      soaRecord(uint32(to)),
	}
	for i := 0; i < n; i++ {
		cs.Additions = append(cs.Additions, txtRecord("add.test.", 32, seed+int64(i)))
		cs.Removals = append(cs.Removals, txtRecord("rem.test.", 32, seed+1000+int64(i)))
	}
	return cs
}

func openJournal(t *testing.T, path string, sizeLimit uint64, policy journal.Policy) *journal.Journal {
	t.Helper()
	j := journal.New()
	err := j.Open(path, sizeLimit, "test.", policy, changeset.Codec{}, boltstore.Backend{})
	require.NoError(t, err)
	return j
}

func TestSimpleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j.Close()

	cs := randomChangeset(0, 1, 64, 1)
	require.NoError(t, j.StoreChangeset(cs))

	list, err := j.LoadChangesets(0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, cs, list[0])

	empty, from, to := j.MetadataInfo()
	require.False(t, empty)
	require.Equal(t, journal.Serial(0), from)
	require.Equal(t, journal.Serial(1), to)
}

func TestSimpleRoundTripSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	cs := randomChangeset(0, 1, 8, 2)
	require.NoError(t, j.StoreChangeset(cs))
	require.NoError(t, j.Close())

	j2 := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j2.Close()
	list, err := j2.LoadChangesets(0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, cs, list[0])
}

// TestFillThenFlushAllowsMoreInserts is spec §8 scenario 2: fill a journal
// with no flushing until the writer signals *busy*, flush, then confirm
// the next insert succeeds and the visible chain is continuous.
func TestFillThenFlushAllowsMoreInserts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j.Close()

	const payloadRecords = 4
	const payloadSize = 40 * 1024 // large, incompressible random records to pressure space quickly

	k := journal.Serial(1)
	var busy bool
	for i := 0; i < 64; i++ {
		cs := bigChangeset(k, k+1, payloadRecords, payloadSize, int64(i))
		err := j.StoreChangeset(cs)
		if journal.IsBusy(err) {
			busy = true
			break
		}
		require.NoError(t, err)
		k++
	}
	require.True(t, busy, "expected the writer to eventually report busy under space pressure")

	require.NoError(t, j.Flush())

	final := bigChangeset(k, k+1, payloadRecords, payloadSize, 999)
	require.NoError(t, j.StoreChangeset(final))

	list, err := j.LoadChangesets(1)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	require.Equal(t, journal.Serial(1), list[0].From())
	for i := 1; i < len(list); i++ {
		require.Equal(t, list[i-1].To(), list[i].From(), "chain must be continuous")
	}
	require.Equal(t, k+1, list[len(list)-1].To())
}

func bigChangeset(from, to journal.Serial, n, rdataSize int, seed int64) *changeset.Changeset {
	cs := &changeset.Changeset{FromSerial: from, ToSerial: to, SOAFrom: soaRecord(uint32(from)), SOATo: soaRecord(uint32(to))}
	for i := 0; i < n; i++ {
		cs.Additions = append(cs.Additions, txtRecord("big.test.", rdataSize, seed*100+int64(i)))
	}
	return cs
}

// TestDiscontinuityDropsHistory is spec §8 scenario 3. A discontinuous
// insert is refused with *busy* until the caller flushes; after flush, the
// gap is dropped and the new changeset becomes the sole visible history.
func TestDiscontinuityDropsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j.Close()

	require.NoError(t, j.StoreChangeset(randomChangeset(0, 1, 4, 10)))
	require.NoError(t, j.StoreChangeset(randomChangeset(1, 2, 4, 11)))

	gap := randomChangeset(7, 8, 4, 12)
	err := j.StoreChangeset(gap)
	require.Error(t, err)
	require.True(t, journal.IsBusy(err), "discontinuity before a flush must ask the caller to flush first")

	require.NoError(t, j.Flush())
	require.NoError(t, j.StoreChangeset(gap))

	list, err := j.LoadChangesets(7)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, gap, list[0])

	_, err = j.LoadChangesets(0)
	require.Error(t, err)
	require.True(t, journal.IsNotFound(err))
}

// TestMergeModeCompaction is spec §8 scenario 4: three changesets where
// the middle record is removed then re-added fold into a merged changeset
// with the cancellation resolved, leaving the newest insert as a separate
// tail entry.
func TestMergeModeCompaction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	policy := journal.DefaultPolicy()
	policy.MergeEnabled = true
	j := openJournal(t, path, 0, policy) // clamps to the 1 MiB floor
	defer j.Close()

	a := changeset.Record{Owner: []byte("a.test."), Type: 16, Class: 1, TTL: 3600, RData: []byte("a")}
	b := changeset.Record{Owner: []byte("b.test."), Type: 16, Class: 1, TTL: 3600, RData: []byte("b")}
	c := changeset.Record{Owner: []byte("c.test."), Type: 16, Class: 1, TTL: 3600, RData: []byte("c")}

	filler := func(serial journal.Serial, n int) changeset.Record {
		return txtRecord("filler.test.", n, int64(serial))
	}

	c0 := &changeset.Changeset{
		FromSerial: 0, ToSerial: 1, SOAFrom: soaRecord(0), SOATo: soaRecord(1),
		Additions: []changeset.Record{a, b, filler(0, 110*1024)},
	}
	c1 := &changeset.Changeset{
		FromSerial: 1, ToSerial: 2, SOAFrom: soaRecord(1), SOATo: soaRecord(2),
		Removals: []changeset.Record{b}, Additions: []changeset.Record{c, filler(1, 110*1024)},
	}
	c2 := &changeset.Changeset{
		FromSerial: 2, ToSerial: 3, SOAFrom: soaRecord(2), SOATo: soaRecord(3),
		Removals: []changeset.Record{c}, Additions: []changeset.Record{b, filler(2, 110*1024)},
	}
	// c3 arrives after c0..c2 are already occupying enough of the 1 MiB
	// floor to push occupancy past the "merge enabled, no merged yet"
	// threshold (28% occupied), so inserting it triggers mergeJournal on
	// c0..c2 before it lands itself.
	c3 := randomChangeset(3, 4, 2, 77)

	require.NoError(t, j.StoreChangeset(c0))
	require.NoError(t, j.StoreChangeset(c1))
	require.NoError(t, j.StoreChangeset(c2))
	require.NoError(t, j.StoreChangeset(c3))

	list, err := j.LoadChangesets(0)
	require.NoError(t, err)
	require.Len(t, list, 2, "expected the merged changeset plus the newest unmerged insert")

	merged := list[0].(*changeset.Changeset)
	require.Equal(t, journal.Serial(0), merged.From())
	require.Equal(t, journal.Serial(3), merged.To())
	require.True(t, hasRecord(merged.Additions, a))
	require.True(t, hasRecord(merged.Additions, b))
	require.False(t, hasRecord(merged.Additions, c))
	require.False(t, hasRecord(merged.Removals, b))
	require.False(t, hasRecord(merged.Removals, c))

	require.Equal(t, c3, list[1])
}

func hasRecord(records []changeset.Record, want changeset.Record) bool {
	for _, r := range records {
		if string(r.Owner) == string(want.Owner) && r.Type == want.Type && string(r.RData) == string(want.RData) {
			return true
		}
	}
	return false
}

// TestShrinkSizeLimitRefusesWithUnflushedHistory is spec §8 scenario 5.
func TestShrinkSizeLimitRefusesWithUnflushedHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	const bigLimit = 8 << 20
	const smallLimit = 1 << 20 // the floor

	j := openJournal(t, path, bigLimit, journal.DefaultPolicy())
	for i := 0; i < 8; i++ {
		require.NoError(t, j.StoreChangeset(bigChangeset(journal.Serial(i), journal.Serial(i+1), 4, 64*1024, int64(i))))
	}
	require.NoError(t, j.Close())

	shrunk := journal.New()
	err := shrunk.Open(path, smallLimit, "test.", journal.DefaultPolicy(), changeset.Codec{}, boltstore.Backend{})
	require.Error(t, err)
	require.True(t, journal.IsTryAgain(err))

	reopened := openJournal(t, path, bigLimit, journal.DefaultPolicy())
	require.NoError(t, reopened.Flush())
	require.NoError(t, reopened.Close())

	j2 := openJournal(t, path, smallLimit, journal.DefaultPolicy())
	defer j2.Close()
	empty, _, _ := j2.MetadataInfo()
	require.True(t, empty, "a flushed-then-shrunk journal is wiped and recreated fresh")
}

func TestLoadZoneNameMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	name, err := j.LoadZoneName()
	require.NoError(t, err)
	require.Equal(t, journal.EncodeDName("test."), name)
	require.NoError(t, j.Close())

	j2 := journal.New()
	require.NoError(t, j2.Open(path, 2<<20, "other.", journal.DefaultPolicy(), changeset.Codec{}, boltstore.Backend{}))
	defer j2.Close()
	_, err = j2.LoadZoneName()
	require.Error(t, err)
	require.True(t, journal.IsSemanticCheck(err))
}

func TestCheckFullOnConsistentChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j.Close()

	require.NoError(t, j.StoreChangeset(randomChangeset(0, 1, 4, 20)))
	require.NoError(t, j.StoreChangeset(randomChangeset(1, 2, 4, 21)))
	require.NoError(t, j.Flush())
	require.NoError(t, j.StoreChangeset(randomChangeset(2, 3, 4, 22)))

	report, err := j.Check(journal.CheckFull)
	require.NoError(t, err)
	require.Equal(t, 3, report.ChangesetCount)
	require.Greater(t, report.TotalBytes, uint64(0))
}

func TestDropJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 2<<20, journal.DefaultPolicy())
	defer j.Close()

	require.NoError(t, j.StoreChangeset(randomChangeset(0, 1, 4, 30)))
	require.NoError(t, j.DropJournal())

	empty, _, _ := j.MetadataInfo()
	require.True(t, empty)
	_, err := j.LoadChangesets(0)
	require.Error(t, err)
	require.True(t, journal.IsNotFound(err))
}

// TestLargeInsertSubCommits exercises a changeset big enough, combined
// with a small DirtySubCommitFraction, to force insertChangeset to
// sub-commit mid-insert (spec §4.E step 6). It cannot simulate the crash
// itself, but confirms the insert still lands correctly end to end.
func TestLargeInsertSubCommits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	policy := journal.DefaultPolicy()
	policy.DirtySubCommitFraction = 0.01
	j := openJournal(t, path, 4<<20, policy)
	defer j.Close()

	cs := bigChangeset(0, 1, 20, 64*1024, 42)
	require.NoError(t, j.StoreChangeset(cs))

	list, err := j.LoadChangesets(0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, cs, list[0])
}

// TestSerialWraparoundEndToEnd is spec §8's serial-wraparound scenario: a
// chain that walks right past the uint32 boundary and back around to a
// small serial again. The last insert is refused with *busy* until the
// caller flushes, space pressure then evicts the oldest changeset to make
// room, and the survivors are exactly the tail from the wraparound point
// onward.
func TestSerialWraparoundEndToEnd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	j := openJournal(t, path, 1<<20, journal.DefaultPolicy())
	defer j.Close()

	const big = 280 * 1024 // large enough to force eviction, small enough to leave the newer large entry alone
	c0 := bigChangeset(0, 1, 1, 16, 201)
	c1 := bigChangeset(1, 2, 1, 16, 202)
	c2 := bigChangeset(2, 2147483647, 1, big, 203)
	c3 := bigChangeset(2147483647, 4294967294, 1, big, 204)
	c4 := bigChangeset(4294967294, 1, 1, 16, 205) // wraps the uint32 serial back around to 1

	require.NoError(t, j.StoreChangeset(c0))
	require.NoError(t, j.StoreChangeset(c1))
	require.NoError(t, j.StoreChangeset(c2))
	require.NoError(t, j.StoreChangeset(c3))

	err := j.StoreChangeset(c4)
	require.Error(t, err)
	require.True(t, journal.IsBusy(err), "space pressure with nothing flushed yet must ask the caller to flush first")

	require.NoError(t, j.Flush())
	require.NoError(t, j.StoreChangeset(c4))

	_, err = j.LoadChangesets(2)
	require.Error(t, err)
	require.True(t, journal.IsNotFound(err), "the changeset at serial 2 should have been evicted to make room")

	list, err := j.LoadChangesets(2147483647)
	require.NoError(t, err)
	require.Len(t, list, 2, "expected the tail: the large changeset plus the wraparound insert")
	require.Equal(t, c3, list[0])
	require.Equal(t, c4, list[1])
}

// dirtySerialValidBit mirrors metadata.go's DIRTY_SERIAL_VALID flag: the
// fourth bit in the order spec §3 declares the flags bitset
// (SERIAL_TO_VALID, LAST_FLUSHED_VALID, MERGED_SERIAL_VALID,
// DIRTY_SERIAL_VALID).
const dirtySerialValidBit = 1 << 3

// crashChunkKey and crashChunkValue replicate the on-disk chunk wire format
// (spec §4.A) by hand so the test can plant a partial insert directly
// through the Store/Tx interfaces, standing in for a sub-commit that wrote
// one chunk and then never got to write the rest.
func crashChunkKey(serial, chunkIndex uint32) []byte {
	b := make([]byte, journal.KeySize)
	binary.BigEndian.PutUint32(b[0:4], serial)
	binary.BigEndian.PutUint32(b[4:8], chunkIndex)
	return b
}

func crashChunkValue(serialTo, chunkCount uint32, payload []byte) []byte {
	b := make([]byte, journal.HeaderSize+len(payload))
	binary.BigEndian.PutUint32(b[0:4], serialTo)
	binary.BigEndian.PutUint32(b[4:8], chunkCount)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(payload)))
	copy(b[journal.HeaderSize:], payload)
	return b
}

func crashUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// TestDirtySerialSweepOnReopen is spec §8 scenario 6: a crash between
// sub-commits leaves a chunk on disk with DIRTY_SERIAL_VALID set and no
// completed changeset behind it. The next open must sweep every chunk at
// that serial and clear the flag, leaving metadata exactly as it was before
// the interrupted insert started.
func TestDirtySerialSweepOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zone.db")
	const limit = 2 << 20

	j := openJournal(t, path, limit, journal.DefaultPolicy())
	require.NoError(t, j.Close())

	raw, err := (boltstore.Backend{}).Open(path, limit)
	require.NoError(t, err)

	tx, err := raw.Begin(true)
	require.NoError(t, err)

	dataBucket, err := tx.Bucket(journal.BucketData)
	require.NoError(t, err)
	require.NoError(t, dataBucket.Put(
		crashChunkKey(0, 0),
		crashChunkValue(1, 5, []byte("partial payload left by a crashed sub-commit")),
	))

	metaBucket, err := tx.Bucket(journal.BucketMeta)
	require.NoError(t, err)
	require.NoError(t, metaBucket.Put([]byte("dirty_serial"), crashUint32(0)))
	require.NoError(t, metaBucket.Put([]byte("flags"), crashUint32(dirtySerialValidBit)))

	require.NoError(t, tx.Commit())
	require.NoError(t, raw.Close())

	reopened := openJournal(t, path, limit, journal.DefaultPolicy())
	defer reopened.Close()

	empty, _, _ := reopened.MetadataInfo()
	require.True(t, empty, "the swept insert must leave metadata_info showing the pre-insert state")

	_, err = reopened.LoadChangesets(0)
	require.Error(t, err)
	require.True(t, journal.IsNotFound(err), "the orphaned chunk from the crashed sub-commit must be gone")
}
