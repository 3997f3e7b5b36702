package changeset_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhishupp/knot/changeset"
	"github.com/zhishupp/knot/journal"
)

func rr(owner string, rdata string) changeset.Record {
	return changeset.Record{Owner: []byte(owner), Type: 1, Class: 1, TTL: 3600, RData: []byte(rdata)}
}

func soa(serial uint32) changeset.Record {
	return changeset.Record{Owner: []byte("example.com."), Type: 6, Class: 1, TTL: 3600, RData: []byte{byte(serial)}}
}

func TestSerializeDeserializeChunksRoundTrip(t *testing.T) {
	cs := &changeset.Changeset{
		FromSerial: 1,
		ToSerial:   2,
		SOAFrom:    soa(1),
		SOATo:      soa(2),
		Additions:  []changeset.Record{rr("a.example.com.", "1.2.3.4")},
		Removals:   []changeset.Record{rr("b.example.com.", "5.6.7.8")},
	}

	codec := changeset.Codec{}
	chunks, err := codec.SerializeChunks(cs, 16)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "a 16-byte payload cap should force more than one chunk")

	got, err := codec.DeserializeChunks(cs.FromSerial, cs.ToSerial, chunks)
	require.NoError(t, err)

	gotCs, ok := got.(*changeset.Changeset)
	require.True(t, ok)
	require.Equal(t, cs, gotCs)
}

func TestSerializeChunksRejectsNonPositiveMaxPayload(t *testing.T) {
	cs := &changeset.Changeset{FromSerial: 1, ToSerial: 2}
	_, err := changeset.Codec{}.SerializeChunks(cs, 0)
	require.Error(t, err)
	require.True(t, journal.IsInvalidArgument(err))
}

func TestDeserializeChunksRejectsSerialMismatch(t *testing.T) {
	cs := &changeset.Changeset{FromSerial: 1, ToSerial: 2}
	chunks, err := changeset.Codec{}.SerializeChunks(cs, 4096)
	require.NoError(t, err)

	_, err = changeset.Codec{}.DeserializeChunks(1, 3, chunks)
	require.Error(t, err)
}

// TestMergeCancelsReaddedRecord exercises the A/B/C scenario: c0 adds A and
// B, c1 removes B and adds C, c2 removes C and re-adds B. Folding all three
// should cancel B's removal/re-addition and C's addition/removal, leaving
// A and B added and nothing removed.
func TestMergeCancelsReaddedRecord(t *testing.T) {
	a, b, c := rr("a.example.com.", "a"), rr("b.example.com.", "b"), rr("c.example.com.", "c")

	c0 := &changeset.Changeset{
		FromSerial: 1, ToSerial: 2,
		SOAFrom: soa(1), SOATo: soa(2),
		Additions: []changeset.Record{a, b},
	}
	c1 := &changeset.Changeset{
		FromSerial: 2, ToSerial: 3,
		SOAFrom: soa(2), SOATo: soa(3),
		Removals:  []changeset.Record{b},
		Additions: []changeset.Record{c},
	}
	c2 := &changeset.Changeset{
		FromSerial: 3, ToSerial: 4,
		SOAFrom: soa(3), SOATo: soa(4),
		Removals:  []changeset.Record{c},
		Additions: []changeset.Record{b},
	}

	codec := changeset.Codec{}
	folded, err := codec.Merge(c0, c1)
	require.NoError(t, err)
	folded, err = codec.Merge(folded, c2)
	require.NoError(t, err)

	merged := folded.(*changeset.Changeset)
	require.Equal(t, journal.Serial(1), merged.FromSerial)
	require.Equal(t, journal.Serial(4), merged.ToSerial)
	require.ElementsMatch(t, []changeset.Record{a, b}, merged.Additions)
	require.Empty(t, merged.Removals)
}

func TestMergeRejectsDiscontinuousRange(t *testing.T) {
	c0 := &changeset.Changeset{FromSerial: 1, ToSerial: 2}
	c1 := &changeset.Changeset{FromSerial: 5, ToSerial: 6}
	_, err := changeset.Codec{}.Merge(c0, c1)
	require.Error(t, err)
}
