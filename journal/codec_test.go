package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	cases := []chunkKey{
		{serial: 0, chunkIndex: 0},
		{serial: 1, chunkIndex: 1},
		{serial: 0xFFFFFFFF, chunkIndex: 0xFFFFFFFF},
		{serial: 0x80000000, chunkIndex: 7},
	}
	for _, c := range cases {
		k := encodeKey(c.serial, c.chunkIndex)
		require.Equal(t, c, decodeKey(k[:]))
	}
}

func TestKeyOrderingMatchesSerialThenChunkIndex(t *testing.T) {
	lower := encodeKey(5, 2)
	higher := encodeKey(5, 3)
	require.Less(t, string(lower[:]), string(higher[:]))

	lower = encodeKey(5, 9)
	higher = encodeKey(6, 0)
	require.Less(t, string(lower[:]), string(higher[:]))
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	h := chunkHeader{serialTo: 42, chunkCount: 3, chunkSize: 1024}
	b := encodeHeader(h)
	require.Equal(t, h, decodeHeader(b[:]))
}

func TestChunkValueRoundTrip(t *testing.T) {
	h := chunkHeader{serialTo: 7, chunkCount: 1, chunkSize: 5}
	payload := []byte("hello")
	v := encodeChunkValue(h, payload)
	require.Len(t, v, HeaderSize+len(payload))

	gotHeader, gotPayload := decodeChunkValue(v)
	require.Equal(t, h, gotHeader)
	require.Equal(t, payload, gotPayload)
}

func TestUint32RoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 10, 0xFFFFFFFF, 0x01020304} {
		require.Equal(t, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}, encodeUint32(v))
		got, ok := decodeUint32(encodeUint32(v))
		require.True(t, ok)
		require.Equal(t, v, got)
	}
	_, ok := decodeUint32([]byte{1, 2, 3})
	require.False(t, ok)
}
