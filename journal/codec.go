package journal

import "encoding/binary"

// Component A: the fixed-layout, big-endian key and chunk-header codec
// (spec §4.A). Big-endian is required twice over: it makes the store's
// byte-wise key ordering equal (serial, chunk_index) order, and it keeps
// the on-disk format portable between little- and big-endian hosts.

const (
	// KeySize is the size in bytes of a physical chunk's key.
	KeySize = 8
	// HeaderSize is the size in bytes of a physical chunk's value header,
	// preceding the chunk's payload bytes.
	HeaderSize = 12
	// ChunkMax is the maximum size in bytes of one physical chunk's
	// value (header + payload), staying well under a B-tree page/record
	// limit.
	ChunkMax = 60 * 1024
	// ChunkPayloadMax is the largest payload one chunk can carry.
	ChunkPayloadMax = ChunkMax - HeaderSize
)

// chunkKey is the physical key (serial, chunk_index).
type chunkKey struct {
	serial     Serial
	chunkIndex uint32
}

func encodeKey(serial Serial, chunkIndex uint32) [KeySize]byte {
	var b [KeySize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(serial))
	binary.BigEndian.PutUint32(b[4:8], chunkIndex)
	return b
}

func decodeKey(b []byte) chunkKey {
	return chunkKey{
		serial:     Serial(binary.BigEndian.Uint32(b[0:4])),
		chunkIndex: binary.BigEndian.Uint32(b[4:8]),
	}
}

// chunkHeader is the fixed 12-byte prefix of a physical chunk's value.
type chunkHeader struct {
	serialTo   Serial
	chunkCount uint32
	chunkSize  uint32
}

func encodeHeader(h chunkHeader) [HeaderSize]byte {
	var b [HeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(h.serialTo))
	binary.BigEndian.PutUint32(b[4:8], h.chunkCount)
	binary.BigEndian.PutUint32(b[8:12], h.chunkSize)
	return b
}

func decodeHeader(b []byte) chunkHeader {
	return chunkHeader{
		serialTo:   Serial(binary.BigEndian.Uint32(b[0:4])),
		chunkCount: binary.BigEndian.Uint32(b[4:8]),
		chunkSize:  binary.BigEndian.Uint32(b[8:12]),
	}
}

// encodeChunkValue stamps a header onto a payload, producing the full
// value written at (serial, chunkIndex).
func encodeChunkValue(h chunkHeader, payload []byte) []byte {
	hb := encodeHeader(h)
	v := make([]byte, HeaderSize+len(payload))
	copy(v, hb[:])
	copy(v[HeaderSize:], payload)
	return v
}

// decodeChunkValue splits a stored value back into its header and payload.
func decodeChunkValue(v []byte) (chunkHeader, []byte) {
	h := decodeHeader(v[:HeaderSize])
	return h, v[HeaderSize:]
}

// metadata integer codec: every 4-byte integer field in the metadata
// record is big-endian, same as chunk keys/headers (spec §6 "On-disk
// layout").

func encodeUint32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func decodeUint32(b []byte) (uint32, bool) {
	if len(b) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
