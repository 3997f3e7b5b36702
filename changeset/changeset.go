// Package changeset is a concrete implementation of the journal's
// changeset collaborator (spec §9 "Coupling to the changeset module"):
// a zone delta made of record additions and removals bracketed by two
// SOA records, realistic enough to exercise journal.Journal end to end.
package changeset

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zhishupp/knot/journal"
)

// Record is one resource record: a wire-format owner name, type, class,
// TTL, and opaque rdata. The changeset package carries rdata verbatim;
// it never interprets it, matching the journal's own "opaque payload"
// treatment one layer up.
type Record struct {
	Owner []byte `msgpack:"owner"`
	Type  uint16 `msgpack:"type"`
	Class uint16 `msgpack:"class"`
	TTL   uint32 `msgpack:"ttl"`
	RData []byte `msgpack:"rdata"`
}

func recordKey(r Record) string {
	return fmt.Sprintf("%s/%d/%x", r.Owner, r.Type, r.RData)
}

// Changeset is one IXFR-style delta for a zone: the SOA records bounding
// it, plus every record added and removed to get from SOAFrom to SOATo.
// FromSerial/ToSerial are carried as explicit fields rather than parsed
// out of the SOA rdata on every comparison — the zone layer above this
// package is where that parsing belongs; the journal only ever needs
// the two serials.
type Changeset struct {
	FromSerial journal.Serial `msgpack:"from_serial"`
	ToSerial   journal.Serial `msgpack:"to_serial"`
	SOAFrom    Record         `msgpack:"soa_from"`
	SOATo      Record         `msgpack:"soa_to"`
	Additions  []Record       `msgpack:"additions"`
	Removals   []Record       `msgpack:"removals"`
}

func (c *Changeset) From() journal.Serial { return c.FromSerial }
func (c *Changeset) To() journal.Serial   { return c.ToSerial }

var _ journal.Changeset = (*Changeset)(nil)

// zstdEncoder/zstdDecoder are created once and reused across every
// Codec call — klauspost/compress/zstd's own docs recommend this over
// constructing a fresh Encoder/Decoder per call.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(fmt.Sprintf("changeset: init zstd encoder: %v", err))
	}
	zstdEncoder = enc
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("changeset: init zstd decoder: %v", err))
	}
	zstdDecoder = dec
}

// Codec implements journal.ChangesetCodec with msgpack encoding and zstd
// compression, per SPEC_FULL.md §3's serialization note: the journal
// only ever sees the resulting opaque, already-compressed bytes.
type Codec struct{}

func (Codec) encode(ch journal.Changeset) ([]byte, error) {
	cs, ok := ch.(*Changeset)
	if !ok {
		return nil, fmt.Errorf("changeset: Codec: %T is not a *changeset.Changeset", ch)
	}
	raw, err := msgpack.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("changeset: encode: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, nil), nil
}

func (Codec) SerializedSize(ch journal.Changeset) (int, error) {
	b, err := Codec{}.encode(ch)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

func (Codec) SerializeChunks(ch journal.Changeset, maxPayload int) ([][]byte, error) {
	if maxPayload <= 0 {
		return nil, journal.InvalidArgumentError("changeset: SerializeChunks: non-positive maxPayload")
	}
	b, err := Codec{}.encode(ch)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return [][]byte{{}}, nil
	}
	var chunks [][]byte
	for len(b) > 0 {
		n := maxPayload
		if n > len(b) {
			n = len(b)
		}
		chunks = append(chunks, b[:n:n])
		b = b[n:]
	}
	return chunks, nil
}

func (Codec) DeserializeChunks(from, to journal.Serial, chunks [][]byte) (journal.Changeset, error) {
	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c)
	}
	raw, err := zstdDecoder.DecodeAll(buf.Bytes(), nil)
	if err != nil {
		return nil, fmt.Errorf("changeset: decompress: %w", err)
	}
	var cs Changeset
	if err := msgpack.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("changeset: decode: %w", err)
	}
	if cs.FromSerial != from || cs.ToSerial != to {
		return nil, fmt.Errorf("changeset: decoded serials %d->%d do not match stored %d->%d", cs.FromSerial, cs.ToSerial, from, to)
	}
	return &cs, nil
}

// Merge folds next into base, canceling out a record that was added in
// one half of the fold and removed in the other (spec §4.G merge mode,
// scenario 4: "B was removed then re-added, canceling").
func (Codec) Merge(base, next journal.Changeset) (journal.Changeset, error) {
	b, ok := base.(*Changeset)
	if !ok {
		return nil, fmt.Errorf("changeset: Merge: base is %T, not *changeset.Changeset", base)
	}
	n, ok := next.(*Changeset)
	if !ok {
		return nil, fmt.Errorf("changeset: Merge: next is %T, not *changeset.Changeset", next)
	}
	if b.ToSerial != n.FromSerial {
		return nil, fmt.Errorf("changeset: Merge: discontinuous base.to=%d next.from=%d", uint32(b.ToSerial), uint32(n.FromSerial))
	}

	add := map[string]Record{}
	rem := map[string]Record{}
	for _, r := range b.Additions {
		add[recordKey(r)] = r
	}
	for _, r := range b.Removals {
		k := recordKey(r)
		delete(add, k)
		rem[k] = r
	}
	for _, r := range n.Removals {
		k := recordKey(r)
		if _, staged := add[k]; staged {
			delete(add, k)
			continue
		}
		rem[k] = r
	}
	for _, r := range n.Additions {
		k := recordKey(r)
		if _, staged := rem[k]; staged {
			delete(rem, k)
			continue
		}
		add[k] = r
	}

	merged := &Changeset{
		FromSerial: b.FromSerial,
		ToSerial:   n.ToSerial,
		SOAFrom:    b.SOAFrom,
		SOATo:      n.SOATo,
		Additions:  make([]Record, 0, len(add)),
		Removals:   make([]Record, 0, len(rem)),
	}
	for _, r := range add {
		merged.Additions = append(merged.Additions, r)
	}
	for _, r := range rem {
		merged.Removals = append(merged.Removals, r)
	}
	return merged, nil
}

var _ journal.ChangesetCodec = Codec{}
