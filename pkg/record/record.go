// Package record implements the codec for a single (key, value, marker)
// tuple: the smallest unit of data the engine's write path produces.
package record

import (
	"encoding/binary"

	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

// Marker distinguishes a live value from a tombstone.
type Marker uint8

const (
	// Live marks a record carrying a real value.
	Live Marker = iota
	// Dead marks a tombstone: the key was deleted.
	Dead
)

// Record is a decoded (key, value, marker) tuple. A Dead record always has
// a zero-length Value.
type Record struct {
	Key    []byte
	Value  []byte
	Marker Marker
}

// IsTombstone reports whether r represents a deletion.
func (r Record) IsTombstone() bool { return r.Marker == Dead }

// NewLive builds a live record.
func NewLive(key, value []byte) Record {
	return Record{Key: key, Value: value, Marker: Live}
}

// NewTombstone builds a tombstone record for key.
func NewTombstone(key []byte) Record {
	return Record{Key: key, Marker: Dead}
}

// Codec encodes and decodes records as:
//
//	marker:u8 | key_len:varint | key_bytes | value_len:varint | value_bytes
//
// The codec is total: every well-formed byte sequence decodes to exactly
// one record, and every record encodes to exactly one byte sequence.
type Codec struct{}

// NewCodec returns the (stateless) record codec.
func NewCodec() Codec { return Codec{} }

// Encode appends the wire form of r to dst and returns the extended slice.
func (Codec) Encode(dst []byte, r Record) []byte {
	dst = append(dst, byte(r.Marker))
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(r.Key)))
	dst = append(dst, buf[:n]...)
	dst = append(dst, r.Key...)
	n = binary.PutUvarint(buf[:], uint64(len(r.Value)))
	dst = append(dst, buf[:n]...)
	dst = append(dst, r.Value...)
	return dst
}

// EncodedLen returns the number of bytes Encode would append for r,
// without allocating.
func (Codec) EncodedLen(r Record) int {
	return 1 + uvarintLen(uint64(len(r.Key))) + len(r.Key) + uvarintLen(uint64(len(r.Value))) + len(r.Value)
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// Decode parses a single record from the front of src, returning the
// record and the number of bytes consumed. It fails with
// kverrors.CorruptRecord on truncated input or a length field that
// overflows what remains of src. A tombstone decodes with a nil Value,
// the same form NewTombstone builds.
func (Codec) Decode(src []byte) (Record, int, error) {
	if len(src) < 1 {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "empty input")
	}
	marker := Marker(src[0])
	if marker != Live && marker != Dead {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "unknown marker")
	}
	off := 1

	keyLen, n := binary.Uvarint(src[off:])
	if n <= 0 {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "truncated key length")
	}
	off += n
	if uint64(off)+keyLen > uint64(len(src)) {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "key length overflows input")
	}
	key := src[off : off+int(keyLen)]
	off += int(keyLen)

	valLen, n := binary.Uvarint(src[off:])
	if n <= 0 {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "truncated value length")
	}
	off += n
	if uint64(off)+valLen > uint64(len(src)) {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "value length overflows input")
	}
	value := src[off : off+int(valLen)]
	off += int(valLen)

	if marker == Dead && valLen != 0 {
		return Record{}, 0, kverrors.New(kverrors.KindCorruptRecord, "tombstone carries a value")
	}
	if marker == Dead {
		value = nil
	}

	return Record{Key: key, Value: value, Marker: marker}, off, nil
}
