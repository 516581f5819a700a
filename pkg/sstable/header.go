package sstable

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

// magic identifies a segment file and guards against opening an
// unrelated file as one.
var magic = [8]byte{'K', 'V', 'L', 'S', 'M', 'S', 'E', 'G'}

const headerVersion = 1

// Header is the segment's fixed-layout metadata prefix: a constant-size
// run of scalar fields followed immediately by the two variable-length
// key fields those scalars describe the length of.
type Header struct {
	CreatedAt  time.Time
	SizeBytes  uint64
	NumRecords uint64
	MinKey     []byte
	MaxKey     []byte
}

// fixedHeaderLen is the size of the scalar portion of the header, before
// the variable-length min/max key bytes and the trailing checksum.
const fixedHeaderLen = 8 /*magic*/ + 2 /*version*/ + 8 /*createdAt*/ + 8 /*size*/ + 8 /*numRecords*/ + 4 /*minKeyLen*/ + 4 /*maxKeyLen*/

// encodeHeader renders h as its on-disk form, including a trailing
// xxHash64 checksum over everything before it.
func encodeHeader(h Header) []byte {
	total := fixedHeaderLen + len(h.MinKey) + len(h.MaxKey) + 8
	buf := make([]byte, total)
	off := 0
	copy(buf[off:], magic[:])
	off += 8
	binary.BigEndian.PutUint16(buf[off:], headerVersion)
	off += 2
	binary.BigEndian.PutUint64(buf[off:], uint64(h.CreatedAt.UnixNano()))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.SizeBytes)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.NumRecords)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.MinKey)))
	off += 4
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.MaxKey)))
	off += 4
	off += copy(buf[off:], h.MinKey)
	off += copy(buf[off:], h.MaxKey)

	sum := xxhash.Sum64(buf[:off])
	binary.BigEndian.PutUint64(buf[off:], sum)
	return buf
}

// decodeHeader parses a Header from the front of data and returns its
// on-disk length alongside it.
func decodeHeader(data []byte) (Header, int64, error) {
	if len(data) < fixedHeaderLen+8 {
		return Header{}, 0, kverrors.New(kverrors.KindCorruptBlock, "segment file too short for header")
	}
	off := 0
	if string(data[off:off+8]) != string(magic[:]) {
		return Header{}, 0, kverrors.New(kverrors.KindCorruptBlock, "bad segment magic")
	}
	off += 8
	version := binary.BigEndian.Uint16(data[off:])
	off += 2
	if version != headerVersion {
		return Header{}, 0, kverrors.New(kverrors.KindCorruptBlock, "unsupported segment header version")
	}
	createdAtNano := int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	sizeBytes := binary.BigEndian.Uint64(data[off:])
	off += 8
	numRecords := binary.BigEndian.Uint64(data[off:])
	off += 8
	minKeyLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	maxKeyLen := binary.BigEndian.Uint32(data[off:])
	off += 4

	need := off + int(minKeyLen) + int(maxKeyLen) + 8
	if len(data) < need {
		return Header{}, 0, kverrors.New(kverrors.KindCorruptBlock, "segment header truncated")
	}
	minKey := data[off : off+int(minKeyLen)]
	off += int(minKeyLen)
	maxKey := data[off : off+int(maxKeyLen)]
	off += int(maxKeyLen)

	want := binary.BigEndian.Uint64(data[off:])
	got := xxhash.Sum64(data[:off])
	if got != want {
		return Header{}, 0, kverrors.New(kverrors.KindCorruptBlock, "segment header checksum mismatch")
	}
	off += 8

	h := Header{
		CreatedAt:  time.Unix(0, createdAtNano),
		SizeBytes:  sizeBytes,
		NumRecords: numRecords,
		MinKey:     append([]byte(nil), minKey...),
		MaxKey:     append([]byte(nil), maxKey...),
	}
	return h, int64(off), nil
}
