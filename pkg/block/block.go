// Package block packs a stream of opaque records into fixed-size physical
// blocks, splitting records that do not fit into START/MIDDLE/END
// fragments the way both the write-ahead log and segment bodies require.
//
// The physical layout of a block is a sequence of fragments, each
// `type:u8 | size:u16` followed by `size` payload bytes, zero-padded to
// fill the block, plus a trailing 8-byte xxHash64 checksum over the
// padded fragment area.
package block

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

// Type tags a physical fragment.
type Type uint8

const (
	// Padding marks unused tail space; readers stop scanning a block on it.
	Padding Type = 0
	// Complete marks a fragment that holds an entire record.
	Complete Type = 1
	// Start marks the first fragment of a record split across blocks.
	Start Type = 2
	// Middle marks an interior fragment of a split record.
	Middle Type = 3
	// End marks the last fragment of a split record.
	End Type = 4
)

func (t Type) String() string {
	switch t {
	case Padding:
		return "PADDING"
	case Complete:
		return "COMPLETE"
	case Start:
		return "START"
	case Middle:
		return "MIDDLE"
	case End:
		return "END"
	default:
		return "UNKNOWN"
	}
}

const (
	// HeaderSize is the on-disk size of a fragment header: type + size.
	HeaderSize = 3
	// ChecksumSize is the size of the trailing xxHash64 checksum.
	ChecksumSize = 8
	// MinSize is the smallest usable block size: at least one header and
	// one payload byte plus the checksum trailer.
	MinSize = HeaderSize + 1 + ChecksumSize
	// MaxPayloadSize is the largest fragment payload the 16-bit size
	// field can express.
	MaxPayloadSize = 65535
	// MaxSize is the largest block size a fragment's size field can
	// address in a single fragment plus its checksum trailer.
	MaxSize = MaxPayloadSize + HeaderSize + ChecksumSize
)

// Sink receives a block's fixed-size byte image every time it changes.
// offset is the block's byte offset within its stream. final reports
// whether the block is complete (rolled or explicitly flushed) as opposed
// to still being filled — callers that only care about durable, complete
// blocks (an SSTable body) can ignore non-final calls; callers that need
// every mutation to be durable immediately (the WAL) act on every call.
type Sink func(offset int64, data []byte, final bool) error

// Writer packs Append'd records into fixed-size blocks and hands each
// block image to a Sink as it is produced.
type Writer struct {
	size        int
	usable      int
	buf         []byte
	off         int
	blockOffset int64
	sink        Sink
}

// NewWriter creates a Writer producing blocks of exactly size bytes
// (including the checksum trailer), invoking sink for every block image.
func NewWriter(size int, sink Sink) *Writer {
	return &Writer{
		size:   size,
		usable: size - ChecksumSize,
		buf:    make([]byte, size),
		sink:   sink,
	}
}

func (w *Writer) remaining() int { return w.usable - w.off }

// StreamOffset returns the logical byte offset the next Append will begin
// writing at.
func (w *Writer) StreamOffset() int64 { return w.blockOffset + int64(w.off) }

func (w *Writer) emit(final bool) error {
	sum := xxhash.Sum64(w.buf[:w.usable])
	binary.BigEndian.PutUint64(w.buf[w.usable:], sum)
	if w.sink == nil {
		return nil
	}
	return w.sink(w.blockOffset, w.buf, final)
}

func (w *Writer) rollBlock() error {
	if err := w.emit(true); err != nil {
		return err
	}
	w.blockOffset += int64(w.size)
	w.buf = make([]byte, w.size)
	w.off = 0
	return nil
}

func (w *Writer) writeFragment(typ Type, data []byte) error {
	w.buf[w.off] = byte(typ)
	binary.BigEndian.PutUint16(w.buf[w.off+1:w.off+HeaderSize], uint16(len(data)))
	copy(w.buf[w.off+HeaderSize:], data)
	w.off += HeaderSize + len(data)
	if err := w.emit(false); err != nil {
		return err
	}
	if w.remaining() == 0 {
		return w.rollBlock()
	}
	return nil
}

// Append packs data (an already-encoded record) into the block stream,
// splitting it across as many physical blocks as necessary.
func (w *Writer) Append(data []byte) error {
	if len(data) > MaxPayloadSize {
		return kverrors.New(kverrors.KindOversize, "record exceeds block codec length field")
	}
	if w.remaining() < HeaderSize {
		if err := w.rollBlock(); err != nil {
			return err
		}
	}
	if w.remaining() >= HeaderSize+len(data) {
		return w.writeFragment(Complete, data)
	}
	offset := 0
	typ := Start
	for offset < len(data) {
		avail := w.remaining() - HeaderSize
		end := offset + avail
		if end >= len(data) {
			end = len(data)
			typ = End
		}
		if err := w.writeFragment(typ, data[offset:end]); err != nil {
			return err
		}
		offset = end
		typ = Middle
	}
	return nil
}

// Finish flushes any partially filled current block as a final block. It
// is a no-op if the current block is empty (either nothing was ever
// appended, or the last Append rolled a fresh, still-empty block).
func (w *Writer) Finish() error {
	if w.off == 0 {
		return nil
	}
	return w.emit(true)
}

// Reader reconstructs records from a fully-buffered block stream (a
// memory-mapped segment or a fully-read WAL file).
type Reader struct {
	data   []byte
	size   int
	usable int
}

// NewReader wraps data, a byte stream composed of size-byte blocks.
func NewReader(data []byte, size int) *Reader {
	return &Reader{data: data, size: size, usable: size - ChecksumSize}
}

// verifiedPayload returns the checksum-verified fragment area of the
// block at byte offset blockStart.
func (r *Reader) verifiedPayload(blockStart int64) ([]byte, error) {
	if blockStart < 0 || blockStart+int64(r.size) > int64(len(r.data)) {
		return nil, kverrors.New(kverrors.KindCorruptBlock, "block offset out of range")
	}
	blk := r.data[blockStart : blockStart+int64(r.size)]
	payload := blk[:r.usable]
	want := binary.BigEndian.Uint64(blk[r.usable:])
	if xxhash.Sum64(payload) != want {
		return nil, kverrors.New(kverrors.KindCorruptBlock, "block checksum mismatch")
	}
	return payload, nil
}

// nextOffset returns the stream offset immediately following a fragment
// that ended at fragEnd within the block starting at blockStart. A
// fragment that fills the block's usable payload area exactly (every
// Start/Middle fragment does, by construction of Writer.Append) must
// skip that block's checksum trailer to reach the following block;
// anything else continues right after the fragment, in the same block.
func (r *Reader) nextOffset(blockStart int64, fragEnd int) int64 {
	if fragEnd == r.usable {
		return blockStart + int64(r.size)
	}
	return blockStart + int64(fragEnd)
}

// ReadRecordAt reassembles the single record whose first fragment begins
// at byte offset off, returning the reassembled bytes and the offset of
// the next record. It returns io.EOF-shaped kverrors.IO when off lies at
// or past the end of the stream, or when only padding follows it.
func (r *Reader) ReadRecordAt(off int64) (data []byte, next int64, err error) {
	if off >= int64(len(r.data)) {
		return nil, 0, kverrors.New(kverrors.KindIO, "end of stream")
	}
	var acc []byte
	haveStart := false

	for {
		blockStart := (off / int64(r.size)) * int64(r.size)
		posInBlock := int(off - blockStart)

		payload, err := r.verifiedPayload(blockStart)
		if err != nil {
			return nil, 0, err
		}
		if posInBlock+HeaderSize > len(payload) {
			// A tail too short for a fragment header is padding: the
			// writer starts the next record in the following block.
			if haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "truncated fragment header")
			}
			off = blockStart + int64(r.size)
			if off >= int64(len(r.data)) {
				return nil, 0, kverrors.New(kverrors.KindIO, "end of stream")
			}
			continue
		}
		typ := Type(payload[posInBlock])
		size := int(binary.BigEndian.Uint16(payload[posInBlock+1 : posInBlock+HeaderSize]))

		if typ == Padding {
			// Rest of this block is padding; continue scanning at the
			// next block boundary.
			if haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "padding encountered mid-record")
			}
			off = blockStart + int64(r.size)
			if off >= int64(len(r.data)) {
				return nil, 0, kverrors.New(kverrors.KindIO, "end of stream")
			}
			continue
		}

		fragStart := posInBlock + HeaderSize
		fragEnd := fragStart + size
		if fragEnd > len(payload) {
			return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "fragment overruns block")
		}
		frag := payload[fragStart:fragEnd]
		next = r.nextOffset(blockStart, fragEnd)

		switch typ {
		case Complete:
			if haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "COMPLETE after START")
			}
			return frag, next, nil
		case Start:
			if haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "START after START")
			}
			acc = append(acc, frag...)
			haveStart = true
			off = next
		case Middle:
			if !haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "MIDDLE without START")
			}
			acc = append(acc, frag...)
			off = next
		case End:
			if !haveStart {
				return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "END without START")
			}
			acc = append(acc, frag...)
			return acc, next, nil
		default:
			return nil, 0, kverrors.New(kverrors.KindCorruptBlock, "unknown fragment type")
		}
	}
}

// StreamLen returns the length, in bytes, of a stream of numBlocks whole
// blocks of size bytes each.
func StreamLen(numBlocks int, size int) int64 { return int64(numBlocks) * int64(size) }
