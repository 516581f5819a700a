package sstable

import (
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/kvlsm/kvlsm/pkg/block"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
	"github.com/kvlsm/kvlsm/pkg/record"
)

// Comparator supplies the total order over keys.
type Comparator func(a, b []byte) int

// Reader is an open, memory-mapped, read-only view of one segment file.
// Segment files are write-once and immutable, so many Readers may safely
// map and scan the same file concurrently.
type Reader struct {
	id          uint64
	path        string
	file        *os.File
	mapping     mmap.MMap
	header      Header
	headerLen   int64
	blockSize   int
	blockReader *block.Reader
	codec       record.Codec
	cmp         Comparator
}

// OpenReader memory-maps the segment file at path and parses its header.
func OpenReader(path string, segmentID uint64, blockSize int, cmp Comparator) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "open segment file")
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "mmap segment file")
	}
	hdr, hdrLen, err := decodeHeader(m)
	if err != nil {
		m.Unmap()
		f.Close()
		return nil, err
	}
	return &Reader{
		id:          segmentID,
		path:        path,
		file:        f,
		mapping:     m,
		header:      hdr,
		headerLen:   hdrLen,
		blockSize:   blockSize,
		blockReader: block.NewReader(m[hdrLen:], blockSize),
		codec:       record.NewCodec(),
		cmp:         cmp,
	}, nil
}

// ID returns this segment's id.
func (r *Reader) ID() uint64 { return r.id }

// Path returns the file path this reader was opened from.
func (r *Reader) Path() string { return r.path }

// Header returns the segment's parsed header.
func (r *Reader) Header() Header { return r.header }

// BodyOffset returns the byte offset within the file where the block
// stream begins, i.e. the length of the header.
func (r *Reader) BodyOffset() int64 { return r.headerLen }

// Close unmaps the segment and closes its file handle.
func (r *Reader) Close() error {
	if err := r.mapping.Unmap(); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "unmap segment file")
	}
	return r.file.Close()
}

// Get scans forward from byte offset from (bounded by to when bounded is
// true, otherwise to end of segment) looking for key. It returns the
// record and true on a match, or false if a strictly greater key is
// encountered or the range is exhausted first.
func (r *Reader) Get(from, to int64, bounded bool, key []byte) (record.Record, bool, error) {
	off := from
	limit := int64(len(r.mapping))
	if bounded && to < limit {
		limit = to
	}
	for off < limit {
		raw, next, err := r.blockReader.ReadRecordAt(off - r.headerLen)
		if err != nil {
			if kind, ok := kverrors.KindOf(err); ok && kind == kverrors.KindIO {
				return record.Record{}, false, nil
			}
			return record.Record{}, false, err
		}
		rec, n, err := r.codec.Decode(raw)
		if err != nil || n != len(raw) {
			return record.Record{}, false, kverrors.New(kverrors.KindCorruptRecord, "segment record decode failed")
		}
		switch c := r.cmp(rec.Key, key); {
		case c == 0:
			return rec, true, nil
		case c > 0:
			return record.Record{}, false, nil
		}
		off = next + r.headerLen
	}
	return record.Record{}, false, nil
}

// Scanner walks every record in the segment body in ascending key order,
// for use by the compactor's k-way merge.
type Scanner struct {
	r     *Reader
	off   int64
	start int64
}

// NewScanner returns a Scanner starting at the first record of the
// segment body.
func (r *Reader) NewScanner() *Scanner {
	return &Scanner{r: r, off: r.headerLen}
}

// Next returns the next record in the segment, or ok=false at end of
// segment.
func (s *Scanner) Next() (record.Record, bool, error) {
	if s.off >= int64(len(s.r.mapping)) {
		return record.Record{}, false, nil
	}
	start := s.off
	raw, next, err := s.r.blockReader.ReadRecordAt(s.off - s.r.headerLen)
	if err != nil {
		if kind, ok := kverrors.KindOf(err); ok && kind == kverrors.KindIO {
			s.off = int64(len(s.r.mapping))
			return record.Record{}, false, nil
		}
		return record.Record{}, false, err
	}
	rec, n, err := s.r.codec.Decode(raw)
	if err != nil || n != len(raw) {
		return record.Record{}, false, kverrors.New(kverrors.KindCorruptRecord, "segment record decode failed")
	}
	s.off = next + s.r.headerLen
	s.start = start
	return rec, true, nil
}

// Offset returns the starting byte offset, within the segment file, of
// the record most recently returned by Next.
func (s *Scanner) Offset() int64 { return s.start }
