package sstable

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kvlsm/kvlsm/pkg/block"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
	"github.com/kvlsm/kvlsm/pkg/record"
	"github.com/kvlsm/kvlsm/pkg/sparseindex"
)

// Writer consumes a sorted record stream (a memtable iterator for flush,
// or a merged iterator of segment scanners for compaction) and produces
// one immutable segment file.
type Writer struct {
	dataDir   string
	segmentID uint64
	tmpPath   string
	tmpFile   *os.File
	body      *block.Writer
	codec     record.Codec
	blockSize int
	sampleRate int

	lastSampledBlock int64
	sampled          []sparseindex.Entry
	firstKey         []byte
	lastKey          []byte
	numRecords       uint64
	createdAt        time.Time

	finished bool
}

// NewWriter creates a Writer that will produce dataDir/segment-<id> once
// Finish is called.
func NewWriter(dataDir string, segmentID uint64, blockSize, sampleRate int) (*Writer, error) {
	if sampleRate < 1 {
		sampleRate = 1
	}
	tmpPath := filepath.Join(dataDir, fmt.Sprintf(".%s%d.tmp-%s", FilePrefix, segmentID, uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create segment temp file")
	}
	w := &Writer{
		dataDir:          dataDir,
		segmentID:        segmentID,
		tmpPath:          tmpPath,
		tmpFile:          f,
		codec:            record.NewCodec(),
		blockSize:        blockSize,
		sampleRate:       sampleRate,
		lastSampledBlock: -1,
		createdAt:        time.Now(),
	}
	w.body = block.NewWriter(blockSize, w.sink)
	return w, nil
}

func (w *Writer) sink(_ int64, data []byte, final bool) error {
	if !final {
		return nil
	}
	if _, err := w.tmpFile.Write(data); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write segment block")
	}
	return nil
}

// Add appends r to the segment body. Callers must supply records in
// strictly ascending key order.
func (w *Writer) Add(r record.Record) error {
	encoded := w.codec.Encode(nil, r)
	if len(encoded) > block.MaxPayloadSize {
		return kverrors.New(kverrors.KindOversize, "record exceeds block codec length field")
	}

	if w.firstKey == nil {
		w.firstKey = append([]byte(nil), r.Key...)
	}
	w.lastKey = append([]byte(nil), r.Key...)

	before := w.body.StreamOffset()
	blockIdx := before / int64(w.blockSize)
	if blockIdx != w.lastSampledBlock && blockIdx%int64(w.sampleRate) == 0 {
		w.sampled = append(w.sampled, sparseindex.Entry{
			Key:    append([]byte(nil), r.Key...),
			Offset: before,
		})
		w.lastSampledBlock = blockIdx
	}

	if err := w.body.Append(encoded); err != nil {
		return err
	}
	w.numRecords++
	return nil
}

// AddTombstone is a convenience wrapper for Add(record.NewTombstone(key)).
func (w *Writer) AddTombstone(key []byte) error {
	return w.Add(record.NewTombstone(key))
}

// Finish flushes the body, assembles the final segment file (header
// prefix, then body), atomically publishes it at its final path, and
// returns the sparse-index entries this segment contributes, with their
// offsets patched to be absolute within the final file.
func (w *Writer) Finish() ([]sparseindex.Entry, error) {
	if w.finished {
		return nil, kverrors.New(kverrors.KindInvariant, "Finish called twice")
	}
	w.finished = true

	if err := w.body.Finish(); err != nil {
		return nil, err
	}
	bodySize, err := w.tmpFile.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "stat segment temp file")
	}
	if err := w.tmpFile.Close(); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "close segment temp file")
	}

	header := encodeHeader(Header{
		CreatedAt:  w.createdAt,
		SizeBytes:  uint64(bodySize),
		NumRecords: w.numRecords,
		MinKey:     w.firstKey,
		MaxKey:     w.lastKey,
	})

	finalPath := Path(w.dataDir, w.segmentID)
	assemblePath := finalPath + ".assemble"
	out, err := os.OpenFile(assemblePath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create segment assembly file")
	}
	if _, err := out.Write(header); err != nil {
		out.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "write segment header")
	}
	body, err := os.Open(w.tmpPath)
	if err != nil {
		out.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "reopen segment body")
	}
	if _, err := io.Copy(out, body); err != nil {
		body.Close()
		out.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "assemble segment body")
	}
	body.Close()
	if err := out.Sync(); err != nil {
		out.Close()
		return nil, kverrors.Wrap(kverrors.KindIO, err, "fsync segment file")
	}
	if err := out.Close(); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "close segment assembly file")
	}
	_ = os.Remove(w.tmpPath)
	if err := os.Rename(assemblePath, finalPath); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "publish segment file")
	}

	hdrLen := int64(len(header))
	entries := make([]sparseindex.Entry, len(w.sampled))
	for i, e := range w.sampled {
		entries[i] = sparseindex.Entry{Key: e.Key, SegmentID: w.segmentID, Offset: e.Offset + hdrLen}
	}
	return entries, nil
}

// Abort discards the in-progress segment, removing any temp file it has
// written so far.
func (w *Writer) Abort() {
	if w.finished {
		return
	}
	w.finished = true
	w.tmpFile.Close()
	os.Remove(w.tmpPath)
}

// NumRecords reports how many records have been added so far.
func (w *Writer) NumRecords() uint64 { return w.numRecords }
