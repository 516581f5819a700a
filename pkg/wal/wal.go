// Package wal implements the write-ahead log: an append-only stream of
// records, framed through the block codec, flushed to durable storage on
// every append and truncated after a successful memtable flush.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kvlsm/kvlsm/pkg/block"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
	"github.com/kvlsm/kvlsm/pkg/logging"
	"github.com/kvlsm/kvlsm/pkg/record"
)

// FileName is the fixed name of the active WAL file within a data
// directory.
const FileName = "wal"

// WAL is an append-only, block-framed log of records.
type WAL struct {
	mu        sync.Mutex
	dir       string
	path      string
	file      *os.File
	blockSize int
	writer    *block.Writer
	codec     record.Codec
	log       logging.Logger
}

// Open creates or opens the WAL file at dataDir/wal. It assumes the file
// is either absent or empty: the engine only opens a WAL directly when
// starting fresh (an existing, non-empty WAL requires recover, which
// reads it with Replay and removes the file before calling Open).
func Open(dataDir string, blockSize int, log logging.Logger) (*WAL, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create data dir")
	}
	path := filepath.Join(dataDir, FileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "open wal")
	}
	if log == nil {
		log = logging.Discard()
	}
	w := &WAL{dir: dataDir, path: path, file: f, blockSize: blockSize, codec: record.NewCodec(), log: log}
	w.writer = block.NewWriter(blockSize, w.sink)
	return w, nil
}

func (w *WAL) sink(offset int64, data []byte, final bool) error {
	if _, err := w.file.WriteAt(data, offset); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "write wal block")
	}
	if err := w.file.Sync(); err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "fsync wal block")
	}
	return nil
}

// Append encodes r and forces it to durable storage before returning. A
// failure here means the mutation must not touch the memtable.
func (w *WAL) Append(r record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := w.codec.Encode(nil, r)
	if err := w.writer.Append(buf); err != nil {
		w.log.WithError(err).Warn("wal append failed")
		return err
	}
	return nil
}

// Truncate replaces the WAL file with a fresh, empty one. It is called
// only after a successful flush. On any failure the existing (possibly
// unflushed) WAL is preserved by renaming it to a backup file for an
// external collaborator to drain, and an IO error is surfaced.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return w.backupAndFail(err)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return w.backupAndFail(err)
	}
	f, err := os.OpenFile(w.path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return w.backupAndFail(err)
	}
	w.file = f
	w.writer = block.NewWriter(w.blockSize, w.sink)
	return nil
}

func (w *WAL) backupAndFail(cause error) error {
	backup := filepath.Join(w.dir, fmt.Sprintf("wal.bak-%d", time.Now().UnixNano()))
	if err := os.Rename(w.path, backup); err != nil {
		w.log.WithError(err).Error("failed to back up wal after truncate failure")
	} else {
		w.log.WithField("backup", backup).Warn("wal truncate failed, original renamed for external recovery")
	}
	return kverrors.Wrap(kverrors.KindIO, cause, "wal truncate failed")
}

// Close finalizes any in-flight block and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Finish(); err != nil {
		return err
	}
	return w.file.Close()
}

// Exists reports whether dataDir already has a non-empty WAL file.
func Exists(dataDir string) bool {
	info, err := os.Stat(filepath.Join(dataDir, FileName))
	return err == nil && info.Size() > 0
}

// BackupExists reports whether dataDir has any backed-up WAL left over
// from a failed truncate.
func BackupExists(dataDir string) (bool, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, kverrors.Wrap(kverrors.KindIO, err, "list data dir")
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "wal.bak-") {
			return true, nil
		}
	}
	return false, nil
}

// Replay reads every record durably appended to dataDir's WAL, in append
// order. A decode failure — whether a corrupt block or a corrupt record —
// is treated as a truncated tail: replay stops and returns everything
// decoded up to that point. This is sound because appends are
// synchronous and durable one at a time, so any undecodable data can only
// be an interrupted final write, never a hole followed by more valid
// data.
func Replay(dataDir string, blockSize int) ([]record.Record, error) {
	path := filepath.Join(dataDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, kverrors.Wrap(kverrors.KindIO, err, "read wal for replay")
	}

	reader := block.NewReader(data, blockSize)
	codec := record.NewCodec()
	var out []record.Record
	off := int64(0)
	for off < int64(len(data)) {
		raw, next, err := reader.ReadRecordAt(off)
		if err != nil {
			break
		}
		rec, n, err := codec.Decode(raw)
		if err != nil || n != len(raw) {
			break
		}
		out = append(out, rec)
		off = next
	}
	return out, nil
}
