// Package engine is the facade tying the write-ahead log, memtable,
// sparse index, segment set and compactor together into the store's
// three public mutations (Put, Get, Delete) plus New and Recover.
package engine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/kvlsm/kvlsm/pkg/compaction"
	"github.com/kvlsm/kvlsm/pkg/config"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
	"github.com/kvlsm/kvlsm/pkg/logging"
	"github.com/kvlsm/kvlsm/pkg/memtable"
	"github.com/kvlsm/kvlsm/pkg/record"
	"github.com/kvlsm/kvlsm/pkg/sparseindex"
	"github.com/kvlsm/kvlsm/pkg/sstable"
	"github.com/kvlsm/kvlsm/pkg/stats"
	"github.com/kvlsm/kvlsm/pkg/wal"
)

// Comparator supplies the total order over keys. Every component sharing
// one Engine must agree on the same Comparator.
type Comparator func(a, b []byte) int

// Engine is the embeddable, persistent, ordered key-value store.
//
// Mutations serialize through mu: WAL append and memtable upsert always
// happen while mu is held, matching the single foreground actor the
// store's write path is built around. A flush (freezing the memtable,
// writing it to a segment, truncating the WAL) also runs under mu, since
// it must be atomic with the mutation that triggered it. Compaction does
// not: it runs in its own goroutine, touching neither mu nor the
// memtable, so normal Put/Delete/Get traffic is never blocked behind a
// merge. Reads take mu only long enough to snapshot the current memtable
// pointer, so a read waits out any mutation or flush holding mu, then
// read the segment set under segMu, where they are excluded only for the
// instant a flush or compaction publishes a change to the segment set.
type Engine struct {
	opts *config.Options
	cmp  Comparator
	log  logging.Logger
	stat *stats.Collector

	mu  sync.Mutex
	wl  *wal.WAL
	mem *memtable.MemTable

	segMu    sync.RWMutex
	segments map[uint64]*sstable.Reader
	indexes  map[uint64]*sparseindex.Index
	// segOrder holds every live segment ID, oldest to newest by publish
	// order. It is deliberately not derived from segment ID magnitude:
	// compaction and flush can allocate IDs out of step with true publish
	// order under concurrency, so publish order is tracked explicitly.
	segOrder []uint64

	nextSegmentID atomic.Uint64

	compactor  *compaction.Compactor
	compacting atomic.Bool
	compactWG  sync.WaitGroup

	closed atomic.Bool
}

// New opens a brand new store at opts.DataDir. It fails with a
// NOT_RECOVERED error if a WAL or WAL backup already exists there, since
// that indicates an unclean prior shutdown that Recover, not New, must
// resolve.
func New(opts *config.Options) (*Engine, error) {
	return NewWithComparator(opts, bytes.Compare)
}

// NewWithComparator is New with an explicit key ordering.
func NewWithComparator(opts *config.Options, cmp Comparator) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if wal.Exists(opts.DataDir) {
		return nil, kverrors.New(kverrors.KindNotRecovered, "wal already exists at data_dir; call Recover instead of New")
	}
	hasBackup, err := wal.BackupExists(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if hasBackup {
		return nil, kverrors.New(kverrors.KindNotRecovered, "wal backup present at data_dir; call Recover instead of New")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create data directory")
	}
	if err := opts.SaveManifest(); err != nil {
		return nil, err
	}
	return open(opts, cmp, false)
}

// Recover reopens a store at opts.DataDir, replaying any WAL content left
// by an unclean shutdown before accepting new mutations. It is always
// safe to call on a directory New has never touched.
func Recover(opts *config.Options) (*Engine, error) {
	return RecoverWithComparator(opts, bytes.Compare)
}

// RecoverWithComparator is Recover with an explicit key ordering.
func RecoverWithComparator(opts *config.Options, cmp Comparator) (*Engine, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, kverrors.Wrap(kverrors.KindIO, err, "create data directory")
	}
	if !config.ManifestExists(opts.DataDir) {
		if err := opts.SaveManifest(); err != nil {
			return nil, err
		}
	}
	return open(opts, cmp, true)
}

func open(opts *config.Options, cmp Comparator, recovering bool) (*Engine, error) {
	log := logging.Default().WithField("data_dir", opts.DataDir)
	stat := stats.New(opts.MetricsNamespace)

	segments, nextID, err := loadSegments(opts, cmp)
	if err != nil {
		return nil, err
	}

	segOrder := make([]uint64, 0, len(segments))
	for id := range segments {
		segOrder = append(segOrder, id)
	}
	sort.Slice(segOrder, func(i, j int) bool { return segOrder[i] < segOrder[j] })

	// Each segment gets its own sparse index, scoped to that segment's
	// byte range only. A merged, cross-segment index cannot be used here:
	// live, un-compacted segments routinely have overlapping key ranges,
	// and a single global index would route a lookup to whichever
	// segment happens to own the nearest preceding sample, not
	// necessarily the segment the key is actually in.
	indexes := make(map[uint64]*sparseindex.Index, len(segments))
	for _, id := range segOrder {
		entries, err := recoverIndexEntries(segments[id], opts.BlockSizeBytes, opts.SparseIndexSampleRate)
		if err != nil {
			return nil, err
		}
		idx := sparseindex.New(sparseindex.Comparator(cmp))
		idx.ApplyFlush(entries)
		indexes[id] = idx
	}

	e := &Engine{
		opts:     opts,
		cmp:      cmp,
		log:      log,
		stat:     stat,
		segments: segments,
		indexes:  indexes,
		segOrder: segOrder,
	}
	e.nextSegmentID.Store(nextID)
	e.compactor = compaction.New(opts.DataDir, opts.BlockSizeBytes, opts.SparseIndexSampleRate,
		opts.CompactionBackoffMaxAttempts, compaction.Comparator(cmp), log, stat)

	if recovering && wal.Exists(opts.DataDir) {
		if err := e.recoverWAL(); err != nil {
			return nil, err
		}
	}

	wl, err := wal.Open(opts.DataDir, opts.BlockSizeBytes, log)
	if err != nil {
		return nil, err
	}
	e.wl = wl
	e.mem = memtable.New(memtable.Comparator(cmp))
	e.stat.SegmentsLive.Set(float64(len(e.segments)))
	return e, nil
}

// recoverWAL replays the on-disk WAL into a scratch memtable and, if it
// held any records, flushes that memtable to a new segment before the
// WAL file is removed. This way recovered data is durable in a segment
// before the log that was its only record of it disappears; a crash
// mid-recovery just means recovery runs again from the same WAL.
func (e *Engine) recoverWAL() error {
	records, err := wal.Replay(e.opts.DataDir, e.opts.BlockSizeBytes)
	if err != nil {
		return err
	}
	if len(records) > 0 {
		recovered := memtable.New(memtable.Comparator(e.cmp))
		for _, r := range records {
			recovered.ApplyRecord(r)
		}
		if err := e.flushMemtable(recovered); err != nil {
			return kverrors.Wrap(kverrors.KindNotRecovered, err, "flush recovered wal contents")
		}
	}
	if err := os.Remove(filepath.Join(e.opts.DataDir, wal.FileName)); err != nil && !os.IsNotExist(err) {
		return kverrors.Wrap(kverrors.KindIO, err, "remove replayed wal")
	}
	entries, err := os.ReadDir(e.opts.DataDir)
	if err != nil {
		return kverrors.Wrap(kverrors.KindIO, err, "list data dir")
	}
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), "wal.bak-") {
			_ = os.Remove(filepath.Join(e.opts.DataDir, ent.Name()))
		}
	}
	return nil
}

func loadSegments(opts *config.Options, cmp Comparator) (map[uint64]*sstable.Reader, uint64, error) {
	matches, err := filepath.Glob(filepath.Join(opts.DataDir, sstable.FilePrefix+"*"))
	if err != nil {
		return nil, 0, kverrors.Wrap(kverrors.KindIO, err, "glob segment files")
	}
	segments := make(map[uint64]*sstable.Reader)
	var nextID uint64
	for _, path := range matches {
		base := filepath.Base(path)
		if strings.HasPrefix(base, ".") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(base, sstable.FilePrefix), 10, 64)
		if err != nil {
			continue
		}
		r, err := sstable.OpenReader(path, id, opts.BlockSizeBytes, sstable.Comparator(cmp))
		if err != nil {
			return nil, 0, err
		}
		segments[id] = r
		if id+1 > nextID {
			nextID = id + 1
		}
	}
	return segments, nextID, nil
}

// recoverIndexEntries re-derives the sparse-index samples a segment
// contributed, since only the segment bodies (not the index) are
// persisted. Sampling follows the exact rule the writer used: the first
// record of every sampleRate'th block, keyed by the record's starting
// offset within the body.
func recoverIndexEntries(r *sstable.Reader, blockSize, sampleRate int) ([]sparseindex.Entry, error) {
	if sampleRate < 1 {
		sampleRate = 1
	}
	scanner := r.NewScanner()
	var entries []sparseindex.Entry
	lastSampledBlock := int64(-1)
	for {
		rec, ok, err := scanner.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		off := scanner.Offset()
		blockIdx := (off - r.BodyOffset()) / int64(blockSize)
		if blockIdx != lastSampledBlock && blockIdx%int64(sampleRate) == 0 {
			entries = append(entries, sparseindex.Entry{
				Key:       append([]byte(nil), rec.Key...),
				SegmentID: r.ID(),
				Offset:    off,
			})
			lastSampledBlock = blockIdx
		}
	}
	return entries, nil
}

// Put inserts or overwrites the value for key.
func (e *Engine) Put(key, value []byte) error {
	if len(key) == 0 {
		return kverrors.New(kverrors.KindInvariant, "key must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return kverrors.New(kverrors.KindInvariant, "engine is closed")
	}
	r := record.NewLive(key, value)
	if err := e.wl.Append(r); err != nil {
		e.stat.RecordError(kverrors.KindIO.String())
		return err
	}
	e.mem.Put(key, value)
	e.stat.Puts.Inc()
	return e.maybeFlushLocked()
}

// Delete removes key, if present.
func (e *Engine) Delete(key []byte) error {
	if len(key) == 0 {
		return kverrors.New(kverrors.KindInvariant, "key must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return kverrors.New(kverrors.KindInvariant, "engine is closed")
	}
	r := record.NewTombstone(key)
	if err := e.wl.Append(r); err != nil {
		e.stat.RecordError(kverrors.KindIO.String())
		return err
	}
	e.mem.Delete(key)
	e.stat.Deletes.Inc()
	return e.maybeFlushLocked()
}

// Get returns the value for key and whether it was found.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	e.stat.Gets.Inc()

	e.mu.Lock()
	mem := e.mem
	e.mu.Unlock()

	if r, ok := mem.Get(key); ok {
		if r.IsTombstone() {
			e.stat.GetMisses.Inc()
			return nil, false, nil
		}
		e.stat.GetHits.Inc()
		return r.Value, true, nil
	}

	// Check segments newest to oldest, each through its own sparse index,
	// falling through to the next-older segment on a miss. A hit (live or
	// tombstone) always ends the search: a younger segment's version of a
	// key, tombstone or not, shadows anything an older segment holds.
	e.segMu.RLock()
	defer e.segMu.RUnlock()
	for i := len(e.segOrder) - 1; i >= 0; i-- {
		id := e.segOrder[i]
		idx, ok := e.indexes[id]
		if !ok {
			continue
		}
		rng, found := idx.Locate(key)
		if !found {
			continue
		}
		seg := e.segments[id]
		rec, ok, err := seg.Get(rng.From, rng.To, rng.Bounded, key)
		if err != nil {
			e.stat.RecordError(kverrors.KindCorruptBlock.String())
			return nil, false, err
		}
		if !ok {
			continue
		}
		if rec.IsTombstone() {
			e.stat.GetMisses.Inc()
			return nil, false, nil
		}
		e.stat.GetHits.Inc()
		return rec.Value, true, nil
	}
	e.stat.GetMisses.Inc()
	return nil, false, nil
}

func (e *Engine) maybeFlushLocked() error {
	if e.mem.ApproxBytes() < int64(e.opts.MemtableFlushThresholdBytes) {
		return nil
	}
	return e.flushLocked()
}

// flushLocked freezes the active memtable, writes it to a new segment,
// publishes the segment and its sparse index, and truncates the WAL.
// Callers must hold mu. Compaction, if triggered, is handed off to a
// background goroutine rather than run here.
func (e *Engine) flushLocked() error {
	frozen := e.mem
	frozen.SetImmutable()

	if err := e.flushMemtable(frozen); err != nil {
		return err
	}

	if err := e.wl.Truncate(); err != nil {
		return err
	}
	e.mem = memtable.New(memtable.Comparator(e.cmp))

	e.maybeTriggerCompaction()
	return nil
}

// flushMemtable writes mem to a new segment and publishes it, without
// touching the WAL. Used both by the ordinary flush path and by WAL
// recovery, which flushes a scratch memtable before the WAL it came from
// is removed.
func (e *Engine) flushMemtable(mem *memtable.MemTable) error {
	start := time.Now()
	segID := e.nextSegmentID.Add(1) - 1

	w, err := sstable.NewWriter(e.opts.DataDir, segID, e.opts.BlockSizeBytes, e.opts.SparseIndexSampleRate)
	if err != nil {
		return err
	}

	it := mem.NewIterator()
	for it.Next() {
		if err := w.Add(it.Record()); err != nil {
			w.Abort()
			return err
		}
	}
	if w.NumRecords() == 0 {
		w.Abort()
		return nil
	}
	entries, err := w.Finish()
	if err != nil {
		return err
	}

	reader, err := sstable.OpenReader(sstable.Path(e.opts.DataDir, segID), segID, e.opts.BlockSizeBytes, sstable.Comparator(e.cmp))
	if err != nil {
		return err
	}
	idx := sparseindex.New(sparseindex.Comparator(e.cmp))
	idx.ApplyFlush(entries)

	e.segMu.Lock()
	e.segments[segID] = reader
	e.indexes[segID] = idx
	e.segOrder = append(e.segOrder, segID)
	e.segMu.Unlock()

	e.stat.ObserveFlush(time.Since(start))
	e.stat.SegmentsLive.Set(float64(e.segmentCount()))
	e.log.WithField("segment", segID).WithField("records", w.NumRecords()).Info("flushed memtable to segment")
	return nil
}

func (e *Engine) segmentCount() int {
	e.segMu.RLock()
	defer e.segMu.RUnlock()
	return len(e.segments)
}

// maybeTriggerCompaction starts a background compaction if the segment
// count has crossed the configured threshold and no compaction is
// already running. It never blocks: by the time it returns, the flush or
// mutation that called it is already durable, matching compaction's role
// as a cooperative background activity that runs alongside normal
// traffic rather than pausing it.
func (e *Engine) maybeTriggerCompaction() {
	if !compaction.ShouldTrigger(e.segmentCount(), e.opts.SegmentCompactionThreshold) {
		return
	}
	if !e.compacting.CompareAndSwap(false, true) {
		return
	}
	e.compactWG.Add(1)
	go func() {
		defer e.compactWG.Done()
		defer e.compacting.Store(false)
		if err := e.runCompaction(); err != nil {
			e.log.WithError(err).Warn("compaction failed, active segment set left unchanged")
		}
	}()
}

// runCompaction merges the entire live segment set into one replacement
// segment. It touches segMu only twice: once to snapshot the segment set
// it will merge, and once to publish the result. The k-way merge and
// segment write in between hold no lock at all, so Put, Delete and Get
// all proceed uninterrupted while a compaction is in flight; only the
// instant of publish briefly excludes readers. Safe to call outside mu;
// maybeTriggerCompaction ensures only one call runs at a time.
func (e *Engine) runCompaction() error {
	start := time.Now()

	e.segMu.RLock()
	readers := make([]*sstable.Reader, 0, len(e.segments))
	ids := make(map[uint64]bool, len(e.segments))
	for id, r := range e.segments {
		readers = append(readers, r)
		ids[id] = true
	}
	e.segMu.RUnlock()
	if len(readers) < 2 {
		return nil
	}

	newID := e.nextSegmentID.Add(1) - 1

	entries, err := e.compactor.CompactWithRetry(context.Background(), newID, readers)
	if err != nil {
		return err
	}

	newReader, err := sstable.OpenReader(sstable.Path(e.opts.DataDir, newID), newID, e.opts.BlockSizeBytes, sstable.Comparator(e.cmp))
	if err != nil {
		return err
	}
	newIndex := sparseindex.New(sparseindex.Comparator(e.cmp))
	newIndex.ApplyFlush(entries)

	e.segMu.Lock()
	merged := 0
	for id := range ids {
		if r, ok := e.segments[id]; ok {
			path := r.Path()
			_ = r.Close()
			_ = os.Remove(path)
			delete(e.segments, id)
			delete(e.indexes, id)
			merged++
		}
	}
	// The merged segment replaces the entire set it was built from, so it
	// is exactly as old as the oldest thing it replaces: place it at the
	// front. Anything published after the snapshot above (segment IDs
	// this compaction never saw) stays behind it, correctly newer.
	newOrder := make([]uint64, 0, len(e.segOrder)+1)
	newOrder = append(newOrder, newID)
	for _, id := range e.segOrder {
		if !ids[id] {
			newOrder = append(newOrder, id)
		}
	}
	e.segOrder = newOrder
	e.segments[newID] = newReader
	e.indexes[newID] = newIndex
	e.segMu.Unlock()

	e.stat.ObserveCompaction(time.Since(start))
	e.stat.SegmentsLive.Set(float64(e.segmentCount()))
	e.log.WithField("segment", newID).WithField("merged", merged).Info("compacted segment set")
	return nil
}

// Close flushes any pending mutations, waits for any in-flight
// compaction to finish, and releases every open resource. Errors from
// individual steps are aggregated rather than short-circuited so a
// failure closing one segment doesn't hide a WAL close failure.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Swap(true) {
		return nil
	}
	e.compactWG.Wait()

	var result *multierror.Error
	if e.mem.ApproxBytes() > 0 {
		if err := e.flushMemtable(e.mem); err != nil {
			result = multierror.Append(result, err)
		} else if err := e.wl.Truncate(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.wl.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	e.segMu.Lock()
	for _, r := range e.segments {
		if err := r.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.segMu.Unlock()

	return result.ErrorOrNil()
}

// Stats exposes the engine's Prometheus registry for an embedder to
// scrape or export by whatever means it chooses.
func (e *Engine) Stats() *stats.Collector { return e.stat }

// Flush forces the active memtable to a segment immediately, regardless
// of the configured byte threshold. A no-op if the memtable is empty.
func (e *Engine) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return kverrors.New(kverrors.KindInvariant, "engine is closed")
	}
	if e.mem.ApproxBytes() == 0 {
		return nil
	}
	return e.flushLocked()
}
