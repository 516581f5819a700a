// Package compaction implements the background merge of the entire
// segment set into one replacement segment, dropping tombstones and
// superseded versions.
package compaction

import (
	"container/heap"
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/kvlsm/kvlsm/pkg/logging"
	"github.com/kvlsm/kvlsm/pkg/record"
	"github.com/kvlsm/kvlsm/pkg/sparseindex"
	"github.com/kvlsm/kvlsm/pkg/sstable"
	"github.com/kvlsm/kvlsm/pkg/stats"
)

// Comparator supplies the total order over keys.
type Comparator func(a, b []byte) int

// ShouldTrigger reports whether the number of live segments has reached
// the configured compaction threshold.
func ShouldTrigger(numSegments, threshold int) bool {
	return numSegments >= threshold
}

// heapItem is one segment scanner's current head record, ordered by key
// ascending and, on a tie, by segment id descending so the youngest
// segment's version of a key is always popped first.
type heapItem struct {
	rec       record.Record
	segmentID uint64
	scanner   *sstable.Scanner
}

type mergeHeap struct {
	items []*heapItem
	cmp   Comparator
}

func (h *mergeHeap) Len() int { return len(h.items) }
func (h *mergeHeap) Less(i, j int) bool {
	if c := h.cmp(h.items[i].rec.Key, h.items[j].rec.Key); c != 0 {
		return c < 0
	}
	return h.items[i].segmentID > h.items[j].segmentID
}
func (h *mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x interface{}) { h.items = append(h.items, x.(*heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// Compactor merges whole segment sets into a single replacement segment.
type Compactor struct {
	dataDir            string
	blockSize          int
	sampleRate         int
	backoffMaxAttempts int
	cmp                Comparator
	log                logging.Logger
	stats              *stats.Collector
}

// New creates a Compactor writing new segments to dataDir.
func New(dataDir string, blockSize, sampleRate, backoffMaxAttempts int, cmp Comparator, log logging.Logger, st *stats.Collector) *Compactor {
	if log == nil {
		log = logging.Discard()
	}
	return &Compactor{
		dataDir:            dataDir,
		blockSize:          blockSize,
		sampleRate:         sampleRate,
		backoffMaxAttempts: backoffMaxAttempts,
		cmp:                cmp,
		log:                log,
		stats:              st,
	}
}

// Compact performs one k-way merge of readers into a new segment
// newSegmentID, dropping every tombstone and superseded version (the
// entire segment set is compacted at once, so no older segment survives
// outside the merge that a tombstone would need to keep shadowing). Any
// read or write failure aborts the attempt, discarding the partial
// output; the existing segments and index are left untouched.
func (c *Compactor) Compact(newSegmentID uint64, readers []*sstable.Reader) ([]sparseindex.Entry, error) {
	writer, err := sstable.NewWriter(c.dataDir, newSegmentID, c.blockSize, c.sampleRate)
	if err != nil {
		return nil, err
	}

	h := &mergeHeap{cmp: c.cmp}
	for _, r := range readers {
		scanner := r.NewScanner()
		rec, ok, err := scanner.Next()
		if err != nil {
			writer.Abort()
			return nil, err
		}
		if ok {
			heap.Push(h, &heapItem{rec: rec, segmentID: r.ID(), scanner: scanner})
		}
	}

	var lastKey []byte
	haveLast := false
	for h.Len() > 0 {
		top := heap.Pop(h).(*heapItem)
		isDuplicate := haveLast && c.cmp(top.rec.Key, lastKey) == 0
		if !isDuplicate {
			if !top.rec.IsTombstone() {
				if err := writer.Add(top.rec); err != nil {
					writer.Abort()
					return nil, err
				}
			}
			lastKey = append([]byte(nil), top.rec.Key...)
			haveLast = true
		}

		next, ok, err := top.scanner.Next()
		if err != nil {
			writer.Abort()
			return nil, err
		}
		if ok {
			heap.Push(h, &heapItem{rec: next, segmentID: top.segmentID, scanner: top.scanner})
		}
	}

	entries, err := writer.Finish()
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CompactWithRetry runs Compact, retrying transient failures with
// exponential backoff up to the configured attempt budget before giving
// up silently for this cycle, per the policy that compaction failures
// never surface to a caller of put/get/delete.
func (c *Compactor) CompactWithRetry(ctx context.Context, newSegmentID uint64, readers []*sstable.Reader) ([]sparseindex.Entry, error) {
	var entries []sparseindex.Entry
	attempt := 0
	op := func() error {
		attempt++
		var err error
		entries, err = c.Compact(newSegmentID, readers)
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Warn("compaction attempt failed, retrying")
		}
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.backoffMaxAttempts))
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		c.log.WithError(err).Error("compaction abandoned after exhausting retries")
		if c.stats != nil {
			c.stats.CompactionFailures.Inc()
		}
		return nil, err
	}
	return entries, nil
}
