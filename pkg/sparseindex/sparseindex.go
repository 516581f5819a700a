// Package sparseindex holds the in-memory mapping from sampled keys to
// segment byte ranges that routes every lookup that misses the memtable.
package sparseindex

import (
	"sort"
	"sync"

	"golang.org/x/exp/slices"
)

// Comparator supplies the total order over keys, matching memtable's.
type Comparator func(a, b []byte) int

// Entry is one sampled key and the address it routes to.
type Entry struct {
	Key       []byte
	SegmentID uint64
	Offset    int64
}

// Range is the byte range within a single segment that Locate says a key
// might live in.
type Range struct {
	SegmentID uint64
	From      int64
	To        int64 // exclusive upper bound, only meaningful if Bounded
	Bounded   bool
}

// Index is an ordered map from sampled key to segment address.
type Index struct {
	mu      sync.RWMutex
	cmp     Comparator
	entries []Entry // sorted ascending by Key
}

// New creates an empty Index ordered by cmp.
func New(cmp Comparator) *Index {
	return &Index{cmp: cmp}
}

// Locate finds the greatest sampled entry whose key is <= key and returns
// the segment and byte range a scan should search. The range's upper
// bound is the offset of the next sampled entry in the same segment, or
// unbounded (scan to end of segment) if none exists.
func (ix *Index) Locate(key []byte) (Range, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.entries)
	if n == 0 {
		return Range{}, false
	}
	idx, found := slices.BinarySearchFunc(ix.entries, key, func(e Entry, k []byte) int {
		return ix.cmp(e.Key, k)
	})
	pos := idx
	if !found {
		if idx == 0 {
			return Range{}, false
		}
		pos = idx - 1
	}

	entry := ix.entries[pos]
	r := Range{SegmentID: entry.SegmentID, From: entry.Offset}
	if pos+1 < n && ix.entries[pos+1].SegmentID == entry.SegmentID {
		r.To = ix.entries[pos+1].Offset
		r.Bounded = true
	}
	return r, true
}

// ApplyFlush merges newEntries (all addressing the segment a flush just
// produced) into the index. Entries whose key collides with an existing
// sampled entry are replaced, so the collided key now routes to the
// newer segment; the older segment is now shadowed for that key.
func (ix *Index) ApplyFlush(newEntries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	byKey := make(map[string]Entry, len(ix.entries)+len(newEntries))
	for _, e := range ix.entries {
		byKey[string(e.Key)] = e
	}
	for _, e := range newEntries {
		byKey[string(e.Key)] = e
	}
	out := make([]Entry, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return ix.cmp(out[i].Key, out[j].Key) < 0 })
	ix.entries = out
}

// ReplaceAll atomically swaps the whole index, used by compaction
// publish. newEntries must already be sorted ascending by key.
func (ix *Index) ReplaceAll(newEntries []Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = newEntries
}

// Snapshot returns a copy of the entries currently published, for
// diagnostics and tests.
func (ix *Index) Snapshot() []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}
