// Package memtable holds the youngest version of every mutated key in an
// ordered, concurrently-readable in-memory structure.
package memtable

import (
	"bytes"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/kvlsm/kvlsm/pkg/record"
)

const (
	maxHeight       = 12
	branchingFactor = 4
)

// Comparator supplies the total order over keys. The default is
// bytes.Compare; embedders with a domain-specific key encoding (e.g.
// big-endian integers) may supply their own.
type Comparator func(a, b []byte) int

// BytesComparator is the default Comparator.
func BytesComparator(a, b []byte) int { return bytes.Compare(a, b) }

type node struct {
	key   []byte
	value atomic.Pointer[record.Record]
	next  []atomic.Pointer[node]
}

func newNode(height int, r record.Record) *node {
	n := &node{key: r.Key, next: make([]atomic.Pointer[node], height)}
	n.value.Store(&r)
	return n
}

// SkipList is an ordered map from key to record with at most one entry
// per key: unlike a multi-version skip list, inserting a record for a
// key that is already present replaces its value in place rather than
// layering a new node. Structural mutation (inserting a brand new key)
// is serialized by mu; Get and iteration never take it, so readers never
// block on a writer.
type SkipList struct {
	mu     sync.Mutex
	head   *node
	height atomic.Int32
	cmp    Comparator
	rnd    *rand.Rand
	size   atomic.Int64
}

// NewSkipList creates an empty skip list ordered by cmp (BytesComparator
// if nil).
func NewSkipList(cmp Comparator) *SkipList {
	if cmp == nil {
		cmp = BytesComparator
	}
	s := &SkipList{
		head: &node{next: make([]atomic.Pointer[node], maxHeight)},
		cmp:  cmp,
		rnd:  rand.New(rand.NewSource(0xC0FFEE)),
	}
	s.height.Store(1)
	return s
}

func (s *SkipList) randomHeight() int {
	h := 1
	for h < maxHeight && s.rnd.Intn(branchingFactor) == 0 {
		h++
	}
	return h
}

// findPath returns, for each level, the last node known to precede key.
func (s *SkipList) findPath(key []byte) [maxHeight]*node {
	var prev [maxHeight]*node
	x := s.head
	for level := int(s.height.Load()) - 1; level >= 0; level-- {
		next := x.next[level].Load()
		for next != nil && s.cmp(next.key, key) < 0 {
			x = next
			next = x.next[level].Load()
		}
		prev[level] = x
	}
	return prev
}

// Upsert inserts r, replacing any existing record for the same key.
// encodedLen is the wire size of r, added to the list's approximate byte
// count (which double-counts overwrites, matching the memtable's
// approx_bytes contract: a soft trigger, not an exact size).
func (s *SkipList) Upsert(r record.Record, encodedLen int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.findPath(r.Key)
	if existing := prev[0].next[0].Load(); existing != nil && s.cmp(existing.key, r.Key) == 0 {
		rc := r
		existing.value.Store(&rc)
		s.size.Add(int64(encodedLen))
		return
	}

	h := s.randomHeight()
	if h > int(s.height.Load()) {
		for l := int(s.height.Load()); l < h; l++ {
			prev[l] = s.head
		}
		s.height.Store(int32(h))
	}
	n := newNode(h, r)
	for l := 0; l < h; l++ {
		n.next[l].Store(prev[l].next[l].Load())
		prev[l].next[l].Store(n)
	}
	s.size.Add(int64(encodedLen))
}

// Get returns the record stored for key, if any.
func (s *SkipList) Get(key []byte) (record.Record, bool) {
	x := s.head
	for level := int(s.height.Load()) - 1; level >= 0; level-- {
		next := x.next[level].Load()
		for next != nil && s.cmp(next.key, key) < 0 {
			x = next
			next = x.next[level].Load()
		}
	}
	candidate := x.next[0].Load()
	if candidate != nil && s.cmp(candidate.key, key) == 0 {
		return *candidate.value.Load(), true
	}
	return record.Record{}, false
}

// ApproxBytes returns the running total of encoded record sizes ever
// upserted, including overwrites.
func (s *SkipList) ApproxBytes() int64 { return s.size.Load() }

// Iterator walks the skip list in ascending key order.
type Iterator struct {
	next *node
	cur  *node
}

// NewIterator returns an iterator positioned before the first entry.
func (s *SkipList) NewIterator() *Iterator {
	return &Iterator{next: s.head.next[0].Load()}
}

// Next advances the iterator and reports whether an entry is available.
func (it *Iterator) Next() bool {
	if it.next == nil {
		return false
	}
	it.cur = it.next
	it.next = it.cur.next[0].Load()
	return true
}

// Record returns the entry at the iterator's current position.
func (it *Iterator) Record() record.Record { return *it.cur.value.Load() }
