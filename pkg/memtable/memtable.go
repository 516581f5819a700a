package memtable

import (
	"sync/atomic"
	"time"

	"github.com/kvlsm/kvlsm/pkg/record"
)

// MemTable is the ordered, in-memory home for the youngest version of
// every mutated key, including tombstones, until it is frozen and
// flushed to a segment.
type MemTable struct {
	skipList  *SkipList
	codec     record.Codec
	createdAt time.Time
	immutable atomic.Bool
}

// New creates an empty MemTable ordered by cmp.
func New(cmp Comparator) *MemTable {
	return &MemTable{skipList: NewSkipList(cmp), codec: record.NewCodec(), createdAt: time.Now()}
}

// Put upserts a live value for key.
func (m *MemTable) Put(key, value []byte) {
	m.upsert(record.NewLive(key, value))
}

// Delete upserts a tombstone for key. The key is not removed: the
// tombstone shadows any older, already-flushed version until compaction
// elides it.
func (m *MemTable) Delete(key []byte) {
	m.upsert(record.NewTombstone(key))
}

func (m *MemTable) upsert(r record.Record) {
	m.skipList.Upsert(r, m.codec.EncodedLen(r))
}

// ApplyRecord upserts r verbatim, preserving its marker. Used during WAL
// replay, where the recorded marker (live or tombstone) must be restored
// as-is rather than re-derived from a Put/Delete call.
func (m *MemTable) ApplyRecord(r record.Record) {
	m.upsert(r)
}

// Get returns the record for key, if present.
func (m *MemTable) Get(key []byte) (record.Record, bool) {
	return m.skipList.Get(key)
}

// ApproxBytes returns the soft-trigger byte estimate used to decide when
// to flush.
func (m *MemTable) ApproxBytes() int64 { return m.skipList.ApproxBytes() }

// NewIterator returns a sorted iterator over every record currently held,
// for consumption by the SSTable writer during flush.
func (m *MemTable) NewIterator() *Iterator { return m.skipList.NewIterator() }

// SetImmutable marks the table as frozen: callers must stop mutating it.
func (m *MemTable) SetImmutable() { m.immutable.Store(true) }

// IsImmutable reports whether SetImmutable has been called.
func (m *MemTable) IsImmutable() bool { return m.immutable.Load() }

// Age returns how long ago this table was created.
func (m *MemTable) Age() time.Duration { return time.Since(m.createdAt) }
