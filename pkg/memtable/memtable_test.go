package memtable

import (
	"fmt"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvlsm/kvlsm/pkg/record"
)

func TestPutThenGet(t *testing.T) {
	m := New(nil)
	m.Put([]byte("a"), []byte("1"))
	m.Put([]byte("b"), []byte("2"))

	r, ok := m.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), r.Value)
	assert.False(t, r.IsTombstone())

	_, ok = m.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestOverwriteReplacesPriorValue(t *testing.T) {
	m := New(nil)
	m.Put([]byte("x"), []byte("old"))
	m.Put([]byte("x"), []byte("new"))

	r, ok := m.Get([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, []byte("new"), r.Value)

	count := 0
	it := m.NewIterator()
	for it.Next() {
		count++
	}
	assert.Equal(t, 1, count, "only one entry should survive per key")
}

func TestDeleteInsertsTombstoneWithoutRemovingKey(t *testing.T) {
	m := New(nil)
	m.Put([]byte("x"), []byte("1"))
	m.Delete([]byte("x"))

	r, ok := m.Get([]byte("x"))
	require.True(t, ok, "the key must still be present as a tombstone")
	assert.True(t, r.IsTombstone())
}

func TestIteratorYieldsAscendingOrder(t *testing.T) {
	m := New(nil)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for _, k := range keys {
		m.Put([]byte(k), []byte("v"))
	}

	var got []string
	it := m.NewIterator()
	for it.Next() {
		got = append(got, string(it.Record().Key))
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, got)
}

func TestApproxBytesGrowsOnEveryUpsert(t *testing.T) {
	m := New(nil)
	m.Put([]byte("a"), []byte("1"))
	first := m.ApproxBytes()
	m.Put([]byte("a"), []byte("2"))
	assert.Greater(t, m.ApproxBytes(), first, "overwrites double-count until flush")
}

func TestMemtableUpsertOnlyOneEntryPerKeyProperty(t *testing.T) {
	f := func(n uint8) bool {
		m := New(nil)
		count := int(n%50) + 1
		for i := 0; i < count; i++ {
			key := []byte(fmt.Sprintf("key-%d", i%10))
			m.Put(key, []byte(fmt.Sprintf("v%d", i)))
		}
		seen := map[string]bool{}
		it := m.NewIterator()
		for it.Next() {
			k := string(it.Record().Key)
			if seen[k] {
				return false
			}
			seen[k] = true
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestSetImmutableIsObservable(t *testing.T) {
	m := New(nil)
	assert.False(t, m.IsImmutable())
	m.SetImmutable()
	assert.True(t, m.IsImmutable())
}

func TestRecordConstructorsAgree(t *testing.T) {
	live := record.NewLive([]byte("k"), []byte("v"))
	dead := record.NewTombstone([]byte("k"))
	assert.False(t, live.IsTombstone())
	assert.True(t, dead.IsTombstone())
}
