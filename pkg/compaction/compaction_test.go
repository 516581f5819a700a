package compaction

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvlsm/kvlsm/pkg/record"
	"github.com/kvlsm/kvlsm/pkg/sstable"
)

func writeSegment(t *testing.T, dir string, id uint64, recs []record.Record) *sstable.Reader {
	t.Helper()
	w, err := sstable.NewWriter(dir, id, 64, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := sstable.OpenReader(sstable.Path(dir, id), id, 64, bytes.Compare)
	require.NoError(t, err)
	return r
}

func readAll(t *testing.T, dir string, id uint64) []record.Record {
	t.Helper()
	r, err := sstable.OpenReader(sstable.Path(dir, id), id, 64, bytes.Compare)
	require.NoError(t, err)
	defer r.Close()

	var out []record.Record
	scanner := r.NewScanner()
	for {
		rec, ok, err := scanner.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, rec)
	}
	return out
}

func TestCompactKeepsYoungestVersionOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSegment(t, dir, 1, []record.Record{record.NewLive([]byte("a"), []byte("old"))})
	seg2 := writeSegment(t, dir, 2, []record.Record{record.NewLive([]byte("a"), []byte("new"))})
	defer seg1.Close()
	defer seg2.Close()

	c := New(dir, 64, 1, 3, bytes.Compare, nil, nil)
	entries, err := c.Compact(3, []*sstable.Reader{seg1, seg2})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	merged := readAll(t, dir, 3)
	require.Len(t, merged, 1)
	assert.Equal(t, []byte("new"), merged[0].Value)
}

func TestCompactDropsTombstoneAndItsShadowedKey(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSegment(t, dir, 1, []record.Record{record.NewLive([]byte("a"), []byte("1"))})
	seg2 := writeSegment(t, dir, 2, []record.Record{record.NewTombstone([]byte("a"))})
	defer seg1.Close()
	defer seg2.Close()

	c := New(dir, 64, 1, 3, bytes.Compare, nil, nil)
	entries, err := c.Compact(3, []*sstable.Reader{seg1, seg2})
	require.NoError(t, err)
	assert.Empty(t, entries)

	merged := readAll(t, dir, 3)
	assert.Empty(t, merged)
}

func TestCompactPreservesDisjointKeysFromAllSegments(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSegment(t, dir, 1, []record.Record{record.NewLive([]byte("a"), []byte("1"))})
	seg2 := writeSegment(t, dir, 2, []record.Record{record.NewLive([]byte("b"), []byte("2"))})
	seg3 := writeSegment(t, dir, 3, []record.Record{record.NewLive([]byte("c"), []byte("3"))})
	defer seg1.Close()
	defer seg2.Close()
	defer seg3.Close()

	c := New(dir, 64, 1, 3, bytes.Compare, nil, nil)
	_, err := c.Compact(4, []*sstable.Reader{seg1, seg2, seg3})
	require.NoError(t, err)

	merged := readAll(t, dir, 4)
	require.Len(t, merged, 3)
	assert.Equal(t, []byte("a"), merged[0].Key)
	assert.Equal(t, []byte("b"), merged[1].Key)
	assert.Equal(t, []byte("c"), merged[2].Key)
}

func TestCompactWithRetrySucceedsFirstAttempt(t *testing.T) {
	dir := t.TempDir()
	seg1 := writeSegment(t, dir, 1, []record.Record{record.NewLive([]byte("a"), []byte("1"))})
	defer seg1.Close()

	c := New(dir, 64, 1, 3, bytes.Compare, nil, nil)
	entries, err := c.CompactWithRetry(context.Background(), 5, []*sstable.Reader{seg1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestShouldTrigger(t *testing.T) {
	assert.False(t, ShouldTrigger(3, 4))
	assert.True(t, ShouldTrigger(4, 4))
	assert.True(t, ShouldTrigger(5, 4))
}
