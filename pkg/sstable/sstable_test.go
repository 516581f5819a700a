package sstable

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvlsm/kvlsm/pkg/record"
)

func writeSegment(t *testing.T, dir string, id uint64, blockSize, sampleRate int, recs []record.Record) {
	t.Helper()
	w, err := NewWriter(dir, id, blockSize, sampleRate)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	_, err = w.Finish()
	require.NoError(t, err)
}

func TestWriteThenGetFindsEveryKey(t *testing.T) {
	dir := t.TempDir()
	var recs []record.Record
	for i := 0; i < 40; i++ {
		recs = append(recs, record.NewLive([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%d", i))))
	}

	w, err := NewWriter(dir, 1, 64, 1)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.Add(r))
	}
	entries, err := w.Finish()
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	reader, err := OpenReader(Path(dir, 1), 1, 64, bytes.Compare)
	require.NoError(t, err)
	defer reader.Close()

	assert.Equal(t, uint64(40), reader.Header().NumRecords)
	assert.Equal(t, []byte("k000"), reader.Header().MinKey)
	assert.Equal(t, []byte("k039"), reader.Header().MaxKey)

	for _, want := range recs {
		got, ok, err := reader.Get(reader.BodyOffset(), 0, false, want.Key)
		require.NoError(t, err)
		require.True(t, ok, "expected to find key %q", want.Key)
		assert.Equal(t, want.Value, got.Value)
	}

	_, ok, err := reader.Get(reader.BodyOffset(), 0, false, []byte("zzz-missing"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScannerVisitsRecordsInOrder(t *testing.T) {
	dir := t.TempDir()
	recs := []record.Record{
		record.NewLive([]byte("a"), []byte("1")),
		record.NewLive([]byte("b"), []byte("2")),
		record.NewTombstone([]byte("c")),
	}
	writeSegment(t, dir, 7, 64, 1, recs)

	reader, err := OpenReader(Path(dir, 7), 7, 64, bytes.Compare)
	require.NoError(t, err)
	defer reader.Close()

	scanner := reader.NewScanner()
	var got []record.Record
	for {
		r, ok, err := scanner.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, r)
	}
	require.Len(t, got, 3)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("c"), got[2].Key)
	assert.True(t, got[2].IsTombstone())
}

func TestGetRespectsUpperBound(t *testing.T) {
	dir := t.TempDir()
	var recs []record.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, record.NewLive([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
	}
	writeSegment(t, dir, 2, 64, 1, recs)

	reader, err := OpenReader(Path(dir, 2), 2, 64, bytes.Compare)
	require.NoError(t, err)
	defer reader.Close()

	// Bound the scan to exactly the header (empty range): nothing should be found.
	_, ok, err := reader.Get(reader.BodyOffset(), reader.BodyOffset(), true, []byte("k05"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLargeRecordSpanningBlocksSurvivesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	big := bytes.Repeat([]byte("z"), 3000)
	recs := []record.Record{record.NewLive([]byte("big"), big)}
	writeSegment(t, dir, 3, 64, 1, recs)

	reader, err := OpenReader(Path(dir, 3), 3, 64, bytes.Compare)
	require.NoError(t, err)
	defer reader.Close()

	got, ok, err := reader.Get(reader.BodyOffset(), 0, false, []byte("big"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, got.Value)
}

func TestAbortRemovesTempFile(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 9, 64, 1)
	require.NoError(t, err)
	require.NoError(t, w.Add(record.NewLive([]byte("a"), []byte("1"))))
	w.Abort()

	_, err = OpenReader(Path(dir, 9), 9, 64, bytes.Compare)
	assert.Error(t, err, "no final segment file should exist after Abort")
}
