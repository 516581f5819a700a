package engine

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvlsm/kvlsm/pkg/config"
	"github.com/kvlsm/kvlsm/pkg/kverrors"
)

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	opts := config.Default(t.TempDir())
	opts.BlockSizeBytes = 128
	opts.MemtableFlushThresholdBytes = 256
	opts.SegmentCompactionThreshold = 3
	return opts
}

func TestBasicPutGetDeleteRoundTrip(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("hello"), []byte("world")))
	v, ok, err := e.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), v)

	require.NoError(t, e.Delete([]byte("hello")))
	_, ok, err = e.Get([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = e.Get([]byte("never-existed"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlushBoundaryKeepsKeyVisible(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	// Push enough bytes through to force at least one flush to a segment.
	big := make([]byte, 64)
	for i := 0; i < 10; i++ {
		key := []byte{byte('a' + i)}
		require.NoError(t, e.Put(key, big))
	}
	e.segMu.RLock()
	numSegments := len(e.segments)
	e.segMu.RUnlock()
	require.Greater(t, numSegments, 0, "expected at least one flush to have occurred")

	for i := 0; i < 10; i++ {
		key := []byte{byte('a' + i)}
		v, ok, err := e.Get(key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, big, v)
	}
}

func TestOverwriteAcrossFlushReturnsLatestValue(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("x"), []byte("v1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Put([]byte("x"), []byte("v2")))

	v, ok, err := e.Get([]byte("x"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestDeleteAcrossFlushHidesOlderSegmentValue(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("x"), []byte("v1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("x")))

	_, ok, err := e.Get([]byte("x"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompactionMergesSegmentsAndDropsTombstones(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentCompactionThreshold = 2
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Put([]byte("a"), []byte("1")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Delete([]byte("a")))
	require.NoError(t, e.Flush())

	// The second flush crosses the compaction threshold and triggers a
	// background compaction; wait for it to finish before asserting.
	e.compactWG.Wait()

	e.segMu.RLock()
	numSegments := len(e.segments)
	e.segMu.RUnlock()
	assert.LessOrEqual(t, numSegments, 1)

	_, ok, err := e.Get([]byte("a"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompactionDoesNotBlockConcurrentGets(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentCompactionThreshold = 2
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	big := make([]byte, 64)
	for i := 0; i < 20; i++ {
		key := []byte{byte('a' + i%26), byte(i)}
		require.NoError(t, e.Put(key, big))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []byte{byte('a' + i%26), byte(i % 20)}
			if _, _, err := e.Get(key); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	e.compactWG.Wait()
}

func TestOverlappingSegmentsRouteToTheSegmentThatActuallyHoldsTheKey(t *testing.T) {
	opts := testOptions(t)
	opts.SegmentCompactionThreshold = 100 // keep segments un-compacted
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	// Interleave two flushes so their sampled key ranges overlap: both
	// segments span the same "a".."z"-ish territory, but only one of them
	// actually holds any given key.
	require.NoError(t, e.Put([]byte("a"), []byte("seg0-a")))
	require.NoError(t, e.Put([]byte("m"), []byte("seg0-m")))
	require.NoError(t, e.Put([]byte("z"), []byte("seg0-z")))
	require.NoError(t, e.Flush())

	require.NoError(t, e.Put([]byte("b"), []byte("seg1-b")))
	require.NoError(t, e.Put([]byte("n"), []byte("seg1-n")))
	require.NoError(t, e.Put([]byte("y"), []byte("seg1-y")))
	require.NoError(t, e.Flush())

	for _, kv := range [][2]string{
		{"a", "seg0-a"}, {"m", "seg0-m"}, {"z", "seg0-z"},
		{"b", "seg1-b"}, {"n", "seg1-n"}, {"y", "seg1-y"},
	} {
		v, ok, err := e.Get([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok, "key %q should be found", kv[0])
		assert.Equal(t, kv[1], string(v))
	}

	_, ok, err := e.Get([]byte("q"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRefusesWhenWALAlreadyExists(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k"), []byte("v")))
	require.NoError(t, e.wl.Close())

	_, err = New(opts)
	require.Error(t, err)
	kind, ok := kverrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kverrors.KindNotRecovered, kind)
}

func TestRecoverReplaysWALAfterUncleanShutdown(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, e.wl.Close()) // simulate a crash: no flush, no truncate

	e2, err := Recover(opts)
	require.NoError(t, err)
	defer e2.Close()

	for _, kv := range [][2]string{{"k1", "v1"}, {"k2", "v2"}} {
		v, ok, err := e2.Get([]byte(kv[0]))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, kv[1], string(v))
	}
}

func TestCorruptWALTailIsRecoveredSilently(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, e.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, e.wl.Close())

	walPath := filepath.Join(opts.DataDir, "wal")
	f, err := os.OpenFile(walPath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e2, err := Recover(opts)
	require.NoError(t, err)
	defer e2.Close()

	v, ok, err := e2.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), v)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	opts := testOptions(t)
	e, err := New(opts)
	require.NoError(t, err)
	defer e.Close()

	err = e.Put(nil, []byte("v"))
	require.Error(t, err)
	kind, ok := kverrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kverrors.KindInvariant, kind)
}
