package record

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := NewCodec()
	cases := []Record{
		NewLive([]byte("a"), []byte("1")),
		NewLive([]byte(""), []byte("")),
		NewLive([]byte("long-key-here"), make([]byte, 4096)),
		NewTombstone([]byte("deleted")),
	}
	for _, r := range cases {
		buf := c.Encode(nil, r)
		assert.Equal(t, c.EncodedLen(r), len(buf))
		got, n, err := c.Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.Equal(t, r.Key, got.Key)
		assert.Equal(t, r.Value, got.Value)
		assert.Equal(t, r.Marker, got.Marker)
	}
}

func TestDecodeTruncatedInputIsCorrupt(t *testing.T) {
	c := NewCodec()
	buf := c.Encode(nil, NewLive([]byte("hello"), []byte("world")))
	for i := 1; i < len(buf); i++ {
		_, _, err := c.Decode(buf[:i])
		assert.Error(t, err, "prefix of length %d should not decode", i)
	}
}

func TestDecodeEmptyIsCorrupt(t *testing.T) {
	c := NewCodec()
	_, _, err := c.Decode(nil)
	assert.Error(t, err)
}

func TestDecodeUnknownMarkerIsCorrupt(t *testing.T) {
	c := NewCodec()
	buf := c.Encode(nil, NewLive([]byte("k"), []byte("v")))
	buf[0] = 0xFF
	_, _, err := c.Decode(buf)
	assert.Error(t, err)
}

func TestRecordCodecRoundTripProperty(t *testing.T) {
	c := NewCodec()
	f := func(key, value []byte, dead bool) bool {
		var r Record
		if dead {
			r = NewTombstone(key)
		} else {
			r = NewLive(key, value)
		}
		buf := c.Encode(nil, r)
		got, n, err := c.Decode(buf)
		if err != nil || n != len(buf) {
			return false
		}
		if string(got.Key) != string(r.Key) || got.Marker != r.Marker {
			return false
		}
		if !dead && string(got.Value) != string(value) {
			return false
		}
		return true
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestDecodeAppendedTrailingBytesLeftForCaller(t *testing.T) {
	c := NewCodec()
	buf := c.Encode(nil, NewLive([]byte("k"), []byte("v")))
	buf = append(buf, 0xDE, 0xAD)
	got, n, err := c.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf)-2, n)
	assert.Equal(t, []byte("k"), got.Key)
}
