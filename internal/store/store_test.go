package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	t.Cleanup(s.Close)
	return s
}

func TestSetGet(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "v", nil, false)
	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v.Str)
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestSetWithExpiryThenExpires(t *testing.T) {
	s := newTestStore(t)
	deadline := time.Now().Add(50 * time.Millisecond)
	s.Set("k", "v", &deadline, false)
	_, ok := s.Get("k")
	require.True(t, ok)
	time.Sleep(100 * time.Millisecond)
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestSetGetOption(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "old", nil, false)
	res := s.Set("k", "new", nil, true)
	assert.True(t, res.PriorFound)
	assert.Equal(t, "old", res.PriorValue)
}

func TestIncrFromAbsent(t *testing.T) {
	s := newTestStore(t)
	n, err := s.Incr("c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrOnStringInt(t *testing.T) {
	s := newTestStore(t)
	s.Set("c", "9", nil, false)
	n, err := s.Incr("c")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestIncrOnNonNumeric(t *testing.T) {
	s := newTestStore(t)
	s.Set("c", "abc", nil, false)
	_, err := s.Incr("c")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an integer")
}

func TestTypeTag(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, "none", s.Type("missing"))
	s.Set("k", "v", nil, false)
	assert.Equal(t, "string", s.Type("k"))
	s.Incr("n")
	assert.Equal(t, "integer", s.Type("n"))
	s.XAdd("st", "*", "f", "v")
	assert.Equal(t, "stream", s.Type("st"))
}

func TestKeysStar(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", "1", nil, false)
	s.Set("b", "2", nil, false)
	keys := s.Keys("*")
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestKeysOtherPatternReturnsEmpty(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", "1", nil, false)
	assert.Empty(t, s.Keys("a*"))
}

func TestWasLastWrite(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.WasLastWrite())
	s.Set("k", "v", nil, false)
	assert.True(t, s.WasLastWrite())
	s.Get("k")
	// Get is a read: it must clear the flag, since WasLastWrite means
	// "the last command was a write", not "a write has ever happened".
	assert.False(t, s.WasLastWrite())
}

func TestXAddOrdering(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.XAdd("s", "5-1", "f", "v1")
	require.NoError(t, err)
	assert.Equal(t, "5-1", id1.String())

	_, err = s.XAdd("s", "5-0", "f", "v2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "equal or smaller")
}

func TestXAddZeroZeroRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.XAdd("s", "0-0", "f", "v")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "greater than 0-0")
}

func TestXAddSeqAutoIncrement(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.XAdd("s", "5-*", "f", "v")
	require.NoError(t, err)
	assert.Equal(t, StreamID{MS: 5, Seq: 0}, id1)
	id2, err := s.XAdd("s", "5-*", "f", "v")
	require.NoError(t, err)
	assert.Equal(t, StreamID{MS: 5, Seq: 1}, id2)
}

func TestXRangeInclusive(t *testing.T) {
	s := newTestStore(t)
	s.XAdd("s", "1-1", "f", "a")
	s.XAdd("s", "2-1", "f", "b")
	s.XAdd("s", "3-1", "f", "c")
	entries, err := s.XRange("s", "1-1", "2-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Value)
	assert.Equal(t, "b", entries[1].Value)
}

func TestXRangeFullRange(t *testing.T) {
	s := newTestStore(t)
	s.XAdd("s", "1-1", "f", "a")
	s.XAdd("s", "2-1", "f", "b")
	entries, err := s.XRange("s", "-", "+")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestXReadAfterID(t *testing.T) {
	s := newTestStore(t)
	s.XAdd("s", "1-1", "f", "a")
	s.XAdd("s", "2-1", "f", "b")
	reads := s.XRead(map[string]string{"s": "1-1"})
	require.Len(t, reads, 1)
	assert.Len(t, reads[0].Entries, 1)
	assert.Equal(t, "b", reads[0].Entries[0].Value)
}

func TestLastStreamIDDefaultsToZero(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, StreamID{}, s.LastStreamID("missing"))
}
