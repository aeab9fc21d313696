package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replog"
)

func TestEntryCodec(t *testing.T) {
	t.Run("small payload", func(t *testing.T) {
		e := replog.NewLogEntry(3, 17, replog.PayloadFromString("hello"))
		got, err := decodeEntry(encodeEntry(e))
		require.NoError(t, err)
		assert.Equal(t, e.Index, got.Index)
		assert.Equal(t, e.Term, got.Term)
		assert.Equal(t, "hello", got.Payload.String())
	})

	t.Run("term marker has no payload", func(t *testing.T) {
		e := replog.NewLogEntry(4, 1, replog.LogPayload{})
		got, err := decodeEntry(encodeEntry(e))
		require.NoError(t, err)
		assert.True(t, got.IsTermMarker())
	})

	t.Run("large payload is compressed", func(t *testing.T) {
		raw := bytes.Repeat([]byte("replicated-log "), 512)
		e := replog.NewLogEntry(1, 2, replog.NewPayload(raw))
		encoded := encodeEntry(e)
		assert.Less(t, len(encoded), len(raw))

		got, err := decodeEntry(encoded)
		require.NoError(t, err)
		assert.Equal(t, raw, got.Payload.Bytes())
	})

	t.Run("corrupt payload fails the checksum", func(t *testing.T) {
		encoded := encodeEntry(replog.NewLogEntry(1, 2, replog.PayloadFromString("payload")))
		i := bytes.Index(encoded, []byte("payload"))
		require.GreaterOrEqual(t, i, 0)
		encoded[i] = 'P'

		_, err := decodeEntry(encoded)
		assert.ErrorIs(t, err, replog.ErrCorruptEntry)
	})

	t.Run("truncated record", func(t *testing.T) {
		encoded := encodeEntry(replog.NewLogEntry(1, 2, replog.PayloadFromString("payload")))
		_, err := decodeEntry(encoded[:len(encoded)-3])
		assert.ErrorIs(t, err, replog.ErrCorruptEntry)
	})
}

func TestMetadataCodec(t *testing.T) {
	info := PersistedStateInfo{
		LogID:        42,
		ObjectID:     7,
		DataSourceID: "c0ffee",
		State:        PersistedState{Term: 9, Role: replog.Follower, Leader: "leader-a"},
	}
	got, err := decodeMetadata(encodeMetadata(info))
	require.NoError(t, err)
	assert.Equal(t, info, got)

	empty, err := decodeMetadata(encodeMetadata(PersistedStateInfo{LogID: 1}))
	require.NoError(t, err)
	assert.Equal(t, PersistedStateInfo{LogID: 1}, empty)
}

func TestPrefixCodec(t *testing.T) {
	p := replog.TermIndexPair{Term: 5, Index: 1002}
	got, err := decodePrefix(encodePrefix(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEntryKey(t *testing.T) {
	a := entryKey(1, 255)
	b := entryKey(1, 256)
	c := entryKey(2, 1)
	assert.Negative(t, bytes.Compare(a, b))
	assert.Negative(t, bytes.Compare(b, c))

	logID, idx, ok := parseEntryKey(b)
	assert.True(t, ok)
	assert.Equal(t, replog.LogID(1), logID)
	assert.Equal(t, replog.LogIndex(256), idx)

	_, _, ok = parseEntryKey([]byte{1, 2})
	assert.False(t, ok)
}
