package replog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogPayload(t *testing.T) {
	t.Run("copies input bytes", func(t *testing.T) {
		raw := []byte("hello")
		p := NewPayload(raw)
		raw[0] = 'j'

		assert.Equal(t, "hello", p.String())
		assert.Equal(t, 5, p.Size())
	})

	t.Run("bytes returns a copy", func(t *testing.T) {
		p := PayloadFromString("abc")
		b := p.Bytes()
		b[0] = 'x'
		assert.Equal(t, "abc", p.String())
	})

	t.Run("empty payload marks a term entry", func(t *testing.T) {
		e := NewLogEntry(3, 1, LogPayload{})
		assert.True(t, e.IsTermMarker())
		assert.Nil(t, e.Payload.Bytes())
	})
}

func TestRole_String(t *testing.T) {
	assert.Equal(t, "Leader", Leader.String())
	assert.Equal(t, "Follower", Follower.String())
	assert.Equal(t, "Unconfigured", Unconfigured.String())
	assert.Equal(t, "Unknown", Role(42).String())
}

func TestRejectionReason_Err(t *testing.T) {
	assert.NoError(t, ReasonNone.Err())
	assert.True(t, errors.Is(ReasonLogGap.Err(), ErrLogGap))
	assert.True(t, errors.Is(ReasonTermMismatch.Err(), ErrTermMismatch))
	assert.Error(t, RejectionReason(200).Err())

	res := AppendEntriesResult{Reason: ReasonStorageFailure}
	assert.False(t, res.Success())
	assert.ErrorIs(t, res.Err(), ErrStorageFailure)
}

func TestAppendEntriesRequest_LastIndex(t *testing.T) {
	req := AppendEntriesRequest{PrevLogEntry: TermIndexPair{Term: 1, Index: 4}}
	assert.Equal(t, LogIndex(4), req.LastIndex())

	req.Entries = []LogEntry{NewLogEntry(1, 5, LogPayload{}), NewLogEntry(1, 6, LogPayload{})}
	assert.Equal(t, LogIndex(6), req.LastIndex())
}
