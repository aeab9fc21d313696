package inmemory

import (
	"fmt"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replog"
)

func entry(term replog.LogTerm, idx replog.LogIndex) replog.LogEntry {
	return replog.NewLogEntry(term, idx, replog.PayloadFromString(fmt.Sprintf("e%d", idx)))
}

func build(t *testing.T, n int, term replog.LogTerm) Log {
	t.Helper()
	l := New()
	for i := 1; i <= n; i++ {
		var err error
		l, err = l.Append(entry(term, replog.LogIndex(i)))
		require.NoError(t, err)
	}
	return l
}

func indexes(seq func(func(replog.LogEntry) bool)) []replog.LogIndex {
	var out []replog.LogIndex
	for e := range seq {
		out = append(out, e.Index)
	}
	return out
}

func TestLog_Append(t *testing.T) {
	t.Run("zero value is an empty log at index 1", func(t *testing.T) {
		var l Log
		assert.True(t, l.Empty())
		assert.Equal(t, replog.LogIndex(1), l.FirstIndex())
		assert.Equal(t, replog.LogIndex(0), l.LastIndex())

		l, err := l.Append(entry(1, 1))
		require.NoError(t, err)
		assert.Equal(t, 1, l.Len())
	})

	t.Run("length matches index range for every prefix", func(t *testing.T) {
		l := New()
		for i := 1; i <= 50; i++ {
			var err error
			l, err = l.Append(entry(replog.LogTerm(1+i/10), replog.LogIndex(i)))
			require.NoError(t, err)
			assert.Equal(t, l.Len(), int(l.LastIndex()-l.FirstIndex()+1))
		}
		prev := replog.LogIndex(0)
		for e := range l.All() {
			assert.Equal(t, prev+1, e.Index)
			prev = e.Index
		}
	})

	t.Run("index gap is a sequence violation", func(t *testing.T) {
		l := build(t, 3, 1)
		got, err := l.Append(entry(1, 5))
		assert.ErrorIs(t, err, replog.ErrSequenceViolation)
		assert.Equal(t, replog.LogIndex(3), got.LastIndex())
	})

	t.Run("term decrease is a sequence violation", func(t *testing.T) {
		l := build(t, 3, 2)
		_, err := l.Append(entry(1, 4))
		assert.ErrorIs(t, err, replog.ErrSequenceViolation)
	})

	t.Run("batch append is all or nothing", func(t *testing.T) {
		l := build(t, 2, 1)
		got, err := l.Append(entry(1, 3), entry(1, 4), entry(1, 6))
		require.Error(t, err)
		assert.Equal(t, replog.LogIndex(2), got.LastIndex())
	})

	t.Run("from entries after a prefix", func(t *testing.T) {
		l, err := FromEntries(replog.TermIndexPair{Term: 2, Index: 10}, []replog.LogEntry{entry(2, 11), entry(3, 12)})
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(11), l.FirstIndex())
		assert.Equal(t, replog.LogIndex(12), l.LastIndex())
		term, ok := l.TermAt(10)
		assert.True(t, ok)
		assert.Equal(t, replog.LogTerm(2), term)
	})
}

func TestLog_Snapshots(t *testing.T) {
	base := build(t, 5, 1)
	snapshot := base

	extended, err := base.Append(entry(1, 6), entry(1, 7))
	require.NoError(t, err)
	trimmed := extended.RemovePrefix(3)

	assert.Equal(t, replog.LogIndex(5), snapshot.LastIndex())
	assert.Equal(t, replog.LogIndex(1), snapshot.FirstIndex())
	assert.Equal(t, []replog.LogIndex{1, 2, 3, 4, 5}, indexes(snapshot.All()))
	assert.Equal(t, []replog.LogIndex{4, 5, 6, 7}, indexes(trimmed.All()))
}

func TestLog_RemovePrefix(t *testing.T) {
	tests := []struct {
		name      string
		upTo      replog.LogIndex
		wantFirst replog.LogIndex
		wantLast  replog.LogIndex
	}{
		{name: "below first is a no-op", upTo: 0, wantFirst: 1, wantLast: 10},
		{name: "middle", upTo: 4, wantFirst: 5, wantLast: 10},
		{name: "up to last", upTo: 10, wantFirst: 11, wantLast: 10},
		{name: "beyond last clamps", upTo: 99, wantFirst: 11, wantLast: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := build(t, 10, 1).RemovePrefix(tt.upTo)
			assert.Equal(t, tt.wantFirst, l.FirstIndex())
			assert.Equal(t, tt.wantLast, l.LastIndex())
			assert.Equal(t, l.Len(), int(l.LastIndex()+1-l.FirstIndex()))
		})
	}

	t.Run("keeps the term of the removed entry", func(t *testing.T) {
		l := build(t, 4, 1)
		l, err := l.Append(entry(3, 5), entry(3, 6))
		require.NoError(t, err)
		l = l.RemovePrefix(6)

		assert.True(t, l.Empty())
		assert.Equal(t, replog.TermIndexPair{Term: 3, Index: 6}, l.LastTermIndexPair())
		l, err = l.Append(entry(3, 7))
		require.NoError(t, err)
		assert.Equal(t, replog.LogIndex(7), l.FirstIndex())
	})

	t.Run("repeated removal is idempotent", func(t *testing.T) {
		once := build(t, 10, 1).RemovePrefix(5)
		twice := once.RemovePrefix(5)
		assert.Equal(t, once.Prefix(), twice.Prefix())
		assert.Equal(t, indexes(once.All()), indexes(twice.All()))
	})

	t.Run("empty log", func(t *testing.T) {
		l := New().RemovePrefix(5)
		assert.Equal(t, replog.LogIndex(1), l.FirstIndex())
	})
}

func TestLog_RemoveBack(t *testing.T) {
	l := build(t, 10, 1)

	got := l.RemoveBack(7)
	assert.Equal(t, replog.LogIndex(6), got.LastIndex())
	assert.Equal(t, replog.LogIndex(1), got.FirstIndex())

	assert.Equal(t, l, l.RemoveBack(11))

	trimmed := l.RemovePrefix(5).RemoveBack(2)
	assert.True(t, trimmed.Empty())
	assert.Equal(t, replog.LogIndex(6), trimmed.FirstIndex())

	assert.True(t, New().RemoveBack(1).Empty())
}

func TestLog_Slice(t *testing.T) {
	l := build(t, 10, 1).RemovePrefix(2)

	t.Run("half open", func(t *testing.T) {
		assert.Equal(t, []replog.LogIndex{4, 5, 6}, indexes(l.Slice(4, 7)))
	})

	t.Run("bounds are clipped", func(t *testing.T) {
		assert.Equal(t, []replog.LogIndex{3, 4}, indexes(l.Slice(0, 5)))
		assert.Equal(t, []replog.LogIndex{9, 10}, indexes(l.Slice(9, 100)))
		assert.Empty(t, indexes(l.Slice(7, 7)))
		assert.Empty(t, indexes(l.Slice(8, 3)))
	})

	t.Run("restartable", func(t *testing.T) {
		seq := l.Slice(5, 8)
		first := indexes(seq)
		second := indexes(seq)
		assert.Equal(t, first, second)
	})

	t.Run("early break", func(t *testing.T) {
		var got []replog.LogIndex
		for e := range l.All() {
			got = append(got, e.Index)
			if len(got) == 2 {
				break
			}
		}
		assert.Equal(t, []replog.LogIndex{3, 4}, got)
	})

	t.Run("collect honours max", func(t *testing.T) {
		got := l.Collect(3, 11, 3)
		want := []replog.LogEntry{entry(1, 3), entry(1, 4), entry(1, 5)}
		if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b replog.LogPayload) bool {
			return slices.Equal(a.View(), b.View())
		})); diff != "" {
			t.Errorf("Collect() mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLog_Terms(t *testing.T) {
	l := build(t, 3, 1)
	l, err := l.Append(entry(2, 4), entry(2, 5), entry(4, 6))
	require.NoError(t, err)

	idx, ok := l.FirstIndexOfTerm(2)
	assert.True(t, ok)
	assert.Equal(t, replog.LogIndex(4), idx)

	_, ok = l.FirstIndexOfTerm(3)
	assert.False(t, ok)

	term, ok := l.TermAt(6)
	assert.True(t, ok)
	assert.Equal(t, replog.LogTerm(4), term)

	_, ok = l.TermAt(7)
	assert.False(t, ok)

	term, ok = l.TermAt(0)
	assert.True(t, ok)
	assert.Equal(t, replog.LogTerm(0), term)
}
