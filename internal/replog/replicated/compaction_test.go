package replicated

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replog"
	"replog/internal/replog/inmemory"
	"replog/internal/replog/metrics"
	"replog/internal/replog/mocks"
)

func TestCompactionBound(t *testing.T) {
	log, err := inmemory.FromEntries(replog.TermIndexPair{}, entries(1, 1, 20))
	require.NoError(t, err)

	tests := []struct {
		name      string
		limit     replog.LogIndex
		pins      []replog.LogIndex
		threshold uint64
		want      replog.LogIndex
	}{
		{"below threshold", 9, nil, 10, 0},
		{"at threshold", 10, nil, 10, 10},
		{"limit beyond log", 50, nil, 10, 20},
		{"nothing released", 0, nil, 1, 0},
		{"pin holds back", 15, []replog.LogIndex{12}, 5, 11},
		{"pin below threshold", 15, []replog.LogIndex{3}, 5, 0},
		{"lowest pin wins", 20, []replog.LogIndex{18, 7}, 1, 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pins := newPinSet()
			for _, p := range tt.pins {
				pins.add(p)
			}
			assert.Equal(t, tt.want, compactionBound(log, tt.limit, pins, tt.threshold))
		})
	}
}

func TestRelease_LeaderCompacts(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.Metrics = metrics.New()
	c := newCluster(t, 1, 2, opts)

	last := c.insert(t, 1003)
	require.Equal(t, replog.LogIndex(1004), last)
	c.replicate()
	require.Equal(t, last, c.leader.Leader().CommitIndex())

	require.NoError(t, c.leader.Release(ctx, 1002))
	log := c.leader.CopyInMemoryLog()
	assert.Equal(t, replog.LogIndex(1003), log.FirstIndex())
	assert.Equal(t, last, log.LastIndex())

	stored := c.leaderStorage.Entries()
	require.Len(t, stored, 2)
	assert.Equal(t, replog.LogIndex(1003), stored[0].Index)
	prefix, err := c.leaderStorage.ReadPrefix()
	require.NoError(t, err)
	assert.Equal(t, replog.TermIndexPair{Term: 1, Index: 1002}, prefix)

	assert.Equal(t, float64(1002), testutil.ToFloat64(opts.Metrics.EntriesCompacted.WithLabelValues("1")))
	assert.Equal(t, float64(1003), testutil.ToFloat64(opts.Metrics.FirstIndex.WithLabelValues("1")))

	t.Run("release is idempotent", func(t *testing.T) {
		calls := c.leaderStorage.RemoveFrontCalls
		require.NoError(t, c.leader.Release(ctx, 1002))
		after := c.leader.CopyInMemoryLog()
		assert.Equal(t, log.FirstIndex(), after.FirstIndex())
		assert.Equal(t, log.LastIndex(), after.LastIndex())
		assert.Equal(t, calls, c.leaderStorage.RemoveFrontCalls)
	})

	t.Run("replication continues after compaction", func(t *testing.T) {
		idx := c.insert(t, 1)
		c.replicate()
		assert.Equal(t, idx, c.leader.Leader().CommitIndex())
		assert.Equal(t, idx, c.followers[0].CopyInMemoryLog().LastIndex())
	})
}

func TestRelease_Preconditions(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1, 2, testOptions(t))
	c.insert(t, 10)

	err := c.leader.Release(ctx, 5)
	assert.ErrorIs(t, err, replog.ErrCompactionPrecondition)
	assert.Zero(t, c.leader.QuickStatus().Local.ReleaseIndex)

	c.replicate()
	require.NoError(t, c.leader.Release(ctx, 5))
	assert.Equal(t, replog.LogIndex(5), c.leader.QuickStatus().Local.ReleaseIndex)
	assert.Equal(t, replog.LogIndex(1), c.leader.CopyInMemoryLog().FirstIndex(), "below threshold stays logical")

	t.Run("release index does not go back", func(t *testing.T) {
		require.NoError(t, c.leader.Release(ctx, 3))
		assert.Equal(t, replog.LogIndex(5), c.leader.QuickStatus().Local.ReleaseIndex)
	})

	t.Run("unconfigured log", func(t *testing.T) {
		r, _ := newTestLog(t, testOptions(t))
		assert.ErrorIs(t, r.Release(ctx, 1), replog.ErrNotLeader)
	})
}

func TestRelease_DeferredUntilThreshold(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1, 2, testOptions(t))
	c.insert(t, 1003)
	c.replicate()

	require.NoError(t, c.leader.Release(ctx, 500))
	assert.Equal(t, replog.LogIndex(1), c.leader.CopyInMemoryLog().FirstIndex())

	require.NoError(t, c.leader.Release(ctx, 1002))
	assert.Equal(t, replog.LogIndex(1003), c.leader.CopyInMemoryLog().FirstIndex())
}

func TestRelease_WaitsForLaggingFollower(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	opts.MaxBatchEntries = 2000
	c := newCluster(t, 2, 2, opts)
	c.insert(t, 1003)
	mocks.RunAllAsyncAppendEntries(c.delayed[0])
	require.Equal(t, replog.LogIndex(1004), c.leader.Leader().CommitIndex())

	require.NoError(t, c.leader.Release(ctx, 1002))
	assert.Equal(t, replog.LogIndex(1), c.leader.CopyInMemoryLog().FirstIndex())

	c.replicate()
	assert.Equal(t, replog.LogIndex(1003), c.leader.CopyInMemoryLog().FirstIndex())
}

func TestRelease_Follower(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1, 2, testOptions(t))
	c.insert(t, 1003)
	c.replicate()

	f := c.followers[0]
	assert.ErrorIs(t, f.Release(ctx, 2000), replog.ErrCompactionPrecondition)
	require.NoError(t, f.Release(ctx, 1002))
	assert.Equal(t, replog.LogIndex(1003), f.CopyInMemoryLog().FirstIndex())
	assert.Equal(t, replog.LogIndex(1003), c.followerStorage[0].Entries()[0].Index)

	t.Run("follower still accepts entries", func(t *testing.T) {
		idx := c.insert(t, 2)
		c.replicate()
		assert.Equal(t, idx, f.CopyInMemoryLog().LastIndex())
	})
}

func TestPinSnapshot(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestLog(t, testOptions(t))
	_, err := r.BecomeLeader(ctx, LeaderConfig{ID: leaderID, Term: 1, Quorum: 1})
	require.NoError(t, err)
	for i := 0; i < 1003; i++ {
		_, err := r.Insert(ctx, payload(i))
		require.NoError(t, err)
	}

	snap, pin := r.PinSnapshot()
	require.NoError(t, r.Release(ctx, 1002))
	assert.Equal(t, replog.LogIndex(1), r.CopyInMemoryLog().FirstIndex())
	e, ok := snap.Entry(1)
	require.True(t, ok)
	assert.True(t, e.IsTermMarker())

	pin.Release()
	assert.Equal(t, replog.LogIndex(1003), r.CopyInMemoryLog().FirstIndex())
	assert.NotPanics(t, pin.Release)

	t.Run("snapshot survives compaction", func(t *testing.T) {
		assert.Equal(t, replog.LogIndex(1), snap.FirstIndex())
		assert.Equal(t, replog.LogIndex(1004), snap.LastIndex())
	})
}

func TestLeader_FollowerNeedsCompactedEntries(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(t)
	mockClock := opts.Clock.(*clock.Mock)
	c := newCluster(t, 1, 2, opts)
	c.insert(t, 1003)
	c.replicate()

	// B compacts as a follower, then leads an empty participant.
	b := c.followers[0]
	require.NoError(t, b.Release(ctx, 1002))
	require.Equal(t, replog.LogIndex(1003), b.CopyInMemoryLog().FirstIndex())

	fresh, _ := newTestLog(t, opts)
	_, err := fresh.BecomeFollower(ctx, FollowerConfig{ID: "E", Term: 2, Leader: followerID(0)})
	require.NoError(t, err)
	d := mocks.NewDelayedFollower(fresh.AsFollower("E"))
	l, err := b.BecomeLeader(ctx, LeaderConfig{ID: followerID(0), Term: 2, Quorum: 2, Followers: []replog.AbstractFollower{d}})
	require.NoError(t, err)

	mocks.RunAllAsyncAppendEntries(d)
	require.Len(t, d.Requests(), 1)
	assert.False(t, d.HasPendingAppendEntries(), "gap below the first index backs off")
	st := b.QuickStatus().Followers["E"]
	assert.Equal(t, 1, st.NumErrors)
	assert.Contains(t, st.LastError, replog.ErrEntriesCompacted.Error())
	assert.Zero(t, st.MatchIndex)

	mockClock.Add(10 * time.Millisecond)
	assert.Eventually(t, d.HasPendingAppendEntries, 5*time.Second, time.Millisecond)
	mocks.RunAllAsyncAppendEntries(d)

	reqs := d.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, replog.TermIndexPair{Term: 1, Index: 1002}, reqs[1].PrevLogEntry)
	assert.Equal(t, 2, b.QuickStatus().Followers["E"].NumErrors)
	assert.Equal(t, LeaderInitializing, l.State())
}
