package replicated

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/mocks"
)

const leaderID replog.ParticipantID = "A"

func testOptions(t *testing.T) Options {
	return Options{
		Logger:              zaptest.NewLogger(t),
		Clock:               clock.NewMock(),
		CompactionThreshold: 1000,
		RetryBackoffBase:    10 * time.Millisecond,
		MaxRetryBackoff:     50 * time.Millisecond,
	}
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Get(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return v, err
}

func newTestLog(t *testing.T, opts Options) (*ReplicatedLog, *mocks.MockLogStorage) {
	t.Helper()
	s := mocks.NewMockLogStorage(1)
	r, err := Open(s, opts)
	require.NoError(t, err)
	return r, s
}

func payload(i int) replog.LogPayload {
	return replog.PayloadFromString(fmt.Sprintf("payload-%d", i))
}

func entries(term replog.LogTerm, from, to replog.LogIndex) []replog.LogEntry {
	var out []replog.LogEntry
	for i := from; i <= to; i++ {
		out = append(out, replog.NewLogEntry(term, i, payload(int(i))))
	}
	return out
}

// cluster is a leader with followers that only receive requests when the test pumps them.
type cluster struct {
	leader          *ReplicatedLog
	leaderStorage   *mocks.MockLogStorage
	followers       []*ReplicatedLog
	followerStorage []*mocks.MockLogStorage
	delayed         []*mocks.DelayedFollower
}

func followerID(i int) replog.ParticipantID {
	return replog.ParticipantID(string(rune('B' + i)))
}

func newCluster(t *testing.T, numFollowers, quorum int, opts Options) *cluster {
	t.Helper()
	ctx := context.Background()
	c := &cluster{}
	var abstract []replog.AbstractFollower
	for i := 0; i < numFollowers; i++ {
		r, s := newTestLog(t, opts)
		_, err := r.BecomeFollower(ctx, FollowerConfig{ID: followerID(i), Term: 1, Leader: leaderID})
		require.NoError(t, err)
		d := mocks.NewDelayedFollower(r.AsFollower(followerID(i)))
		c.followers = append(c.followers, r)
		c.followerStorage = append(c.followerStorage, s)
		c.delayed = append(c.delayed, d)
		abstract = append(abstract, d)
	}
	c.leader, c.leaderStorage = newTestLog(t, opts)
	_, err := c.leader.BecomeLeader(ctx, LeaderConfig{ID: leaderID, Term: 1, Quorum: quorum, Followers: abstract})
	require.NoError(t, err)
	return c
}

func (c *cluster) replicate() {
	mocks.RunAllAsyncAppendEntries(c.delayed...)
}

func (c *cluster) insert(t *testing.T, n int) replog.LogIndex {
	t.Helper()
	var last replog.LogIndex
	for i := 0; i < n; i++ {
		idx, err := c.leader.Insert(context.Background(), payload(i))
		require.NoError(t, err)
		last = idx
	}
	return last
}
