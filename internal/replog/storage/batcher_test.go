package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/metrics"
)

// blockingSyncBackend holds every durable commit until release is closed, once armed.
type blockingSyncBackend struct {
	*BoltBackend
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingSyncBackend(b *BoltBackend) *blockingSyncBackend {
	return &blockingSyncBackend{BoltBackend: b, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingSyncBackend) WriteSync(fn func(WriteBatch) error) (SequenceNumber, error) {
	if b.armed.Load() {
		b.once.Do(func() { close(b.entered) })
		<-b.release
	}
	return b.BoltBackend.WriteSync(fn)
}

// failingBackend fails every write transaction.
type failingBackend struct {
	*BoltBackend
}

func (failingBackend) Write(func(WriteBatch) error) (SequenceNumber, error) {
	return 0, assert.AnError
}

func (failingBackend) WriteSync(func(WriteBatch) error) (SequenceNumber, error) {
	return 0, assert.AnError
}

func await[T any](t *testing.T, f *future.Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Get(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return v, err
}

func newTestLog(t *testing.T, backend Backend, executor Executor) *PersistedLog {
	t.Helper()
	logger := zaptest.NewLogger(t)
	batcher := NewBatcher(backend, executor, logger, metrics.New())
	l, _, err := CreateLog(batcher, 1, "test", logger)
	require.NoError(t, err)
	return l
}

func TestPersistedLog_RoundTrip(t *testing.T) {
	for _, opts := range []WriteOptions{{WaitForSync: true}, {WaitForSync: false}} {
		t.Run(laneLabel(opts), func(t *testing.T) {
			backend, _ := createTempBackend(t)
			l := newTestLog(t, backend, InlineExecutor{})

			want := testEntries(3, 1, 100)
			seq, err := await(t, l.Insert(slices.Values(want), opts))
			require.NoError(t, err)
			assert.NotZero(t, seq)

			var got []replog.LogEntry
			for e, err := range l.Read(1) {
				require.NoError(t, err)
				got = append(got, e)
			}
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].Index, got[i].Index)
				assert.Equal(t, want[i].Term, got[i].Term)
				assert.Equal(t, want[i].Payload.String(), got[i].Payload.String())
			}
			assert.Zero(t, l.AsyncWriteContext().Pending())
		})
	}
}

func laneLabel(opts WriteOptions) string {
	if opts.WaitForSync {
		return "sync lane"
	}
	return "nosync lane"
}

func TestPersistedLog_LaneOrdering(t *testing.T) {
	backend, _ := createTempBackend(t)
	executor := NewPoolExecutor(4, zaptest.NewLogger(t))
	defer executor.Close()
	l := newTestLog(t, backend, executor)

	var futures []*future.Future[SequenceNumber]
	for i := replog.LogIndex(1); i <= 50; i++ {
		futures = append(futures, l.Insert(slices.Values(testEntries(1, i, i)), WriteOptions{}))
	}
	futures = append(futures, l.RemoveFront(26, WriteOptions{}))

	var last SequenceNumber
	for _, f := range futures {
		seq, err := await(t, f)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, seq, last)
		last = seq
	}

	require.NoError(t, l.WaitForCompletion(context.Background()))
	var got []replog.LogIndex
	for e, err := range l.Read(0) {
		require.NoError(t, err)
		got = append(got, e.Index)
	}
	require.Len(t, got, 25)
	assert.Equal(t, replog.LogIndex(26), got[0])

	prefix, err := l.ReadPrefix()
	require.NoError(t, err)
	assert.Equal(t, replog.TermIndexPair{Term: 1, Index: 25}, prefix)
}

func TestBatcher_LanesAreIndependent(t *testing.T) {
	for _, workers := range []int{1, 2} {
		t.Run(fmt.Sprintf("%d workers", workers), func(t *testing.T) {
			bolt, _ := createTempBackend(t)
			backend := newBlockingSyncBackend(bolt)
			executor := NewPoolExecutor(workers, zaptest.NewLogger(t))
			defer executor.Close()
			l := newTestLog(t, backend, executor)
			backend.armed.Store(true)

			syncFuture := l.Insert(slices.Values(testEntries(1, 1, 10)), WriteOptions{WaitForSync: true})
			<-backend.entered

			// The sync lane is parked in its durable commit.
			noSyncSeq, err := await(t, l.Insert(slices.Values(testEntries(1, 11, 20)), WriteOptions{}))
			require.NoError(t, err)
			assert.False(t, syncFuture.IsReady())
			assert.Less(t, l.SyncedSequenceNumber(), noSyncSeq)
			assert.Eventually(t, func() bool { return l.AsyncWriteContext().Pending() == 1 }, time.Second, time.Millisecond)

			close(backend.release)
			syncSeq, err := await(t, syncFuture)
			require.NoError(t, err)
			assert.Greater(t, syncSeq, noSyncSeq)
			assert.Equal(t, syncSeq, l.SyncedSequenceNumber(), "a durable commit covers earlier transactions")
		})
	}
}

func TestBatcher_WaitForSync(t *testing.T) {
	backend, _ := createTempBackend(t)
	l := newTestLog(t, backend, InlineExecutor{})

	seq, err := await(t, l.Insert(slices.Values(testEntries(1, 1, 5)), WriteOptions{}))
	require.NoError(t, err)
	assert.Less(t, l.SyncedSequenceNumber(), seq)

	synced, err := await(t, l.WaitForSync(seq))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, synced, seq)
	assert.GreaterOrEqual(t, l.SyncedSequenceNumber(), seq)

	t.Run("already durable resolves immediately", func(t *testing.T) {
		f := l.WaitForSync(seq)
		assert.True(t, f.IsReady())
	})
}

func TestBatcher_Failure(t *testing.T) {
	bolt, _ := createTempBackend(t)
	logger := zaptest.NewLogger(t)
	batcher := NewBatcher(failingBackend{bolt}, InlineExecutor{}, logger, nil)
	l := OpenLog(batcher, 1, logger)

	for _, opts := range []WriteOptions{{WaitForSync: true}, {}} {
		_, err := await(t, l.Insert(slices.Values(testEntries(1, 1, 3)), opts))
		assert.ErrorIs(t, err, replog.ErrStorageFailure)
		_, err = await(t, l.RemoveBack(2, opts))
		assert.ErrorIs(t, err, replog.ErrStorageFailure)
	}
	assert.Zero(t, l.AsyncWriteContext().Pending())
}

func TestBatcher_ConcurrentWriters(t *testing.T) {
	backend, _ := createTempBackend(t)
	executor := NewPoolExecutor(4, zaptest.NewLogger(t))
	defer executor.Close()
	logger := zaptest.NewLogger(t)
	batcher := NewBatcher(backend, executor, logger, nil)

	var wg sync.WaitGroup
	for logID := replog.LogID(1); logID <= 4; logID++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := OpenLog(batcher, logID, logger)
			opts := WriteOptions{WaitForSync: logID%2 == 0}
			var last *future.Future[SequenceNumber]
			for i := replog.LogIndex(1); i <= 100; i++ {
				last = l.Insert(slices.Values(testEntries(1, i, i)), opts)
			}
			_, err := await(t, last)
			assert.NoError(t, err)
			assert.NoError(t, l.WaitForCompletion(context.Background()))
		}()
	}
	wg.Wait()

	for logID := replog.LogID(1); logID <= 4; logID++ {
		assert.Len(t, readAll(t, backend, logID, 1), 100)
	}
}

func TestPersistedLog_Metadata(t *testing.T) {
	backend, _ := createTempBackend(t)
	logger := zaptest.NewLogger(t)
	batcher := NewBatcher(backend, InlineExecutor{}, logger, nil)

	l, info, err := CreateLog(batcher, 7, "shard-1", logger)
	require.NoError(t, err)
	assert.NotZero(t, info.ObjectID)

	_, _, err = CreateLog(batcher, 7, "shard-1", logger)
	assert.ErrorIs(t, err, replog.ErrLogExists)

	info.State = PersistedState{Term: 4, Role: replog.Leader, Leader: "a"}
	require.NoError(t, l.UpdateMetadata(info))
	got, err := l.ReadMetadata()
	require.NoError(t, err)
	assert.Equal(t, info, got)

	assert.Error(t, l.UpdateMetadata(PersistedStateInfo{LogID: 8}))
}

func TestPersistedLog_Drop(t *testing.T) {
	bolt, _ := createTempBackend(t)
	executor := NewPoolExecutor(2, zaptest.NewLogger(t))
	defer executor.Close()
	l := newTestLog(t, bolt, executor)

	_, err := await(t, l.Insert(slices.Values(testEntries(1, 1, 10)), WriteOptions{}))
	require.NoError(t, err)

	t.Run("drop waits for outstanding writes", func(t *testing.T) {
		pending := l.Insert(slices.Values(testEntries(1, 11, 20)), WriteOptions{WaitForSync: true})
		require.NoError(t, l.Drop(context.Background()))
		assert.True(t, pending.IsReady())
	})

	t.Run("dropped log is gone", func(t *testing.T) {
		_, err := l.ReadMetadata()
		assert.ErrorIs(t, err, replog.ErrLogNotFound)
		assert.Empty(t, readAll(t, bolt, 1, 0))

		_, err = await(t, l.Insert(slices.Values(testEntries(1, 21, 21)), WriteOptions{}))
		assert.ErrorIs(t, err, replog.ErrLogNotFound)
		assert.ErrorIs(t, l.Drop(context.Background()), replog.ErrLogNotFound)
	})
}

func TestPersistedLog_DropRacesWriters(t *testing.T) {
	bolt, _ := createTempBackend(t)
	executor := NewPoolExecutor(2, zaptest.NewLogger(t))
	defer executor.Close()
	l := newTestLog(t, bolt, executor)

	start := make(chan struct{})
	var wg sync.WaitGroup
	var futures [4][]*future.Future[SequenceNumber]
	for w := range futures {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := replog.LogIndex(1); i <= 50; i++ {
				idx := replog.LogIndex(w)*100 + i
				opts := WriteOptions{WaitForSync: i%2 == 0}
				futures[w] = append(futures[w], l.Insert(slices.Values(testEntries(1, idx, idx)), opts))
			}
		}()
	}
	close(start)
	require.NoError(t, l.Drop(context.Background()))
	wg.Wait()

	for _, fs := range futures {
		for _, f := range fs {
			if _, err := await(t, f); err != nil {
				assert.ErrorIs(t, err, replog.ErrLogNotFound)
			}
		}
	}
	assert.Empty(t, readAll(t, bolt, 1, 0), "no write lands after the log was deleted")
	assert.Zero(t, l.AsyncWriteContext().Pending())
}
