package storage

import (
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/metrics"
)

// action is one of the three requests a lane accepts. Every action kind has a visit method on actionVisitor, so a new
// kind does not compile until the batch writer handles it.
type action interface {
	accept(v actionVisitor) error
	name() string
}

type actionVisitor interface {
	visitInsert(a insertAction) error
	visitRemoveFront(a removeFrontAction) error
	visitRemoveBack(a removeBackAction) error
}

// insertAction stores a contiguous run of entries.
type insertAction struct {
	entries iter.Seq[replog.LogEntry]
}

// removeFrontAction drops every entry below stop.
type removeFrontAction struct {
	stop replog.LogIndex
}

// removeBackAction drops every entry from start onward.
type removeBackAction struct {
	start replog.LogIndex
}

func (a insertAction) accept(v actionVisitor) error      { return v.visitInsert(a) }
func (a removeFrontAction) accept(v actionVisitor) error { return v.visitRemoveFront(a) }
func (a removeBackAction) accept(v actionVisitor) error  { return v.visitRemoveBack(a) }

func (insertAction) name() string      { return "insert" }
func (removeFrontAction) name() string { return "remove_front" }
func (removeBackAction) name() string  { return "remove_back" }

// batchWriter applies the actions of one request to the open write transaction.
type batchWriter struct {
	logID   replog.LogID
	wb      WriteBatch
	entries int
	bytes   uint64
}

func (w *batchWriter) visitInsert(a insertAction) error {
	for e := range a.entries {
		if err := w.wb.PutEntry(w.logID, e); err != nil {
			return fmt.Errorf("put entry %d of log %d: %w", e.Index, w.logID, err)
		}
		w.entries++
		w.bytes += uint64(e.Payload.Size())
	}
	return nil
}

func (w *batchWriter) visitRemoveFront(a removeFrontAction) error {
	if err := w.wb.RemoveFront(w.logID, a.stop); err != nil {
		return fmt.Errorf("remove front of log %d before %d: %w", w.logID, a.stop, err)
	}
	return nil
}

func (w *batchWriter) visitRemoveBack(a removeBackAction) error {
	if err := w.wb.RemoveBack(w.logID, a.start); err != nil {
		return fmt.Errorf("remove back of log %d from %d: %w", w.logID, a.start, err)
	}
	return nil
}

type request struct {
	logID   replog.LogID
	action  action
	promise *future.Promise[SequenceNumber]
	guard   *WriteGuard
}

// lane queues the requests of one durability class. At most one worker drains a lane at a time, so requests of a lane
// complete in submission order.
type lane struct {
	waitForSync bool

	mu      sync.Mutex
	pending []*request
	active  bool
}

type syncWaiter struct {
	seq     SequenceNumber
	promise *future.Promise[SequenceNumber]
}

// Batcher groups storage requests into lanes and writes each lane's pending requests in a single transaction. The
// sync lane commits its transactions durably before completing their requests. The lanes make no ordering promise
// relative to each other.
type Batcher struct {
	backend  Backend
	executor Executor
	logger   *zap.Logger
	metrics  *metrics.Metrics

	syncLane   *lane
	noSyncLane *lane

	syncMu        sync.Mutex
	synced        SequenceNumber
	waiters       []syncWaiter
	syncScheduled bool
}

// NewBatcher creates a batcher writing to backend. Deferred syncs run on executor. Lane workers run on executor too,
// unless it implements LaneRunner.
func NewBatcher(backend Backend, executor Executor, logger *zap.Logger, m *metrics.Metrics) *Batcher {
	return &Batcher{
		backend:    backend,
		executor:   executor,
		logger:     logger,
		metrics:    m,
		syncLane:   &lane{waitForSync: true},
		noSyncLane: &lane{waitForSync: false},
		synced:     backend.CommittedSequenceNumber(),
	}
}

// Backend returns the backend requests are written to.
func (b *Batcher) Backend() Backend { return b.backend }

// QueueInsert queues entries for insertion and fires guard once the request completed. entries is iterated once,
// by the lane worker, so it must stay valid until the returned future completes.
func (b *Batcher) QueueInsert(guard *WriteGuard, logID replog.LogID, entries iter.Seq[replog.LogEntry], opts WriteOptions) *future.Future[SequenceNumber] {
	return b.queue(guard, logID, insertAction{entries: entries}, opts)
}

// QueueRemoveFront queues the removal of every entry with index < stop.
func (b *Batcher) QueueRemoveFront(guard *WriteGuard, logID replog.LogID, stop replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber] {
	return b.queue(guard, logID, removeFrontAction{stop: stop}, opts)
}

// QueueRemoveBack queues the removal of every entry with index >= start.
func (b *Batcher) QueueRemoveBack(guard *WriteGuard, logID replog.LogID, start replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber] {
	return b.queue(guard, logID, removeBackAction{start: start}, opts)
}

func (b *Batcher) laneFor(opts WriteOptions) *lane {
	if opts.WaitForSync {
		return b.syncLane
	}
	return b.noSyncLane
}

func (b *Batcher) queue(guard *WriteGuard, logID replog.LogID, a action, opts WriteOptions) *future.Future[SequenceNumber] {
	req := &request{
		logID:   logID,
		action:  a,
		promise: future.NewPromise[SequenceNumber](),
		guard:   guard,
	}
	b.metrics.RecordRequest(opts.WaitForSync, a.name())

	l := b.laneFor(opts)
	l.mu.Lock()
	l.pending = append(l.pending, req)
	startWorker := !l.active
	l.active = true
	l.mu.Unlock()

	if startWorker {
		b.startLane(l)
	}
	return req.promise.Future()
}

// startLane runs the lane worker. A LaneRunner gives it a goroutine of its own, so a lane parked in a durable commit
// never holds a pool worker the other lane is queued behind.
func (b *Batcher) startLane(l *lane) {
	if r, ok := b.executor.(LaneRunner); ok {
		r.RunLane(func() { b.runLane(l) })
		return
	}
	b.executor.Schedule(func() { b.runLane(l) })
}

// runLane flushes batches until the lane is empty.
func (b *Batcher) runLane(l *lane) {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		if len(batch) == 0 {
			l.active = false
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()

		b.flush(l, batch)
	}
}

func (b *Batcher) flush(l *lane, batch []*request) {
	var (
		numEntries int
		numBytes   uint64
	)
	write := b.backend.Write
	if l.waitForSync {
		write = b.backend.WriteSync
	}
	start := time.Now()
	seq, err := write(func(wb WriteBatch) error {
		for _, req := range batch {
			w := &batchWriter{logID: req.logID, wb: wb}
			if err := req.action.accept(w); err != nil {
				return err
			}
			numEntries += w.entries
			numBytes += w.bytes
		}
		return nil
	})
	if err == nil && l.waitForSync {
		b.metrics.RecordSync(time.Since(start))
		b.markSynced(seq)
	}
	b.metrics.RecordBatch(l.waitForSync, len(batch), err)

	if err != nil {
		b.logger.Error("Storage batch failed",
			zap.Bool("wait_for_sync", l.waitForSync), zap.Int("requests", len(batch)), zap.Error(err))
		err = fmt.Errorf("%w: %v", replog.ErrStorageFailure, err)
	} else if ce := b.logger.Check(zap.DebugLevel, "Storage batch written"); ce != nil {
		ce.Write(zap.Bool("wait_for_sync", l.waitForSync), zap.Int("requests", len(batch)),
			zap.Int("entries", numEntries), zap.String("payload", humanize.Bytes(numBytes)),
			zap.Stringer("seq", seq))
	}

	for _, req := range batch {
		req.promise.Complete(seq, err)
		req.guard.Fire()
	}
}

// sync runs the durability barrier and advances the synced sequence number to what was committed before it.
func (b *Batcher) sync() error {
	before := b.backend.CommittedSequenceNumber()
	start := time.Now()
	if err := b.backend.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	b.metrics.RecordSync(time.Since(start))
	b.markSynced(before)
	return nil
}

func (b *Batcher) markSynced(seq SequenceNumber) {
	b.syncMu.Lock()
	if seq <= b.synced {
		b.syncMu.Unlock()
		return
	}
	b.synced = seq
	var ready []syncWaiter
	remaining := b.waiters[:0]
	for _, w := range b.waiters {
		if w.seq <= seq {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	b.waiters = remaining
	b.syncMu.Unlock()

	for _, w := range ready {
		w.promise.Resolve(seq)
	}
}

// SyncedSequenceNumber returns the highest sequence number known to be durable.
func (b *Batcher) SyncedSequenceNumber() SequenceNumber {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	return b.synced
}

// WaitForSync returns a future that resolves once seq is durable. Requests written on the non-sync lane use it to
// defer their acknowledgement. The barrier runs on the executor and is shared by all waiters pending at that time.
func (b *Batcher) WaitForSync(seq SequenceNumber) *future.Future[SequenceNumber] {
	b.syncMu.Lock()
	if seq <= b.synced {
		synced := b.synced
		b.syncMu.Unlock()
		return future.Resolved(synced)
	}
	p := future.NewPromise[SequenceNumber]()
	b.waiters = append(b.waiters, syncWaiter{seq: seq, promise: p})
	schedule := !b.syncScheduled
	b.syncScheduled = true
	b.syncMu.Unlock()

	if schedule {
		b.executor.Schedule(b.runDeferredSync)
	}
	return p.Future()
}

func (b *Batcher) runDeferredSync() {
	b.syncMu.Lock()
	b.syncScheduled = false
	b.syncMu.Unlock()

	if err := b.sync(); err != nil {
		b.logger.Error("Deferred sync failed", zap.Error(err))
		b.syncMu.Lock()
		failed := b.waiters
		b.waiters = nil
		b.syncMu.Unlock()
		for _, w := range failed {
			w.promise.Reject(fmt.Errorf("%w: %v", replog.ErrStorageFailure, err))
		}
		return
	}

	// Waiters for transactions committed while the barrier ran need another one.
	committed := b.backend.CommittedSequenceNumber()
	b.syncMu.Lock()
	again := false
	for _, w := range b.waiters {
		if w.seq <= committed {
			again = true
			break
		}
	}
	again = again && !b.syncScheduled
	if again {
		b.syncScheduled = true
	}
	b.syncMu.Unlock()
	if again {
		b.executor.Schedule(b.runDeferredSync)
	}
}
