package replicated

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/inmemory"
	"replog/internal/replog/storage"
)

// LeaderState is the state of a leader within its term.
type LeaderState uint8

const (
	// LeaderInitializing is the state until the first entry of the term is committed.
	LeaderInitializing LeaderState = iota
	// LeaderSteadyState means a quorum acknowledged the current term.
	LeaderSteadyState
	// LeaderResigned is terminal. The leader was replaced, superseded or lost its local storage.
	LeaderResigned
)

func (s LeaderState) String() string {
	switch s {
	case LeaderInitializing:
		return "Initializing"
	case LeaderSteadyState:
		return "SteadyState"
	case LeaderResigned:
		return "Resigned"
	default:
		return "Unknown"
	}
}

var errRoleChange = errors.New("role change")

// LeaderConfig configures a participant as leader of a term.
type LeaderConfig struct {
	ID   replog.ParticipantID
	Term replog.LogTerm
	// Quorum is the number of participants, leader included, that must hold an entry before it is committed. It must
	// be a strict majority of len(Followers)+1.
	Quorum    int
	Followers []replog.AbstractFollower
}

// followerInfo is the leader's bookkeeping for one follower. It is guarded by Leader.mu.
type followerInfo struct {
	impl replog.AbstractFollower
	id   replog.ParticipantID

	// matchIndex is the highest index the follower acknowledged as durable.
	matchIndex replog.LogIndex
	// nextIndex is the first index the next request carries.
	nextIndex      replog.LogIndex
	lastSentCommit replog.LogIndex
	lastMessageID  replog.MessageID

	inFlight     bool
	retryPending bool
	retryTimer   *clock.Timer
	numErrors    int
	lastErr      error
}

type indexWaiter struct {
	index   replog.LogIndex
	promise *future.Promise[replog.LogIndex]
}

type insertStamp struct {
	index replog.LogIndex
	at    time.Time
}

// Leader drives replication for one term. It appends client payloads to the in-memory log, persists them, sends
// them to every follower and advances the commit index once a quorum holds an entry of the current term.
type Leader struct {
	compactor
	id     replog.ParticipantID
	term   replog.LogTerm
	quorum int

	mu               sync.Mutex
	state            LeaderState
	inMemory         inmemory.Log
	commitIndex      replog.LogIndex
	releaseIndex     replog.LogIndex
	localDurable     replog.LogIndex
	firstIndexOfTerm replog.LogIndex
	storageFailed    bool
	followers        map[replog.ParticipantID]*followerInfo

	// toPersist holds appended entries not yet handed to storage. persistMu keeps the storage inserts in append order.
	persistMu      sync.Mutex
	toPersist      []replog.LogEntry
	persistWaiters []indexWaiter
	commitWaiters  []indexWaiter
	insertedAt     []insertStamp

	ctx    context.Context
	cancel context.CancelFunc
}

func newLeader(c compactor, cfg LeaderConfig, start core) *Leader {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Leader{
		compactor:    c,
		id:           cfg.ID,
		term:         cfg.Term,
		quorum:       cfg.Quorum,
		inMemory:     start.inMemory,
		commitIndex:  start.commitIndex,
		releaseIndex: start.releaseIndex,
		localDurable: start.inMemory.LastIndex(),
		followers:    make(map[replog.ParticipantID]*followerInfo, len(cfg.Followers)),
		ctx:          ctx,
		cancel:       cancel,
	}
	l.logger = c.logger.With(zap.String("participant", string(cfg.ID)), zap.Uint64("term", uint64(cfg.Term)),
		zap.String("role", replog.Leader.String()))
	for _, f := range cfg.Followers {
		l.followers[f.ParticipantID()] = &followerInfo{
			impl:      f,
			id:        f.ParticipantID(),
			nextIndex: start.inMemory.LastIndex() + 1,
		}
	}
	return l
}

// start appends the empty first entry of the term and starts replicating it.
func (l *Leader) start() {
	l.mu.Lock()
	marker, _, err := l.appendLocked(replog.LogPayload{})
	if err == nil {
		l.firstIndexOfTerm = marker.Index
	}
	var acts actions
	l.replicateLocked(&acts)
	l.mu.Unlock()

	l.logger.Info("Became leader", zap.Uint64("first_index_of_term", uint64(marker.Index)),
		zap.Int("followers", len(l.followers)), zap.Int("quorum", l.quorum))
	l.flushPersist()
	acts.run()
}

func (l *Leader) ID() replog.ParticipantID { return l.id }

func (l *Leader) Term() replog.LogTerm { return l.term }

func (l *Leader) State() LeaderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// IsLeadershipEstablished reports whether the first entry of the term was committed.
func (l *Leader) IsLeadershipEstablished() bool {
	return l.State() == LeaderSteadyState
}

func (l *Leader) CommitIndex() replog.LogIndex {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commitIndex
}

// Insert appends payload as a new entry of the leader's term and returns its index once the entry is durable in
// local storage. Replication to followers proceeds in the background.
func (l *Leader) Insert(ctx context.Context, payload replog.LogPayload) (replog.LogIndex, error) {
	return l.InsertFuture(payload).Get(ctx)
}

// InsertFuture is the asynchronous form of Insert.
func (l *Leader) InsertFuture(payload replog.LogPayload) *future.Future[replog.LogIndex] {
	l.mu.Lock()
	_, persisted, err := l.appendLocked(payload)
	if err != nil {
		l.mu.Unlock()
		return future.Failed[replog.LogIndex](err)
	}
	var acts actions
	l.replicateLocked(&acts)
	l.mu.Unlock()

	l.flushPersist()
	acts.run()
	return persisted
}

func (l *Leader) appendLocked(payload replog.LogPayload) (replog.LogEntry, *future.Future[replog.LogIndex], error) {
	if l.state == LeaderResigned {
		return replog.LogEntry{}, nil, fmt.Errorf("%w: leader of term %d resigned", replog.ErrNotLeader, l.term)
	}
	e := replog.NewLogEntry(l.term, l.inMemory.LastIndex()+1, payload)
	next, err := l.inMemory.Append(e)
	if err != nil {
		return replog.LogEntry{}, nil, err
	}
	l.inMemory = next
	l.toPersist = append(l.toPersist, e)
	p := future.NewPromise[replog.LogIndex]()
	l.persistWaiters = append(l.persistWaiters, indexWaiter{index: e.Index, promise: p})
	l.insertedAt = append(l.insertedAt, insertStamp{index: e.Index, at: l.opts.Clock.Now()})
	return e, p.Future(), nil
}

// flushPersist hands every queued entry to storage. Entries queued after the leader resigned are never written.
func (l *Leader) flushPersist() {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()

	l.mu.Lock()
	batch := l.toPersist
	l.toPersist = nil
	if len(batch) == 0 {
		l.mu.Unlock()
		return
	}
	if l.state == LeaderResigned {
		waiters := l.takePersistWaitersLocked(batch[len(batch)-1].Index)
		l.mu.Unlock()
		for _, w := range waiters {
			w.promise.Reject(fmt.Errorf("%w: leader of term %d resigned", replog.ErrNotLeader, l.term))
		}
		return
	}
	l.mu.Unlock()

	upTo := batch[len(batch)-1].Index
	l.storage.Insert(slices.Values(batch), l.opts.writeOptions()).OnComplete(func(_ storage.SequenceNumber, err error) {
		l.onPersisted(upTo, err)
	})
}

func (l *Leader) takePersistWaitersLocked(upTo replog.LogIndex) []indexWaiter {
	i := 0
	for i < len(l.persistWaiters) && l.persistWaiters[i].index <= upTo {
		i++
	}
	waiters := l.persistWaiters[:i]
	l.persistWaiters = l.persistWaiters[i:]
	return waiters
}

func (l *Leader) onPersisted(upTo replog.LogIndex, err error) {
	var acts actions
	l.mu.Lock()
	if err != nil {
		if !l.storageFailed {
			l.storageFailed = true
			l.logger.Error("Failed to persist entries, resigning", zap.Uint64("up_to", uint64(upTo)), zap.Error(err))
			l.resignLocked(fmt.Errorf("storage failure: %w", err), &acts)
		}
		waiters := l.persistWaiters
		l.persistWaiters = nil
		l.mu.Unlock()
		for _, w := range waiters {
			w.promise.Reject(fmt.Errorf("%w: %v", replog.ErrStorageFailure, err))
		}
		acts.run()
		return
	}

	if !l.storageFailed {
		l.localDurable = max(l.localDurable, upTo)
	}
	waiters := l.takePersistWaitersLocked(upTo)
	l.updateCommitLocked(&acts)
	l.replicateLocked(&acts)
	l.mu.Unlock()

	for _, w := range waiters {
		w.promise.Resolve(w.index)
	}
	acts.run()
}

// WaitFor returns a future resolved with the commit index once it reaches idx. It fails with ErrNotLeader if the
// leader resigns first.
func (l *Leader) WaitFor(idx replog.LogIndex) *future.Future[replog.LogIndex] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitIndex >= idx {
		return future.Resolved(l.commitIndex)
	}
	if l.state == LeaderResigned {
		return future.Failed[replog.LogIndex](fmt.Errorf("%w: leader of term %d resigned", replog.ErrNotLeader, l.term))
	}
	p := future.NewPromise[replog.LogIndex]()
	l.commitWaiters = append(l.commitWaiters, indexWaiter{index: idx, promise: p})
	return p.Future()
}

// updateCommitLocked moves the commit index to the highest index held by a quorum, if that entry belongs to the
// current term. Entries of earlier terms are committed only together with a later entry of this term.
func (l *Leader) updateCommitLocked(acts *actions) {
	if l.state == LeaderResigned {
		return
	}
	indexes := make([]replog.LogIndex, 0, len(l.followers)+1)
	if !l.storageFailed {
		indexes = append(indexes, l.localDurable)
	}
	for _, f := range l.followers {
		indexes = append(indexes, f.matchIndex)
	}
	if len(indexes) < l.quorum {
		return
	}
	slices.SortFunc(indexes, func(a, b replog.LogIndex) int { return cmp.Compare(b, a) })
	candidate := indexes[l.quorum-1]
	if candidate <= l.commitIndex {
		return
	}
	if term, ok := l.inMemory.TermAt(candidate); !ok || term != l.term {
		return
	}

	l.commitIndex = candidate
	commit := candidate
	logID := l.logID.String()
	l.opts.Metrics.SetCommitIndex(logID, uint64(commit))

	now := l.opts.Clock.Now()
	i := 0
	for ; i < len(l.insertedAt) && l.insertedAt[i].index <= commit; i++ {
		l.opts.Metrics.RecordCommitLatency(now.Sub(l.insertedAt[i].at))
	}
	l.insertedAt = l.insertedAt[i:]

	var ready []indexWaiter
	remaining := l.commitWaiters[:0]
	for _, w := range l.commitWaiters {
		if w.index <= commit {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.commitWaiters = remaining
	acts.add(func() {
		for _, w := range ready {
			w.promise.Resolve(commit)
		}
	})

	if l.state == LeaderInitializing && commit >= l.firstIndexOfTerm {
		l.state = LeaderSteadyState
		l.logger.Info("Leadership established", zap.Uint64("commit_index", uint64(commit)))
		ev := LeadershipEvent{LogID: l.logID, Term: l.term, Leader: l.id}
		acts.add(func() { pubsub.Publish(l.opts.Events, pubsub.NewEvent(EventLeadershipEstablished, ev)) })
	}
	ev := CommitEvent{LogID: l.logID, Term: l.term, Participant: l.id, CommitIndex: commit}
	acts.add(func() { pubsub.Publish(l.opts.Events, pubsub.NewEvent(EventCommitIndexAdvanced, ev)) })

	l.compactLocked(acts)
}

// compactionLimitLocked is the highest index no holder still needs: released, committed, locally durable and
// acknowledged by every follower.
func (l *Leader) compactionLimitLocked() replog.LogIndex {
	limit := min(l.releaseIndex, l.commitIndex, l.localDurable)
	for _, f := range l.followers {
		limit = min(limit, f.matchIndex)
	}
	return limit
}

func (l *Leader) compactLocked(acts *actions) replog.LogIndex {
	var stop replog.LogIndex
	l.inMemory, stop = l.trimLocked(l.inMemory, l.compactionLimitLocked())
	l.compactAction(stop, acts)
	return stop
}

// replicateLocked sends a request to every follower that is idle and either lags behind the log or has not been
// told the current commit index.
func (l *Leader) replicateLocked(acts *actions) {
	if l.state == LeaderResigned {
		return
	}
	last := l.inMemory.LastIndex()
	for _, f := range l.followers {
		if f.inFlight || f.retryPending {
			continue
		}
		if f.nextIndex > last && f.lastSentCommit >= l.commitIndex {
			continue
		}
		req := l.buildRequestLocked(f)
		f.inFlight = true
		acts.add(func() { l.send(f, req) })
	}
}

func (l *Leader) buildRequestLocked(f *followerInfo) replog.AppendEntriesRequest {
	next := f.nextIndex
	if first := l.inMemory.FirstIndex(); next < first {
		l.logger.Warn("Follower needs compacted entries", zap.String("follower", string(f.id)),
			zap.Uint64("next_index", uint64(next)), zap.Uint64("first_index", uint64(first)))
		next = first
	}
	prevTerm, _ := l.inMemory.TermAt(next - 1)
	f.lastMessageID++
	return replog.AppendEntriesRequest{
		LogID:        l.logID,
		LeaderTerm:   l.term,
		LeaderID:     l.id,
		PrevLogEntry: replog.TermIndexPair{Term: prevTerm, Index: next - 1},
		LeaderCommit: l.commitIndex,
		MessageID:    f.lastMessageID,
		WaitForSync:  l.opts.WaitForSync,
		Entries:      l.inMemory.Collect(next, l.inMemory.LastIndex()+1, l.opts.MaxBatchEntries),
	}
}

func (l *Leader) send(f *followerInfo, req replog.AppendEntriesRequest) {
	ctx, cancel := l.ctx, context.CancelFunc(func() {})
	if l.opts.RPCTimeout > 0 {
		ctx, cancel = context.WithTimeout(l.ctx, l.opts.RPCTimeout)
	}
	l.opts.Metrics.RecordAppendEntries(l.logID.String(), string(f.id))
	f.impl.AppendEntries(ctx, req).OnComplete(func(res replog.AppendEntriesResult, err error) {
		cancel()
		l.handleResponse(f, req, res, err)
	})
}

func (l *Leader) handleResponse(f *followerInfo, req replog.AppendEntriesRequest, res replog.AppendEntriesResult, err error) {
	var acts actions
	l.mu.Lock()
	f.inFlight = false
	if l.state == LeaderResigned {
		l.mu.Unlock()
		return
	}

	logID := l.logID.String()
	switch {
	case err != nil:
		l.opts.Metrics.RecordAppendEntriesRejected(logID, string(f.id), "transport")
		l.scheduleRetryLocked(f, err)
	case res.Success():
		f.numErrors, f.lastErr = 0, nil
		f.matchIndex = max(f.matchIndex, req.LastIndex())
		f.nextIndex = req.LastIndex() + 1
		f.lastSentCommit = max(f.lastSentCommit, req.LeaderCommit)
		l.updateCommitLocked(&acts)
		l.compactLocked(&acts)
	case res.Reason == replog.ReasonTermMismatch && res.LogTerm > l.term:
		l.opts.Metrics.RecordAppendEntriesRejected(logID, string(f.id), res.Reason.String())
		l.logger.Warn("Follower reported a higher term, resigning", zap.String("follower", string(f.id)),
			zap.Uint64("follower_term", uint64(res.LogTerm)))
		l.resignLocked(fmt.Errorf("%w: superseded by term %d", replog.ErrTermMismatch, res.LogTerm), &acts)
	case res.Reason == replog.ReasonLogGap:
		l.opts.Metrics.RecordAppendEntriesRejected(logID, string(f.id), res.Reason.String())
		next := min(max(res.ConflictIndex, 1), l.inMemory.LastIndex()+1)
		f.matchIndex = min(f.matchIndex, next-1)
		if first := l.inMemory.FirstIndex(); next < first {
			l.scheduleRetryLocked(f, fmt.Errorf("%w: follower needs index %d, log starts at %d",
				replog.ErrEntriesCompacted, next, first))
			break
		}
		f.nextIndex = next
		l.logger.Debug("Follower log diverges", zap.String("follower", string(f.id)),
			zap.Uint64("conflict_index", uint64(res.ConflictIndex)))
	default:
		l.opts.Metrics.RecordAppendEntriesRejected(logID, string(f.id), res.Reason.String())
		l.scheduleRetryLocked(f, res.Err())
	}
	l.replicateLocked(&acts)
	l.mu.Unlock()
	acts.run()
}

func (l *Leader) scheduleRetryLocked(f *followerInfo, err error) {
	f.numErrors++
	f.lastErr = err
	f.nextIndex = f.matchIndex + 1
	f.retryPending = true
	delay := min(l.opts.RetryBackoffBase*time.Duration(f.numErrors), l.opts.MaxRetryBackoff)
	l.logger.Debug("Append entries failed, retrying", zap.String("follower", string(f.id)),
		zap.Int("attempt", f.numErrors), zap.Duration("backoff", delay), zap.Error(err))
	f.retryTimer = l.opts.Clock.AfterFunc(delay, func() {
		var acts actions
		l.mu.Lock()
		f.retryPending = false
		l.replicateLocked(&acts)
		l.mu.Unlock()
		acts.run()
	})
}

// Release allows compaction of every entry up to upTo, which must not exceed the commit index. Physical removal
// waits until enough entries are releasable and every follower and open snapshot moved past them.
func (l *Leader) Release(ctx context.Context, upTo replog.LogIndex) error {
	l.mu.Lock()
	if l.state == LeaderResigned {
		l.mu.Unlock()
		return fmt.Errorf("%w: leader of term %d resigned", replog.ErrNotLeader, l.term)
	}
	if upTo > l.commitIndex {
		l.mu.Unlock()
		return fmt.Errorf("%w: release index %d is above commit index %d",
			replog.ErrCompactionPrecondition, upTo, l.commitIndex)
	}
	l.releaseIndex = max(l.releaseIndex, upTo)
	var stop replog.LogIndex
	l.inMemory, stop = l.trimLocked(l.inMemory, l.compactionLimitLocked())
	l.mu.Unlock()

	if stop == 0 {
		return nil
	}
	if _, err := l.removeFront(stop).Get(ctx); err != nil {
		return fmt.Errorf("compacting log %d up to %d: %w", l.logID, stop-1, err)
	}
	return nil
}

func (l *Leader) compactNow() {
	var acts actions
	l.mu.Lock()
	if l.state != LeaderResigned {
		l.compactLocked(&acts)
	}
	l.mu.Unlock()
	acts.run()
}

func (l *Leader) copyInMemoryLog() inmemory.Log {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inMemory
}

func (l *Leader) pinSnapshot() (inmemory.Log, pin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inMemory, l.pins.add(l.inMemory.FirstIndex())
}

// resignLocked stops the leader. Outstanding commit waiters fail, in-flight requests are cancelled and retries are
// stopped. Entries already handed to storage still complete.
func (l *Leader) resignLocked(reason error, acts *actions) {
	if l.state == LeaderResigned {
		return
	}
	l.state = LeaderResigned
	l.cancel()
	for _, f := range l.followers {
		if f.retryTimer != nil {
			f.retryTimer.Stop()
		}
	}
	waiters := l.commitWaiters
	l.commitWaiters = nil
	term := l.term
	acts.add(func() {
		for _, w := range waiters {
			w.promise.Reject(fmt.Errorf("%w: leader of term %d resigned", replog.ErrNotLeader, term))
		}
	})

	l.opts.Metrics.RecordResignation(l.logID.String())
	if !errors.Is(reason, errRoleChange) {
		l.logger.Warn("Leader resigned", zap.Error(reason))
	} else {
		l.logger.Info("Leader resigned", zap.Error(reason))
	}
	ev := ResignEvent{LogID: l.logID, Term: l.term, Leader: l.id, Reason: reason.Error()}
	acts.add(func() { pubsub.Publish(l.opts.Events, pubsub.NewEvent(EventLeaderResigned, ev)) })
}

// resign stops the leader and waits until no storage insert is being handed off, so that draining the storage
// afterwards observes every write of this leader.
func (l *Leader) resign() {
	var acts actions
	l.mu.Lock()
	l.resignLocked(errRoleChange, &acts)
	l.mu.Unlock()
	acts.run()

	l.persistMu.Lock()
	l.persistMu.Unlock()
}

// handover returns the state the next participant starts from. Only locally durable entries are carried over.
func (l *Leader) handover() core {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.inMemory.RemoveBack(l.localDurable + 1)
	return core{
		inMemory:     log,
		commitIndex:  min(l.commitIndex, log.LastIndex()),
		releaseIndex: min(l.releaseIndex, log.LastIndex()),
	}
}

func (l *Leader) status() QuickStatus {
	synced := l.storage.SyncedSequenceNumber()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := QuickStatus{
		Role:                  replog.Leader,
		Term:                  l.term,
		LocalState:            l.state.String(),
		CommitIndex:           l.commitIndex,
		LeadershipEstablished: l.state == LeaderSteadyState,
		Leader:                l.id,
		Local:                 l.localStatusLocked(synced),
		Followers:             make(map[replog.ParticipantID]FollowerStatus, len(l.followers)),
	}
	for id, f := range l.followers {
		fs := FollowerStatus{MatchIndex: f.matchIndex, NextIndex: f.nextIndex, NumErrors: f.numErrors}
		if f.lastErr != nil {
			fs.LastError = f.lastErr.Error()
		}
		st.Followers[id] = fs
	}
	return st
}

func (l *Leader) localStatusLocked(synced storage.SequenceNumber) LocalStatus {
	return LocalStatus{
		CommitIndex:          l.commitIndex,
		FirstIndex:           l.inMemory.FirstIndex(),
		SpearheadIndex:       l.inMemory.LastIndex(),
		ReleaseIndex:         l.releaseIndex,
		SyncedSequenceNumber: synced,
	}
}
