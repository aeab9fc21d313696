package replicated

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/inmemory"
	"replog/internal/replog/storage"
)

// participant is the role specific part of a ReplicatedLog.
type participant interface {
	resign()
	handover() core
	Release(ctx context.Context, upTo replog.LogIndex) error
	compactNow()
	copyInMemoryLog() inmemory.Log
	pinSnapshot() (inmemory.Log, pin)
	status() QuickStatus
}

var (
	_ participant = (*Leader)(nil)
	_ participant = (*Follower)(nil)
)

// core is the state handed from one participant to the next on a role change.
type core struct {
	inMemory     inmemory.Log
	commitIndex  replog.LogIndex
	releaseIndex replog.LogIndex
}

// ReplicatedLog holds a log and its storage across role changes. It is unconfigured until BecomeLeader or
// BecomeFollower is called, and every role change drains the writes of the previous participant before the new role
// is persisted.
type ReplicatedLog struct {
	compactor

	// transitionMu serializes role changes, which wait for storage. mu only guards the fields below.
	transitionMu sync.Mutex
	mu           sync.RWMutex
	info         storage.PersistedStateInfo
	participant  participant
	core         core
	closed       bool
}

// Open loads the persisted entries of s into memory. The log starts unconfigured with the compacted prefix as its
// commit index.
func Open(s storage.LogStorage, opts Options) (*ReplicatedLog, error) {
	opts = opts.withDefaults()
	info, err := s.ReadMetadata()
	if err != nil {
		return nil, fmt.Errorf("reading metadata of log %d: %w", s.LogID(), err)
	}
	prefix, err := s.ReadPrefix()
	if err != nil {
		return nil, fmt.Errorf("reading prefix of log %d: %w", s.LogID(), err)
	}
	log, _ := inmemory.FromEntries(prefix, nil)
	for e, err := range s.Read(prefix.Index + 1) {
		if err != nil {
			return nil, fmt.Errorf("reading entries of log %d: %w", s.LogID(), err)
		}
		if log, err = log.Append(e); err != nil {
			return nil, fmt.Errorf("loading log %d: %w", s.LogID(), err)
		}
	}

	logger := opts.Logger.With(zap.Stringer("log_id", s.LogID()))
	logger.Debug("Opened log", zap.Uint64("first_index", uint64(log.FirstIndex())),
		zap.Uint64("last_index", uint64(log.LastIndex())), zap.Uint64("term", uint64(info.State.Term)))
	opts.Metrics.SetFirstIndex(s.LogID().String(), uint64(log.FirstIndex()))

	return &ReplicatedLog{
		compactor: compactor{logID: s.LogID(), storage: s, opts: opts, pins: newPinSet(), logger: logger},
		info:      info,
		core:      core{inMemory: log, commitIndex: prefix.Index, releaseIndex: prefix.Index},
	}, nil
}

func (r *ReplicatedLog) LogID() replog.LogID { return r.logID }

// Storage returns the storage the log persists to.
func (r *ReplicatedLog) Storage() storage.LogStorage { return r.storage }

// Info returns the last persisted metadata.
func (r *ReplicatedLog) Info() storage.PersistedStateInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.info
}

func (r *ReplicatedLog) current() participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participant
}

// Leader returns the current leader, or nil if the log is not a leader.
func (r *ReplicatedLog) Leader() *Leader {
	l, _ := r.current().(*Leader)
	return l
}

// Follower returns the current follower, or nil if the log is not a follower.
func (r *ReplicatedLog) Follower() *Follower {
	f, _ := r.current().(*Follower)
	return f
}

// BecomeLeader makes this participant leader of cfg.Term. The quorum must be a strict majority of the followers plus
// the leader, and the term must not be lower than the persisted one.
func (r *ReplicatedLog) BecomeLeader(ctx context.Context, cfg LeaderConfig) (*Leader, error) {
	n := len(cfg.Followers) + 1
	if cfg.Quorum <= n/2 || cfg.Quorum > n {
		return nil, fmt.Errorf("%w: quorum %d for %d participants", replog.ErrInvalidQuorum, cfg.Quorum, n)
	}

	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	c, err := r.transition(ctx, storage.PersistedState{Term: cfg.Term, Role: replog.Leader, Leader: cfg.ID})
	if err != nil {
		return nil, err
	}
	l := newLeader(r.compactor, cfg, c)
	r.mu.Lock()
	r.participant = l
	r.mu.Unlock()
	l.start()
	return l, nil
}

// BecomeFollower makes this participant follower of cfg.Leader in cfg.Term.
func (r *ReplicatedLog) BecomeFollower(ctx context.Context, cfg FollowerConfig) (*Follower, error) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	c, err := r.transition(ctx, storage.PersistedState{Term: cfg.Term, Role: replog.Follower, Leader: cfg.Leader})
	if err != nil {
		return nil, err
	}
	f := newFollower(r.compactor, cfg, c)
	r.mu.Lock()
	r.participant = f
	r.mu.Unlock()
	f.logger.Info("Became follower", zap.Uint64("last_index", uint64(c.inMemory.LastIndex())),
		zap.Uint64("commit_index", uint64(c.commitIndex)))
	return f, nil
}

// Resign stops the current participant and leaves the log unconfigured.
func (r *ReplicatedLog) Resign(ctx context.Context) error {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	state := r.Info().State
	state.Role = replog.Unconfigured
	_, err := r.transition(ctx, state)
	return err
}

// transition resigns the current participant, waits for its writes, removes entries it persisted beyond the
// handed over log and persists the new state. It must be called with transitionMu held.
func (r *ReplicatedLog) transition(ctx context.Context, state storage.PersistedState) (core, error) {
	r.mu.RLock()
	closed, info := r.closed, r.info
	r.mu.RUnlock()
	if closed {
		return core{}, fmt.Errorf("%w: log %d is closed", replog.ErrShuttingDown, r.logID)
	}
	if state.Term < info.State.Term {
		return core{}, fmt.Errorf("%w: term %d is below persisted term %d", replog.ErrTermMismatch, state.Term, info.State.Term)
	}

	c, err := r.takeCore(ctx)
	if err != nil {
		return core{}, err
	}

	info.State = state
	if err := r.storage.UpdateMetadata(info); err != nil {
		return core{}, fmt.Errorf("persisting state of log %d: %w", r.logID, err)
	}
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
	r.logger.Debug("Persisted role change", zap.Stringer("info", info))
	return c, nil
}

func (r *ReplicatedLog) takeCore(ctx context.Context) (core, error) {
	if old := r.current(); old != nil {
		old.resign()
	}
	if err := r.storage.WaitForCompletion(ctx); err != nil {
		return core{}, fmt.Errorf("draining writes of log %d: %w", r.logID, err)
	}

	r.mu.Lock()
	if r.participant != nil {
		r.core = r.participant.handover()
		r.participant = nil
	}
	c := r.core
	r.mu.Unlock()

	// A leader may have persisted entries after a failed write that never became part of its log.
	if _, err := r.storage.RemoveBack(c.inMemory.LastIndex()+1, r.opts.writeOptions()).Get(ctx); err != nil {
		return core{}, fmt.Errorf("removing orphaned entries of log %d: %w", r.logID, err)
	}
	return c, nil
}

// Insert appends payload if this participant is the leader. See Leader.Insert.
func (r *ReplicatedLog) Insert(ctx context.Context, payload replog.LogPayload) (replog.LogIndex, error) {
	l := r.Leader()
	if l == nil {
		return 0, fmt.Errorf("%w: log %d", replog.ErrNotLeader, r.logID)
	}
	return l.Insert(ctx, payload)
}

// WaitFor resolves once the leader's commit index reaches idx.
func (r *ReplicatedLog) WaitFor(idx replog.LogIndex) *future.Future[replog.LogIndex] {
	l := r.Leader()
	if l == nil {
		return future.Failed[replog.LogIndex](fmt.Errorf("%w: log %d", replog.ErrNotLeader, r.logID))
	}
	return l.WaitFor(idx)
}

// AppendEntries passes req to the current follower. Any other role answers with ReasonNotFollower.
func (r *ReplicatedLog) AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	if f := r.Follower(); f != nil {
		return f.AppendEntries(ctx, req)
	}
	return future.Resolved(replog.AppendEntriesResult{
		LogTerm:   r.Info().State.Term,
		MessageID: req.MessageID,
		Reason:    replog.ReasonNotFollower,
	})
}

// AsFollower returns an in-process follower handle that always reaches the current role of r.
func (r *ReplicatedLog) AsFollower(id replog.ParticipantID) replog.AbstractFollower {
	return localFollower{id: id, log: r}
}

type localFollower struct {
	id  replog.ParticipantID
	log *ReplicatedLog
}

func (f localFollower) ParticipantID() replog.ParticipantID { return f.id }

func (f localFollower) AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	return f.log.AppendEntries(ctx, req)
}

// Release allows compaction of the log up to upTo. It fails with ErrCompactionPrecondition above the commit index.
func (r *ReplicatedLog) Release(ctx context.Context, upTo replog.LogIndex) error {
	p := r.current()
	if p == nil {
		return fmt.Errorf("%w: log %d is unconfigured", replog.ErrNotLeader, r.logID)
	}
	return p.Release(ctx, upTo)
}

// CopyInMemoryLog returns a snapshot of the in-memory log. It is not pinned, so entries may be compacted from storage
// while it is held.
func (r *ReplicatedLog) CopyInMemoryLog() inmemory.Log {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.participant != nil {
		return r.participant.copyInMemoryLog()
	}
	return r.core.inMemory
}

// PinSnapshot returns a snapshot of the in-memory log whose entries are not compacted until the pin is released.
func (r *ReplicatedLog) PinSnapshot() (inmemory.Log, *Pin) {
	r.mu.RLock()
	var snap inmemory.Log
	var p pin
	if r.participant != nil {
		snap, p = r.participant.pinSnapshot()
	} else {
		snap = r.core.inMemory
		p = r.pins.add(snap.FirstIndex())
	}
	r.mu.RUnlock()

	return snap, &Pin{release: func() {
		r.pins.remove(p)
		if cur := r.current(); cur != nil {
			cur.compactNow()
		}
	}}
}

// QuickStatus returns a summary of the current participant.
func (r *ReplicatedLog) QuickStatus() QuickStatus {
	if p := r.current(); p != nil {
		return p.status()
	}
	synced := r.storage.SyncedSequenceNumber()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return QuickStatus{
		Role:        replog.Unconfigured,
		Term:        r.info.State.Term,
		LocalState:  "Unconfigured",
		CommitIndex: r.core.commitIndex,
		Local: LocalStatus{
			CommitIndex:          r.core.commitIndex,
			FirstIndex:           r.core.inMemory.FirstIndex(),
			SpearheadIndex:       r.core.inMemory.LastIndex(),
			ReleaseIndex:         r.core.releaseIndex,
			SyncedSequenceNumber: synced,
		},
	}
}

// Close resigns the current participant and waits for every outstanding write. The log cannot be reconfigured
// afterwards.
func (r *ReplicatedLog) Close(ctx context.Context) error {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if p := r.current(); p != nil {
		p.resign()
	}
	if err := r.storage.WaitForCompletion(ctx); err != nil {
		return fmt.Errorf("closing log %d: %w", r.logID, err)
	}
	r.opts.Metrics.Forget(r.logID.String())
	return nil
}
