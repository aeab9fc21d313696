package replicated

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/inmemory"
	"replog/internal/replog/storage"
)

// FollowerConfig configures a participant as follower of a leader for a term.
type FollowerConfig struct {
	ID     replog.ParticipantID
	Term   replog.LogTerm
	Leader replog.ParticipantID
}

// Follower accepts append-entries requests from the leader of its term. Entries are added to the in-memory log only
// after storage confirmed them, so everything in the in-memory log of a follower is durable.
type Follower struct {
	compactor
	id     replog.ParticipantID
	term   replog.LogTerm
	leader replog.ParticipantID

	mu             sync.Mutex
	resigned       bool
	inMemory       inmemory.Log
	commitIndex    replog.LogIndex
	releaseIndex   replog.LogIndex
	lastMessageID  replog.MessageID
	appendInFlight bool
}

var _ replog.AbstractFollower = (*Follower)(nil)

func newFollower(c compactor, cfg FollowerConfig, start core) *Follower {
	f := &Follower{
		compactor:    c,
		id:           cfg.ID,
		term:         cfg.Term,
		leader:       cfg.Leader,
		inMemory:     start.inMemory,
		commitIndex:  start.commitIndex,
		releaseIndex: start.releaseIndex,
	}
	f.logger = c.logger.With(zap.String("participant", string(cfg.ID)), zap.Uint64("term", uint64(cfg.Term)),
		zap.String("role", replog.Follower.String()), zap.String("leader", string(cfg.Leader)))
	return f
}

func (f *Follower) ParticipantID() replog.ParticipantID { return f.id }

func (f *Follower) Term() replog.LogTerm { return f.term }

func (f *Follower) Leader() replog.ParticipantID { return f.leader }

func (f *Follower) CommitIndex() replog.LogIndex {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitIndex
}

func (f *Follower) reject(reason replog.RejectionReason, req replog.AppendEntriesRequest) replog.AppendEntriesResult {
	return replog.AppendEntriesResult{LogTerm: f.term, MessageID: req.MessageID, Reason: reason}
}

// checkLocked validates the envelope of a request. Nothing is modified when it is rejected.
func (f *Follower) checkLocked(req replog.AppendEntriesRequest) (replog.AppendEntriesResult, bool) {
	switch {
	case f.resigned:
		return f.reject(replog.ReasonNotFollower, req), false
	case req.LeaderTerm != f.term:
		return f.reject(replog.ReasonTermMismatch, req), false
	case req.LeaderID != f.leader:
		return f.reject(replog.ReasonWrongLeader, req), false
	case req.MessageID <= f.lastMessageID:
		return f.reject(replog.ReasonMessageOutdated, req), false
	case f.appendInFlight:
		return f.reject(replog.ReasonAppendInFlight, req), false
	}
	return replog.AppendEntriesResult{}, true
}

// AppendEntries validates req against the local log, persists the new entries and answers once they are durable.
// A rejected request leaves the local log unchanged.
func (f *Follower) AppendEntries(_ context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	var acts actions
	f.mu.Lock()
	if res, ok := f.checkLocked(req); !ok {
		f.mu.Unlock()
		return future.Resolved(res)
	}
	f.lastMessageID = req.MessageID

	prefix := f.inMemory.Prefix()
	last := f.inMemory.LastIndex()
	prev := req.PrevLogEntry
	if prev.Index > last {
		f.mu.Unlock()
		res := f.reject(replog.ReasonLogGap, req)
		res.ConflictIndex = last + 1
		return future.Resolved(res)
	}
	if prev.Index > prefix.Index {
		if term, _ := f.inMemory.TermAt(prev.Index); term != prev.Term {
			conflict, _ := f.inMemory.FirstIndexOfTerm(term)
			f.mu.Unlock()
			f.logger.Debug("Previous entry does not match", zap.Stringer("prev", prev),
				zap.Uint64("local_term", uint64(term)))
			res := f.reject(replog.ReasonLogGap, req)
			res.ConflictIndex = conflict
			return future.Resolved(res)
		}
	}

	// Skip entries already present, find the first one that is new or conflicts with the local log.
	var toAppend []replog.LogEntry
	var truncateFrom replog.LogIndex
	for i, e := range req.Entries {
		if e.Index <= prefix.Index {
			continue
		}
		if e.Index > last {
			toAppend = req.Entries[i:]
			break
		}
		if term, _ := f.inMemory.TermAt(e.Index); term != e.Term {
			truncateFrom = e.Index
			toAppend = req.Entries[i:]
			break
		}
	}
	newCommit := min(req.LeaderCommit, req.LastIndex())

	if truncateFrom != 0 && truncateFrom <= f.commitIndex {
		f.mu.Unlock()
		f.logger.Error("Leader requested removal of committed entries", zap.Uint64("truncate_from", uint64(truncateFrom)),
			zap.Uint64("commit_index", uint64(f.commitIndex)))
		return future.Resolved(f.reject(replog.ReasonSequenceViolation, req))
	}
	if len(toAppend) > 0 {
		base := f.inMemory
		if truncateFrom != 0 {
			base = base.RemoveBack(truncateFrom)
		}
		if _, err := base.Append(toAppend...); err != nil {
			f.mu.Unlock()
			f.logger.Warn("Rejecting malformed append entries", zap.Error(err))
			return future.Resolved(f.reject(replog.ReasonSequenceViolation, req))
		}
	}

	if len(toAppend) == 0 {
		f.advanceCommitLocked(newCommit, &acts)
		f.mu.Unlock()
		acts.run()
		return future.Resolved(replog.AppendEntriesResult{LogTerm: f.term, MessageID: req.MessageID})
	}

	f.appendInFlight = true
	f.mu.Unlock()

	opts := storage.WriteOptions{WaitForSync: f.opts.WaitForSync || req.WaitForSync}
	var persisted *future.Future[storage.SequenceNumber]
	if truncateFrom != 0 {
		f.logger.Info("Removing divergent tail", zap.Uint64("start", uint64(truncateFrom)))
		removed := f.storage.RemoveBack(truncateFrom, opts)
		inserted := f.storage.Insert(slices.Values(toAppend), opts)
		persisted = future.AndThen(removed, func(storage.SequenceNumber) *future.Future[storage.SequenceNumber] {
			return inserted
		})
	} else {
		persisted = f.storage.Insert(slices.Values(toAppend), opts)
	}

	return future.Then(persisted, func(_ storage.SequenceNumber, err error) (replog.AppendEntriesResult, error) {
		return f.onPersisted(req, truncateFrom, toAppend, newCommit, err), nil
	})
}

func (f *Follower) onPersisted(req replog.AppendEntriesRequest, truncateFrom replog.LogIndex, entries []replog.LogEntry,
	newCommit replog.LogIndex, err error,
) replog.AppendEntriesResult {
	var acts actions
	f.mu.Lock()
	f.appendInFlight = false
	if err != nil {
		f.mu.Unlock()
		f.logger.Error("Failed to persist entries", zap.Uint64("first", uint64(entries[0].Index)), zap.Error(err))
		return f.reject(replog.ReasonStorageFailure, req)
	}

	log := f.inMemory
	if truncateFrom != 0 {
		log = log.RemoveBack(truncateFrom)
	}
	next, err := log.Append(entries...)
	if err != nil {
		f.mu.Unlock()
		f.logger.Error("Persisted entries do not extend the log", zap.Error(err))
		return f.reject(replog.ReasonSequenceViolation, req)
	}
	f.inMemory = next
	f.advanceCommitLocked(newCommit, &acts)
	resigned := f.resigned
	f.mu.Unlock()
	acts.run()

	if resigned {
		return f.reject(replog.ReasonNotFollower, req)
	}
	return replog.AppendEntriesResult{LogTerm: f.term, MessageID: req.MessageID}
}

func (f *Follower) advanceCommitLocked(commit replog.LogIndex, acts *actions) {
	commit = min(commit, f.inMemory.LastIndex())
	if commit > f.commitIndex {
		f.commitIndex = commit
		f.opts.Metrics.SetCommitIndex(f.logID.String(), uint64(commit))
		ev := CommitEvent{LogID: f.logID, Term: f.term, Participant: f.id, CommitIndex: commit}
		acts.add(func() { pubsub.Publish(f.opts.Events, pubsub.NewEvent(EventCommitIndexAdvanced, ev)) })
	}
	f.compactLocked(acts)
}

func (f *Follower) compactLocked(acts *actions) {
	var stop replog.LogIndex
	f.inMemory, stop = f.trimLocked(f.inMemory, min(f.releaseIndex, f.commitIndex))
	f.compactAction(stop, acts)
}

// Release allows compaction of every entry up to upTo, which must not exceed the follower's commit index.
func (f *Follower) Release(ctx context.Context, upTo replog.LogIndex) error {
	f.mu.Lock()
	if f.resigned {
		f.mu.Unlock()
		return fmt.Errorf("%w: follower of term %d resigned", replog.ErrNotFollower, f.term)
	}
	if upTo > f.commitIndex {
		f.mu.Unlock()
		return fmt.Errorf("%w: release index %d is above commit index %d",
			replog.ErrCompactionPrecondition, upTo, f.commitIndex)
	}
	f.releaseIndex = max(f.releaseIndex, upTo)
	var stop replog.LogIndex
	f.inMemory, stop = f.trimLocked(f.inMemory, min(f.releaseIndex, f.commitIndex))
	f.mu.Unlock()

	if stop == 0 {
		return nil
	}
	if _, err := f.removeFront(stop).Get(ctx); err != nil {
		return fmt.Errorf("compacting log %d up to %d: %w", f.logID, stop-1, err)
	}
	return nil
}

func (f *Follower) compactNow() {
	var acts actions
	f.mu.Lock()
	if !f.resigned {
		f.compactLocked(&acts)
	}
	f.mu.Unlock()
	acts.run()
}

func (f *Follower) copyInMemoryLog() inmemory.Log {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMemory
}

func (f *Follower) pinSnapshot() (inmemory.Log, pin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inMemory, f.pins.add(f.inMemory.FirstIndex())
}

// resign stops accepting requests. An append already handed to storage still completes and updates the log.
func (f *Follower) resign() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.resigned {
		f.resigned = true
		f.logger.Info("Follower resigned")
	}
}

func (f *Follower) handover() core {
	f.mu.Lock()
	defer f.mu.Unlock()
	return core{inMemory: f.inMemory, commitIndex: f.commitIndex, releaseIndex: f.releaseIndex}
}

func (f *Follower) status() QuickStatus {
	synced := f.storage.SyncedSequenceNumber()
	f.mu.Lock()
	defer f.mu.Unlock()
	state := "Idle"
	switch {
	case f.resigned:
		state = "Resigned"
	case f.appendInFlight:
		state = "Appending"
	}
	return QuickStatus{
		Role:        replog.Follower,
		Term:        f.term,
		LocalState:  state,
		CommitIndex: f.commitIndex,
		Leader:      f.leader,
		Local: LocalStatus{
			CommitIndex:          f.commitIndex,
			FirstIndex:           f.inMemory.FirstIndex(),
			SpearheadIndex:       f.inMemory.LastIndex(),
			ReleaseIndex:         f.releaseIndex,
			SyncedSequenceNumber: synced,
		},
	}
}
