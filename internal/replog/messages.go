package replog

import (
	"context"
	"fmt"

	"replog/internal/future"
)

// MessageID orders the append-entries requests a leader sends to one follower.
type MessageID uint64

// AppendEntriesRequest is sent by a leader to replicate entries and to propagate its commit index. When Entries is
// empty it only carries the commit index.
type AppendEntriesRequest struct {
	LogID        LogID
	LeaderTerm   LogTerm
	LeaderID     ParticipantID
	PrevLogEntry TermIndexPair
	LeaderCommit LogIndex
	MessageID    MessageID
	WaitForSync  bool
	Entries      []LogEntry
}

// LastIndex is the index of the last entry carried by the request, or of its predecessor if it carries none.
func (r AppendEntriesRequest) LastIndex() LogIndex {
	if len(r.Entries) == 0 {
		return r.PrevLogEntry.Index
	}
	return r.Entries[len(r.Entries)-1].Index
}

func (r AppendEntriesRequest) String() string {
	return fmt.Sprintf("AppendEntries{log: %d, term: %d, leader: %s, prev: %s, commit: %d, msg: %d, entries: %d}",
		r.LogID, r.LeaderTerm, r.LeaderID, r.PrevLogEntry, r.LeaderCommit, r.MessageID, len(r.Entries))
}

// RejectionReason explains why a follower refused an append-entries request. It travels on the wire.
type RejectionReason uint8

const (
	ReasonNone RejectionReason = iota
	ReasonTermMismatch
	ReasonWrongLeader
	ReasonLogGap
	ReasonStorageFailure
	ReasonAppendInFlight
	ReasonMessageOutdated
	ReasonNotFollower
	ReasonSequenceViolation
)

var reasonErrors = map[RejectionReason]error{
	ReasonTermMismatch:      ErrTermMismatch,
	ReasonWrongLeader:       ErrWrongLeader,
	ReasonLogGap:            ErrLogGap,
	ReasonStorageFailure:    ErrStorageFailure,
	ReasonAppendInFlight:    ErrAppendInFlight,
	ReasonMessageOutdated:   ErrMessageOutdated,
	ReasonNotFollower:       ErrNotFollower,
	ReasonSequenceViolation: ErrSequenceViolation,
}

// Err returns the sentinel error matching the reason, or nil for ReasonNone.
func (r RejectionReason) Err() error {
	if r == ReasonNone {
		return nil
	}
	if err, ok := reasonErrors[r]; ok {
		return err
	}
	return fmt.Errorf("replog: unknown rejection reason %d", r)
}

func (r RejectionReason) String() string {
	if r == ReasonNone {
		return "none"
	}
	return r.Err().Error()
}

// AppendEntriesResult is a follower's answer. On success every entry up to the request's last index is durable on
// the follower.
type AppendEntriesResult struct {
	LogTerm   LogTerm
	MessageID MessageID
	Reason    RejectionReason
	// ConflictIndex is set on ReasonLogGap: the leader should resend starting at this index.
	ConflictIndex LogIndex
}

// Success reports whether the follower accepted the request.
func (r AppendEntriesResult) Success() bool { return r.Reason == ReasonNone }

// Err returns nil on success and the sentinel error of the rejection otherwise.
func (r AppendEntriesResult) Err() error { return r.Reason.Err() }

// AbstractFollower is the leader's view of a follower: an asynchronous request/response channel. Implementations
// exist for in-process followers and for followers reached over the network.
type AbstractFollower interface {
	ParticipantID() ParticipantID
	AppendEntries(ctx context.Context, req AppendEntriesRequest) *future.Future[AppendEntriesResult]
}
