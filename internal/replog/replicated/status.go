package replicated

import (
	"replog/internal/replog"
	"replog/internal/replog/storage"
)

// LocalStatus describes the local copy of the log.
type LocalStatus struct {
	CommitIndex replog.LogIndex
	FirstIndex  replog.LogIndex
	// SpearheadIndex is the last index of the in-memory log, durable or not.
	SpearheadIndex       replog.LogIndex
	ReleaseIndex         replog.LogIndex
	SyncedSequenceNumber storage.SequenceNumber
}

// FollowerStatus is the leader's view of one follower.
type FollowerStatus struct {
	MatchIndex replog.LogIndex
	NextIndex  replog.LogIndex
	NumErrors  int
	LastError  string
}

// QuickStatus is a point in time summary of a participant. Followers is only set on leaders.
type QuickStatus struct {
	Role                  replog.Role
	Term                  replog.LogTerm
	LocalState            string
	CommitIndex           replog.LogIndex
	Local                 LocalStatus
	LeadershipEstablished bool
	Leader                replog.ParticipantID
	Followers             map[replog.ParticipantID]FollowerStatus
}
