package replicated

import (
	"replog/internal/pubsub"
	"replog/internal/replog"
)

const (
	// EventLeadershipEstablished is published once the first entry of a leader's term is committed.
	EventLeadershipEstablished pubsub.EventType = iota + 1
	// EventLeaderResigned is published when a leader stops, because of a role change or a failure.
	EventLeaderResigned
	// EventCommitIndexAdvanced is published by leaders and followers whenever their commit index grows.
	EventCommitIndexAdvanced
)

type LeadershipEvent struct {
	LogID  replog.LogID
	Term   replog.LogTerm
	Leader replog.ParticipantID
}

type ResignEvent struct {
	LogID  replog.LogID
	Term   replog.LogTerm
	Leader replog.ParticipantID
	Reason string
}

type CommitEvent struct {
	LogID       replog.LogID
	Term        replog.LogTerm
	Participant replog.ParticipantID
	CommitIndex replog.LogIndex
}
