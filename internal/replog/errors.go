package replog

import "errors"

var (
	// ErrSequenceViolation is returned when an entry does not directly extend the log it is appended to.
	ErrSequenceViolation = errors.New("replog: sequence violation")
	// ErrTermMismatch is returned when a request carries a term the receiver does not accept (stale leader).
	ErrTermMismatch = errors.New("replog: term mismatch")
	// ErrLogGap is returned by a follower that does not hold the predecessor entry claimed by the leader.
	ErrLogGap = errors.New("replog: log gap")
	// ErrStorageFailure is returned when the backing store could not apply a write.
	ErrStorageFailure = errors.New("replog: storage failure")
	// ErrCompactionPrecondition is returned when a release would trim uncommitted or still required entries.
	ErrCompactionPrecondition = errors.New("replog: compaction precondition violated")
	// ErrEntriesCompacted is reported for a follower that needs entries the leader already removed from its log.
	ErrEntriesCompacted = errors.New("replog: entries compacted")

	// ErrNotLeader is returned by leader operations once the participant resigned or was superseded.
	ErrNotLeader = errors.New("replog: participant is not leader")
	// ErrNotFollower is returned by a follower that resigned.
	ErrNotFollower = errors.New("replog: participant is not follower")
	// ErrWrongLeader is returned when a request comes from a participant that is not the known leader.
	ErrWrongLeader = errors.New("replog: request from unknown leader")
	// ErrAppendInFlight is returned while a previous append-entries request is still being applied.
	ErrAppendInFlight = errors.New("replog: append entries in flight")
	// ErrMessageOutdated is returned for a request that is not newer than the last one accepted.
	ErrMessageOutdated = errors.New("replog: message outdated")
	// ErrInvalidQuorum is returned when a quorum size is not a strict majority of the participants.
	ErrInvalidQuorum = errors.New("replog: invalid quorum size")
	// ErrCorruptEntry is returned when a persisted entry fails its integrity check.
	ErrCorruptEntry = errors.New("replog: corrupt entry")
	// ErrLogNotFound is returned when a log id is unknown.
	ErrLogNotFound = errors.New("replog: log not found")
	// ErrLogExists is returned when creating a log whose id is already in use.
	ErrLogExists = errors.New("replog: log already exists")
	// ErrShuttingDown is returned by operations issued after shutdown started.
	ErrShuttingDown = errors.New("replog: shutting down")
)
