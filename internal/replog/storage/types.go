// Package storage persists replicated logs. Writes are queued per durability lane and flushed in batches, one bbolt
// transaction per batch. Every accepted write is answered with a SequenceNumber that orders it against all other
// writes of the same backend.
package storage

import (
	"fmt"
	"strconv"

	"replog/internal/replog"
)

// SequenceNumber identifies a committed write transaction. Numbers grow monotonically per backend.
type SequenceNumber uint64

func (s SequenceNumber) String() string { return strconv.FormatUint(uint64(s), 10) }

// WriteOptions selects the lane a request is queued on.
type WriteOptions struct {
	// WaitForSync requests that the write is durable (synced to disk) before it is acknowledged.
	WaitForSync bool
}

// PersistedState is the role information stored with a log.
type PersistedState struct {
	Term   replog.LogTerm
	Role   replog.Role
	Leader replog.ParticipantID
}

// PersistedStateInfo describes how a log maps onto its storage location. It is updated whenever the role or term of
// the log changes.
type PersistedStateInfo struct {
	LogID replog.LogID
	// ObjectID is allocated from the backend when the log is created and never reused.
	ObjectID uint64
	// DataSourceID names the owner of the log's data, for example a collection or a shard.
	DataSourceID string
	State        PersistedState
}

func (i PersistedStateInfo) String() string {
	return fmt.Sprintf("PersistedStateInfo{log: %d, object: %d, source: %q, term: %d, role: %s, leader: %q}",
		i.LogID, i.ObjectID, i.DataSourceID, i.State.Term, i.State.Role, i.State.Leader)
}
