package replog

import (
	"fmt"
	"strconv"
)

// LogID identifies a logical replicated log instance. It is unique within a deployment.
type LogID uint64

func (id LogID) String() string { return strconv.FormatUint(uint64(id), 10) }

// LogTerm is the epoch of a leadership period. A participant rejects appends whose term is lower than the term it
// currently knows (term fencing).
type LogTerm uint64

// LogIndex is the position of an entry within a single log. Indexes start at 1 and are dense within the retained
// portion of the log. Index 0 denotes "before the first entry".
type LogIndex uint64

// ParticipantID is the id of a leader or follower taking part in replicating a log.
type ParticipantID string

// Role is the role a participant holds for a given log.
type Role uint8

// As Golang does not support Enums this is a common pattern for implementing one
const (
	Unconfigured Role = iota
	Leader
	Follower
)

// String returns the string representation of the Role
func (r Role) String() string {
	switch r {
	case Unconfigured:
		return "Unconfigured"
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	default:
		return "Unknown"
	}
}

// TermIndexPair identifies an entry by both its term and its index.
type TermIndexPair struct {
	Term  LogTerm
	Index LogIndex
}

func (p TermIndexPair) String() string {
	return fmt.Sprintf("(%d:%d)", p.Term, p.Index)
}

// LogPayload is an opaque, immutable byte payload. The log never interprets its contents.
type LogPayload struct {
	data []byte
}

// NewPayload copies b into a new payload, so later changes to b are not observed.
func NewPayload(b []byte) LogPayload {
	if len(b) == 0 {
		return LogPayload{}
	}
	data := make([]byte, len(b))
	copy(data, b)
	return LogPayload{data: data}
}

// PayloadFromString creates a payload holding the bytes of s.
func PayloadFromString(s string) LogPayload {
	return LogPayload{data: []byte(s)}
}

// Size returns the payload length in bytes.
func (p LogPayload) Size() int { return len(p.data) }

// Bytes returns a copy of the payload bytes.
func (p LogPayload) Bytes() []byte {
	if len(p.data) == 0 {
		return nil
	}
	b := make([]byte, len(p.data))
	copy(b, p.data)
	return b
}

// View returns the payload bytes without copying. Callers must not modify the returned slice.
func (p LogPayload) View() []byte { return p.data }

func (p LogPayload) String() string { return string(p.data) }

// LogEntry is the atomic unit of replication and storage. Entries are immutable once created.
type LogEntry struct {
	Index   LogIndex
	Term    LogTerm
	Payload LogPayload
}

// NewLogEntry creates an entry at the given position.
func NewLogEntry(term LogTerm, index LogIndex, payload LogPayload) LogEntry {
	return LogEntry{Index: index, Term: term, Payload: payload}
}

// TermIndexPair returns the position of the entry.
func (e LogEntry) TermIndexPair() TermIndexPair {
	return TermIndexPair{Term: e.Term, Index: e.Index}
}

// IsTermMarker reports whether this is the empty entry a leader writes when its term starts.
func (e LogEntry) IsTermMarker() bool { return e.Payload.Size() == 0 }

func (e LogEntry) String() string {
	return fmt.Sprintf("LogEntry{index: %d, term: %d, payload: %dB}", e.Index, e.Term, e.Payload.Size())
}
