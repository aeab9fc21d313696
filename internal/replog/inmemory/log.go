// Package inmemory holds the in-memory view of a replicated log. A Log is an immutable value: every mutation returns
// a new Log that shares structure with the old one, so taking a snapshot is a plain copy of the value.
package inmemory

import (
	"fmt"
	"iter"

	"github.com/benbjohnson/immutable"

	"replog/internal/replog"
)

// Log is an ordered, gap free sequence of entries. The zero value is an empty log starting at index 1.
//
// prefix is the position of the entry directly before the first retained one. Its term is kept after the entry
// itself was removed so predecessor checks at FirstIndex()-1 keep working.
type Log struct {
	entries *immutable.List[replog.LogEntry]
	prefix  replog.TermIndexPair
}

// New returns an empty log starting at index 1.
func New() Log {
	return Log{entries: immutable.NewList[replog.LogEntry]()}
}

// FromEntries builds a log whose first entry directly follows prefix. The entries must be contiguous.
func FromEntries(prefix replog.TermIndexPair, entries []replog.LogEntry) (Log, error) {
	l := Log{entries: immutable.NewList[replog.LogEntry](), prefix: prefix}
	return l.Append(entries...)
}

func (l Log) list() *immutable.List[replog.LogEntry] {
	if l.entries == nil {
		return immutable.NewList[replog.LogEntry]()
	}
	return l.entries
}

// Len returns the number of retained entries.
func (l Log) Len() int {
	if l.entries == nil {
		return 0
	}
	return l.entries.Len()
}

// Empty reports whether no entries are retained.
func (l Log) Empty() bool { return l.Len() == 0 }

// FirstIndex is the index of the first retained entry. For an empty log it is LastIndex()+1.
func (l Log) FirstIndex() replog.LogIndex { return l.prefix.Index + 1 }

// LastIndex is the index of the last retained entry, or of the removed prefix if the log is empty.
func (l Log) LastIndex() replog.LogIndex {
	return l.prefix.Index + replog.LogIndex(l.Len())
}

// Prefix returns the position directly before the first retained entry.
func (l Log) Prefix() replog.TermIndexPair { return l.prefix }

// LastTermIndexPair returns the position of the last entry, falling back to the prefix for an empty log.
func (l Log) LastTermIndexPair() replog.TermIndexPair {
	if l.Empty() {
		return l.prefix
	}
	return l.entries.Get(l.Len() - 1).TermIndexPair()
}

// Entry returns the entry at idx if it is retained.
func (l Log) Entry(idx replog.LogIndex) (replog.LogEntry, bool) {
	if idx < l.FirstIndex() || idx > l.LastIndex() {
		return replog.LogEntry{}, false
	}
	return l.entries.Get(int(idx - l.FirstIndex())), true
}

// TermAt returns the term of the entry at idx. It answers for every index in [FirstIndex()-1, LastIndex()].
func (l Log) TermAt(idx replog.LogIndex) (replog.LogTerm, bool) {
	if idx == l.prefix.Index {
		return l.prefix.Term, true
	}
	e, ok := l.Entry(idx)
	return e.Term, ok
}

// FirstIndexOfTerm returns the lowest retained index carrying term, scanning back from the end of the log.
func (l Log) FirstIndexOfTerm(term replog.LogTerm) (replog.LogIndex, bool) {
	found := false
	var idx replog.LogIndex
	for i := l.Len() - 1; i >= 0; i-- {
		e := l.entries.Get(i)
		if e.Term < term {
			break
		}
		if e.Term == term {
			idx, found = e.Index, true
		}
	}
	return idx, found
}

// Append returns a log extended by entries. Each entry must carry the next index and a term not lower than its
// predecessor, otherwise ErrSequenceViolation is returned and the log is unchanged.
func (l Log) Append(entries ...replog.LogEntry) (Log, error) {
	if len(entries) == 0 {
		return l, nil
	}
	list := l.list()
	last := l.LastTermIndexPair()
	for _, e := range entries {
		if e.Index != last.Index+1 {
			return l, fmt.Errorf("%w: expected index %d, got %d", replog.ErrSequenceViolation, last.Index+1, e.Index)
		}
		if e.Term < last.Term {
			return l, fmt.Errorf("%w: term %d at index %d is below previous term %d",
				replog.ErrSequenceViolation, e.Term, e.Index, last.Term)
		}
		list = list.Append(e)
		last = e.TermIndexPair()
	}
	return Log{entries: list, prefix: l.prefix}, nil
}

// RemovePrefix drops every entry with index <= upTo. Indexes below the current first index are a no-op and upTo is
// clamped to LastIndex().
func (l Log) RemovePrefix(upTo replog.LogIndex) Log {
	if last := l.LastIndex(); upTo > last {
		upTo = last
	}
	if upTo <= l.prefix.Index {
		return l
	}
	term, _ := l.TermAt(upTo)
	n := int(upTo - l.prefix.Index)
	return Log{
		entries: l.entries.Slice(n, l.Len()),
		prefix:  replog.TermIndexPair{Term: term, Index: upTo},
	}
}

// RemoveBack drops every entry with index >= start. The removed prefix is never touched, so start is clamped to
// FirstIndex().
func (l Log) RemoveBack(start replog.LogIndex) Log {
	if start > l.LastIndex() {
		return l
	}
	if start < l.FirstIndex() {
		start = l.FirstIndex()
	}
	return Log{
		entries: l.list().Slice(0, int(start-l.FirstIndex())),
		prefix:  l.prefix,
	}
}

// Slice returns the entries in [from, to) as a lazy sequence. The bounds are clipped to the retained range. The
// sequence reads from this snapshot and can be iterated any number of times.
func (l Log) Slice(from, to replog.LogIndex) iter.Seq[replog.LogEntry] {
	if from < l.FirstIndex() {
		from = l.FirstIndex()
	}
	if to > l.LastIndex()+1 {
		to = l.LastIndex() + 1
	}
	entries := l.entries
	first := l.FirstIndex()
	return func(yield func(replog.LogEntry) bool) {
		if from >= to || entries == nil {
			return
		}
		itr := entries.Iterator()
		itr.Seek(int(from - first))
		end := int(to - first)
		for !itr.Done() {
			i, e := itr.Next()
			if i >= end || !yield(e) {
				return
			}
		}
	}
}

// All returns every retained entry as a lazy sequence.
func (l Log) All() iter.Seq[replog.LogEntry] {
	return l.Slice(l.FirstIndex(), l.LastIndex()+1)
}

// Collect materialises the entries in [from, to), reading at most max entries when max > 0.
func (l Log) Collect(from, to replog.LogIndex, max int) []replog.LogEntry {
	var out []replog.LogEntry
	for e := range l.Slice(from, to) {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, e)
	}
	return out
}

func (l Log) String() string {
	return fmt.Sprintf("InMemoryLog{first: %d, last: %d}", l.FirstIndex(), l.LastIndex())
}
