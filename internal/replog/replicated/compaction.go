package replicated

import (
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/inmemory"
	"replog/internal/replog/storage"
)

type pin struct {
	index replog.LogIndex
	id    uint64
}

func pinLess(a, b pin) bool {
	if a.index != b.index {
		return a.index < b.index
	}
	return a.id < b.id
}

// pinSet tracks the first index of every open snapshot. Compaction never trims at or above the lowest one.
type pinSet struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[pin]
	nextID uint64
}

func newPinSet() *pinSet {
	return &pinSet{tree: btree.NewG(8, pinLess)}
}

func (s *pinSet) add(idx replog.LogIndex) pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	p := pin{index: idx, id: s.nextID}
	s.tree.ReplaceOrInsert(p)
	return p
}

func (s *pinSet) remove(p pin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Delete(p)
}

func (s *pinSet) lowest() (replog.LogIndex, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tree.Min()
	return p.index, ok
}

func (s *pinSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Len()
}

// Pin keeps the entries of a snapshot from being compacted until it is released.
type Pin struct {
	once    sync.Once
	release func()
}

// Release allows compaction past the pinned snapshot again. It is safe to call more than once.
func (p *Pin) Release() {
	if p == nil {
		return
	}
	p.once.Do(p.release)
}

// compactionBound returns the highest index that may be trimmed from log, or 0 if nothing should be trimmed yet.
// limit is the lowest index still required by the caller's holders (release index, commit index, follower acks).
func compactionBound(log inmemory.Log, limit replog.LogIndex, pins *pinSet, threshold uint64) replog.LogIndex {
	bound := min(limit, log.LastIndex())
	if lowest, ok := pins.lowest(); ok && lowest <= bound {
		bound = lowest - 1
	}
	first := log.FirstIndex()
	if bound < first || uint64(bound-first+1) < threshold {
		return 0
	}
	return bound
}

// compactor is shared by both roles: it trims the in-memory log under the participant lock and queues the storage
// removal for after the lock is released.
type compactor struct {
	logID   replog.LogID
	storage storage.LogStorage
	opts    Options
	pins    *pinSet
	logger  *zap.Logger
}

// trimLocked removes the entries up to the current bound from log. It returns the new log and the storage stop
// index, 0 if nothing was trimmed.
func (c *compactor) trimLocked(log inmemory.Log, limit replog.LogIndex) (inmemory.Log, replog.LogIndex) {
	bound := compactionBound(log, limit, c.pins, c.opts.CompactionThreshold)
	if bound == 0 {
		return log, 0
	}
	n := uint64(bound - log.FirstIndex() + 1)
	trimmed := log.RemovePrefix(bound)
	c.opts.Metrics.RecordCompaction(c.logID.String(), n)
	c.opts.Metrics.SetFirstIndex(c.logID.String(), uint64(trimmed.FirstIndex()))
	c.logger.Debug("Compacting log", zap.Uint64("up_to", uint64(bound)), zap.Uint64("entries", n))
	return trimmed, bound + 1
}

// removeFront queues the storage part of a compaction. A failure leaves extra entries in storage, which the next
// compaction removes, so it is only logged.
func (c *compactor) removeFront(stop replog.LogIndex) *future.Future[storage.SequenceNumber] {
	f := c.storage.RemoveFront(stop, c.opts.writeOptions())
	f.OnComplete(func(_ storage.SequenceNumber, err error) {
		if err != nil {
			c.logger.Error("Failed to compact storage", zap.Uint64("stop", uint64(stop)), zap.Error(err))
		}
	})
	return f
}

func (c *compactor) compactAction(stop replog.LogIndex, acts *actions) {
	if stop != 0 {
		acts.add(func() { c.removeFront(stop) })
	}
}
