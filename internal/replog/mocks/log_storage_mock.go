package mocks

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"replog/internal/future"
	"replog/internal/replog"
	"replog/internal/replog/storage"
)

// MockLogStorage is an in-memory implementation of storage.LogStorage for testing. Requests complete immediately
// unless Delayed is set, in which case they wait for RunAll.
type MockLogStorage struct {
	mu      sync.Mutex
	logID   replog.LogID
	entries map[replog.LogIndex]replog.LogEntry
	prefix  replog.TermIndexPair
	info    storage.PersistedStateInfo
	seq     storage.SequenceNumber
	delayed bool
	pending []func()
	actx    *storage.AsyncWriteContext

	// Error injection for testing, checked when a request runs
	InsertError         error
	RemoveFrontError    error
	RemoveBackError     error
	ReadError           error
	UpdateMetadataError error

	InsertCalls      int
	RemoveFrontCalls int
	RemoveBackCalls  int
	// Options records the write options of every queued request in submission order.
	Options []storage.WriteOptions
}

var _ storage.LogStorage = (*MockLogStorage)(nil)

// NewMockLogStorage creates an empty mock storage for logID.
func NewMockLogStorage(logID replog.LogID) *MockLogStorage {
	return &MockLogStorage{
		logID:   logID,
		entries: make(map[replog.LogIndex]replog.LogEntry),
		info:    storage.PersistedStateInfo{LogID: logID},
		actx:    storage.NewAsyncWriteContext(),
	}
}

// SetDelayed switches between completing requests immediately and queueing them for RunAll.
func (m *MockLogStorage) SetDelayed(delayed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delayed = delayed
}

// HasPending reports whether queued requests wait for RunAll.
func (m *MockLogStorage) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending) > 0
}

// RunAll completes every queued request in submission order, including requests queued while running.
func (m *MockLogStorage) RunAll() {
	for {
		m.mu.Lock()
		pending := m.pending
		m.pending = nil
		m.mu.Unlock()
		if len(pending) == 0 {
			return
		}
		for _, run := range pending {
			run()
		}
	}
}

func (m *MockLogStorage) submit(opts storage.WriteOptions, apply func() error) *future.Future[storage.SequenceNumber] {
	p := future.NewPromise[storage.SequenceNumber]()
	guard := m.actx.Acquire()
	run := func() {
		err := apply()
		m.mu.Lock()
		m.seq++
		seq := m.seq
		m.mu.Unlock()
		if err != nil {
			p.Reject(fmt.Errorf("%w: %v", replog.ErrStorageFailure, err))
		} else {
			p.Resolve(seq)
		}
		guard.Fire()
	}

	m.mu.Lock()
	m.Options = append(m.Options, opts)
	if m.delayed {
		m.pending = append(m.pending, run)
		m.mu.Unlock()
		return p.Future()
	}
	m.mu.Unlock()
	run()
	return p.Future()
}

func (m *MockLogStorage) LogID() replog.LogID { return m.logID }

func (m *MockLogStorage) Insert(entries iter.Seq[replog.LogEntry], opts storage.WriteOptions) *future.Future[storage.SequenceNumber] {
	batch := slices.Collect(entries)
	m.mu.Lock()
	m.InsertCalls++
	m.mu.Unlock()
	return m.submit(opts, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.InsertError != nil {
			return m.InsertError
		}
		for _, e := range batch {
			m.entries[e.Index] = e
		}
		return nil
	})
}

func (m *MockLogStorage) RemoveFront(stop replog.LogIndex, opts storage.WriteOptions) *future.Future[storage.SequenceNumber] {
	m.mu.Lock()
	m.RemoveFrontCalls++
	m.mu.Unlock()
	return m.submit(opts, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.RemoveFrontError != nil {
			return m.RemoveFrontError
		}
		for idx, e := range m.entries {
			if idx < stop {
				if idx > m.prefix.Index {
					m.prefix = e.TermIndexPair()
				}
				delete(m.entries, idx)
			}
		}
		return nil
	})
}

func (m *MockLogStorage) RemoveBack(start replog.LogIndex, opts storage.WriteOptions) *future.Future[storage.SequenceNumber] {
	m.mu.Lock()
	m.RemoveBackCalls++
	m.mu.Unlock()
	return m.submit(opts, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.RemoveBackError != nil {
			return m.RemoveBackError
		}
		for idx := range m.entries {
			if idx >= start {
				delete(m.entries, idx)
			}
		}
		return nil
	})
}

func (m *MockLogStorage) Read(first replog.LogIndex) iter.Seq2[replog.LogEntry, error] {
	return func(yield func(replog.LogEntry, error) bool) {
		m.mu.Lock()
		if m.ReadError != nil {
			err := m.ReadError
			m.mu.Unlock()
			yield(replog.LogEntry{}, err)
			return
		}
		var out []replog.LogEntry
		for idx, e := range m.entries {
			if idx >= first {
				out = append(out, e)
			}
		}
		m.mu.Unlock()
		slices.SortFunc(out, func(a, b replog.LogEntry) int { return cmp.Compare(a.Index, b.Index) })
		for _, e := range out {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (m *MockLogStorage) ReadPrefix() (replog.TermIndexPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefix, nil
}

func (m *MockLogStorage) ReadMetadata() (storage.PersistedStateInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info, nil
}

func (m *MockLogStorage) UpdateMetadata(info storage.PersistedStateInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpdateMetadataError != nil {
		return m.UpdateMetadataError
	}
	m.info = info
	return nil
}

func (m *MockLogStorage) WaitForSync(seq storage.SequenceNumber) *future.Future[storage.SequenceNumber] {
	return future.Resolved(seq)
}

func (m *MockLogStorage) SyncedSequenceNumber() storage.SequenceNumber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

func (m *MockLogStorage) WaitForCompletion(ctx context.Context) error {
	return m.actx.WaitForCompletion(ctx)
}

func (m *MockLogStorage) Drop(ctx context.Context) error {
	if err := m.actx.WaitForCompletion(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[replog.LogIndex]replog.LogEntry)
	m.prefix = replog.TermIndexPair{}
	return nil
}

// Entries returns the stored entries ordered by index.
func (m *MockLogStorage) Entries() []replog.LogEntry {
	var out []replog.LogEntry
	for e := range m.Read(0) {
		out = append(out, e)
	}
	return out
}

// LastIndex returns the highest stored index, 0 if empty.
func (m *MockLogStorage) LastIndex() replog.LogIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last replog.LogIndex
	for idx := range m.entries {
		last = max(last, idx)
	}
	return last
}

// Metadata returns the last metadata written.
func (m *MockLogStorage) Metadata() storage.PersistedStateInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}
