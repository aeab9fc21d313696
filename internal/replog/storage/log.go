package storage

import (
	"context"
	"fmt"
	"iter"

	"go.uber.org/zap"

	"replog/internal/future"
	"replog/internal/replog"
)

// LogStorage is the storage of a single log as seen by the replication engines.
type LogStorage interface {
	LogID() replog.LogID

	// Insert queues a contiguous run of entries.
	Insert(entries iter.Seq[replog.LogEntry], opts WriteOptions) *future.Future[SequenceNumber]
	// RemoveFront queues the removal of every entry with index < stop (compaction).
	RemoveFront(stop replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber]
	// RemoveBack queues the removal of every entry with index >= start (rollback of a divergent tail).
	RemoveBack(start replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber]

	// Read lazily iterates the persisted entries starting at first.
	Read(first replog.LogIndex) iter.Seq2[replog.LogEntry, error]
	// ReadPrefix returns the position directly before the first persisted entry.
	ReadPrefix() (replog.TermIndexPair, error)
	ReadMetadata() (PersistedStateInfo, error)
	// UpdateMetadata durably replaces the log's metadata.
	UpdateMetadata(info PersistedStateInfo) error

	// WaitForSync resolves once seq is durable.
	WaitForSync(seq SequenceNumber) *future.Future[SequenceNumber]
	SyncedSequenceNumber() SequenceNumber

	// WaitForCompletion blocks until every queued write of this log completed.
	WaitForCompletion(ctx context.Context) error
	// Drop waits for all queued writes and then deletes the log's entries and metadata.
	Drop(ctx context.Context) error
}

// PersistedLog implements LogStorage on a Batcher shared by many logs.
type PersistedLog struct {
	logID   replog.LogID
	batcher *Batcher
	actx    *AsyncWriteContext
	logger  *zap.Logger
}

var _ LogStorage = (*PersistedLog)(nil)

// CreateLog allocates an object id and persists the initial metadata of a new log. It fails with
// replog.ErrLogExists if logID is already in use.
func CreateLog(batcher *Batcher, logID replog.LogID, dataSourceID string, logger *zap.Logger) (*PersistedLog, PersistedStateInfo, error) {
	backend := batcher.Backend()
	if _, err := backend.ReadMetadata(logID); err == nil {
		return nil, PersistedStateInfo{}, fmt.Errorf("%w: %d", replog.ErrLogExists, logID)
	}

	info := PersistedStateInfo{LogID: logID, DataSourceID: dataSourceID}
	_, err := backend.WriteSync(func(wb WriteBatch) error {
		id, err := wb.NextObjectID()
		if err != nil {
			return err
		}
		info.ObjectID = id
		return wb.PutMetadata(info)
	})
	if err != nil {
		return nil, PersistedStateInfo{}, fmt.Errorf("%w: create log %d: %v", replog.ErrStorageFailure, logID, err)
	}
	return OpenLog(batcher, logID, logger), info, nil
}

// OpenLog returns the storage of an existing log. It does not touch the backend.
func OpenLog(batcher *Batcher, logID replog.LogID, logger *zap.Logger) *PersistedLog {
	return &PersistedLog{
		logID:   logID,
		batcher: batcher,
		actx:    NewAsyncWriteContext(),
		logger:  logger.With(zap.Stringer("log_id", logID)),
	}
}

func (l *PersistedLog) LogID() replog.LogID { return l.logID }

// AsyncWriteContext returns the context counting this log's queued writes.
func (l *PersistedLog) AsyncWriteContext() *AsyncWriteContext { return l.actx }

func (l *PersistedLog) droppedErr() error {
	return fmt.Errorf("%w: %d was dropped", replog.ErrLogNotFound, l.logID)
}

func (l *PersistedLog) Insert(entries iter.Seq[replog.LogEntry], opts WriteOptions) *future.Future[SequenceNumber] {
	guard, ok := l.actx.TryAcquire()
	if !ok {
		return future.Failed[SequenceNumber](l.droppedErr())
	}
	return l.batcher.QueueInsert(guard, l.logID, entries, opts)
}

func (l *PersistedLog) RemoveFront(stop replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber] {
	guard, ok := l.actx.TryAcquire()
	if !ok {
		return future.Failed[SequenceNumber](l.droppedErr())
	}
	return l.batcher.QueueRemoveFront(guard, l.logID, stop, opts)
}

func (l *PersistedLog) RemoveBack(start replog.LogIndex, opts WriteOptions) *future.Future[SequenceNumber] {
	guard, ok := l.actx.TryAcquire()
	if !ok {
		return future.Failed[SequenceNumber](l.droppedErr())
	}
	return l.batcher.QueueRemoveBack(guard, l.logID, start, opts)
}

func (l *PersistedLog) Read(first replog.LogIndex) iter.Seq2[replog.LogEntry, error] {
	return l.batcher.Backend().ReadEntries(l.logID, first)
}

func (l *PersistedLog) ReadPrefix() (replog.TermIndexPair, error) {
	return l.batcher.Backend().ReadPrefix(l.logID)
}

func (l *PersistedLog) ReadMetadata() (PersistedStateInfo, error) {
	return l.batcher.Backend().ReadMetadata(l.logID)
}

func (l *PersistedLog) UpdateMetadata(info PersistedStateInfo) error {
	guard, ok := l.actx.TryAcquire()
	if !ok {
		return l.droppedErr()
	}
	defer guard.Fire()
	if info.LogID != l.logID {
		return fmt.Errorf("metadata of log %d written to log %d", info.LogID, l.logID)
	}
	backend := l.batcher.Backend()
	if _, err := backend.WriteSync(func(wb WriteBatch) error { return wb.PutMetadata(info) }); err != nil {
		return fmt.Errorf("%w: update metadata: %v", replog.ErrStorageFailure, err)
	}
	l.logger.Debug("Updated metadata", zap.Stringer("info", info))
	return nil
}

func (l *PersistedLog) WaitForSync(seq SequenceNumber) *future.Future[SequenceNumber] {
	return l.batcher.WaitForSync(seq)
}

func (l *PersistedLog) SyncedSequenceNumber() SequenceNumber {
	return l.batcher.SyncedSequenceNumber()
}

func (l *PersistedLog) WaitForCompletion(ctx context.Context) error {
	return l.actx.WaitForCompletion(ctx)
}

func (l *PersistedLog) Drop(ctx context.Context) error {
	if !l.actx.Close() {
		return l.droppedErr()
	}
	if err := l.actx.WaitForCompletion(ctx); err != nil {
		l.actx.Reopen()
		return fmt.Errorf("drop log %d: %w", l.logID, err)
	}
	_, err := l.batcher.Backend().WriteSync(func(wb WriteBatch) error { return wb.DeleteLog(l.logID) })
	if err != nil {
		return fmt.Errorf("%w: drop log %d: %v", replog.ErrStorageFailure, l.logID, err)
	}
	l.logger.Info("Dropped log storage")
	return nil
}
