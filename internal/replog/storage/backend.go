package storage

import (
	"bytes"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"replog/internal/replog"
)

var (
	// Bucket names
	entriesBucket  = []byte("entries")
	metadataBucket = []byte("metadata")
	prefixBucket   = []byte("prefixes")

	// bucketNames lists every bucket created when the backend is opened.
	bucketNames = [][]byte{entriesBucket, metadataBucket, prefixBucket}
)

// readChunk bounds the entries read per read transaction when iterating a log.
const readChunk = 512

// WriteBatch is the view of a single write transaction. All changes made through it are committed atomically.
type WriteBatch interface {
	// PutEntry stores e under (logID, e.Index), replacing an existing entry.
	PutEntry(logID replog.LogID, e replog.LogEntry) error
	// RemoveFront deletes every entry with index < stop and records the last deleted entry as the log's prefix.
	RemoveFront(logID replog.LogID, stop replog.LogIndex) error
	// RemoveBack deletes every entry with index >= start.
	RemoveBack(logID replog.LogID, start replog.LogIndex) error
	PutMetadata(info PersistedStateInfo) error
	// DeleteLog removes every entry, the prefix and the metadata of logID.
	DeleteLog(logID replog.LogID) error
	// NextObjectID allocates a backend wide unique object id.
	NextObjectID() (uint64, error)
}

// Backend is the transactional key/value store underneath the lanes.
type Backend interface {
	// Write runs fn in a single write transaction. On success the transaction's sequence number is returned. The
	// transaction is committed but not necessarily durable, see Sync.
	Write(fn func(WriteBatch) error) (SequenceNumber, error)
	// WriteSync is Write with a durable commit. Once it returns, the transaction and every transaction committed
	// before it are durable.
	WriteSync(fn func(WriteBatch) error) (SequenceNumber, error)
	// Sync is the durability barrier: every transaction committed before the call is durable once it returns.
	Sync() error
	// CommittedSequenceNumber returns the highest sequence number of a committed transaction.
	CommittedSequenceNumber() SequenceNumber

	// ReadEntries lazily iterates the persisted entries of logID starting at first.
	ReadEntries(logID replog.LogID, first replog.LogIndex) iter.Seq2[replog.LogEntry, error]
	// ReadPrefix returns the position directly before the first persisted entry of logID.
	ReadPrefix(logID replog.LogID) (replog.TermIndexPair, error)
	// ReadMetadata returns the metadata of logID or replog.ErrLogNotFound.
	ReadMetadata(logID replog.LogID) (PersistedStateInfo, error)
	// ListMetadata returns the metadata of every persisted log.
	ListMetadata() ([]PersistedStateInfo, error)

	Close() error
}

// BoltOptions configures the bbolt backend.
type BoltOptions struct {
	// NoGrowSync skips the fsync after growing the database file.
	NoGrowSync bool
	// Timeout bounds the wait for the file lock when opening. Zero waits forever.
	Timeout time.Duration
}

// BoltBackend implements Backend on a single bbolt file. Write commits without fsync and WriteSync commits with
// bbolt's ordered fsync of data pages before the meta page. A crash may lose the tail of Write transactions that no
// later WriteSync or Sync covered.
type BoltBackend struct {
	conn   *bbolt.DB
	logger *zap.Logger

	// lastSeq is only touched inside write transactions, which bbolt serialises.
	lastSeq   SequenceNumber
	committed atomic.Uint64
	closed    atomic.Bool
}

var _ Backend = (*BoltBackend)(nil)

// NewBoltBackend opens or creates the database file at path.
func NewBoltBackend(path string, opts BoltOptions, logger *zap.Logger) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout:    opts.Timeout,
		NoGrowSync: opts.NoGrowSync,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range bucketNames {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened storage backend", zap.String("path", path))
	return &BoltBackend{conn: db, logger: logger}, nil
}

// Path returns the database file path.
func (b *BoltBackend) Path() string { return b.conn.Path() }

func (b *BoltBackend) Write(fn func(WriteBatch) error) (SequenceNumber, error) {
	return b.write(fn, false)
}

func (b *BoltBackend) WriteSync(fn func(WriteBatch) error) (SequenceNumber, error) {
	return b.write(fn, true)
}

func (b *BoltBackend) write(fn func(WriteBatch) error, durable bool) (SequenceNumber, error) {
	var seq SequenceNumber
	err := b.conn.Update(func(tx *bbolt.Tx) error {
		// Commit reads NoSync while the writer lock is still held, so every transaction sees its own setting.
		b.conn.NoSync = !durable
		if err := fn(&boltBatch{tx: tx}); err != nil {
			return err
		}
		b.lastSeq++
		seq = b.lastSeq
		return nil
	})
	if err != nil {
		return 0, err
	}
	for {
		cur := b.committed.Load()
		if uint64(seq) <= cur || b.committed.CompareAndSwap(cur, uint64(seq)) {
			break
		}
	}
	return seq, nil
}

func (b *BoltBackend) Sync() error {
	return b.conn.Sync()
}

func (b *BoltBackend) CommittedSequenceNumber() SequenceNumber {
	return SequenceNumber(b.committed.Load())
}

func (b *BoltBackend) ReadEntries(logID replog.LogID, first replog.LogIndex) iter.Seq2[replog.LogEntry, error] {
	return func(yield func(replog.LogEntry, error) bool) {
		next := first
		for {
			chunk, err := b.readChunk(logID, next)
			if err != nil {
				yield(replog.LogEntry{}, err)
				return
			}
			for _, e := range chunk {
				if !yield(e, nil) {
					return
				}
			}
			if len(chunk) < readChunk {
				return
			}
			next = chunk[len(chunk)-1].Index + 1
		}
	}
}

// readChunk reads up to readChunk entries in one read transaction. Entries are not yielded while the transaction is
// open, so a consumer may write to the backend in between.
func (b *BoltBackend) readChunk(logID replog.LogID, from replog.LogIndex) ([]replog.LogEntry, error) {
	var out []replog.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		prefix := logKey(logID)
		for k, v := c.Seek(entryKey(logID, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if _, idx, _ := parseEntryKey(k); idx != e.Index {
				return fmt.Errorf("%w: key index %d holds entry %d", replog.ErrCorruptEntry, idx, e.Index)
			}
			out = append(out, e)
			if len(out) == readChunk {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltBackend) ReadPrefix(logID replog.LogID) (replog.TermIndexPair, error) {
	var p replog.TermIndexPair
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(prefixBucket).Get(logKey(logID))
		if data == nil {
			return nil
		}
		var err error
		p, err = decodePrefix(data)
		return err
	})
	return p, err
}

func (b *BoltBackend) ReadMetadata(logID replog.LogID) (PersistedStateInfo, error) {
	var info PersistedStateInfo
	err := b.conn.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get(logKey(logID))
		if data == nil {
			return fmt.Errorf("%w: %d", replog.ErrLogNotFound, logID)
		}
		var err error
		info, err = decodeMetadata(data)
		return err
	})
	return info, err
}

func (b *BoltBackend) ListMetadata() ([]PersistedStateInfo, error) {
	var infos []PersistedStateInfo
	err := b.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			info, err := decodeMetadata(v)
			if err != nil {
				return fmt.Errorf("metadata %x: %w", k, err)
			}
			infos = append(infos, info)
			return nil
		})
	})
	return infos, err
}

// Close syncs and closes the database file. Closing twice is a no-op.
func (b *BoltBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return multierr.Append(b.conn.Sync(), b.conn.Close())
}

type boltBatch struct {
	tx *bbolt.Tx
}

func (w *boltBatch) PutEntry(logID replog.LogID, e replog.LogEntry) error {
	return w.tx.Bucket(entriesBucket).Put(entryKey(logID, e.Index), encodeEntry(e))
}

func (w *boltBatch) RemoveFront(logID replog.LogID, stop replog.LogIndex) error {
	bucket := w.tx.Bucket(entriesBucket)
	keys, lastValue := collectKeys(bucket, logID, 0, stop)
	if len(keys) == 0 {
		return nil
	}
	last, err := decodeEntry(lastValue)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return w.tx.Bucket(prefixBucket).Put(logKey(logID), encodePrefix(last.TermIndexPair()))
}

func (w *boltBatch) RemoveBack(logID replog.LogID, start replog.LogIndex) error {
	bucket := w.tx.Bucket(entriesBucket)
	keys, _ := collectKeys(bucket, logID, start, 0)
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (w *boltBatch) PutMetadata(info PersistedStateInfo) error {
	return w.tx.Bucket(metadataBucket).Put(logKey(info.LogID), encodeMetadata(info))
}

func (w *boltBatch) DeleteLog(logID replog.LogID) error {
	if err := w.RemoveBack(logID, 0); err != nil {
		return err
	}
	if err := w.tx.Bucket(prefixBucket).Delete(logKey(logID)); err != nil {
		return err
	}
	return w.tx.Bucket(metadataBucket).Delete(logKey(logID))
}

func (w *boltBatch) NextObjectID() (uint64, error) {
	return w.tx.Bucket(metadataBucket).NextSequence()
}

// collectKeys returns the keys of logID in [from, to), with to == 0 meaning the end of the log, together with the
// value of the last key. Keys are collected first since deleting under a cursor skips elements.
func collectKeys(bucket *bbolt.Bucket, logID replog.LogID, from, to replog.LogIndex) ([][]byte, []byte) {
	var (
		keys [][]byte
		last []byte
	)
	prefix := logKey(logID)
	c := bucket.Cursor()
	for k, v := c.Seek(entryKey(logID, from)); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if _, idx, _ := parseEntryKey(k); to != 0 && idx >= to {
			break
		}
		keys = append(keys, bytes.Clone(k))
		last = v
	}
	return keys, bytes.Clone(last)
}
