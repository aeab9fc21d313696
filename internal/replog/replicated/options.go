// Package replicated implements the participant side of a replicated log: a ReplicatedLog holds the in-memory log
// and the storage of one log and is configured as a Leader or a Follower for a term. Both roles support releasing
// a committed prefix for compaction.
package replicated

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"replog/internal/pubsub"
	"replog/internal/replog/metrics"
	"replog/internal/replog/storage"
)

// Options configures the replication engines of a log.
type Options struct {
	// WaitForSync makes every write of this participant wait for the durability barrier. Followers additionally honor
	// the flag carried by each request.
	WaitForSync bool
	// MaxBatchEntries caps the number of entries sent in one append-entries request.
	MaxBatchEntries int
	// CompactionThreshold is the minimum number of entries a physical compaction removes at once.
	CompactionThreshold uint64
	// RPCTimeout bounds a single append-entries request. Zero disables the timeout.
	RPCTimeout time.Duration
	// RetryBackoffBase and MaxRetryBackoff control the linear backoff after a failed request.
	RetryBackoffBase time.Duration
	MaxRetryBackoff  time.Duration

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Events receives lifecycle events. It may be nil.
	Events *pubsub.PubSubClient
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxBatchEntries:     500,
		CompactionThreshold: 1000,
		RPCTimeout:          50 * time.Millisecond,
		RetryBackoffBase:    10 * time.Millisecond,
		MaxRetryBackoff:     100 * time.Millisecond,
		Clock:               clock.New(),
		Logger:              zap.NewNop(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxBatchEntries <= 0 {
		o.MaxBatchEntries = d.MaxBatchEntries
	}
	if o.CompactionThreshold == 0 {
		o.CompactionThreshold = d.CompactionThreshold
	}
	if o.RetryBackoffBase <= 0 {
		o.RetryBackoffBase = d.RetryBackoffBase
	}
	if o.MaxRetryBackoff < o.RetryBackoffBase {
		o.MaxRetryBackoff = max(d.MaxRetryBackoff, o.RetryBackoffBase)
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}

func (o Options) writeOptions() storage.WriteOptions {
	return storage.WriteOptions{WaitForSync: o.WaitForSync}
}

// actions collects work prepared under a participant lock that has to run after the lock is released: storage
// requests, follower sends, promise completions and event publishing.
type actions []func()

func (a *actions) add(fn func()) { *a = append(*a, fn) }

func (a actions) run() {
	for _, fn := range a {
		fn()
	}
}
