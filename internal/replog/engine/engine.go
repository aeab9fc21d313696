// Package engine owns the storage of a process: one bbolt backend, the executor running its lanes, the batcher and
// every replicated log stored in it. It is constructed explicitly and passed to whoever needs it.
package engine

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"replog/internal/config"
	"replog/internal/future"
	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/metrics"
	"replog/internal/replog/replicated"
	"replog/internal/replog/storage"
)

// Engine is the storage engine of one process. It is safe for concurrent use.
type Engine struct {
	cfg     config.Config
	logger  *zap.Logger
	backend storage.Backend
	// pool is nil for the inline executor.
	pool    *storage.PoolExecutor
	batcher *storage.Batcher
	metrics *metrics.Metrics
	events  *pubsub.PubSubClient

	mu     sync.RWMutex
	logs   map[replog.LogID]*replicated.ReplicatedLog
	closed bool
}

// New opens the backend configured in cfg and loads every log persisted in it. Loaded logs start unconfigured. m may
// be nil.
func New(cfg config.Config, logger *zap.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = logger.Named("engine")

	if dir := filepath.Dir(cfg.Storage.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
		}
	}
	backend, err := storage.NewBoltBackend(cfg.Storage.Path, storage.BoltOptions{
		NoGrowSync: cfg.Storage.NoGrowSync,
		Timeout:    time.Duration(cfg.Storage.OpenTimeout),
	}, logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		metrics: m,
		events:  pubsub.NewPubSub(logger),
		logs:    make(map[replog.LogID]*replicated.ReplicatedLog),
	}
	var executor storage.Executor = storage.InlineExecutor{}
	if cfg.Storage.Executor == "pool" {
		e.pool = storage.NewPoolExecutor(cfg.Storage.Workers, logger)
		executor = e.pool
	}
	e.batcher = storage.NewBatcher(backend, executor, logger, m)

	if err := e.loadExisting(); err != nil {
		return nil, multierr.Append(err, e.Shutdown(context.Background()))
	}
	return e, nil
}

func (e *Engine) loadExisting() error {
	infos, err := e.backend.ListMetadata()
	if err != nil {
		return fmt.Errorf("failed to list logs: %w", err)
	}
	for _, info := range infos {
		r, err := replicated.Open(storage.OpenLog(e.batcher, info.LogID, e.logger), e.options())
		if err != nil {
			return fmt.Errorf("failed to load log %d: %w", info.LogID, err)
		}
		e.logs[info.LogID] = r
		status := r.QuickStatus()
		e.logger.Info("Loaded log",
			zap.Stringer("log_id", info.LogID),
			zap.Uint64("term", uint64(info.State.Term)),
			zap.String("entries", humanize.Comma(int64(status.Local.SpearheadIndex)-int64(status.Local.FirstIndex)+1)),
			zap.Uint64("first_index", uint64(status.Local.FirstIndex)))
	}
	return nil
}

// options derives the replication options of a log from the configuration.
func (e *Engine) options() replicated.Options {
	rc := e.cfg.Replication
	return replicated.Options{
		WaitForSync:         rc.WaitForSync,
		MaxBatchEntries:     rc.MaxBatchEntries,
		CompactionThreshold: rc.CompactionThreshold,
		RPCTimeout:          time.Duration(rc.RPCTimeout),
		RetryBackoffBase:    time.Duration(rc.RetryBackoffBase),
		MaxRetryBackoff:     time.Duration(rc.MaxRetryBackoff),
		Logger:              e.logger,
		Metrics:             e.metrics,
		Events:              e.events,
	}
}

// Events is the bus the logs publish their lifecycle events on.
func (e *Engine) Events() *pubsub.PubSubClient { return e.events }

// CreateLog creates and opens an empty log. An empty dataSourceID is replaced by a random one.
func (e *Engine) CreateLog(logID replog.LogID, dataSourceID string) (*replicated.ReplicatedLog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, replog.ErrShuttingDown
	}
	if _, ok := e.logs[logID]; ok {
		return nil, fmt.Errorf("%w: %d", replog.ErrLogExists, logID)
	}
	if dataSourceID == "" {
		dataSourceID = uuid.NewString()
	}

	s, _, err := storage.CreateLog(e.batcher, logID, dataSourceID, e.logger)
	if err != nil {
		return nil, err
	}
	r, err := replicated.Open(s, e.options())
	if err != nil {
		return nil, err
	}
	e.logs[logID] = r
	e.logger.Info("Created log", zap.Stringer("log_id", logID), zap.String("data_source", dataSourceID))
	return r, nil
}

// GetLog returns the open log logID.
func (e *Engine) GetLog(logID replog.LogID) (*replicated.ReplicatedLog, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, replog.ErrShuttingDown
	}
	r, ok := e.logs[logID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", replog.ErrLogNotFound, logID)
	}
	return r, nil
}

// Logs returns the ids of all open logs in ascending order.
func (e *Engine) Logs() []replog.LogID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(e.logs), cmp.Compare[replog.LogID])
}

// DropLog closes logID and deletes all of its entries and metadata.
func (e *Engine) DropLog(ctx context.Context, logID replog.LogID) error {
	e.mu.Lock()
	r, ok := e.logs[logID]
	if ok {
		delete(e.logs, logID)
	}
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return replog.ErrShuttingDown
	}
	if !ok {
		return fmt.Errorf("%w: %d", replog.ErrLogNotFound, logID)
	}

	if err := r.Close(ctx); err != nil {
		return err
	}
	if err := r.Storage().Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop log %d: %w", logID, err)
	}
	e.logger.Info("Dropped log", zap.Stringer("log_id", logID))
	return nil
}

// AppendEntries hands req to the log it addresses. It is the receiving end of the replication transport.
func (e *Engine) AppendEntries(ctx context.Context, req replog.AppendEntriesRequest) *future.Future[replog.AppendEntriesResult] {
	r, err := e.GetLog(req.LogID)
	if err != nil {
		return future.Failed[replog.AppendEntriesResult](err)
	}
	return r.AppendEntries(ctx, req)
}

// Shutdown closes every log concurrently, waiting for their outstanding writes, and then releases the executor and
// the backend. Calling it again is a no-op.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	logs := slices.Collect(maps.Values(e.logs))
	e.logs = make(map[replog.LogID]*replicated.ReplicatedLog)
	e.mu.Unlock()

	e.logger.Info("Shutting down", zap.Int("logs", len(logs)))
	var g errgroup.Group
	for _, r := range logs {
		g.Go(func() error { return r.Close(ctx) })
	}
	err := g.Wait()

	if e.pool != nil {
		e.pool.Close()
	}
	e.events.GracefulShutdown()
	return multierr.Append(err, e.backend.Close())
}
