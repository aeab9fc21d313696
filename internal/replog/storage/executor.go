package storage

import (
	"sync"

	"go.uber.org/zap"
)

// Executor decides where storage work runs.
type Executor interface {
	Schedule(task func())
}

// LaneRunner is implemented by executors that can run a long lived lane worker outside their shared workers.
type LaneRunner interface {
	RunLane(worker func())
}

// InlineExecutor runs every task in the goroutine that schedules it. Used in tests and by single threaded tools.
type InlineExecutor struct{}

func (InlineExecutor) Schedule(task func()) { task() }

// PoolExecutor runs tasks on a fixed number of worker goroutines in FIFO order. The queue is unbounded, so Schedule
// never blocks, including when a task schedules further tasks.
type PoolExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPoolExecutor starts workers goroutines. workers < 1 is treated as 1.
func NewPoolExecutor(workers int, logger *zap.Logger) *PoolExecutor {
	if workers < 1 {
		workers = 1
	}
	e := &PoolExecutor{logger: logger}
	e.cond = sync.NewCond(&e.mu)
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.run(i)
	}
	logger.Debug("Started executor", zap.Int("workers", workers))
	return e
}

// Schedule queues task. After Close the task runs inline so that no completion is ever lost.
func (e *PoolExecutor) Schedule(task func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		task()
		return
	}
	e.tasks = append(e.tasks, task)
	e.mu.Unlock()
	e.cond.Signal()
}

// RunLane runs worker on a goroutine of its own that Close waits for. After Close it runs inline.
func (e *PoolExecutor) RunLane(worker func()) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		worker()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		worker()
	}()
}

func (e *PoolExecutor) run(worker int) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			e.logger.Debug("Executor worker stopped", zap.Int("worker", worker))
			return
		}
		task := e.tasks[0]
		e.tasks[0] = nil
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
	}
}

// Close stops accepting queued work and waits until every queued task ran.
func (e *PoolExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()
	e.wg.Wait()
}
