package storage

import (
	"context"
	"sync"
)

// AsyncWriteContext counts the writes of one log that are queued but not yet completed. A log's storage must not be
// dropped or handed to a new owner while the count is non zero.
type AsyncWriteContext struct {
	mu      sync.Mutex
	pending int
	closed  bool
	// idle is closed while pending == 0 and replaced on the transition to 1.
	idle chan struct{}
}

// NewAsyncWriteContext returns an idle context.
func NewAsyncWriteContext() *AsyncWriteContext {
	idle := make(chan struct{})
	close(idle)
	return &AsyncWriteContext{idle: idle}
}

// Acquire registers one outstanding write. The returned guard must be fired exactly when the write completed,
// successfully or not.
func (c *AsyncWriteContext) Acquire() *WriteGuard {
	c.mu.Lock()
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
	c.mu.Unlock()
	return &WriteGuard{ctx: c}
}

// TryAcquire is Acquire for a context that may be closed. It reports false, without registering a write, once Close
// was called.
func (c *AsyncWriteContext) TryAcquire() (*WriteGuard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	if c.pending == 0 {
		c.idle = make(chan struct{})
	}
	c.pending++
	return &WriteGuard{ctx: c}, true
}

// Close makes every later TryAcquire fail. It reports false if the context was already closed. Writes acquired
// before Close still count, so WaitForCompletion after Close observes a stable zero.
func (c *AsyncWriteContext) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Reopen undoes Close.
func (c *AsyncWriteContext) Reopen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = false
}

// Closed reports whether Close was called.
func (c *AsyncWriteContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *AsyncWriteContext) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending--
	if c.pending == 0 {
		close(c.idle)
	}
}

// Pending returns the number of outstanding writes.
func (c *AsyncWriteContext) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Idle returns a channel that is closed once no write is outstanding. Writes acquired after the channel was closed
// are not covered by it.
func (c *AsyncWriteContext) Idle() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.idle
}

// WaitForCompletion blocks until no write is outstanding or ctx is done. It does not keep new writes from being
// acquired, callers that need a stable zero have to stop submitting first.
func (c *AsyncWriteContext) WaitForCompletion(ctx context.Context) error {
	for {
		idle := c.Idle()
		select {
		case <-idle:
			if c.Pending() == 0 {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WriteGuard is held by one queued write for its whole lifetime.
type WriteGuard struct {
	ctx  *AsyncWriteContext
	once sync.Once
}

// Fire releases the guard. Only the first call has an effect.
func (g *WriteGuard) Fire() {
	g.once.Do(g.ctx.release)
}
