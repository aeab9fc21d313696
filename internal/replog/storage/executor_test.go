package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInlineExecutor(t *testing.T) {
	ran := false
	InlineExecutor{}.Schedule(func() { ran = true })
	assert.True(t, ran)
}

func TestPoolExecutor(t *testing.T) {
	t.Run("runs every task", func(t *testing.T) {
		e := NewPoolExecutor(3, zaptest.NewLogger(t))
		var count atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			e.Schedule(func() {
				defer wg.Done()
				count.Add(1)
			})
		}
		wg.Wait()
		e.Close()
		assert.Equal(t, int32(100), count.Load())
	})

	t.Run("close drains the queue", func(t *testing.T) {
		e := NewPoolExecutor(1, zaptest.NewLogger(t))
		block := make(chan struct{})
		var count atomic.Int32
		e.Schedule(func() { <-block })
		for i := 0; i < 10; i++ {
			e.Schedule(func() { count.Add(1) })
		}
		close(block)
		e.Close()
		assert.Equal(t, int32(10), count.Load())
	})

	t.Run("tasks may schedule tasks", func(t *testing.T) {
		e := NewPoolExecutor(1, zaptest.NewLogger(t))
		defer e.Close()
		done := make(chan struct{})
		e.Schedule(func() {
			e.Schedule(func() { close(done) })
		})
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("nested task did not run")
		}
	})

	t.Run("lanes do not take pool workers", func(t *testing.T) {
		e := NewPoolExecutor(1, zaptest.NewLogger(t))
		parked := make(chan struct{})
		e.RunLane(func() { <-parked })

		done := make(chan struct{})
		e.Schedule(func() { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("task queued behind a lane worker")
		}
		close(parked)
		e.Close()
	})

	t.Run("schedule after close runs inline", func(t *testing.T) {
		e := NewPoolExecutor(0, zaptest.NewLogger(t))
		e.Close()
		e.Close()
		ran := false
		e.Schedule(func() { ran = true })
		assert.True(t, ran)
	})
}

func TestAsyncWriteContext(t *testing.T) {
	t.Run("idle when nothing is pending", func(t *testing.T) {
		c := NewAsyncWriteContext()
		assert.NoError(t, c.WaitForCompletion(context.Background()))
	})

	t.Run("waits for every guard", func(t *testing.T) {
		c := NewAsyncWriteContext()
		g1, g2 := c.Acquire(), c.Acquire()
		assert.Equal(t, 2, c.Pending())

		done := make(chan error, 1)
		go func() { done <- c.WaitForCompletion(context.Background()) }()

		g1.Fire()
		g1.Fire()
		assert.Equal(t, 1, c.Pending())
		select {
		case <-done:
			t.Fatal("wait returned with an outstanding guard")
		case <-time.After(20 * time.Millisecond):
		}

		g2.Fire()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("wait did not return")
		}
		assert.Zero(t, c.Pending())
	})

	t.Run("context bounds the wait", func(t *testing.T) {
		c := NewAsyncWriteContext()
		g := c.Acquire()
		defer g.Fire()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, c.WaitForCompletion(ctx), context.DeadlineExceeded)
	})

	t.Run("closed context refuses new writes", func(t *testing.T) {
		c := NewAsyncWriteContext()
		g, ok := c.TryAcquire()
		require.True(t, ok)

		assert.True(t, c.Close())
		assert.False(t, c.Close())
		assert.True(t, c.Closed())
		_, ok = c.TryAcquire()
		assert.False(t, ok)
		assert.Equal(t, 1, c.Pending(), "writes acquired before close still count")

		g.Fire()
		require.NoError(t, c.WaitForCompletion(context.Background()))

		c.Reopen()
		g, ok = c.TryAcquire()
		require.True(t, ok)
		g.Fire()
	})

	t.Run("reusable after draining", func(t *testing.T) {
		c := NewAsyncWriteContext()
		c.Acquire().Fire()
		g := c.Acquire()
		select {
		case <-c.Idle():
			t.Fatal("context idle with an outstanding guard")
		default:
		}
		g.Fire()
		<-c.Idle()
	})
}
