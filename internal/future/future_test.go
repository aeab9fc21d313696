package future

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromise_Resolve(t *testing.T) {
	t.Run("resolves once", func(t *testing.T) {
		p := NewPromise[int]()
		assert.False(t, p.Future().IsReady())

		assert.True(t, p.Resolve(7))
		assert.False(t, p.Resolve(8))
		assert.False(t, p.Reject(errors.New("late")))

		v, err := p.Future().Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("reject carries the error", func(t *testing.T) {
		boom := errors.New("boom")
		f := Failed[string](boom)

		_, err, ok := f.TryGet()
		assert.True(t, ok)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("get honours context", func(t *testing.T) {
		p := NewPromise[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := p.Future().Get(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestFuture_OnComplete(t *testing.T) {
	t.Run("callbacks run in registration order", func(t *testing.T) {
		p := NewPromise[int]()
		var order []int
		p.Future().OnComplete(func(int, error) { order = append(order, 1) })
		p.Future().OnComplete(func(int, error) { order = append(order, 2) })

		p.Resolve(0)
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("runs immediately when already completed", func(t *testing.T) {
		called := false
		Resolved(3).OnComplete(func(v int, err error) {
			called = true
			assert.Equal(t, 3, v)
		})
		assert.True(t, called)
	})

	t.Run("concurrent completion is safe", func(t *testing.T) {
		p := NewPromise[int]()
		var wg sync.WaitGroup
		wins := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				wins <- p.Resolve(i)
			}(i)
		}
		wg.Wait()
		close(wins)

		n := 0
		for w := range wins {
			if w {
				n++
			}
		}
		assert.Equal(t, 1, n)
	})
}

func TestThen(t *testing.T) {
	p := NewPromise[int]()
	mapped := Then(p.Future(), func(v int, err error) (string, error) {
		if err != nil {
			return "", err
		}
		return "v", nil
	})
	assert.False(t, mapped.IsReady())

	p.Resolve(1)
	v, err := mapped.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestAndThen(t *testing.T) {
	t.Run("chains on success", func(t *testing.T) {
		f := AndThen(Resolved(2), func(v int) *Future[int] { return Resolved(v * 10) })
		v, err := f.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 20, v)
	})

	t.Run("short-circuits on error", func(t *testing.T) {
		boom := errors.New("boom")
		called := false
		f := AndThen(Failed[int](boom), func(v int) *Future[int] {
			called = true
			return Resolved(v)
		})
		_, err := f.Get(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.False(t, called)
	})
}
