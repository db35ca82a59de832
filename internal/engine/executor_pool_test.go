package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/pkg/schema"
)

// hold occupies one slot of p until the returned func is called.
func hold(t *testing.T, p *executorPool) (release func()) {
	t.Helper()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Do(context.Background(), func(context.Context) error {
			close(entered)
			<-unblock
			return nil
		})
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("slot was never acquired")
	}
	return func() {
		close(unblock)
		<-done
	}
}

func TestExecutorPool_DoReturnsFnError(t *testing.T) {
	p := newExecutorPool(1, nil)
	defer p.Close()

	boom := errors.New("boom")
	require.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
	assert.ErrorIs(t, p.Do(context.Background(), func(context.Context) error { return boom }), boom)

	st := p.Stats()
	assert.Equal(t, PoolStats{Size: 1, Finished: 1, Failed: 1}, st)
}

func TestExecutorPool_SizeBelowOneMeansOne(t *testing.T) {
	assert.Equal(t, 1, newExecutorPool(0, nil).Stats().Size)
	assert.Equal(t, 1, newExecutorPool(-4, nil).Stats().Size)
}

func TestExecutorPool_CapsConcurrency(t *testing.T) {
	const size = 3
	p := newExecutorPool(size, nil)
	defer p.Close()

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
	assert.Equal(t, uint64(12), p.Stats().Finished)
	assert.Zero(t, p.Stats().Busy)
}

func TestExecutorPool_WaitingCallerHonoursContext(t *testing.T) {
	p := newExecutorPool(1, nil)
	defer p.Close()
	release := hold(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ran := false
	err := p.Do(ctx, func(context.Context) error { ran = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, ran)

	release()
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestExecutorPool_PanicBecomesExecutionError(t *testing.T) {
	p := newExecutorPool(1, nil)
	defer p.Close()

	err := p.Do(context.Background(), func(context.Context) error {
		panic("executor exploded")
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "executor exploded")

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Panicked)
	assert.Equal(t, uint64(1), st.Failed)
	assert.Zero(t, st.Busy, "slot released after panic")
	assert.NoError(t, p.Do(context.Background(), func(context.Context) error { return nil }))
}

func TestExecutorPool_CloseWaitsForHeldSlots(t *testing.T) {
	p := newExecutorPool(2, nil)
	release := hold(t, p)

	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a slot was held")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the slot was released")
	}
	p.Close()
}

func TestExecutorPool_ClosedPoolRefusesWork(t *testing.T) {
	p := newExecutorPool(1, nil)
	p.Close()
	err := p.Do(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestExecutorPool_CloseWakesBlockedCallers(t *testing.T) {
	p := newExecutorPool(1, nil)
	release := hold(t, p)

	errc := make(chan error, 1)
	go func() {
		errc <- p.Do(context.Background(), func(context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	go p.Close()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked caller was not woken by Close")
	}
	release()
}

func TestExecutorPool_ReportsBusySlots(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	p := newExecutorPool(2, func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})
	defer p.Close()

	require.NoError(t, p.Do(context.Background(), func(context.Context) error {
		assert.Equal(t, 1, p.Stats().Busy)
		return nil
	}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, seen)
}
