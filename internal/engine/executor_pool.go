package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rendis/conveyor/pkg/schema"
)

// ErrPoolClosed is returned by executorPool.Do once Close has been called.
var ErrPoolClosed = errors.New("executor pool closed")

// PoolStats is a point-in-time view of the executor pool.
type PoolStats struct {
	Size     int    `json:"size"`
	Busy     int    `json:"busy"`
	Finished uint64 `json:"finished"`
	Failed   uint64 `json:"failed"`
	Panicked uint64 `json:"panicked"`
}

// executorPool caps how many executor attempts hold a slot at once, across
// every run of the controller. Callers block in Do until a slot frees up.
type executorPool struct {
	slots   chan struct{}
	closing chan struct{}
	onBusy  func(int)

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	busy     atomic.Int64
	finished atomic.Uint64
	failed   atomic.Uint64
	panicked atomic.Uint64
}

// newExecutorPool sizes the pool; size below one means one. onBusy, when
// set, is told the number of held slots after every change.
func newExecutorPool(size int, onBusy func(int)) *executorPool {
	if size < 1 {
		size = 1
	}
	return &executorPool{
		slots:   make(chan struct{}, size),
		closing: make(chan struct{}),
		onBusy:  onBusy,
	}
}

// Do runs fn on the caller's goroutine while holding a slot. A panic in fn is
// recovered and returned as an EXECUTION_ERROR.
func (p *executorPool) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	defer p.release()
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			err = schema.NewErrorf(schema.ErrCodeExecution, "executor panicked: %v", r).
				WithDetails(map[string]any{"panic": fmt.Sprint(r)})
		}
		if err != nil {
			p.failed.Add(1)
		} else {
			p.finished.Add(1)
		}
	}()
	return fn(ctx)
}

func (p *executorPool) acquire(ctx context.Context) error {
	if p.isClosed() {
		return ErrPoolClosed
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolClosed
	}

	// inflight.Add must not race Close's Wait.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		<-p.slots
		return ErrPoolClosed
	}
	p.inflight.Add(1)
	p.report(p.busy.Add(1))
	return nil
}

func (p *executorPool) release() {
	p.report(p.busy.Add(-1))
	<-p.slots
	p.inflight.Done()
}

func (p *executorPool) report(n int64) {
	if p.onBusy != nil {
		p.onBusy(int(n))
	}
}

func (p *executorPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close refuses new work and waits for held slots to be released. Blocked
// callers of Do get ErrPoolClosed.
func (p *executorPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.inflight.Wait()
		return
	}
	p.closed = true
	close(p.closing)
	p.mu.Unlock()
	p.inflight.Wait()
}

// Stats snapshots the counters.
func (p *executorPool) Stats() PoolStats {
	return PoolStats{
		Size:     cap(p.slots),
		Busy:     int(p.busy.Load()),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
		Panicked: p.panicked.Load(),
	}
}
