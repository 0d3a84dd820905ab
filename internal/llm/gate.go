package llm

import (
	"context"
	"sync"
)

// CallGate bounds the number of concurrent generation requests against the
// backend. Local inference is effectively serialized by the GPU, so letting
// many requests in at once only multiplies first-token latency. Waiters are
// served in FIFO order.
type CallGate struct {
	mu          sync.Mutex
	active      int
	maxActive   int
	waiters     []chan struct{}
	totalWaited uint64
}

// NewCallGate creates a gate allowing maxActive concurrent calls. A
// maxActive of zero or less means unbounded.
func NewCallGate(maxActive int) *CallGate {
	return &CallGate{maxActive: maxActive}
}

// Acquire blocks until a call slot is available or the context is cancelled.
func (g *CallGate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.maxActive <= 0 || g.active < g.maxActive {
		g.active++
		g.mu.Unlock()
		return nil
	}

	waiter := make(chan struct{})
	g.waiters = append(g.waiters, waiter)
	g.totalWaited++
	g.mu.Unlock()

	select {
	case <-waiter:
		// Release handed us the slot.
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range g.waiters {
			if w == waiter {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return ctx.Err()
			}
		}
		g.mu.Unlock()
		// Release already closed our waiter; the slot is ours, give it back.
		g.Release()
		return ctx.Err()
	}
}

// Release returns a call slot, waking the oldest waiter if any.
func (g *CallGate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) > 0 {
		waiter := g.waiters[0]
		g.waiters = g.waiters[1:]
		close(waiter)
		// Slot transfers directly to the waiter; active count is unchanged.
		return
	}
	if g.active > 0 {
		g.active--
	}
}

// Active returns the number of in-flight calls.
func (g *CallGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Waiting returns the number of callers blocked in Acquire.
func (g *CallGate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
