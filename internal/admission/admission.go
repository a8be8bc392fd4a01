// Package admission implements the bounded-permit gate that caps the
// number of concurrently in-flight scrape units.
package admission

import (
	"context"
	"fmt"
	"sync"
)

// Gate hands out up to capacity permits. Acquire blocks until a permit is
// free; Release hands the permit directly to the longest-waiting caller so
// no waiter starves. Resize changes capacity live: growing wakes queued
// waiters up to the new ceiling, shrinking never evicts current holders and
// only throttles future admission until usage drains below the ceiling.
type Gate struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []*waiter
}

type waiter struct {
	ready chan struct{}
}

// New creates a Gate with the given capacity.
func New(capacity int) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("admission capacity must be > 0, got %d", capacity)
	}
	return &Gate{capacity: capacity}, nil
}

// Acquire blocks until a permit is available or ctx is done. Waiters are
// served in FIFO order; a caller arriving while others wait always queues
// behind them.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.inUse < g.capacity && len(g.waiters) == 0 {
		g.inUse++
		g.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{}, 1)}
	g.waiters = append(g.waiters, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, queued := range g.waiters {
			if queued == w {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				g.mu.Unlock()
				return fmt.Errorf("admission wait: %w", ctx.Err())
			}
		}
		// The permit was handed over concurrently with cancellation.
		// Pass it on rather than leaking it.
		g.releaseLocked()
		g.mu.Unlock()
		return fmt.Errorf("admission wait: %w", ctx.Err())
	}
}

// Release returns a permit, waking the longest-waiting caller if capacity
// allows. It must be called exactly once per successful Acquire.
func (g *Gate) Release() {
	g.mu.Lock()
	g.releaseLocked()
	g.mu.Unlock()
}

func (g *Gate) releaseLocked() {
	if g.inUse > 0 {
		g.inUse--
	}
	g.wakeLocked()
}

// Resize changes the permit ceiling. Raising capacity wakes queued waiters
// immediately; lowering it lets current holders drain naturally. Resizing
// to the current value leaves waiter ordering untouched.
func (g *Gate) Resize(capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("admission capacity must be > 0, got %d", capacity)
	}
	g.mu.Lock()
	g.capacity = capacity
	g.wakeLocked()
	g.mu.Unlock()
	return nil
}

func (g *Gate) wakeLocked() {
	for g.inUse < g.capacity && len(g.waiters) > 0 {
		w := g.waiters[0]
		g.waiters = g.waiters[1:]
		g.inUse++
		w.ready <- struct{}{}
	}
}

// Capacity returns the current permit ceiling.
func (g *Gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}

// InUse returns the number of permits currently held.
func (g *Gate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiting returns the number of callers parked in the queue.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
