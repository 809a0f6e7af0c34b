package bridge

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Gate admits one holder at a time and hands the slot to waiters in the order
// they arrived. A waiter that gives up is skipped without taking a turn.
type Gate struct {
	mu      sync.Mutex
	held    bool
	waiters *queue.Queue
}

type gateWaiter struct {
	ready     chan struct{}
	abandoned bool
}

func NewGate() *Gate {
	return &Gate{waiters: queue.New()}
}

// Acquire blocks until the caller holds the gate or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if !g.held {
		g.held = true
		g.mu.Unlock()
		return nil
	}
	w := &gateWaiter{ready: make(chan struct{})}
	g.waiters.Add(w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.ready:
			// Handed the gate while giving up; pass it on.
			g.mu.Unlock()
			g.Release()
		default:
			w.abandoned = true
			g.mu.Unlock()
		}
		return ctx.Err()
	}
}

// Release passes the gate to the oldest live waiter, or frees it.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.waiters.Length() > 0 {
		w := g.waiters.Remove().(*gateWaiter)
		if w.abandoned {
			continue
		}
		close(w.ready)
		return
	}
	g.held = false
}

// Waiting is the number of queued callers, abandoned ones included until
// they are skipped.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Length()
}
