// Package drain implements a resettable broadcast gate: Trigger wakes every
// goroutine currently blocked on Wait by closing the current generation's
// channel, and Reset arms a fresh generation so the next Trigger/Wait cycle
// starts clean. It's the channel-based analogue of a mutex-guarded flag
// plus a condition variable broadcast.
package drain

import "sync"

// Gate starts untriggered. Trigger wakes every goroutine blocked on Wait;
// Reset arms the gate for a new generation of waiters.
type Gate struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns an untriggered Gate.
func New() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Wait returns a channel that closes the next time Trigger is called (or
// immediately, if the gate is already triggered).
func (g *Gate) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Trigger closes the current generation's channel, waking every Wait
// caller. Safe to call more than once before Reset.
func (g *Gate) Trigger() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Reset arms a fresh generation: callers already woken by Trigger stay
// woken (their channel reference is still closed); new Wait calls block
// again until the next Trigger.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// Triggered reports whether the current generation has been triggered.
func (g *Gate) Triggered() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}
