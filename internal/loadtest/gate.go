package loadtest

import (
	"context"
	"sync"
)

// Gate blocks lanes and the scheduler while a run is paused.
//
// Waiters park on a channel that is closed on resume.
type Gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
}

// NewGate creates an open gate.
func NewGate() *Gate {
	return &Gate{resumed: make(chan struct{})}
}

// Pause closes the gate. It returns false if the gate was already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.paused {
		return false
	}
	g.paused = true
	g.resumed = make(chan struct{})
	return true
}

// Resume opens the gate and releases every waiter. It returns false if the
// gate was not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resumed)
	return true
}

// Paused reports whether the gate is closed.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. It returns true once the gate is
// open, or false if ctx is done or stop is closed first.
func (g *Gate) Wait(ctx context.Context, stop <-chan struct{}) bool {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return true
		}
		resumed := g.resumed
		g.mu.Unlock()

		select {
		case <-resumed:
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
