package engine

import "context"

// Gate serializes access to the engine across sessions. Exactly one holder
// at a time; waiters queue on the semaphore in best-effort FIFO order.
// New connections can still be accepted while they wait.
type Gate struct {
	sem chan struct{}
}

// NewGate creates an unheld gate.
func NewGate() *Gate {
	return &Gate{sem: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the gate without blocking, reporting whether it succeeded.
func (g *Gate) TryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the gate. Calling Release without holding the gate is a
// programming error and panics.
func (g *Gate) Release() {
	select {
	case <-g.sem:
	default:
		panic("engine: Release of unheld gate")
	}
}
