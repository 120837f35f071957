package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many evaluations hold a slot at once. Blocked acquirers are
// served in the order they started waiting.
type Gate struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

func NewGate(capacity int) (*Gate, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("%w: max concurrency must be >= 1, got %d", ErrInvalidConfig, capacity)
	}
	return &Gate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}, nil
}

// Acquire blocks until a slot is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.inUse.Add(1)
	return nil
}

// Release returns a slot. Releasing more than was acquired panics.
func (g *Gate) Release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

func (g *Gate) Capacity() int {
	return g.capacity
}

func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}
