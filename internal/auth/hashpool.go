package auth

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// HashPool bounds the number of password hash computations running at once.
type HashPool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight atomic.Int64
}

// NewHashPool returns a pool of size workers; size <= 0 means GOMAXPROCS.
func NewHashPool(size int) *HashPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &HashPool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Do runs fn once a slot is free. It returns ctx.Err() if the wait is cancelled.
func (p *HashPool) Do(ctx context.Context, fn func()) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	fn()
	return nil
}

func (p *HashPool) InFlight() int64 { return p.inFlight.Load() }

func (p *HashPool) Size() int64 { return p.size }
