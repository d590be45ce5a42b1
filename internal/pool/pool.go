// Package pool provides a bounded concurrency semaphore for outbound calls.
package pool

import "context"

// MaxSize caps the number of slots.
const MaxSize = 128

// Pool limits concurrent outbound requests.
type Pool struct {
	sem chan struct{}
}

// New creates a pool with at least one slot and at most MaxSize slots.
func New(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	if size > MaxSize {
		size = MaxSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Acquire reserves one slot. If the pool is full it blocks until a slot is
// released or ctx is done, returning ctx.Err() in the latter case.
func (p *Pool) Acquire(ctx context.Context) error {
	select {
	case p.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (p *Pool) Release() {
	<-p.sem
}

// Do runs fn while holding a slot.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	defer p.Release()
	return fn(ctx)
}

// InUse reports how many slots are held.
func (p *Pool) InUse() int { return len(p.sem) }

// Size reports the slot count.
func (p *Pool) Size() int { return cap(p.sem) }
