// Package limit bounds concurrent upstream translations.
package limit

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore is a fair (FIFO) counting semaphore. Waiters are served in
// arrival order; a release wakes exactly one waiter.
type Semaphore struct {
	sem *semaphore.Weighted
}

// NewSemaphore creates a semaphore admitting up to max concurrent holders.
func NewSemaphore(max int) *Semaphore {
	if max <= 0 {
		max = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(int64(max))}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// Release frees a slot acquired by Acquire.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}
